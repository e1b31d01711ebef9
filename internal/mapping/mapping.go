// Package mapping holds the static translation tables between the IMAP
// protocol surface and the e-Doręczenia API: folder names in both directions
// and the message status to IMAP flag table.
package mapping

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"

	"github.com/szyfromat/edoreczenia-proxy/internal/edoreczenia"
)

// ErrUnknownFolder is returned for any folder name outside the fixed set.
// The proxy deliberately does not support user-created folders.
type ErrUnknownFolder struct {
	Name string
}

func (e *ErrUnknownFolder) Error() string {
	return fmt.Sprintf("unknown folder %q", e.Name)
}

var imapToRemote = map[string]string{
	"INBOX":   "inbox",
	"Sent":    "sent",
	"Drafts":  "drafts",
	"Trash":   "trash",
	"Archive": "archive",
}

var remoteToIMAP = map[string]string{
	"inbox":   "INBOX",
	"sent":    "Sent",
	"drafts":  "Drafts",
	"trash":   "Trash",
	"archive": "Archive",
}

// imapFolders is the LIST order presented to clients.
var imapFolders = []string{"INBOX", "Sent", "Drafts", "Trash", "Archive"}

// IMAPFolders returns the five canonical IMAP folder names in LIST order.
func IMAPFolders() []string {
	out := make([]string, len(imapFolders))
	copy(out, imapFolders)
	return out
}

// ToRemote translates an IMAP folder name to its e-Doręczenia identifier.
// INBOX is matched case-insensitively per RFC 3501; the other names are
// exact.
func ToRemote(imapName string) (string, error) {
	name := imapName
	if strings.EqualFold(name, "INBOX") {
		name = "INBOX"
	}
	remote, ok := imapToRemote[name]
	if !ok {
		return "", &ErrUnknownFolder{Name: imapName}
	}
	return remote, nil
}

// ToIMAP translates an e-Doręczenia folder identifier to its IMAP name.
func ToIMAP(remoteID string) (string, error) {
	name, ok := remoteToIMAP[remoteID]
	if !ok {
		return "", &ErrUnknownFolder{Name: remoteID}
	}
	return name, nil
}

// FlagsForStatus derives the IMAP flag set from a message status. Statuses
// without a flag equivalent (RECEIVED included) yield no flags; that is not
// an error. The mapping is one-directional and lossy.
func FlagsForStatus(status string) []string {
	switch status {
	case edoreczenia.StatusRead, edoreczenia.StatusOpened:
		return []string{imap.SeenFlag}
	case edoreczenia.StatusReplied:
		return []string{imap.AnsweredFlag}
	default:
		return nil
	}
}
