package mapping

import (
	"errors"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szyfromat/edoreczenia-proxy/internal/edoreczenia"
)

func TestFolderMappingIsABijection(t *testing.T) {
	for _, name := range IMAPFolders() {
		remote, err := ToRemote(name)
		require.NoError(t, err, "ToRemote(%q)", name)

		back, err := ToIMAP(remote)
		require.NoError(t, err, "ToIMAP(%q)", remote)

		assert.Equal(t, name, back, "round trip for %q", name)
	}
}

func TestToRemote(t *testing.T) {
	tests := []struct {
		name   string
		imap   string
		remote string
	}{
		{"inbox", "INBOX", "inbox"},
		{"inbox is case-insensitive", "inbox", "inbox"},
		{"inbox mixed case", "InBox", "inbox"},
		{"sent", "Sent", "sent"},
		{"drafts", "Drafts", "drafts"},
		{"trash", "Trash", "trash"},
		{"archive", "Archive", "archive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote, err := ToRemote(tt.imap)
			require.NoError(t, err)
			assert.Equal(t, tt.remote, remote)
		})
	}
}

func TestToRemoteUnknownFolder(t *testing.T) {
	for _, name := range []string{"Junk", "sent", "INBOX/Sub", ""} {
		_, err := ToRemote(name)
		require.Error(t, err, "folder %q", name)

		var unknown *ErrUnknownFolder
		require.True(t, errors.As(err, &unknown))
		assert.Equal(t, name, unknown.Name)
	}
}

func TestToIMAPUnknownFolder(t *testing.T) {
	_, err := ToIMAP("spam")
	var unknown *ErrUnknownFolder
	require.True(t, errors.As(err, &unknown))
}

func TestFlagsForStatus(t *testing.T) {
	tests := []struct {
		status string
		flags  []string
	}{
		{edoreczenia.StatusRead, []string{imap.SeenFlag}},
		{edoreczenia.StatusOpened, []string{imap.SeenFlag}},
		{edoreczenia.StatusReplied, []string{imap.AnsweredFlag}},
		{edoreczenia.StatusReceived, nil},
		{edoreczenia.StatusSent, nil},
		{edoreczenia.StatusDelivered, nil},
		{"SOMETHING_NEW", nil},
		{"", nil},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.flags, FlagsForStatus(tt.status), "status %q", tt.status)
	}
}
