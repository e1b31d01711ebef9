// Package imapsrv implements the IMAP side of the proxy as a go-imap
// backend. The library drives RFC 3501 framing, command parsing, and the
// NotAuthenticated/Authenticated/Selected session states; this package
// supplies the semantics on top of the e-Doręczenia REST client.
package imapsrv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"

	"github.com/szyfromat/edoreczenia-proxy/internal/edoreczenia"
	"github.com/szyfromat/edoreczenia-proxy/internal/mapping"
)

const defaultOpTimeout = 30 * time.Second

// Backend authenticates sessions against the proxy's local credential pair
// and serves mailboxes out of the upstream REST API. One Backend is shared
// by all connections of the process; per-session state lives in the mailbox
// snapshots handed out by GetMailbox.
type Backend struct {
	username string
	password string
	client   *edoreczenia.Client
	uids     *uidRegistry
	timeout  time.Duration
}

// New creates a backend bound to one REST client and one local
// username/password pair.
func New(client *edoreczenia.Client, username, password string) *Backend {
	return &Backend{
		username: username,
		password: password,
		client:   client,
		uids:     newUIDRegistry(),
		timeout:  defaultOpTimeout,
	}
}

// Login checks the local credentials only. The upstream OAuth2 exchange
// happens lazily on first data access, so a failed LOGIN never reaches the
// identity provider.
func (b *Backend) Login(_ *imap.ConnInfo, username, password string) (backend.User, error) {
	if username != b.username || password != b.password {
		return nil, backend.ErrInvalidCredentials
	}
	return &user{backend: b}, nil
}

// opContext bounds one upstream operation.
func (b *Backend) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.timeout)
}

type user struct {
	backend *Backend
}

func (u *user) Username() string {
	return u.backend.username
}

func (u *user) ListMailboxes(_ bool) ([]backend.Mailbox, error) {
	folders := mapping.IMAPFolders()
	out := make([]backend.Mailbox, 0, len(folders))
	for _, name := range folders {
		mbox, err := u.GetMailbox(name)
		if err != nil {
			return nil, err
		}
		out = append(out, mbox)
	}
	return out, nil
}

func (u *user) GetMailbox(name string) (backend.Mailbox, error) {
	remote, err := mapping.ToRemote(name)
	if err != nil {
		return nil, backend.ErrNoSuchMailbox
	}
	canonical, _ := mapping.ToIMAP(remote)
	return &mailbox{user: u, name: canonical, remote: remote}, nil
}

// The folder set is a fixed bijection with the upstream identifiers, so the
// mailbox management commands are all rejected.

func (u *user) CreateMailbox(string) error {
	return errors.New("the folder set is fixed by e-Doreczenia")
}

func (u *user) DeleteMailbox(string) error {
	return errors.New("the folder set is fixed by e-Doreczenia")
}

func (u *user) RenameMailbox(string, string) error {
	return errors.New("the folder set is fixed by e-Doreczenia")
}

func (u *user) Logout() error {
	return nil
}

// upstreamError rewrites a REST client failure into protocol-friendly text.
// Upstream payloads are never surfaced verbatim to mail clients.
func upstreamError(action string, err error) error {
	switch {
	case edoreczenia.IsNotFound(err):
		return fmt.Errorf("%s failed: no such message", action)
	case edoreczenia.IsAuth(err):
		return fmt.Errorf("%s failed: upstream authentication rejected", action)
	case edoreczenia.IsTransient(err):
		return fmt.Errorf("%s failed: upstream temporarily unavailable, try again later", action)
	default:
		return fmt.Errorf("%s failed: rejected by upstream", action)
	}
}
