package imapsrv

import (
	"testing"

	"github.com/emersion/go-imap/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szyfromat/edoreczenia-proxy/internal/testutil"
)

func TestLogin(t *testing.T) {
	be := New(nil, "alice", "secret")

	u, err := be.Login(nil, "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username())
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	be := New(nil, "alice", "secret")

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "alice", "wrong"},
		{"wrong username", "bob", "secret"},
		{"empty", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := be.Login(nil, tc.username, tc.password)
			assert.ErrorIs(t, err, backend.ErrInvalidCredentials)
		})
	}
}

// A failed local LOGIN must never trigger an upstream token exchange.
func TestLoginDoesNotReachUpstream(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	be := New(upstream.NewClient(), testutil.TestLocalUsername, testutil.TestLocalPassword)

	_, err := be.Login(nil, testutil.TestLocalUsername, "wrong")
	require.ErrorIs(t, err, backend.ErrInvalidCredentials)
	assert.Zero(t, upstream.TokenExchanges())
}

func TestGetMailbox(t *testing.T) {
	be := New(nil, "alice", "secret")
	u, err := be.Login(nil, "alice", "secret")
	require.NoError(t, err)

	mbox, err := u.GetMailbox("INBOX")
	require.NoError(t, err)
	assert.Equal(t, "INBOX", mbox.Name())

	// Selecting is case-insensitive for INBOX per RFC 3501.
	mbox, err = u.GetMailbox("inbox")
	require.NoError(t, err)
	assert.Equal(t, "INBOX", mbox.Name())

	_, err = u.GetMailbox("Junk")
	assert.ErrorIs(t, err, backend.ErrNoSuchMailbox)
}

func TestMailboxManagementRejected(t *testing.T) {
	be := New(nil, "alice", "secret")
	u, err := be.Login(nil, "alice", "secret")
	require.NoError(t, err)

	assert.Error(t, u.CreateMailbox("Projects"))
	assert.Error(t, u.DeleteMailbox("Trash"))
	assert.Error(t, u.RenameMailbox("INBOX", "Old"))
}

func TestUIDRegistry(t *testing.T) {
	reg := newUIDRegistry()

	uid1 := reg.assign("inbox", "msg-001")
	uid2 := reg.assign("inbox", "msg-002")
	assert.NotEqual(t, uid1, uid2)

	// Same message keeps its UID.
	assert.Equal(t, uid1, reg.assign("inbox", "msg-001"))

	// UIDs are scoped per folder.
	other := reg.assign("sent", "msg-001")
	validityInbox, nextInbox := reg.info("inbox")
	validitySent, _ := reg.info("sent")
	assert.NotZero(t, validityInbox)
	assert.NotZero(t, validitySent)
	assert.Greater(t, nextInbox, uid2)
	_ = other
}
