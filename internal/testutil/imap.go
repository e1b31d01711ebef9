package testutil

import (
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// Local credentials used by the proxy backends under test.
const (
	TestLocalUsername = "testuser"
	TestLocalPassword = "testpass123"
)

// TestIMAPServer is a live proxy IMAP server on a loopback port.
type TestIMAPServer struct {
	Server  *server.Server
	Address string
}

// NewTestIMAPServer serves the given backend on 127.0.0.1:0 and registers
// shutdown with t.
func NewTestIMAPServer(t *testing.T, be backend.Backend) *TestIMAPServer {
	t.Helper()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := listener.Addr().String()

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("IMAP server error: %v", err)
		}
	}()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		_ = s.Close()
	})

	return &TestIMAPServer{Server: s, Address: addr}
}

// Connect returns a logged-in go-imap client with logout registered on t.
func (s *TestIMAPServer) Connect(t *testing.T) *imapclient.Client {
	t.Helper()

	c, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}
	if err := c.Login(TestLocalUsername, TestLocalPassword); err != nil {
		_ = c.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	t.Cleanup(func() {
		_ = c.Logout()
	})
	return c
}
