package testutil

import (
	"net"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

// TestSMTPServer is a live proxy SMTP server on a loopback port.
type TestSMTPServer struct {
	Server  *smtp.Server
	Address string
}

// NewTestSMTPServer serves the given backend on 127.0.0.1:0 and registers
// shutdown with t. maxMessageBytes bounds DATA like the production listener
// does; pass 0 for the library default.
func NewTestSMTPServer(t *testing.T, be smtp.Backend, maxMessageBytes int64) *TestSMTPServer {
	t.Helper()

	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.AllowInsecureAuth = true
	s.ReadTimeout = 10 * time.Second
	s.WriteTimeout = 10 * time.Second
	if maxMessageBytes > 0 {
		s.MaxMessageBytes = maxMessageBytes
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := listener.Addr().String()

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("SMTP server error: %v", err)
		}
	}()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		_ = s.Close()
	})

	return &TestSMTPServer{Server: s, Address: addr}
}
