package main

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	imapserver "github.com/emersion/go-imap/server"
	"github.com/emersion/go-smtp"
	"golang.org/x/net/netutil"

	"github.com/szyfromat/edoreczenia-proxy/internal/config"
	"github.com/szyfromat/edoreczenia-proxy/internal/edoreczenia"
	"github.com/szyfromat/edoreczenia-proxy/internal/imapsrv"
	"github.com/szyfromat/edoreczenia-proxy/internal/smtpsrv"
)

const (
	idleTimeout         = 30 * time.Minute
	shutdownGracePeriod = 10 * time.Second
	maxRecipients       = 10
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	tokens := edoreczenia.NewTokenSource(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, httpClient)
	client := edoreczenia.NewClient(cfg.APIURL, cfg.Address, tokens, httpClient)

	var tlsConfig *tls.Config
	if cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			log.Fatalf("Failed to load TLS keypair: %v", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	imapServer := imapserver.New(imapsrv.New(client, cfg.LocalUsername, cfg.LocalPassword))
	imapServer.Addr = cfg.IMAPAddr()
	imapServer.AllowInsecureAuth = true
	imapServer.AutoLogout = idleTimeout
	imapServer.TLSConfig = tlsConfig
	imapServer.ErrorLog = log.New(os.Stderr, "IMAP: ", log.LstdFlags)

	smtpServer := smtp.NewServer(smtpsrv.New(client, cfg.LocalUsername, cfg.LocalPassword))
	smtpServer.Addr = cfg.SMTPAddr()
	smtpServer.Domain = "edoreczenia-proxy"
	smtpServer.AllowInsecureAuth = true
	smtpServer.ReadTimeout = idleTimeout
	smtpServer.WriteTimeout = time.Minute
	smtpServer.MaxMessageBytes = cfg.MaxMessageBytes
	smtpServer.MaxRecipients = maxRecipients
	smtpServer.TLSConfig = tlsConfig
	smtpServer.ErrorLog = log.New(os.Stderr, "SMTP: ", log.LstdFlags)

	errors := make(chan error, 4)

	serve := func(name, addr string, implicitTLS bool, serveFn func(net.Listener) error) {
		listener, err := listen(addr, cfg.MaxConnections, implicitTLS, tlsConfig)
		if err != nil {
			errors <- err
			return
		}
		log.Printf("%s listening on %s", name, addr)
		go func() {
			if err := serveFn(listener); err != nil {
				errors <- err
			}
		}()
	}

	serve("IMAP", cfg.IMAPAddr(), false, imapServer.Serve)
	serve("SMTP", cfg.SMTPAddr(), false, smtpServer.Serve)
	if cfg.TLSEnabled() {
		serve("IMAPS", cfg.IMAPSSLAddr(), true, imapServer.Serve)
		serve("SMTPS", cfg.SMTPSSLAddr(), true, smtpServer.Serve)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errors:
		log.Printf("Server error: %v", err)
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := smtpServer.Shutdown(ctx); err != nil {
		log.Printf("SMTP shutdown: %v", err)
		_ = smtpServer.Close()
	}
	if err := imapServer.Close(); err != nil {
		log.Printf("IMAP shutdown: %v", err)
	}
	log.Println("Shutdown complete")
}

// listen binds one listener with the concurrent connection cap applied, and
// TLS termination for the implicit TLS ports.
func listen(addr string, maxConns int, implicitTLS bool, tlsConfig *tls.Config) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	listener = netutil.LimitListener(listener, maxConns)
	if implicitTLS {
		listener = tls.NewListener(listener, tlsConfig)
	}
	return listener, nil
}
