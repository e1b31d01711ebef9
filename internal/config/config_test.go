package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("EDORECZENIA_CLIENT_ID", "test_client_id")
	t.Setenv("EDORECZENIA_CLIENT_SECRET", "test_client_secret")
	t.Setenv("EDORECZENIA_ADDRESS", "AE:PL-12345-67890-ABCDE-12")
	t.Setenv("LOCAL_AUTH_PASSWORD", "testpass123")
}

func TestNewConfig(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("EDORECZENIA_API_URL", "http://localhost:8080/ua/v5")
	t.Setenv("EDORECZENIA_TOKEN_URL", "http://localhost:8080/oauth/token")
	t.Setenv("LOCAL_AUTH_USERNAME", "testuser")
	t.Setenv("IMAP_PORT", "2143")
	t.Setenv("SMTP_PORT", "2025")
	t.Setenv("MAX_MESSAGE_BYTES", "1048576")
	t.Setenv("MAX_CONNECTIONS", "5")
	t.Setenv("REQUEST_TIMEOUT_SECONDS", "10")

	config, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig() returned error: %v", err)
	}

	if config.Environment != "production" {
		t.Errorf("expected Environment 'production', got '%s'", config.Environment)
	}

	if config.ClientID != "test_client_id" {
		t.Errorf("expected ClientID 'test_client_id', got '%s'", config.ClientID)
	}

	if config.Address != "AE:PL-12345-67890-ABCDE-12" {
		t.Errorf("expected Address 'AE:PL-12345-67890-ABCDE-12', got '%s'", config.Address)
	}

	if config.APIURL != "http://localhost:8080/ua/v5" {
		t.Errorf("expected APIURL 'http://localhost:8080/ua/v5', got '%s'", config.APIURL)
	}

	if config.TokenURL != "http://localhost:8080/oauth/token" {
		t.Errorf("expected TokenURL 'http://localhost:8080/oauth/token', got '%s'", config.TokenURL)
	}

	if config.LocalUsername != "testuser" {
		t.Errorf("expected LocalUsername 'testuser', got '%s'", config.LocalUsername)
	}

	if config.IMAPAddr() != "0.0.0.0:2143" {
		t.Errorf("expected IMAPAddr '0.0.0.0:2143', got '%s'", config.IMAPAddr())
	}

	if config.SMTPAddr() != "0.0.0.0:2025" {
		t.Errorf("expected SMTPAddr '0.0.0.0:2025', got '%s'", config.SMTPAddr())
	}

	if config.MaxMessageBytes != 1048576 {
		t.Errorf("expected MaxMessageBytes 1048576, got %d", config.MaxMessageBytes)
	}

	if config.MaxConnections != 5 {
		t.Errorf("expected MaxConnections 5, got %d", config.MaxConnections)
	}

	if config.RequestTimeout != 10*time.Second {
		t.Errorf("expected RequestTimeout 10s, got %s", config.RequestTimeout)
	}
}

func TestNewConfigWithDefaults(t *testing.T) {
	setRequiredEnv(t)

	config, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig() returned error: %v", err)
	}

	if config.APIURL != "https://edoreczenia-api.gov.pl/ua/v5" {
		t.Errorf("unexpected default APIURL '%s'", config.APIURL)
	}

	if config.TokenURL != "https://edoreczenia-api.gov.pl/oauth/token" {
		t.Errorf("unexpected default TokenURL '%s'", config.TokenURL)
	}

	if config.LocalUsername != "edoreczenia" {
		t.Errorf("expected default LocalUsername 'edoreczenia', got '%s'", config.LocalUsername)
	}

	if config.IMAPPort != "1143" || config.SMTPPort != "1025" {
		t.Errorf("unexpected default ports %s/%s", config.IMAPPort, config.SMTPPort)
	}

	if config.IMAPSSLPort != "1993" || config.SMTPSSLPort != "1465" {
		t.Errorf("unexpected default SSL ports %s/%s", config.IMAPSSLPort, config.SMTPSSLPort)
	}

	if config.MaxMessageBytes != 50*1024*1024 {
		t.Errorf("unexpected default MaxMessageBytes %d", config.MaxMessageBytes)
	}

	if config.MaxConnections != 100 {
		t.Errorf("unexpected default MaxConnections %d", config.MaxConnections)
	}

	if config.RequestTimeout != 30*time.Second {
		t.Errorf("unexpected default RequestTimeout %s", config.RequestTimeout)
	}

	if config.TLSEnabled() {
		t.Error("TLSEnabled() should be false without a keypair")
	}
}

func TestNewConfigMissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		unset   string
		wantErr string
	}{
		{"missing client id", "EDORECZENIA_CLIENT_ID", "EDORECZENIA_CLIENT_ID"},
		{"missing client secret", "EDORECZENIA_CLIENT_SECRET", "EDORECZENIA_CLIENT_SECRET"},
		{"missing address", "EDORECZENIA_ADDRESS", "EDORECZENIA_ADDRESS"},
		{"missing local password", "LOCAL_AUTH_PASSWORD", "LOCAL_AUTH_PASSWORD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.unset, "")

			_, err := NewConfig()
			if err == nil {
				t.Fatal("NewConfig() should have failed")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %s", err, tt.wantErr)
			}
		})
	}
}

func TestNewConfigTLSKeypairMustBeComplete(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("IMAP_SSL_CERT", "/tmp/cert.pem")

	_, err := NewConfig()
	if err == nil {
		t.Fatal("NewConfig() should reject a cert without a key")
	}
}

func TestNewConfigRejectsBadIntegers(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_CONNECTIONS", "lots")

	_, err := NewConfig()
	if err == nil {
		t.Fatal("NewConfig() should reject a non-integer MAX_CONNECTIONS")
	}
}
