package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	// e-Doręczenia upstream
	ClientID       string
	ClientSecret   string
	Address        string
	APIURL         string
	TokenURL       string
	RequestTimeout time.Duration

	// Local protocol-side credentials, independent from the OAuth2 pair
	LocalUsername string
	LocalPassword string

	// Listeners
	ListenHost  string
	IMAPPort    string
	SMTPPort    string
	IMAPSSLPort string
	SMTPSSLPort string
	TLSCertFile string
	TLSKeyFile  string

	MaxMessageBytes int64
	MaxConnections  int
}

func NewConfig() (*Config, error) {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	maxMessageBytes, err := getEnvInt64("MAX_MESSAGE_BYTES", 50*1024*1024)
	if err != nil {
		return nil, err
	}
	maxConnections, err := getEnvInt("MAX_CONNECTIONS", 100)
	if err != nil {
		return nil, err
	}
	timeoutSeconds, err := getEnvInt("REQUEST_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Environment:     env,
		ClientID:        os.Getenv("EDORECZENIA_CLIENT_ID"),
		ClientSecret:    os.Getenv("EDORECZENIA_CLIENT_SECRET"),
		Address:         os.Getenv("EDORECZENIA_ADDRESS"),
		APIURL:          getEnvOrDefault("EDORECZENIA_API_URL", "https://edoreczenia-api.gov.pl/ua/v5"),
		TokenURL:        getEnvOrDefault("EDORECZENIA_TOKEN_URL", "https://edoreczenia-api.gov.pl/oauth/token"),
		RequestTimeout:  time.Duration(timeoutSeconds) * time.Second,
		LocalUsername:   getEnvOrDefault("LOCAL_AUTH_USERNAME", "edoreczenia"),
		LocalPassword:   os.Getenv("LOCAL_AUTH_PASSWORD"),
		ListenHost:      getEnvOrDefault("LISTEN_HOST", "0.0.0.0"),
		IMAPPort:        getEnvOrDefault("IMAP_PORT", "1143"),
		SMTPPort:        getEnvOrDefault("SMTP_PORT", "1025"),
		IMAPSSLPort:     getEnvOrDefault("IMAP_SSL_PORT", "1993"),
		SMTPSSLPort:     getEnvOrDefault("SMTP_SSL_PORT", "1465"),
		TLSCertFile:     os.Getenv("IMAP_SSL_CERT"),
		TLSKeyFile:      os.Getenv("IMAP_SSL_KEY"),
		MaxMessageBytes: maxMessageBytes,
		MaxConnections:  maxConnections,
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("EDORECZENIA_CLIENT_ID is required")
	}

	if c.ClientSecret == "" {
		return fmt.Errorf("EDORECZENIA_CLIENT_SECRET is required")
	}

	if c.Address == "" {
		return fmt.Errorf("EDORECZENIA_ADDRESS is required")
	}

	if c.LocalPassword == "" {
		return fmt.Errorf("LOCAL_AUTH_PASSWORD is required")
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("IMAP_SSL_CERT and IMAP_SSL_KEY must be set together")
	}

	return nil
}

// TLSEnabled reports whether a keypair is configured. With TLS enabled the
// proxy offers STARTTLS on the plain ports and binds the implicit TLS ports.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func (c *Config) IMAPAddr() string {
	return fmt.Sprintf("%s:%s", c.ListenHost, c.IMAPPort)
}

func (c *Config) SMTPAddr() string {
	return fmt.Sprintf("%s:%s", c.ListenHost, c.SMTPPort)
}

func (c *Config) IMAPSSLAddr() string {
	return fmt.Sprintf("%s:%s", c.ListenHost, c.IMAPSSLPort)
}

func (c *Config) SMTPSSLAddr() string {
	return fmt.Sprintf("%s:%s", c.ListenHost, c.SMTPSSLPort)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return parsed, nil
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return parsed, nil
}
