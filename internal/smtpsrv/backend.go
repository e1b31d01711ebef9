// Package smtpsrv implements the SMTP side of the proxy as a go-smtp
// backend. The library drives RFC 5321 framing, the EHLO/MAIL/RCPT/DATA
// sequencing, SIZE enforcement, and reply codes; this package supplies
// authentication, recipient validation, and the MIME-to-REST submission.
package smtpsrv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/jhillyerd/enmime"

	"github.com/szyfromat/edoreczenia-proxy/internal/edoreczenia"
)

const defaultOpTimeout = 30 * time.Second

// mailDomain is the synthetic domain the IMAP side appends to e-Doreczenia
// addresses; RCPT TO accepts both the bare form and the suffixed one.
const mailDomain = "edoreczenia.gov.pl"

// adePattern matches e-Doreczenia addresses: the AE:PL prefix followed by
// dash-separated uppercase alphanumeric groups.
var adePattern = regexp.MustCompile(`^AE:PL(-[A-Z0-9]+)+$`)

var errAuthRequired = &smtp.SMTPError{
	Code:         530,
	EnhancedCode: smtp.EnhancedCode{5, 7, 0},
	Message:      "Authentication required",
}

// Backend creates one session per connection, all sharing the REST client
// and the local credential pair.
type Backend struct {
	username string
	password string
	client   *edoreczenia.Client
	timeout  time.Duration
}

// New creates a backend bound to one REST client and one local
// username/password pair.
func New(client *edoreczenia.Client, username, password string) *Backend {
	return &Backend{
		username: username,
		password: password,
		client:   client,
		timeout:  defaultOpTimeout,
	}
}

func (b *Backend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

// session holds one connection's envelope state. The library resets it on
// RSET and after each completed transaction.
type session struct {
	backend       *Backend
	authenticated bool
	from          string
	recipients    []string
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return errors.New("identities are not supported")
			}
			return s.checkCredentials(username, password)
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			return s.checkCredentials(username, password)
		}), nil
	}
	return nil, fmt.Errorf("unsupported auth mechanism %s", mech)
}

// checkCredentials validates against the local pair only; the upstream
// OAuth2 exchange happens lazily when a message is submitted.
func (s *session) checkCredentials(username, password string) error {
	if username != s.backend.username || password != s.backend.password {
		log.Printf("SMTP: failed login attempt for %q", username)
		return &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Authentication failed",
		}
	}
	s.authenticated = true
	return nil
}

// Mail records the sender. It is informational only: the upstream sends as
// the configured account address regardless.
func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if !s.authenticated {
		return errAuthRequired
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if !s.authenticated {
		return errAuthRequired
	}

	ade, err := normalizeRecipient(to)
	if err != nil {
		log.Printf("SMTP: rejecting recipient %q: %v", to, err)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Recipient must be an e-Doreczenia address (AE:PL-...)",
		}
	}
	s.recipients = append(s.recipients, ade)
	return nil
}

// Data parses the submitted MIME message and forwards it as exactly one
// send call. The library has already enforced the SIZE limit by the time the
// reader is drained.
func (s *session) Data(r io.Reader) error {
	if !s.authenticated {
		return errAuthRequired
	}
	if len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No valid recipients",
		}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		// Size violations surface here as the library's 552.
		return err
	}

	out, err := parseSubmission(data, s.recipients)
	if err != nil {
		log.Printf("SMTP: rejecting unparseable message from %q: %v", s.from, err)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message content could not be parsed",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.backend.timeout)
	defer cancel()

	receipt, err := s.backend.client.SendMessage(ctx, *out)
	if err != nil {
		log.Printf("SMTP: send for %q failed: %v", s.from, err)
		return submissionError(err)
	}

	log.Printf("SMTP: message from %q accepted, queued as %s", s.from, receipt.MessageID)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

func (s *session) Logout() error {
	return nil
}

// normalizeRecipient strips the synthetic mail domain and quoting that mail
// clients add around the colon-bearing local part, then validates the
// address shape.
func normalizeRecipient(addr string) (string, error) {
	ade := addr
	if i := strings.LastIndex(ade, "@"); i >= 0 {
		if !strings.EqualFold(ade[i+1:], mailDomain) {
			return "", fmt.Errorf("unknown recipient domain %q", ade[i+1:])
		}
		ade = ade[:i]
	}
	ade = strings.Trim(ade, `"`)

	if !adePattern.MatchString(ade) {
		return "", fmt.Errorf("not an e-Doreczenia address")
	}
	return ade, nil
}

// parseSubmission extracts the upstream payload from raw MIME: subject,
// plain text (enmime downconverts HTML-only messages), optional HTML, and
// attachment parts.
func parseSubmission(data []byte, recipients []string) (*edoreczenia.OutgoingMessage, error) {
	env, err := enmime.ReadEnvelope(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing MIME: %w", err)
	}

	out := &edoreczenia.OutgoingMessage{
		Subject:     env.GetHeader("Subject"),
		Content:     env.Text,
		ContentHTML: env.HTML,
	}
	for _, ade := range recipients {
		out.Recipients = append(out.Recipients, edoreczenia.Party{Address: ade})
	}
	for _, part := range env.Attachments {
		filename := part.FileName
		if filename == "" {
			filename = "attachment"
		}
		out.Attachments = append(out.Attachments, edoreczenia.OutgoingAttachment{
			Filename:    filename,
			ContentType: part.ContentType,
			Content:     part.Content,
		})
	}
	return out, nil
}

// submissionError translates the REST error taxonomy into SMTP reply codes:
// transient upstream trouble asks the client to keep the message queued and
// retry, permanent rejections are final.
func submissionError(err error) *smtp.SMTPError {
	switch {
	case edoreczenia.IsAuth(err):
		return &smtp.SMTPError{
			Code:         454,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Upstream authentication failed, try again later",
		}
	case edoreczenia.IsTransient(err):
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 4, 0},
			Message:      "Upstream temporarily unavailable, try again later",
		}
	default:
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 0, 0},
			Message:      "Message rejected by e-Doreczenia",
		}
	}
}
