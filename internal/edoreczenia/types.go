package edoreczenia

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message statuses reported by the UA API. Inbound messages move
// RECEIVED -> READ/OPENED, outbound DRAFT -> SENT -> DELIVERED; unknown
// values are carried opaquely.
const (
	StatusDraft     = "DRAFT"
	StatusSent      = "SENT"
	StatusReceived  = "RECEIVED"
	StatusRead      = "READ"
	StatusOpened    = "OPENED"
	StatusReplied   = "REPLIED"
	StatusDelivered = "DELIVERED"
	StatusArchived  = "ARCHIVED"
	StatusDeleted   = "DELETED"
)

// Party is one side of a correspondence item.
type Party struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// AttachmentMeta describes an attachment without its bytes. Content is
// fetched separately via Client.GetAttachment.
type AttachmentMeta struct {
	ID          string `json:"attachmentId"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Message is one correspondence item as returned by the UA API.
type Message struct {
	ID          string           `json:"messageId"`
	Subject     string           `json:"subject"`
	Sender      Party            `json:"sender"`
	Recipients  []Party          `json:"recipients"`
	Status      string           `json:"status"`
	Content     string           `json:"content"`
	ContentHTML string           `json:"contentHtml,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
	SentAt      *Timestamp       `json:"sentAt,omitempty"`
	ReceivedAt  *Timestamp       `json:"receivedAt,omitempty"`
	Folder      string           `json:"folder,omitempty"`
}

// Validate checks the fields the proxy cannot work without.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message without messageId")
	}
	return nil
}

// Received returns the best-known receipt time: receivedAt, falling back to
// sentAt, falling back to the zero time.
func (m *Message) Received() time.Time {
	if m.ReceivedAt != nil && !m.ReceivedAt.IsZero() {
		return m.ReceivedAt.Time
	}
	if m.SentAt != nil && !m.SentAt.IsZero() {
		return m.SentAt.Time
	}
	return time.Time{}
}

// OutgoingAttachment carries attachment bytes for a send. encoding/json
// base64-encodes Content on the wire, which is what the API expects.
type OutgoingAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

// OutgoingMessage is the payload for Client.SendMessage.
type OutgoingMessage struct {
	Recipients  []Party              `json:"recipients"`
	Subject     string               `json:"subject"`
	Content     string               `json:"content"`
	ContentHTML string               `json:"contentHtml,omitempty"`
	Attachments []OutgoingAttachment `json:"attachments,omitempty"`
}

// SendReceipt is the acceptance response for a send.
type SendReceipt struct {
	MessageID string     `json:"messageId"`
	Status    string     `json:"status"`
	SentAt    *Timestamp `json:"sentAt,omitempty"`
}

// EPO is an Elektroniczne Poświadczenie Odbioru, the electronic
// proof-of-delivery receipt. It exists only for delivered messages.
type EPO struct {
	MessageID        string     `json:"messageId"`
	EPOID            string     `json:"epoId"`
	ReceivedAt       *Timestamp `json:"receivedAt,omitempty"`
	OpenedAt         *Timestamp `json:"openedAt,omitempty"`
	RecipientAddress string     `json:"recipientAddress"`
	Status           string     `json:"status"`
}

// RemoteFolder is one entry of the folder listing endpoint.
type RemoteFolder struct {
	ID    string `json:"folderId"`
	Name  string `json:"name"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

// MessageList is the paginated list response.
type MessageList struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	Offset   int       `json:"offset"`
	Limit    int       `json:"limit"`
}

// Timestamp accepts both RFC 3339 and the zone-less ISO 8601 form the UA API
// emits. Zone-less values are taken as UTC. Marshals as RFC 3339.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t as a nullable API timestamp.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t}
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp is not a string: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unsupported timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
