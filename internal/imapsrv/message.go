package imapsrv

import (
	"bufio"
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/backendutil"
	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"

	"github.com/szyfromat/edoreczenia-proxy/internal/edoreczenia"
)

// mailDomain is the synthetic domain appended to e-Doreczenia addresses so
// they survive as RFC 5322 addresses in envelopes and headers. The SMTP side
// strips it again on RCPT TO.
const mailDomain = "edoreczenia.gov.pl"

// headerOverhead pads the RFC822.SIZE estimate for messages that have not
// been rendered yet.
const headerOverhead = 512

// entry is one message in a snapshot: upstream metadata, the session-local
// flag overlay, and the lazily rendered MIME form.
type entry struct {
	msg   edoreczenia.Message
	uid   uint32
	flags []string
	date  time.Time

	raw []byte
}

func (e *entry) hasFlag(flag string) bool {
	for _, f := range e.flags {
		if f == flag {
			return true
		}
	}
	return false
}

func (e *entry) flagList() []string {
	out := make([]string, len(e.flags))
	copy(out, e.flags)
	return out
}

// fetch materializes the requested items. Metadata items are answered from
// the snapshot; body items trigger a full render (message detail plus
// attachment bytes) which is cached on the entry.
func (e *entry) fetch(m *mailbox, seqNum uint32, items []imap.FetchItem) (*imap.Message, error) {
	fetched := imap.NewMessage(seqNum, items)

	for _, item := range items {
		switch item {
		case imap.FetchEnvelope:
			fetched.Envelope = e.envelope()
		case imap.FetchFlags:
			fetched.Flags = e.flagList()
		case imap.FetchInternalDate:
			fetched.InternalDate = e.date
		case imap.FetchUid:
			fetched.Uid = e.uid
		case imap.FetchRFC822Size:
			fetched.Size = e.size()
		case imap.FetchBody, imap.FetchBodyStructure:
			raw, err := e.render(m)
			if err != nil {
				return nil, err
			}
			hdr, body, err := splitRaw(raw)
			if err != nil {
				return nil, fmt.Errorf("reading rendered message %s: %w", e.msg.ID, err)
			}
			fetched.BodyStructure, err = backendutil.FetchBodyStructure(hdr, body, item == imap.FetchBodyStructure)
			if err != nil {
				return nil, err
			}
		default:
			section, err := imap.ParseBodySectionName(item)
			if err != nil {
				break
			}
			raw, err := e.render(m)
			if err != nil {
				return nil, err
			}
			hdr, body, err := splitRaw(raw)
			if err != nil {
				return nil, fmt.Errorf("reading rendered message %s: %w", e.msg.ID, err)
			}
			literal, _ := backendutil.FetchBodySection(hdr, body, section)
			fetched.Body[section] = literal
		}
	}

	return fetched, nil
}

// envelope is built from list metadata alone, so clients can sync headers
// for a whole mailbox without the proxy fetching every message body.
func (e *entry) envelope() *imap.Envelope {
	from := []*imap.Address{imapAddress(e.msg.Sender)}
	var to []*imap.Address
	for _, r := range e.msg.Recipients {
		to = append(to, imapAddress(r))
	}

	return &imap.Envelope{
		Date:      e.date,
		Subject:   e.msg.Subject,
		From:      from,
		Sender:    from,
		ReplyTo:   from,
		To:        to,
		MessageId: fmt.Sprintf("<%s@%s>", e.msg.ID, mailDomain),
	}
}

// size returns the exact rendered size when available and a metadata-based
// estimate otherwise. Clients use RFC822.SIZE for progress display; an
// estimate avoids downloading every attachment during a header sync.
func (e *entry) size() uint32 {
	if e.raw != nil {
		return uint32(len(e.raw))
	}
	size := headerOverhead + len(e.msg.Subject) + len(e.msg.Content) + len(e.msg.ContentHTML)
	for _, att := range e.msg.Attachments {
		// base64 expansion
		size += int(att.Size) * 4 / 3
	}
	return uint32(size)
}

// render fetches the message detail and all attachment bytes and builds the
// full MIME form. The result is cached for the lifetime of the snapshot
// entry.
func (e *entry) render(m *mailbox) ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}

	client := m.user.backend.client
	ctx, cancel := m.user.backend.opContext()
	defer cancel()

	detail, err := client.GetMessage(ctx, e.msg.ID)
	if err != nil {
		return nil, upstreamError("fetching message", err)
	}

	sender := detail.Sender
	if sender.Address == "" {
		sender.Address = "unknown"
	}
	recipient := edoreczenia.Party{Address: "undisclosed-recipients"}
	if len(detail.Recipients) > 0 {
		recipient = detail.Recipients[0]
	}

	builder := enmime.Builder().
		From(sender.Name, emailAddress(sender.Address)).
		To(recipient.Name, emailAddress(recipient.Address)).
		Subject(detail.Subject).
		Date(e.date).
		Header("Message-Id", fmt.Sprintf("<%s@%s>", detail.ID, mailDomain)).
		Text([]byte(detail.Content))
	if detail.ContentHTML != "" {
		builder = builder.HTML([]byte(detail.ContentHTML))
	}

	for _, att := range detail.Attachments {
		data, err := client.GetAttachment(ctx, e.msg.ID, att.ID)
		if err != nil {
			return nil, upstreamError("fetching attachment "+att.Filename, err)
		}
		builder = builder.AddAttachment(data, att.ContentType, att.Filename)
	}

	part, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("building MIME for message %s: %w", e.msg.ID, err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encoding MIME for message %s: %w", e.msg.ID, err)
	}

	e.raw = buf.Bytes()
	return e.raw, nil
}

func splitRaw(raw []byte) (textproto.Header, *bufio.Reader, error) {
	body := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.ReadHeader(body)
	return hdr, body, err
}

func imapAddress(p edoreczenia.Party) *imap.Address {
	return &imap.Address{
		PersonalName: p.Name,
		MailboxName:  p.Address,
		HostName:     mailDomain,
	}
}

// emailAddress wraps an e-Doreczenia address as an RFC 5322 address. The
// colon in "AE:PL-..." forces a quoted local part, which the mail libraries
// handle on both ends.
func emailAddress(ade string) string {
	return ade + "@" + mailDomain
}
