package imapsrv

import (
	"bytes"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/backendutil"
	"github.com/emersion/go-message"

	"github.com/szyfromat/edoreczenia-proxy/internal/edoreczenia"
	"github.com/szyfromat/edoreczenia-proxy/internal/mapping"
)

// listPageSize is the upstream page size used when building a snapshot.
const listPageSize = 100

// mailbox is one selected folder within one session. The message snapshot is
// built on first access and frozen for the lifetime of the selection:
// sequence numbers stay stable even when new mail arrives upstream, and a
// client observes new messages by re-SELECTing. UIDs come from the shared
// registry and survive the snapshot.
type mailbox struct {
	user   *user
	name   string
	remote string

	snap []*entry
}

func (m *mailbox) Name() string {
	return m.name
}

func (m *mailbox) Info() (*imap.MailboxInfo, error) {
	attrs := []string{imap.HasNoChildrenAttr}
	switch m.name {
	case "Sent":
		attrs = append(attrs, imap.SentAttr)
	case "Drafts":
		attrs = append(attrs, imap.DraftsAttr)
	case "Trash":
		attrs = append(attrs, imap.TrashAttr)
	case "Archive":
		attrs = append(attrs, imap.ArchiveAttr)
	}
	return &imap.MailboxInfo{
		Attributes: attrs,
		Delimiter:  "/",
		Name:       m.name,
	}, nil
}

// load builds the snapshot on first call and returns it unchanged after
// that. Sequence number 1 is the newest message (receipt time descending).
func (m *mailbox) load() ([]*entry, error) {
	if m.snap != nil {
		return m.snap, nil
	}

	ctx, cancel := m.user.backend.opContext()
	defer cancel()

	var msgs []edoreczenia.Message
	for offset := 0; ; offset += listPageSize {
		page, total, err := m.user.backend.client.ListMessages(ctx, m.remote, listPageSize, offset)
		if err != nil {
			return nil, upstreamError("listing "+m.name, err)
		}
		msgs = append(msgs, page...)
		if len(page) == 0 || len(msgs) >= total {
			break
		}
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Received().After(msgs[j].Received())
	})

	entries := make([]*entry, 0, len(msgs))
	for i := range msgs {
		msg := msgs[i]
		date := msg.Received()
		if date.IsZero() {
			date = time.Now().UTC()
		}
		entries = append(entries, &entry{
			msg:   msg,
			uid:   m.user.backend.uids.assign(m.remote, msg.ID),
			flags: mapping.FlagsForStatus(msg.Status),
			date:  date,
		})
	}
	m.snap = entries
	return entries, nil
}

func (m *mailbox) Status(items []imap.StatusItem) (*imap.MailboxStatus, error) {
	entries, err := m.load()
	if err != nil {
		return nil, err
	}

	status := imap.NewMailboxStatus(m.name, items)
	status.Flags = []string{
		imap.SeenFlag, imap.AnsweredFlag, imap.FlaggedFlag,
		imap.DeletedFlag, imap.DraftFlag,
	}
	status.PermanentFlags = []string{"\\*"}
	for i, e := range entries {
		if !e.hasFlag(imap.SeenFlag) {
			status.UnseenSeqNum = uint32(i + 1)
			break
		}
	}

	validity, next := m.user.backend.uids.info(m.remote)
	for _, item := range items {
		switch item {
		case imap.StatusMessages:
			status.Messages = uint32(len(entries))
		case imap.StatusRecent:
			status.Recent = 0
		case imap.StatusUnseen:
			var unseen uint32
			for _, e := range entries {
				if !e.hasFlag(imap.SeenFlag) {
					unseen++
				}
			}
			status.Unseen = unseen
		case imap.StatusUidNext:
			status.UidNext = next
		case imap.StatusUidValidity:
			status.UidValidity = validity
		}
	}
	return status, nil
}

func (m *mailbox) SetSubscribed(bool) error {
	return nil
}

func (m *mailbox) Check() error {
	return nil
}

func (m *mailbox) ListMessages(uid bool, seqSet *imap.SeqSet, items []imap.FetchItem, ch chan<- *imap.Message) error {
	defer close(ch)

	entries, err := m.load()
	if err != nil {
		return err
	}

	for i, e := range entries {
		seqNum := uint32(i + 1)
		id := seqNum
		if uid {
			id = e.uid
		}
		if !seqSet.Contains(id) {
			continue
		}

		fetched, err := e.fetch(m, seqNum, items)
		if err != nil {
			return err
		}
		ch <- fetched
	}
	return nil
}

func (m *mailbox) SearchMessages(uid bool, criteria *imap.SearchCriteria) ([]uint32, error) {
	entries, err := m.load()
	if err != nil {
		return nil, err
	}

	contentSearch := needsContent(criteria)

	var ids []uint32
	for i, e := range entries {
		seqNum := uint32(i + 1)

		var ok bool
		if contentSearch {
			raw, err := e.render(m)
			if err != nil {
				return nil, err
			}
			ent, err := message.Read(bytes.NewReader(raw))
			if err != nil && !message.IsUnknownCharset(err) {
				return nil, err
			}
			ok, err = backendutil.Match(ent, seqNum, e.uid, e.date, e.flagList(), criteria)
			if err != nil {
				return nil, err
			}
		} else {
			// ALL, SEEN, UNSEEN, and other metadata criteria are answered
			// from the snapshot without touching message bodies: with no
			// content criteria present, Match never reads the entity.
			ok, err = backendutil.Match(&message.Entity{Body: bytes.NewReader(nil)}, seqNum, e.uid, e.date, e.flagList(), criteria)
			if err != nil {
				return nil, err
			}
		}

		if !ok {
			continue
		}
		if uid {
			ids = append(ids, e.uid)
		} else {
			ids = append(ids, seqNum)
		}
	}
	return ids, nil
}

// needsContent reports whether the criteria reach into rendered message
// content rather than snapshot metadata.
func needsContent(c *imap.SearchCriteria) bool {
	if len(c.Header) > 0 || len(c.Body) > 0 || len(c.Text) > 0 {
		return true
	}
	if c.Larger > 0 || c.Smaller > 0 {
		return true
	}
	if !c.SentBefore.IsZero() || !c.SentSince.IsZero() {
		return true
	}
	for _, not := range c.Not {
		if needsContent(not) {
			return true
		}
	}
	for _, or := range c.Or {
		if needsContent(or[0]) || needsContent(or[1]) {
			return true
		}
	}
	return false
}

// UpdateMessagesFlags keeps flags in the session-local overlay. The only
// mutation with an upstream equivalent is adding \Seen to an unseen message,
// which is propagated as a READ status update; everything else (including
// marking a message unread) succeeds locally without a REST call. That
// propagation is best effort: a failed update keeps the local flag and is
// only logged, so flaky upstreams do not break client sync loops.
func (m *mailbox) UpdateMessagesFlags(uid bool, seqSet *imap.SeqSet, op imap.FlagsOp, flags []string) error {
	entries, err := m.load()
	if err != nil {
		return err
	}

	for i, e := range entries {
		seqNum := uint32(i + 1)
		id := seqNum
		if uid {
			id = e.uid
		}
		if !seqSet.Contains(id) {
			continue
		}

		hadSeen := e.hasFlag(imap.SeenFlag)
		e.flags = backendutil.UpdateFlags(e.flagList(), op, flags)

		if !hadSeen && e.hasFlag(imap.SeenFlag) && !alreadyRead(e.msg.Status) {
			ctx, cancel := m.user.backend.opContext()
			err := m.user.backend.client.UpdateMessageStatus(ctx, e.msg.ID, edoreczenia.StatusRead)
			cancel()
			if err != nil {
				log.Printf("IMAP: marking message %s as read upstream: %v", e.msg.ID, err)
				continue
			}
			e.msg.Status = edoreczenia.StatusRead
		}
	}
	return nil
}

func alreadyRead(status string) bool {
	return status == edoreczenia.StatusRead || status == edoreczenia.StatusOpened
}

// CreateMessage rejects APPEND; messages enter e-Doreczenia through the SMTP
// side or the upstream itself.
func (m *mailbox) CreateMessage([]string, time.Time, imap.Literal) error {
	return errors.New("APPEND is not supported, submit messages via SMTP")
}

func (m *mailbox) CopyMessages(bool, *imap.SeqSet, string) error {
	return errors.New("COPY is not supported, the folder set is fixed")
}

// Expunge drops \Deleted entries from the local snapshot. The upstream keeps
// the messages; e-Doreczenia has no client-side delete.
func (m *mailbox) Expunge() error {
	entries, err := m.load()
	if err != nil {
		return err
	}

	kept := entries[:0]
	for _, e := range entries {
		if !e.hasFlag(imap.DeletedFlag) {
			kept = append(kept, e)
		}
	}
	m.snap = kept
	return nil
}
