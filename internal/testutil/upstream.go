package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/szyfromat/edoreczenia-proxy/internal/edoreczenia"
)

// Default credentials and address served by the mock upstream.
const (
	TestClientID     = "test_client_id"
	TestClientSecret = "test_client_secret"
	TestAddress      = "AE:PL-12345-67890-ABCDE-12"
)

// StatusUpdate is one recorded PUT {id}/status call.
type StatusUpdate struct {
	MessageID string
	Status    string
}

// Upstream is an in-process stand-in for the e-Doręczenia API: OAuth2 token
// endpoint plus the message, attachment, EPO, and folder routes. It records
// token exchanges, sends, and status updates so tests can assert on the REST
// traffic a protocol exchange produced.
type Upstream struct {
	Server *httptest.Server

	mu             sync.Mutex
	messages       []edoreczenia.Message
	attachments    map[string][]byte
	epo            map[string]edoreczenia.EPO
	tokens         map[string]bool
	tokenExchanges int
	sends          []edoreczenia.OutgoingMessage
	statusUpdates  []StatusUpdate
}

// NewUpstream starts a mock upstream and registers its shutdown with t.
func NewUpstream(t *testing.T) *Upstream {
	t.Helper()

	u := &Upstream{
		attachments: make(map[string][]byte),
		epo:         make(map[string]edoreczenia.EPO),
		tokens:      make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", u.handleToken)
	mux.HandleFunc("GET /ua/v5/{address}/messages", u.authorized(u.handleList))
	mux.HandleFunc("POST /ua/v5/{address}/messages", u.authorized(u.handleSend))
	mux.HandleFunc("GET /ua/v5/{address}/messages/{id}", u.authorized(u.handleDetail))
	mux.HandleFunc("PUT /ua/v5/{address}/messages/{id}/status", u.authorized(u.handleStatus))
	mux.HandleFunc("GET /ua/v5/{address}/messages/{id}/attachments/{attID}", u.authorized(u.handleAttachment))
	mux.HandleFunc("GET /ua/v5/{address}/messages/{id}/epo", u.authorized(u.handleEPO))
	mux.HandleFunc("GET /ua/v5/{address}/folders", u.authorized(u.handleFolders))

	u.Server = httptest.NewServer(mux)
	t.Cleanup(u.Server.Close)
	return u
}

// BaseURL is the REST client's base URL.
func (u *Upstream) BaseURL() string {
	return u.Server.URL + "/ua/v5"
}

// TokenURL is the OAuth2 token endpoint URL.
func (u *Upstream) TokenURL() string {
	return u.Server.URL + "/oauth/token"
}

// NewClient builds a REST client wired to this upstream with the default
// test credentials.
func (u *Upstream) NewClient() *edoreczenia.Client {
	tokens := edoreczenia.NewTokenSource(u.TokenURL(), TestClientID, TestClientSecret, nil)
	return edoreczenia.NewClient(u.BaseURL(), TestAddress, tokens, nil)
}

// AddMessage seeds one message. Attachment metadata must be registered
// separately via AddAttachment to be fetchable.
func (u *Upstream) AddMessage(msg edoreczenia.Message) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.messages = append(u.messages, msg)
}

func (u *Upstream) AddAttachment(attachmentID string, data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.attachments[attachmentID] = data
}

func (u *Upstream) SetEPO(messageID string, epo edoreczenia.EPO) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.epo[messageID] = epo
}

// TokenExchanges reports how many token exchanges the upstream served.
func (u *Upstream) TokenExchanges() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tokenExchanges
}

// Sends returns the recorded send payloads in arrival order.
func (u *Upstream) Sends() []edoreczenia.OutgoingMessage {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]edoreczenia.OutgoingMessage, len(u.sends))
	copy(out, u.sends)
	return out
}

// StatusUpdates returns the recorded status updates in arrival order.
func (u *Upstream) StatusUpdates() []StatusUpdate {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]StatusUpdate, len(u.statusUpdates))
	copy(out, u.statusUpdates)
	return out
}

func (u *Upstream) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, `{"detail": "malformed form"}`, http.StatusBadRequest)
		return
	}
	if r.PostFormValue("grant_type") != "client_credentials" {
		http.Error(w, `{"detail": "Unsupported grant type"}`, http.StatusBadRequest)
		return
	}
	if r.PostFormValue("client_id") != TestClientID || r.PostFormValue("client_secret") != TestClientSecret {
		http.Error(w, `{"detail": "Invalid client credentials"}`, http.StatusUnauthorized)
		return
	}

	token := uuid.NewString()
	u.mu.Lock()
	u.tokens[token] = true
	u.tokenExchanges++
	u.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

// authorized wraps a handler with bearer token and address checks.
func (u *Upstream) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if len(auth) < 8 || auth[:7] != "Bearer " {
			http.Error(w, `{"detail": "Missing authorization header"}`, http.StatusUnauthorized)
			return
		}
		u.mu.Lock()
		ok := u.tokens[auth[7:]]
		u.mu.Unlock()
		if !ok {
			http.Error(w, `{"detail": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}
		if r.PathValue("address") != TestAddress {
			http.Error(w, `{"detail": "Access denied to this address"}`, http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (u *Upstream) handleList(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	u.mu.Lock()
	var filtered []edoreczenia.Message
	for _, msg := range u.messages {
		if folder == "" || msg.Folder == folder {
			filtered = append(filtered, msg)
		}
	}
	u.mu.Unlock()

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Received().After(filtered[j].Received())
	})

	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := filtered[offset:end]
	if page == nil {
		page = []edoreczenia.Message{}
	}
	writeJSON(w, http.StatusOK, edoreczenia.MessageList{
		Messages: page,
		Total:    total,
		Offset:   offset,
		Limit:    limit,
	})
}

// handleDetail mimics the upstream quirk of wrapping the message detail in a
// one-element array.
func (u *Upstream) handleDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	u.mu.Lock()
	defer u.mu.Unlock()
	for _, msg := range u.messages {
		if msg.ID == id {
			writeJSON(w, http.StatusOK, []edoreczenia.Message{msg})
			return
		}
	}
	http.Error(w, `{"detail": "Message not found"}`, http.StatusNotFound)
}

func (u *Upstream) handleAttachment(w http.ResponseWriter, r *http.Request) {
	attID := r.PathValue("attID")

	u.mu.Lock()
	data, ok := u.attachments[attID]
	u.mu.Unlock()
	if !ok {
		http.Error(w, `{"detail": "Attachment not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", attID))
	_, _ = w.Write(data)
}

func (u *Upstream) handleSend(w http.ResponseWriter, r *http.Request) {
	var out edoreczenia.OutgoingMessage
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		http.Error(w, `{"detail": "malformed payload"}`, http.StatusBadRequest)
		return
	}
	if len(out.Recipients) == 0 || out.Subject == "" {
		http.Error(w, `{"detail": "recipients and subject are required"}`, http.StatusBadRequest)
		return
	}

	id := "msg-" + uuid.NewString()[:8]
	now := edoreczenia.NewTimestamp(time.Now().UTC())

	u.mu.Lock()
	u.sends = append(u.sends, out)
	msg := edoreczenia.Message{
		ID:          id,
		Subject:     out.Subject,
		Sender:      edoreczenia.Party{Address: TestAddress},
		Recipients:  out.Recipients,
		Status:      edoreczenia.StatusSent,
		Content:     out.Content,
		ContentHTML: out.ContentHTML,
		SentAt:      now,
		ReceivedAt:  now,
		Folder:      "sent",
	}
	for _, att := range out.Attachments {
		attID := "att-" + uuid.NewString()[:8]
		u.attachments[attID] = att.Content
		msg.Attachments = append(msg.Attachments, edoreczenia.AttachmentMeta{
			ID:          attID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        int64(len(att.Content)),
		})
	}
	u.messages = append(u.messages, msg)
	u.mu.Unlock()

	writeJSON(w, http.StatusAccepted, edoreczenia.SendReceipt{
		MessageID: id,
		Status:    edoreczenia.StatusSent,
		SentAt:    now,
	})
}

func (u *Upstream) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Status == "" {
		http.Error(w, `{"detail": "status is required"}`, http.StatusBadRequest)
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	for i := range u.messages {
		if u.messages[i].ID == id {
			u.messages[i].Status = payload.Status
			u.statusUpdates = append(u.statusUpdates, StatusUpdate{MessageID: id, Status: payload.Status})
			writeJSON(w, http.StatusOK, map[string]string{"messageId": id, "status": payload.Status})
			return
		}
	}
	http.Error(w, `{"detail": "Message not found"}`, http.StatusNotFound)
}

func (u *Upstream) handleEPO(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	u.mu.Lock()
	epo, ok := u.epo[id]
	u.mu.Unlock()
	if !ok {
		http.Error(w, `{"detail": "EPO not available for this message"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, epo)
}

func (u *Upstream) handleFolders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"folders": []edoreczenia.RemoteFolder{
			{ID: "inbox", Name: "Odebrane", Label: "INBOX", Type: "predefined"},
			{ID: "sent", Name: "Wysłane", Label: "SENT", Type: "predefined"},
			{ID: "drafts", Name: "Robocze", Label: "DRAFTS", Type: "predefined"},
			{ID: "trash", Name: "Kosz", Label: "TRASH", Type: "predefined"},
			{ID: "archive", Name: "Archiwum", Label: "ARCHIVE", Type: "predefined"},
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}
	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return defaultValue
	}
	return parsed
}

// ReceivedAgo is a convenience for seeding messages with relative receipt
// times.
func ReceivedAgo(d time.Duration) *edoreczenia.Timestamp {
	return edoreczenia.NewTimestamp(time.Now().UTC().Add(-d))
}
