// The simulator is a development stand-in for the e-Doręczenia UA API:
// OAuth2 token endpoint, message/attachment/EPO/folder routes, and seeded
// sample data. Point the proxy at it to exercise the full protocol path
// without upstream credentials.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/szyfromat/edoreczenia-proxy/internal/edoreczenia"
)

// Test credentials accepted by the token endpoint.
const (
	testClientID     = "test_client_id"
	testClientSecret = "test_client_secret"
	testAddress      = "AE:PL-12345-67890-ABCDE-12"
)

const tokenLifetime = time.Hour

type simulator struct {
	mu          sync.Mutex
	messages    map[string]*edoreczenia.Message
	order       []string
	attachments map[string][]byte
	epo         map[string]edoreczenia.EPO
	tokens      map[string]time.Time
}

func main() {
	sim := newSimulator()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", sim.handleToken)
	mux.HandleFunc("GET /ua/v5/{address}/messages", sim.authorized(sim.handleListMessages))
	mux.HandleFunc("POST /ua/v5/{address}/messages", sim.authorized(sim.handleSendMessage))
	mux.HandleFunc("GET /ua/v5/{address}/messages/{id}", sim.authorized(sim.handleGetMessage))
	mux.HandleFunc("PUT /ua/v5/{address}/messages/{id}/status", sim.authorized(sim.handleUpdateStatus))
	mux.HandleFunc("GET /ua/v5/{address}/messages/{id}/attachments/{attID}", sim.authorized(sim.handleGetAttachment))
	mux.HandleFunc("GET /ua/v5/{address}/messages/{id}/epo", sim.authorized(sim.handleGetEPO))
	mux.HandleFunc("GET /ua/v5/{address}/folders", sim.authorized(sim.handleListFolders))
	mux.HandleFunc("GET /health", sim.handleHealth)

	port := os.Getenv("SIMULATOR_PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("e-Doreczenia API simulator listening on :%s", port)
	log.Printf("Test credentials: %s / %s, address %s", testClientID, testClientSecret, testAddress)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Fatalf("Simulator failed: %v", err)
	}
}

func newSimulator() *simulator {
	sim := &simulator{
		messages:    make(map[string]*edoreczenia.Message),
		attachments: make(map[string][]byte),
		epo:         make(map[string]edoreczenia.EPO),
		tokens:      make(map[string]time.Time),
	}
	sim.seed()
	return sim
}

// seed loads the sample mailbox: one unread decision with a PDF, one read
// summons with an EPO receipt, one unread request with two attachments.
func (s *simulator) seed() {
	now := time.Now().UTC()
	ago := func(d time.Duration) *edoreczenia.Timestamp {
		return edoreczenia.NewTimestamp(now.Add(-d))
	}

	samples := []*edoreczenia.Message{
		{
			ID:      "msg-001",
			Subject: "Decyzja administracyjna nr 123/2024",
			Sender:  edoreczenia.Party{Address: "AE:PL-URZAD-MIAS-TOWAR-01", Name: "Urząd Miasta"},
			Recipients: []edoreczenia.Party{
				{Address: testAddress, Name: "Odbiorca testowy"},
			},
			Status:      edoreczenia.StatusReceived,
			Content:     "Szanowny Panie/Pani,\n\nNiniejszym informujemy o wydaniu decyzji administracyjnej...",
			ContentHTML: "<p>Szanowny Panie/Pani,</p><p>Niniejszym informujemy o wydaniu decyzji administracyjnej...</p>",
			Attachments: []edoreczenia.AttachmentMeta{
				{ID: "att-001", Filename: "decyzja_123_2024.pdf", ContentType: "application/pdf", Size: 15420},
			},
			ReceivedAt: ago(2 * time.Hour),
			Folder:     "inbox",
		},
		{
			ID:      "msg-002",
			Subject: "Zawiadomienie o terminie rozprawy",
			Sender:  edoreczenia.Party{Address: "AE:PL-SADRE-JONO-WYYYY-02", Name: "Sąd Rejonowy"},
			Recipients: []edoreczenia.Party{
				{Address: testAddress, Name: "Odbiorca testowy"},
			},
			Status:     edoreczenia.StatusRead,
			Content:    "Uprzejmie zawiadamiamy o wyznaczeniu terminu rozprawy na dzień...",
			ReceivedAt: ago(24 * time.Hour),
			Folder:     "inbox",
		},
		{
			ID:      "msg-003",
			Subject: "Wezwanie do uzupełnienia dokumentów",
			Sender:  edoreczenia.Party{Address: "AE:PL-ZUSWA-RSZW-AODZ-03", Name: "ZUS"},
			Recipients: []edoreczenia.Party{
				{Address: testAddress, Name: "Odbiorca testowy"},
			},
			Status:      edoreczenia.StatusReceived,
			Content:     "W związku ze złożonym wnioskiem wzywamy do uzupełnienia...",
			ContentHTML: "<p>W związku ze złożonym wnioskiem wzywamy do uzupełnienia...</p>",
			Attachments: []edoreczenia.AttachmentMeta{
				{ID: "att-002", Filename: "formularz_uzupelnienie.pdf", ContentType: "application/pdf", Size: 8200},
				{ID: "att-003", Filename: "instrukcja.docx", ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Size: 24500},
			},
			ReceivedAt: ago(3 * 24 * time.Hour),
			Folder:     "inbox",
		},
	}

	for _, msg := range samples {
		s.messages[msg.ID] = msg
		s.order = append(s.order, msg.ID)
	}

	s.attachments["att-001"] = bytes.Repeat([]byte("%PDF-1.4 fake pdf content for testing purposes..."), 100)
	s.attachments["att-002"] = bytes.Repeat([]byte("%PDF-1.4 another fake pdf content..."), 50)
	s.attachments["att-003"] = bytes.Repeat([]byte("PK fake docx content..."), 100)

	s.epo["msg-002"] = edoreczenia.EPO{
		MessageID:        "msg-002",
		EPOID:            "epo-002",
		ReceivedAt:       ago(25 * time.Hour),
		OpenedAt:         ago(24 * time.Hour),
		RecipientAddress: testAddress,
		Status:           "CONFIRMED",
	}
}

func (s *simulator) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	if r.PostFormValue("grant_type") != "client_credentials" {
		writeError(w, http.StatusBadRequest, "Unsupported grant type")
		return
	}
	if r.PostFormValue("client_id") != testClientID || r.PostFormValue("client_secret") != testClientSecret {
		log.Printf("Rejected token exchange for client %q", r.PostFormValue("client_id"))
		writeError(w, http.StatusUnauthorized, "Invalid client credentials")
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = time.Now().Add(tokenLifetime)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(tokenLifetime.Seconds()),
	})
}

func (s *simulator) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if len(auth) < 8 || auth[:7] != "Bearer " {
			writeError(w, http.StatusUnauthorized, "Missing authorization header")
			return
		}

		s.mu.Lock()
		expiry, ok := s.tokens[auth[7:]]
		if ok && time.Now().After(expiry) {
			delete(s.tokens, auth[7:])
			ok = false
		}
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		if r.PathValue("address") != testAddress {
			writeError(w, http.StatusForbidden, "Access denied to this address")
			return
		}
		next(w, r)
	}
}

func (s *simulator) handleListMessages(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		folder = r.URL.Query().Get("label")
	}
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	s.mu.Lock()
	var filtered []edoreczenia.Message
	for _, id := range s.order {
		msg := s.messages[id]
		if folder == "" || msg.Folder == folder {
			filtered = append(filtered, *msg)
		}
	}
	s.mu.Unlock()

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

// handleGetMessage returns a one-element array, matching the upstream quirk
// the proxy's client tolerates.
func (s *simulator) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	writeJSON(w, http.StatusOK, []edoreczenia.Message{*msg})
}

func (s *simulator) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	msg, msgOK := s.messages[r.PathValue("id")]
	data, attOK := s.attachments[r.PathValue("attID")]
	s.mu.Unlock()

	if !msgOK {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	var meta *edoreczenia.AttachmentMeta
	for i := range msg.Attachments {
		if msg.Attachments[i].ID == r.PathValue("attID") {
			meta = &msg.Attachments[i]
			break
		}
	}
	if meta == nil || !attOK {
		writeError(w, http.StatusNotFound, "Attachment not found")
		return
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Filename))
	_, _ = w.Write(data)
}

func (s *simulator) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req edoreczenia.OutgoingMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if len(req.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "recipients are required")
		return
	}

	id := "msg-" + uuid.NewString()[:8]
	now := edoreczenia.NewTimestamp(time.Now().UTC())

	msg := &edoreczenia.Message{
		ID:          id,
		Subject:     req.Subject,
		Sender:      edoreczenia.Party{Address: testAddress, Name: "Nadawca testowy"},
		Recipients:  req.Recipients,
		Status:      edoreczenia.StatusSent,
		Content:     req.Content,
		ContentHTML: req.ContentHTML,
		SentAt:      now,
		ReceivedAt:  now,
		Folder:      "sent",
	}

	s.mu.Lock()
	for _, att := range req.Attachments {
		attID := "att-" + uuid.NewString()[:8]
		s.attachments[attID] = att.Content
		msg.Attachments = append(msg.Attachments, edoreczenia.AttachmentMeta{
			ID:          attID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        int64(len(att.Content)),
		})
	}
	s.messages[id] = msg
	s.order = append(s.order, id)
	s.mu.Unlock()

	log.Printf("Accepted message %s to %s (%d attachments)", id, req.Recipients[0].Address, len(req.Attachments))
	writeJSON(w, http.StatusAccepted, edoreczenia.SendReceipt{
		MessageID: id,
		Status:    edoreczenia.StatusSent,
		SentAt:    now,
	})
}

func (s *simulator) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	valid := map[string]bool{
		edoreczenia.StatusReceived: true,
		edoreczenia.StatusRead:     true,
		edoreczenia.StatusOpened:   true,
		edoreczenia.StatusArchived: true,
		edoreczenia.StatusDeleted:  true,
	}
	if !valid[req.Status] {
		writeError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	msg.Status = req.Status
	log.Printf("Message %s status set to %s", msg.ID, req.Status)
	writeJSON(w, http.StatusOK, map[string]string{"messageId": msg.ID, "status": req.Status})
}

func (s *simulator) handleGetEPO(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[r.PathValue("id")]; !ok {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	epo, ok := s.epo[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "EPO not available for this message")
		return
	}
	writeJSON(w, http.StatusOK, epo)
}

func (s *simulator) handleListFolders(w http.ResponseWriter, _ *http.Request) {
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

func (s *simulator) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"service":   "e-Doreczenia UA API simulator",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}
	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil || parsed < 0 {
		return defaultValue
	}
	return parsed
}
