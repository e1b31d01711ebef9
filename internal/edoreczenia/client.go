package edoreczenia

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a typed wrapper over the e-Doręczenia UA REST API. It owns
// classification of upstream failures into the APIError taxonomy; the
// protocol layers only ever see classified errors.
type Client struct {
	baseURL    string
	address    string
	tokens     *TokenSource
	httpClient *http.Client
	maxRetries int
	sleep      func(context.Context, time.Duration) error
}

// NewClient creates a client for one e-Doręczenia address. baseURL is the
// API root (".../ua/v5"), address the owner's ADE address. httpClient may be
// nil, in which case a client with a 30 s timeout is used.
func NewClient(baseURL, address string, tokens *TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		address:    address,
		tokens:     tokens,
		httpClient: httpClient,
		maxRetries: 3,
		sleep:      sleepContext,
	}
}

// ListMessages fetches one page of the given remote folder, newest first.
// Returns the page and the total count in the folder.
func (c *Client) ListMessages(ctx context.Context, folder string, limit, offset int) ([]Message, int, error) {
	query := url.Values{
		"folder": {folder},
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}

	var list MessageList
	if err := c.doJSON(ctx, http.MethodGet, c.messagesPath(""), query, nil, &list); err != nil {
		return nil, 0, err
	}
	for i := range list.Messages {
		if err := list.Messages[i].Validate(); err != nil {
			return nil, 0, &APIError{Kind: KindValidation, Message: err.Error()}
		}
	}
	return list.Messages, list.Total, nil
}

// GetMessage fetches one message with attachment metadata but not
// attachment bytes. The API sometimes wraps the detail in a one-element
// array; both shapes are accepted.
func (c *Client) GetMessage(ctx context.Context, id string) (*Message, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, c.messagesPath(id), nil, nil, &raw); err != nil {
		return nil, err
	}

	var msg Message
	if len(raw) > 0 && raw[0] == '[' {
		var msgs []Message
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return nil, &APIError{Kind: KindValidation, Message: fmt.Sprintf("decoding message %s: %v", id, err)}
		}
		if len(msgs) == 0 {
			return nil, &APIError{StatusCode: http.StatusNotFound, Kind: KindNotFound, Message: fmt.Sprintf("message %s not in response", id)}
		}
		msg = msgs[0]
	} else if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &APIError{Kind: KindValidation, Message: fmt.Sprintf("decoding message %s: %v", id, err)}
	}

	if err := msg.Validate(); err != nil {
		return nil, &APIError{Kind: KindValidation, Message: err.Error()}
	}
	return &msg, nil
}

// GetAttachment fetches the binary content of one attachment.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	path := c.messagesPath(messageID) + "/attachments/" + url.PathEscape(attachmentID)
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: KindUnavailable, Message: fmt.Sprintf("reading attachment %s: %v", attachmentID, err)}
	}
	return data, nil
}

// GetEPO fetches the proof-of-delivery receipt for a message. Messages that
// have not been delivered yet have none; that surfaces as a not-found error
// (check with IsNotFound).
func (c *Client) GetEPO(ctx context.Context, messageID string) (*EPO, error) {
	var epo EPO
	if err := c.doJSON(ctx, http.MethodGet, c.messagesPath(messageID)+"/epo", nil, nil, &epo); err != nil {
		return nil, err
	}
	return &epo, nil
}

// SendMessage submits a new message for delivery.
func (c *Client) SendMessage(ctx context.Context, out OutgoingMessage) (*SendReceipt, error) {
	if len(out.Recipients) == 0 {
		return nil, &APIError{Kind: KindValidation, Message: "send without recipients"}
	}

	var receipt SendReceipt
	if err := c.doJSON(ctx, http.MethodPost, c.messagesPath(""), nil, out, &receipt); err != nil {
		return nil, err
	}
	if receipt.MessageID == "" {
		return nil, &APIError{Kind: KindValidation, Message: "send accepted without messageId"}
	}
	return &receipt, nil
}

// UpdateMessageStatus pushes a status transition upstream, for example READ
// when an IMAP client marks a message seen.
func (c *Client) UpdateMessageStatus(ctx context.Context, id, status string) error {
	body := map[string]string{"status": status}
	return c.doJSON(ctx, http.MethodPut, c.messagesPath(id)+"/status", nil, body, nil)
}

// ListFolders fetches the remote folder listing.
func (c *Client) ListFolders(ctx context.Context) ([]RemoteFolder, error) {
	var payload struct {
		Folders []RemoteFolder `json:"folders"`
	}
	path := "/" + url.PathEscape(c.address) + "/folders"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Folders, nil
}

func (c *Client) messagesPath(id string) string {
	path := "/" + url.PathEscape(c.address) + "/messages"
	if id != "" {
		path += "/" + url.PathEscape(id)
	}
	return path
}

// doJSON performs a request and decodes the JSON response into out (skipped
// when out is nil).
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Kind: KindValidation, Message: fmt.Sprintf("decoding %s %s: %v", method, path, err)}
	}
	return nil
}

// do performs one authorized request with the retry policy applied: network
// errors, 5xx and 429 are retried up to the budget (429 honoring
// Retry-After), a 401 invalidates the token and is retried once with a fresh
// one. Every returned response has a 2xx status; everything else comes back
// as a classified *APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Response, error) {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, &APIError{Kind: KindValidation, Message: fmt.Sprintf("encoding %s %s: %v", method, path, err)}
		}
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	retriedAuth := false
	var lastErr error
	var delay time.Duration
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if delay > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay = 0
		}

		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		var reqBody io.Reader
		if encoded != nil {
			reqBody = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
		if err != nil {
			return nil, &APIError{Kind: KindValidation, Message: fmt.Sprintf("building %s %s: %v", method, path, err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &APIError{Kind: KindUnavailable, Message: fmt.Sprintf("%s %s: %v", method, path, err)}
			delay = retryDelay(nil, attempt+1)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil

		case resp.StatusCode == http.StatusUnauthorized && !retriedAuth:
			// The cached token may have been revoked upstream; retry once
			// with a freshly exchanged one.
			retriedAuth = true
			msg := errorBody(resp)
			_ = resp.Body.Close()
			c.tokens.Invalidate()
			lastErr = &APIError{StatusCode: resp.StatusCode, Kind: KindUnauthorized, Message: msg}
			attempt--
			continue

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			msg := errorBody(resp)
			delay = retryDelay(resp, attempt+1)
			_ = resp.Body.Close()
			lastErr = &APIError{StatusCode: resp.StatusCode, Kind: classifyStatus(resp.StatusCode), Message: msg}

		default:
			msg := errorBody(resp)
			_ = resp.Body.Close()
			return nil, &APIError{StatusCode: resp.StatusCode, Kind: classifyStatus(resp.StatusCode), Message: msg}
		}
	}
	return nil, lastErr
}

// errorBody extracts a readable reason from an error response. The API
// reports failures as {"detail": ...} or {"error": ...} payloads.
func errorBody(resp *http.Response) string {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(bytes.TrimSpace(b)) == 0 {
		return resp.Status
	}
	var payload struct {
		Detail  string `json:"detail"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &payload); err == nil {
		for _, s := range []string{payload.Detail, payload.Error, payload.Message} {
			if s != "" {
				return s
			}
		}
	}
	return strings.TrimSpace(string(b))
}

// retryDelay picks the wait before a retry, honoring Retry-After when the
// response carries one and otherwise backing off exponentially, capped at
// 30 seconds.
func retryDelay(resp *http.Response, attempt int) time.Duration {
	if resp != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	delay := time.Second << uint(attempt-1)
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	if delay <= 0 {
		delay = time.Second
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
