package edoreczenia

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// expiryMargin is subtracted from the advertised token lifetime so a token
// is never presented upstream moments before it lapses.
const expiryMargin = 60 * time.Second

const defaultExpiresIn = 3600

// Token is one OAuth2 access token with its computed expiry.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// Valid reports whether the token can still be used, honoring the margin.
func (t *Token) Valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.ExpiresAt.Add(-expiryMargin))
}

// TokenSource performs the OAuth2 client-credentials exchange against the
// token endpoint and caches the result for every session of the process.
// Concurrent refreshes collapse into a single upstream request.
type TokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	maxRetries   int

	mu      sync.Mutex
	current *Token

	group singleflight.Group
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewTokenSource creates a token source for the given endpoint and client
// credentials. httpClient may be nil, in which case a client with a 30 s
// timeout is used.
func NewTokenSource(tokenURL, clientID, clientSecret string, httpClient *http.Client) *TokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		maxRetries:   3,
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// Token returns a valid bearer token, performing the credential exchange
// when the cache is empty or within the expiry margin.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	if tok := ts.cached(); tok.Valid(ts.now()) {
		return tok.AccessToken, nil
	}

	v, err, _ := ts.group.Do("token", func() (interface{}, error) {
		// A caller that queued behind a finished refresh can use its result.
		if tok := ts.cached(); tok.Valid(ts.now()) {
			return tok, nil
		}
		tok, err := ts.exchange(ctx)
		if err != nil {
			return nil, err
		}
		ts.mu.Lock()
		ts.current = tok
		ts.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*Token).AccessToken, nil
}

// Invalidate drops the cached token. Called when the API answers 401 with a
// token that should still have been valid.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.current = nil
	ts.mu.Unlock()
}

func (ts *TokenSource) cached() *Token {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.current
}

func (ts *TokenSource) exchange(ctx context.Context) (*Token, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {ts.clientID},
		"client_secret": {ts.clientSecret},
	}
	encoded := form.Encode()

	var lastErr error
	for attempt := 0; attempt <= ts.maxRetries; attempt++ {
		if attempt > 0 {
			if err := ts.sleep(ctx, retryDelay(nil, attempt)); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(encoded))
		if err != nil {
			return nil, fmt.Errorf("building token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := ts.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &APIError{Kind: KindUnavailable, Message: fmt.Sprintf("token exchange: %v", err)}
			continue
		}

		tok, done, err := ts.handleExchangeResponse(resp)
		if done {
			return tok, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// handleExchangeResponse consumes resp. done is false when the failure is
// transient and the exchange should be retried.
func (ts *TokenSource) handleExchangeResponse(resp *http.Response) (*Token, bool, error) {
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var payload struct {
			AccessToken string `json:"access_token"`
			TokenType   string `json:"token_type"`
			ExpiresIn   int    `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, true, &APIError{Kind: KindValidation, Message: fmt.Sprintf("decoding token response: %v", err)}
		}
		if payload.AccessToken == "" {
			return nil, true, &APIError{Kind: KindValidation, Message: "token response without access_token"}
		}
		if payload.ExpiresIn <= 0 {
			payload.ExpiresIn = defaultExpiresIn
		}
		if payload.TokenType == "" {
			payload.TokenType = "Bearer"
		}
		return &Token{
			AccessToken: payload.AccessToken,
			TokenType:   payload.TokenType,
			ExpiresAt:   ts.now().Add(time.Duration(payload.ExpiresIn) * time.Second),
		}, true, nil

	case resp.StatusCode == 400 || resp.StatusCode == 401 || resp.StatusCode == 403:
		return nil, true, &APIError{
			StatusCode: resp.StatusCode,
			Kind:       KindUnauthorized,
			Message:    fmt.Sprintf("credential exchange rejected: %s", errorBody(resp)),
		}

	default:
		return nil, false, &APIError{
			StatusCode: resp.StatusCode,
			Kind:       classifyStatus(resp.StatusCode),
			Message:    fmt.Sprintf("token endpoint: %s", errorBody(resp)),
		}
	}
}
