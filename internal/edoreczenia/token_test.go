package edoreczenia

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTokenEndpoint(t *testing.T, hits *int32, respond http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		respond(w, r)
	}))
}

func issueToken(t *testing.T, w http.ResponseWriter, token string, expiresIn int) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	_, err := w.Write([]byte(`{"access_token":"` + token + `","token_type":"Bearer","expires_in":` + strconv.Itoa(expiresIn) + `}`))
	require.NoError(t, err)
}

func TestTokenExchangeSendsClientCredentialsForm(t *testing.T) {
	var hits int32
	srv := newTokenEndpoint(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret-1", r.PostForm.Get("client_secret"))
		issueToken(t, w, "tok-1", 3600)
	})
	defer srv.Close()

	ts := NewTokenSource(srv.URL, "client-1", "secret-1", nil)
	ts.sleep = noSleep

	token, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestTokenCachedUntilExpiryMargin(t *testing.T) {
	var hits int32
	srv := newTokenEndpoint(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		issueToken(t, w, "tok-"+strconv.Itoa(int(atomic.LoadInt32(&hits))), 3600)
	})
	defer srv.Close()

	now := time.Now()
	ts := NewTokenSource(srv.URL, "id", "secret", nil)
	ts.sleep = noSleep
	ts.now = func() time.Time { return now }

	first, err := ts.Token(context.Background())
	require.NoError(t, err)

	// Well within the lifetime: the cache answers.
	now = now.Add(30 * time.Minute)
	second, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	// Inside the 60 s safety margin: a fresh exchange happens even though
	// the token has not technically expired yet.
	now = now.Add(29*time.Minute + 30*time.Second)
	third, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestConcurrentRefreshIsSingleExchange(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	srv := newTokenEndpoint(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		<-release
		issueToken(t, w, "tok-shared", 3600)
	})
	defer srv.Close()

	ts := NewTokenSource(srv.URL, "id", "secret", nil)
	ts.sleep = noSleep

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = ts.Token(context.Background())
		}(i)
	}

	// Let every caller queue up on the in-flight exchange before it finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-shared", tokens[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRejectedCredentialsAreAuthErrorsWithoutRetry(t *testing.T) {
	var hits int32
	srv := newTokenEndpoint(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Invalid client credentials"}`))
	})
	defer srv.Close()

	ts := NewTokenSource(srv.URL, "id", "wrong", nil)
	ts.sleep = noSleep

	_, err := ts.Token(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuth(err))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "Invalid client credentials")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "credential rejections must not be retried")
}

func TestTransientExchangeFailuresAreRetried(t *testing.T) {
	var hits int32
	srv := newTokenEndpoint(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&hits) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		issueToken(t, w, "tok-eventual", 3600)
	})
	defer srv.Close()

	ts := NewTokenSource(srv.URL, "id", "secret", nil)
	ts.sleep = noSleep

	token, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-eventual", token)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestExchangeGivesUpAfterRetryBudget(t *testing.T) {
	var hits int32
	srv := newTokenEndpoint(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()

	ts := NewTokenSource(srv.URL, "id", "secret", nil)
	ts.sleep = noSleep

	_, err := ts.Token(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(4), atomic.LoadInt32(&hits), "initial attempt plus three retries")
}

func TestInvalidateForcesFreshExchange(t *testing.T) {
	var hits int32
	srv := newTokenEndpoint(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		issueToken(t, w, "tok-"+strconv.Itoa(int(atomic.LoadInt32(&hits))), 3600)
	})
	defer srv.Close()

	ts := NewTokenSource(srv.URL, "id", "secret", nil)
	ts.sleep = noSleep

	first, err := ts.Token(context.Background())
	require.NoError(t, err)

	ts.Invalidate()

	second, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestTokenResponseWithoutAccessTokenIsRejected(t *testing.T) {
	var hits int32
	srv := newTokenEndpoint(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
	})
	defer srv.Close()

	ts := NewTokenSource(srv.URL, "id", "secret", nil)
	ts.sleep = noSleep

	_, err := ts.Token(context.Background())
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}
