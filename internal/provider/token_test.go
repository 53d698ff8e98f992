package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSource_RefreshesBeforeExpiry(t *testing.T) {
	var logins int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/token":
			w.WriteHeader(http.StatusNotFound)
		case "/auth/login":
			atomic.AddInt32(&logins, 1)
			_, _ = w.Write([]byte(`{"status":"success","data":{"access_token":"abc","token_type":"Bearer","expires_in":120}}`))
		}
	}))
	defer srv.Close()

	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	ts := NewTokenSource(srv.URL, "k", "s", srv.Client(), time.Second)
	ts.now = clk.now

	tok, typ, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
	assert.Equal(t, "Bearer", typ)

	clk.advance(30 * time.Second)
	_, _, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&logins))

	// inside the one-minute refresh margin
	clk.advance(40 * time.Second)
	_, _, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&logins))

	ts.Invalidate()
	_, _, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&logins))
}

func TestTokenSource_MissingCredentials(t *testing.T) {
	ts := NewTokenSource("http://unused", "", "", nil, 0)
	_, _, err := ts.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoCredentials)
}
