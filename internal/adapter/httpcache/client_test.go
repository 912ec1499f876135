package httpcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/couchcryptid/riverflows/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_Get_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BLKC2", r.URL.Query().Get("gage"))
		assert.Contains(t, r.Header.Get("User-Agent"), "riverflows")
		_, _ = w.Write([]byte("<site/>"))
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, discardLogger())
	resp, err := c.Get(context.Background(), srv.URL+"?gage=BLKC2", false)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<site/>", string(body))
	assert.False(t, resp.FromCache)
}

func TestClient_Get_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down for maintenance"))
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, discardLogger())
	_, err := c.Get(context.Background(), srv.URL, false)
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Contains(t, se.Body, "maintenance")
	assert.False(t, domain.IsTransport(err))
}

func TestClient_Get_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(time.Second, discardLogger())
	_, err := c.Get(context.Background(), url, false)
	require.Error(t, err)
	assert.True(t, domain.IsTransport(err))
}

func TestClient_Get_TruncatedBodyIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte("<site>"))
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	c := NewClient(5*time.Second, discardLogger())
	resp, err := c.Get(context.Background(), srv.URL, false)
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	require.Error(t, err)
	assert.True(t, domain.IsTransport(err))
	assert.False(t, errors.Is(err, io.EOF))
}
