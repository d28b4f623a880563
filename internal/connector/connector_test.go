package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediadigest/internal/syncerr"
)

func TestNormalizeBaseURL(t *testing.T) {
	u, insecure, err := NormalizeBaseURL(" plex.lan:32400/ ")
	require.NoError(t, err)
	assert.True(t, insecure)
	assert.Equal(t, "http://plex.lan:32400", u.String())

	u, insecure, err = NormalizeBaseURL("https://example.com/sonarr/")
	require.NoError(t, err)
	assert.False(t, insecure)
	assert.Equal(t, "https://example.com/sonarr", u.String())

	_, _, err = NormalizeBaseURL("")
	assert.Error(t, err)

	_, _, err = NormalizeBaseURL("http://")
	assert.Error(t, err)
}

func TestURLKeepsPrefix(t *testing.T) {
	c, err := New("sonarr", "https://example.com/sonarr", nil, Options{})
	require.NoError(t, err)

	q := url.Values{"start": {"2026-10-18"}}
	assert.Equal(t, "https://example.com/sonarr/api/v3/calendar?start=2026-10-18", c.URL("/api/v3/calendar", q))
}

func TestGetSendsHeadersAndReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, err := New("sonarr", srv.URL, http.Header{"X-Api-Key": {"secret"}}, Options{})
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), "/api/v3/series", nil, http.Header{"Accept": {"application/json"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "application/json", resp.ContentType)
	assert.Equal(t, "[]", string(resp.Body))
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c, err := New("plex", srv.URL, nil, Options{Attempts: 3, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), "/identity", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.EqualValues(t, 2, calls.Load())
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := New("plex", srv.URL, nil, Options{Attempts: 3, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "/identity", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrUpstreamUnavailable)

	var se *syncerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Status)
	assert.Equal(t, "/identity", se.Endpoint)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGetIsTimeBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New("sonarr", srv.URL, nil, Options{Timeout: 50 * time.Millisecond, Attempts: 1})
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Get(context.Background(), "/api/v3/calendar", nil, nil)
	assert.ErrorIs(t, err, syncerr.ErrUpstreamUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGetRejectsOversizedBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("<MediaContainer size=\"1\"></MediaContainer>"))
	}))
	defer srv.Close()

	c, err := New("plex", srv.URL, nil, Options{Attempts: 3, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	c.maxBody = 16

	_, err = c.Get(context.Background(), "/library/sections", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrMalformedPayload)
	assert.Contains(t, err.Error(), "response too large")
	assert.EqualValues(t, 1, calls.Load(), "not retried")

	c.maxBody = 64
	resp, err := c.Get(context.Background(), "/library/sections", nil, nil)
	require.NoError(t, err)
	assert.Len(t, resp.Body, 42)
}
