package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := Upstream("sonarr", "/api/v3/calendar", 503, errors.New("503 Service Unavailable"))
	wrapped := fmt.Errorf("calendar: %w", err)

	assert.ErrorIs(t, wrapped, ErrUpstreamUnavailable)
	assert.NotErrorIs(t, wrapped, ErrNotConfigured)
	assert.Equal(t, KindUpstreamUnavailable, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	err := Upstream("sonarr", "/api/v3/calendar", 503, errors.New("503 Service Unavailable"))
	assert.Equal(t, "sonarr: upstream unavailable (/api/v3/calendar) status=503: 503 Service Unavailable", err.Error())

	assert.Equal(t, "plex: not configured: token is empty", NotConfigured("plex", "token").Error())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("eof")
	err := Malformed("plex", "/library/sections", cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
