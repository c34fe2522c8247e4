package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLiveError(t *testing.T) {
	err := New(CodeMalformedMessage, "bad payload")
	assert.Equal(t, CodeMalformedMessage, err.Code)
	assert.Equal(t, "MALFORMED_MESSAGE: bad payload", err.Error())

	cause := fmt.Errorf("connection refused")
	wrapped := Wrap(cause, CodeFetchFailed, "snapshot")
	assert.Equal(t, cause, wrapped.Unwrap())
	assert.True(t, Is(wrapped, CodeFetchFailed))
	assert.False(t, Is(wrapped, CodeSubscriptionFailed))
	assert.Contains(t, wrapped.Error(), "caused by: connection refused")

	// Is sees through fmt wrapping
	outer := fmt.Errorf("load: %w", wrapped)
	assert.True(t, Is(outer, CodeFetchFailed))
	assert.Equal(t, CodeFetchFailed, GetCode(outer))
	assert.Equal(t, Code(""), GetCode(cause))
}

func TestConstructors(t *testing.T) {
	err := FetchStatus("/sensorstate/last", 502)
	assert.Equal(t, CodeFetchFailed, err.Code)
	assert.Equal(t, 502, err.Details["status"])

	sub := SubscriptionFailed("join", []string{"a", "b"}, fmt.Errorf("closed"))
	assert.Equal(t, "join", sub.Details["op"])
	assert.Contains(t, sub.Message, "2 topic(s)")
	assert.Contains(t, sub.ToJSON(), "SUBSCRIPTION_FAILED")

	assert.True(t, Is(ConfigInvalid("kind"), CodeConfigInvalid))
	assert.True(t, Is(TransportClosed(), CodeTransportClosed))
}
