// Package stream holds the contract shared by the transcription, conversation and
// synthesis clients: the error taxonomy and the cancel/close lifecycle.
package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrClosedStream is returned by Send after Cancel or Close. Seeing it in
	// production means a caller kept a handle past its turn.
	ErrClosedStream = errors.New("stream closed")

	// ErrUpstreamUnavailable marks transient provider failures. Callers retry
	// with backoff and then fall back to an apology or a closing message.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrConfiguration is fatal for the call it happens on.
	ErrConfiguration = errors.New("configuration error")

	// ErrMalformedMessage is reported for telephony frames that cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")
)

// ConfigError describes which setting or negotiated parameter is unusable.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// Unavailable wraps err so that errors.Is(err, ErrUpstreamUnavailable) holds.
func Unavailable(provider string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", provider, ErrUpstreamUnavailable, err)
}

// Malformed wraps a decode failure as ErrMalformedMessage.
func Malformed(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, ErrMalformedMessage, err)
}
