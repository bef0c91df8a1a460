// Package llm provides the streamed chat-completion client and the outcome
// classification that drives key rotation.
package llm

import (
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chatrelay/chatrelay/internal/keyring"
)

// Keyword vocabularies for message classification. Kept as data rather than
// inline logic so the matching rules are testable and easy to extend.
var (
	// exhaustionKeywords mark quota/billing style rejections attributable
	// to the key in use.
	exhaustionKeywords = []string{
		"quota", "limit", "exceeded", "insufficient", "balance", "credit",
	}

	// keyTransportMarkers mark key-attributable failures surfacing as
	// transport-level errors.
	keyTransportMarkers = []string{
		"401", "403", "429", "unauthorized", "forbidden",
	}
)

// IsKeyStatusCode reports whether an HTTP status is attributable to the key.
func IsKeyStatusCode(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

// IsKeyMessage reports whether an error payload's message text matches the
// key-exhaustion vocabulary, or reads as an invalid-key rejection.
func IsKeyMessage(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)

	for _, kw := range exhaustionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return strings.Contains(lower, "invalid") && strings.Contains(lower, "key")
}

// ClassifyError maps a failed remote call to an outcome. API errors carrying
// a key-attributable status or message classify as key failures; everything
// else (network faults, service errors, timeouts) is a transient failure the
// dispatcher surfaces without burning the key's counter.
func ClassifyError(err error) keyring.Outcome {
	if err == nil {
		return keyring.OutcomeSuccess
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if IsKeyStatusCode(apiErr.HTTPStatusCode) || IsKeyMessage(apiErr.Message) {
			return keyring.OutcomeKeyFailure
		}
		return keyring.OutcomeOtherFailure
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if IsKeyStatusCode(reqErr.HTTPStatusCode) {
			return keyring.OutcomeKeyFailure
		}
		return keyring.OutcomeOtherFailure
	}

	// Network-level failure: fall back to marker matching on the message.
	lower := strings.ToLower(err.Error())
	for _, marker := range keyTransportMarkers {
		if strings.Contains(lower, marker) {
			return keyring.OutcomeKeyFailure
		}
	}
	return keyring.OutcomeOtherFailure
}
