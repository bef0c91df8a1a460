// Package dispatch orchestrates a single chat turn: key selection, the
// remote call, outcome recording and the bounded rotate-and-retry loop.
package dispatch

import (
	"context"
	"errors"

	"github.com/chatrelay/chatrelay/internal/keyring"
	. "github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/store"
)

// User-facing failure kinds. None of these carry internal detail; the bot
// layer renders them verbatim.
var (
	// ErrNotConfigured: no keys configured at all - nothing to try.
	ErrNotConfigured = errors.New("no API keys are configured - please ask the administrator to set up the relay")
	// ErrNoValidKeys: every configured secret is blank or unresolvable.
	ErrNoValidKeys = errors.New("no valid API keys available - please ask the administrator to check the configuration")
	// ErrServiceUnavailable: a transient remote/network fault, not retried.
	ErrServiceUnavailable = errors.New("the AI service is temporarily unavailable, please try again later")
	// ErrAllKeysExhausted: every key was tried and rejected.
	ErrAllKeysExhausted = errors.New("all API keys are temporarily unavailable, please try again later or contact the administrator")
)

// Caller performs one streamed chat-completion call with the given secret.
type Caller interface {
	Complete(ctx context.Context, secret string, messages []store.Message) (string, keyring.Outcome, error)
}

// Dispatcher runs chat turns through the rotation engine's retry policy.
type Dispatcher struct {
	engine *keyring.Engine
	caller Caller
}

// New creates a Dispatcher.
func New(engine *keyring.Engine, caller Caller) *Dispatcher {
	return &Dispatcher{engine: engine, caller: caller}
}

// Complete performs one chat turn for the user. Key-attributable failures
// rotate to the next usable key, bounded by the number of distinct keys;
// transient failures return immediately. The returned error is always one of
// the user-facing kinds above.
func (d *Dispatcher) Complete(ctx context.Context, userKey string, messages []store.Message) (string, error) {
	if !d.engine.HasUsableConfig() {
		return "", ErrNotConfigured
	}

	remaining := d.engine.Count()
	for remaining > 0 {
		keyName := d.engine.CurrentKeyName(userKey)
		secret := d.engine.CurrentSecret(userKey)

		if secret == "" {
			L_error("dispatch: active key has empty secret", "user", userKey, "key", keyName)
			if !d.engine.Switch(userKey) {
				return "", ErrNoValidKeys
			}
			remaining--
			continue
		}

		text, outcome, err := d.caller.Complete(ctx, secret, messages)
		d.engine.RecordOutcome(userKey, keyName, outcome)

		switch outcome {
		case keyring.OutcomeSuccess:
			return text, nil
		case keyring.OutcomeKeyFailure:
			// The engine may already have rotated the selection when the
			// counter hit the threshold; either way, try the next slot.
			L_warn("dispatch: key failure, retrying with rotation",
				"user", userKey, "key", keyName, "remaining", remaining-1, "error", err)
			remaining--
		default:
			L_error("dispatch: transient failure, not retrying", "user", userKey, "error", err)
			return "", ErrServiceUnavailable
		}
	}

	return "", ErrAllKeysExhausted
}
