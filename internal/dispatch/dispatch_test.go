package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/keyring"
	"github.com/chatrelay/chatrelay/internal/store"
)

// fakeCaller scripts per-secret outcomes and records every attempt.
type fakeCaller struct {
	results  map[string]fakeResult
	attempts []string
}

type fakeResult struct {
	text    string
	outcome keyring.Outcome
	err     error
}

func (f *fakeCaller) Complete(_ context.Context, secret string, _ []store.Message) (string, keyring.Outcome, error) {
	f.attempts = append(f.attempts, secret)
	r, ok := f.results[secret]
	if !ok {
		return "", keyring.OutcomeOtherFailure, errors.New("unscripted secret")
	}
	return r.text, r.outcome, r.err
}

func msgs() []store.Message {
	return []store.Message{{Role: "user", Content: "hi"}}
}

func TestCompleteNotConfigured(t *testing.T) {
	cases := [][]config.APIKey{
		nil,
		{{Name: "default", Secret: ""}},
		{{Name: "default", Secret: "   "}},
	}
	for _, keys := range cases {
		engine := keyring.New(keys, 3, nil)
		d := New(engine, &fakeCaller{})

		_, err := d.Complete(context.Background(), "user", msgs())
		assert.ErrorIs(t, err, ErrNotConfigured)
	}
}

func TestCompleteSuccess(t *testing.T) {
	engine := keyring.New([]config.APIKey{{Name: "default", Secret: "s1"}}, 3, nil)
	caller := &fakeCaller{results: map[string]fakeResult{
		"s1": {text: "hello", outcome: keyring.OutcomeSuccess},
	}}
	d := New(engine, caller)

	text, err := d.Complete(context.Background(), "user", msgs())
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, []string{"s1"}, caller.attempts)
	assert.Equal(t, 0, engine.Failures("default"))
}

func TestCompleteRotatesOnKeyFailure(t *testing.T) {
	engine := keyring.New([]config.APIKey{
		{Name: "default", Secret: "s1"},
		{Name: "backup", Secret: "s2"},
	}, 1, nil)
	caller := &fakeCaller{results: map[string]fakeResult{
		"s1": {outcome: keyring.OutcomeKeyFailure, err: errors.New("401 unauthorized")},
		"s2": {text: "recovered", outcome: keyring.OutcomeSuccess},
	}}
	d := New(engine, caller)

	text, err := d.Complete(context.Background(), "user", msgs())
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, []string{"s1", "s2"}, caller.attempts, "key failure rotates to the next key")
	assert.Equal(t, "backup", engine.CurrentKeyName("user"))
}

func TestCompleteTransientFailureNotRetried(t *testing.T) {
	engine := keyring.New([]config.APIKey{
		{Name: "default", Secret: "s1"},
		{Name: "backup", Secret: "s2"},
	}, 3, nil)
	caller := &fakeCaller{results: map[string]fakeResult{
		"s1": {outcome: keyring.OutcomeOtherFailure, err: errors.New("connection refused")},
	}}
	d := New(engine, caller)

	_, err := d.Complete(context.Background(), "user", msgs())
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Len(t, caller.attempts, 1, "transient failures must not burn through keys")
	assert.Equal(t, 0, engine.Failures("default"), "transient failures leave counters alone")
}

func TestCompleteAllKeysExhausted(t *testing.T) {
	engine := keyring.New([]config.APIKey{
		{Name: "default", Secret: "s1"},
		{Name: "backup", Secret: "s2"},
	}, 1, nil)
	caller := &fakeCaller{results: map[string]fakeResult{
		"s1": {outcome: keyring.OutcomeKeyFailure, err: errors.New("429")},
		"s2": {outcome: keyring.OutcomeKeyFailure, err: errors.New("429")},
	}}
	d := New(engine, caller)

	_, err := d.Complete(context.Background(), "user", msgs())
	assert.ErrorIs(t, err, ErrAllKeysExhausted)
	assert.Equal(t, []string{"s1", "s2"}, caller.attempts, "retries bounded by distinct key count")
}

func TestCompleteSkipsBlankSecret(t *testing.T) {
	engine := keyring.New([]config.APIKey{
		{Name: "default", Secret: ""},
		{Name: "backup", Secret: "s2"},
	}, 3, nil)
	caller := &fakeCaller{results: map[string]fakeResult{
		"s2": {text: "ok", outcome: keyring.OutcomeSuccess},
	}}
	d := New(engine, caller)

	text, err := d.Complete(context.Background(), "user", msgs())
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, []string{"s2"}, caller.attempts, "blank secret is skipped without a network attempt")
}
