// Package keyring owns API key rotation: per-user active key selection and
// the global failure counters that decide when a key is rotated out.
package keyring

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chatrelay/chatrelay/internal/config"
	. "github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/store"
)

// Outcome classifies the result of one remote call for failure accounting.
type Outcome int

const (
	// OutcomeSuccess resets the key's failure counter.
	OutcomeSuccess Outcome = iota
	// OutcomeKeyFailure is attributable to the key itself (auth/quota/rate
	// limit) and increments its counter.
	OutcomeKeyFailure
	// OutcomeOtherFailure is unrelated to key validity and leaves counters
	// untouched.
	OutcomeOtherFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeKeyFailure:
		return "key_failure"
	default:
		return "other_failure"
	}
}

// DefaultKey is the selection used when a user has never switched keys.
const DefaultKey = "default"

// UnknownKeyError is returned when a manual switch names a key that is not
// configured.
type UnknownKeyError struct {
	Name      string
	Available []string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("unknown API key %q (available: %s)", e.Name, strings.Join(e.Available, ", "))
}

// KeyStatus describes one key for the status listing.
type KeyStatus struct {
	Name     string
	Failures int
	Usable   bool
}

// Engine implements the rotation policy. Failure counters are global because
// keys are a shared pool; the selection is per-user so rotation for one user
// never disrupts another mid-conversation.
type Engine struct {
	mu sync.Mutex

	names     []string // declared order = ring order
	secrets   map[string]string
	threshold int

	selection map[string]string // userKey -> key name
	failures  map[string]int    // key name -> consecutive key failures

	store *store.Store
}

// New creates an Engine from the configured key ring, restoring persisted
// selections and counters when a store is given.
func New(keys []config.APIKey, threshold int, st *store.Store) *Engine {
	if threshold < 1 {
		threshold = 1
	}

	e := &Engine{
		names:     make([]string, 0, len(keys)),
		secrets:   make(map[string]string, len(keys)),
		threshold: threshold,
		selection: make(map[string]string),
		failures:  make(map[string]int),
		store:     st,
	}
	for _, k := range keys {
		e.names = append(e.names, k.Name)
		e.secrets[k.Name] = k.Secret
	}

	if st != nil {
		e.selection = st.KeySelection()
		e.failures = st.KeyFailures()
	}
	return e
}

// Names returns the key names in ring order.
func (e *Engine) Names() []string {
	return append([]string(nil), e.names...)
}

// Count returns the number of configured keys.
func (e *Engine) Count() int {
	return len(e.names)
}

// Threshold returns the failure count at which a key is considered exhausted.
func (e *Engine) Threshold() int {
	return e.threshold
}

// HasUsableConfig reports whether at least one key has a non-blank secret.
func (e *Engine) HasUsableConfig() bool {
	for _, name := range e.names {
		if strings.TrimSpace(e.secrets[name]) != "" {
			return true
		}
	}
	return false
}

// CurrentKeyName returns the user's active key name, falling back to
// "default" when no selection exists.
func (e *Engine) CurrentKeyName(userKey string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentNameLocked(userKey)
}

func (e *Engine) currentNameLocked(userKey string) string {
	if name := e.selection[userKey]; name != "" {
		return name
	}
	return DefaultKey
}

// CurrentSecret resolves the user's active key to its secret. Returns ""
// when neither the selection nor "default" is configured; the caller must
// treat that as a configuration error.
func (e *Engine) CurrentSecret(userKey string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := e.currentNameLocked(userKey)
	if secret, ok := e.secrets[name]; ok {
		return secret
	}
	return e.secrets[DefaultKey]
}

// NextUsableKey scans the ring circularly, starting just after the user's
// current selection, for the first key whose failure count is below the
// threshold. When a full cycle finds nothing, every counter is reset (the
// shared pool would otherwise be locked out entirely) and the first declared
// key is returned. Returns ("", false) only for an empty ring.
func (e *Engine) NextUsableKey(userKey string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextUsableLocked(userKey)
}

func (e *Engine) nextUsableLocked(userKey string) (string, bool) {
	if len(e.names) == 0 {
		return "", false
	}

	current := e.currentNameLocked(userKey)
	currentIdx := -1
	for i, name := range e.names {
		if name == current {
			currentIdx = i
			break
		}
	}

	for i := 0; i < len(e.names); i++ {
		candidate := e.names[(currentIdx+1+i)%len(e.names)]
		if e.failures[candidate] < e.threshold {
			return candidate, true
		}
	}

	L_warn("keyring: all keys at failure threshold, resetting counters")
	e.failures = make(map[string]int)
	e.persistFailuresLocked()
	return e.names[0], true
}

// Switch moves the user to the next usable key. Returns false when no switch
// happened (empty ring, or the next usable key is already the selection).
func (e *Engine) Switch(userKey string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.switchLocked(userKey)
}

func (e *Engine) switchLocked(userKey string) bool {
	next, ok := e.nextUsableLocked(userKey)
	if !ok || next == e.currentNameLocked(userKey) {
		return false
	}

	old := e.currentNameLocked(userKey)
	e.selection[userKey] = next
	L_info("keyring: switched key", "user", userKey, "from", old, "to", next)
	e.persistSelectionLocked()
	return true
}

// SwitchTo sets the user's selection to a specific configured key.
func (e *Engine) SwitchTo(userKey, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.secrets[name]; !ok {
		return &UnknownKeyError{Name: name, Available: e.Names()}
	}
	e.selection[userKey] = name
	e.persistSelectionLocked()
	return nil
}

// RecordOutcome updates the failure counter for a key. Success resets the
// counter; a key failure increments it and, once the threshold is reached,
// rotates the user away from the key. Other failures leave counters alone.
func (e *Engine) RecordOutcome(userKey, keyName string, outcome Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		if e.failures[keyName] != 0 {
			delete(e.failures, keyName)
		}
		e.persistFailuresLocked()
	case OutcomeKeyFailure:
		e.failures[keyName]++
		count := e.failures[keyName]
		L_warn("keyring: key failure recorded", "key", keyName, "failures", count, "threshold", e.threshold)
		e.persistFailuresLocked()
		if count >= e.threshold {
			e.switchLocked(userKey)
		}
	case OutcomeOtherFailure:
		// Not attributable to the key; counters stay untouched.
	}
}

// Failures returns the failure count for one key.
func (e *Engine) Failures(keyName string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures[keyName]
}

// ResetAll clears every failure counter. Invoked by the daily sweep, the
// manual reset command, and the full-cycle exhaustion fallback.
func (e *Engine) ResetAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures = make(map[string]int)
	e.persistFailuresLocked()
	L_info("keyring: reset all failure counters")
}

// Statuses lists every key with its failure count, in ring order.
func (e *Engine) Statuses() []KeyStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]KeyStatus, 0, len(e.names))
	for _, name := range e.names {
		n := e.failures[name]
		out = append(out, KeyStatus{Name: name, Failures: n, Usable: n < e.threshold})
	}
	return out
}

func (e *Engine) persistFailuresLocked() {
	if e.store == nil {
		return
	}
	failures := make(map[string]int, len(e.failures))
	for k, v := range e.failures {
		failures[k] = v
	}
	e.store.SetKeyFailures(failures)
}

func (e *Engine) persistSelectionLocked() {
	if e.store == nil {
		return
	}
	selection := make(map[string]string, len(e.selection))
	for k, v := range e.selection {
		selection[k] = v
	}
	e.store.SetKeySelection(selection)
}
