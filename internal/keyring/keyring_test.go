package keyring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/config"
)

func threeKeys() []config.APIKey {
	return []config.APIKey{
		{Name: "A", Secret: "secret-a"},
		{Name: "B", Secret: "secret-b"},
		{Name: "C", Secret: "secret-c"},
	}
}

func TestCurrentKeyDefaults(t *testing.T) {
	e := New([]config.APIKey{{Name: "default", Secret: "s1"}}, 3, nil)

	assert.Equal(t, "default", e.CurrentKeyName("user"))
	assert.Equal(t, "s1", e.CurrentSecret("user"))
}

func TestCurrentSecretFallsBackToDefault(t *testing.T) {
	e := New([]config.APIKey{
		{Name: "default", Secret: "s1"},
		{Name: "spare", Secret: "s2"},
	}, 3, nil)

	require.NoError(t, e.SwitchTo("user", "spare"))
	assert.Equal(t, "s2", e.CurrentSecret("user"))

	// A selection that no longer resolves falls back to "default".
	e2 := New([]config.APIKey{{Name: "default", Secret: "s1"}}, 3, nil)
	assert.Equal(t, "s1", e2.CurrentSecret("someone"))
}

func TestCurrentSecretEmptyWhenNothingResolves(t *testing.T) {
	e := New(threeKeys(), 3, nil)
	// No selection and no "default" key configured.
	assert.Equal(t, "", e.CurrentSecret("user"))
}

func TestNextUsableSkipsExhaustedKeys(t *testing.T) {
	e := New(threeKeys(), 3, nil)
	require.NoError(t, e.SwitchTo("user", "A"))

	// Exhaust B; the scan from A must skip it and land on C.
	for i := 0; i < 3; i++ {
		e.RecordOutcome("other-user", "B", OutcomeKeyFailure)
	}

	next, ok := e.NextUsableKey("user")
	require.True(t, ok)
	assert.Equal(t, "C", next)
}

func TestNextUsableNeverReturnsExhaustedUnlessAllAre(t *testing.T) {
	e := New(threeKeys(), 2, nil)
	require.NoError(t, e.SwitchTo("user", "A"))

	for _, name := range []string{"A", "B", "C"} {
		e.RecordOutcome("nobody", name, OutcomeKeyFailure)
	}
	next, ok := e.NextUsableKey("user")
	require.True(t, ok)
	assert.NotEqual(t, 2, e.Failures(next), "returned key must be usable")
	assert.Equal(t, "B", next)
}

func TestFullCycleExhaustionResetsAllAndReturnsFirst(t *testing.T) {
	e := New(threeKeys(), 2, nil)
	for _, name := range []string{"A", "B", "C"} {
		e.RecordOutcome("nobody", name, OutcomeKeyFailure)
		e.RecordOutcome("nobody", name, OutcomeKeyFailure)
	}

	next, ok := e.NextUsableKey("user")
	require.True(t, ok)
	assert.Equal(t, "A", next, "first declared key after global reset")
	for _, name := range []string{"A", "B", "C"} {
		assert.Equal(t, 0, e.Failures(name))
	}
}

func TestNextUsableEmptyRing(t *testing.T) {
	e := New(nil, 3, nil)
	_, ok := e.NextUsableKey("user")
	assert.False(t, ok)
}

func TestSuccessResetsCounterEvenAboveThreshold(t *testing.T) {
	e := New(threeKeys(), 3, nil)
	for i := 0; i < 4; i++ {
		e.RecordOutcome("nobody", "A", OutcomeKeyFailure)
	}
	require.GreaterOrEqual(t, e.Failures("A"), 3)

	e.RecordOutcome("nobody", "A", OutcomeSuccess)
	assert.Equal(t, 0, e.Failures("A"))
}

func TestOtherFailureLeavesCountersAlone(t *testing.T) {
	e := New(threeKeys(), 3, nil)
	e.RecordOutcome("user", "A", OutcomeOtherFailure)
	assert.Equal(t, 0, e.Failures("A"))
}

func TestThreeFailuresSwitchExactlyOnceToNext(t *testing.T) {
	e := New(threeKeys(), 3, nil)
	require.NoError(t, e.SwitchTo("user", "A"))

	e.RecordOutcome("user", "A", OutcomeKeyFailure)
	assert.Equal(t, "A", e.CurrentKeyName("user"))
	e.RecordOutcome("user", "A", OutcomeKeyFailure)
	assert.Equal(t, "A", e.CurrentKeyName("user"))
	e.RecordOutcome("user", "A", OutcomeKeyFailure)
	assert.Equal(t, "B", e.CurrentKeyName("user"), "threshold reached: switch away from A exactly once")
}

func TestSingleKeyExhaustionResetsAndKeepsKey(t *testing.T) {
	e := New([]config.APIKey{{Name: "A", Secret: "secret1"}}, 3, nil)
	require.NoError(t, e.SwitchTo("user", "A"))

	for i := 0; i < 3; i++ {
		e.RecordOutcome("user", "A", OutcomeKeyFailure)
	}

	// The only key stays selected and its counter was reset rather than
	// the engine reporting no usable key.
	assert.Equal(t, "A", e.CurrentKeyName("user"))
	assert.Equal(t, 0, e.Failures("A"))
	next, ok := e.NextUsableKey("user")
	require.True(t, ok)
	assert.Equal(t, "A", next)
}

func TestSwitchNoOpOnSingleKey(t *testing.T) {
	e := New([]config.APIKey{{Name: "A", Secret: "s"}}, 3, nil)
	require.NoError(t, e.SwitchTo("user", "A"))
	assert.False(t, e.Switch("user"))
}

func TestSwitchIsPerUser(t *testing.T) {
	e := New(threeKeys(), 3, nil)
	require.NoError(t, e.SwitchTo("alice", "A"))
	require.NoError(t, e.SwitchTo("bob", "C"))

	assert.True(t, e.Switch("alice"))
	assert.Equal(t, "B", e.CurrentKeyName("alice"))
	assert.Equal(t, "C", e.CurrentKeyName("bob"), "rotation must not disrupt other users")
}

func TestSwitchToUnknownKey(t *testing.T) {
	e := New(threeKeys(), 3, nil)
	err := e.SwitchTo("user", "Z")
	require.Error(t, err)

	var unknownErr *UnknownKeyError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "Z", unknownErr.Name)
	assert.Equal(t, []string{"A", "B", "C"}, unknownErr.Available)
}

func TestResetAllIsIdempotent(t *testing.T) {
	e := New(threeKeys(), 3, nil)
	for _, name := range []string{"A", "B"} {
		e.RecordOutcome("user", name, OutcomeKeyFailure)
	}

	e.ResetAll()
	first := e.Statuses()
	e.ResetAll()
	assert.Equal(t, first, e.Statuses())
	for _, st := range e.Statuses() {
		assert.Zero(t, st.Failures)
		assert.True(t, st.Usable)
	}
}

func TestStatusesInRingOrder(t *testing.T) {
	e := New(threeKeys(), 1, nil)
	e.RecordOutcome("nobody", "B", OutcomeKeyFailure)

	statuses := e.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, "A", statuses[0].Name)
	assert.True(t, statuses[0].Usable)
	assert.Equal(t, "B", statuses[1].Name)
	assert.False(t, statuses[1].Usable)
}

func TestHasUsableConfig(t *testing.T) {
	assert.False(t, New(nil, 3, nil).HasUsableConfig())
	assert.False(t, New([]config.APIKey{{Name: "A", Secret: "  "}}, 3, nil).HasUsableConfig())
	assert.True(t, New([]config.APIKey{{Name: "A", Secret: "s"}}, 3, nil).HasUsableConfig())
}
