// Package convo owns per-user conversation state: bounded message history,
// persona selection and last-activity tracking.
package convo

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	. "github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/store"
)

// groupSuffix is appended to the system prompt in group chats so the model
// can attribute turns by nickname.
const groupSuffix = "\n\n(Note on the chat setting: this is a group chat where " +
	"several users may interact with you. User messages arrive in the form " +
	"`[nickname]: message`. Tell speakers apart by nickname and feel free to " +
	"address them by name in your replies.)"

// UnknownPersonaError is returned when a persona switch names a persona that
// is not configured.
type UnknownPersonaError struct {
	Name      string
	Available []string
}

func (e *UnknownPersonaError) Error() string {
	return fmt.Sprintf("unknown persona %q (available: %s)", e.Name, strings.Join(e.Available, ", "))
}

// Options configures a Manager.
type Options struct {
	Capacity     int               // max entries per buffer
	ShowNickname bool              // prefix group messages with [nickname]:
	Personas     map[string]string // static persona name -> system prompt
	Store        *store.Store      // nil disables persistence
	Clock        func() time.Time  // nil uses time.Now
}

// Manager owns the per-user conversation buffers and persona assignments.
// All maps are guarded by one mutex; persistence is asynchronous through the
// store's fire-and-forget setters.
type Manager struct {
	mu sync.Mutex

	capacity     int
	showNickname bool
	personas     map[string]string

	buffers      map[string]*Buffer
	assignments  map[string]string
	lastActivity map[string]int64

	store *store.Store
	clock func() time.Time
}

// NewManager creates a Manager, restoring persisted state when a store is
// configured.
func NewManager(opts Options) *Manager {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	m := &Manager{
		capacity:     opts.Capacity,
		showNickname: opts.ShowNickname,
		personas:     opts.Personas,
		buffers:      make(map[string]*Buffer),
		assignments:  make(map[string]string),
		lastActivity: make(map[string]int64),
		store:        opts.Store,
		clock:        opts.Clock,
	}

	if m.store != nil {
		for key, msgs := range m.store.Contexts(m.capacity) {
			buf := NewBuffer(m.capacity)
			for _, msg := range msgs {
				buf.Append(msg)
			}
			m.buffers[key] = buf
		}
		m.assignments = m.store.Personas()
		m.lastActivity = m.store.LastActivity()
	}

	return m
}

// bufferLocked returns the user's buffer, creating it lazily.
func (m *Manager) bufferLocked(userKey string) *Buffer {
	buf, ok := m.buffers[userKey]
	if !ok {
		buf = NewBuffer(m.capacity)
		m.buffers[userKey] = buf
	}
	return buf
}

// Append adds a message to the user's buffer. User messages in group scope
// are prefixed with "[nickname]: " when nickname display is enabled; private
// scope never prefixes. User messages also bump the activity timestamp.
func (m *Manager) Append(userKey, role, content, nickname string) {
	formatted := content
	if role == RoleUser && nickname != "" && m.showNickname && IsGroup(userKey) {
		formatted = fmt.Sprintf("[%s]: %s", nickname, content)
	}

	m.mu.Lock()
	m.bufferLocked(userKey).Append(store.Message{Role: role, Content: formatted})
	if role == RoleUser {
		m.lastActivity[userKey] = m.clock().Unix()
	}
	m.mu.Unlock()

	m.persistContexts()
	if role == RoleUser {
		m.persistActivity()
	}
}

// RenderPrompt builds the ordered message list for a chat turn: one system
// entry from the active persona (with the group attribution suffix in group
// scope) followed by the buffer contents in arrival order.
func (m *Manager) RenderPrompt(userKey string) []store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	prompt := m.personaPromptLocked(userKey)
	if IsGroup(userKey) {
		prompt += groupSuffix
	}

	msgs := make([]store.Message, 0, m.bufferLocked(userKey).Len()+1)
	msgs = append(msgs, store.Message{Role: RoleSystem, Content: prompt})
	msgs = append(msgs, m.bufferLocked(userKey).Entries()...)
	return msgs
}

func (m *Manager) personaPromptLocked(userKey string) string {
	name := m.assignments[userKey]
	if name == "" {
		name = "default"
	}
	if prompt, ok := m.personas[name]; ok {
		return prompt
	}
	if prompt, ok := m.personas["default"]; ok {
		return prompt
	}
	return "You are a helpful AI assistant."
}

// Persona returns the user's active persona name ("default" if unset).
func (m *Manager) Persona(userKey string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name := m.assignments[userKey]; name != "" {
		return name
	}
	return "default"
}

// Personas returns the configured persona names, sorted.
func (m *Manager) Personas() []string {
	names := make([]string, 0, len(m.personas))
	for name := range m.personas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SwitchPersona activates the named persona for the user and clears their
// buffer so the previous persona does not bleed into the new one.
func (m *Manager) SwitchPersona(userKey, name string) error {
	if _, ok := m.personas[name]; !ok {
		return &UnknownPersonaError{Name: name, Available: m.Personas()}
	}

	m.mu.Lock()
	m.assignments[userKey] = name
	m.bufferLocked(userKey).Clear()
	m.mu.Unlock()

	L_info("convo: switched persona", "user", userKey, "persona", name)
	m.persistPersonas()
	m.persistContexts()
	return nil
}

// Clear empties the user's buffer.
func (m *Manager) Clear(userKey string) {
	m.mu.Lock()
	m.bufferLocked(userKey).Clear()
	m.mu.Unlock()
	m.persistContexts()
}

// BufferLen returns the number of entries in the user's buffer.
func (m *Manager) BufferLen(userKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buf, ok := m.buffers[userKey]; ok {
		return buf.Len()
	}
	return 0
}

// Capacity returns the configured buffer capacity.
func (m *Manager) Capacity() int {
	return m.capacity
}

// LastActivity returns the user's last-activity time and whether one exists.
func (m *Manager) LastActivity(userKey string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.lastActivity[userKey]
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(ts, 0), true
}

// ActivitySnapshot returns a copy of all last-activity timestamps.
func (m *Manager) ActivitySnapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.lastActivity))
	for k, v := range m.lastActivity {
		out[k] = v
	}
	return out
}

// TouchActivity sets the user's last-activity time to now and persists it.
// The idle trigger uses this to avoid immediate re-triggering.
func (m *Manager) TouchActivity(userKey string) {
	m.mu.Lock()
	m.lastActivity[userKey] = m.clock().Unix()
	m.mu.Unlock()
	m.persistActivity()
}

// EnsureActivity records now as the last activity for users that have none.
// Returns the number of users seeded.
func (m *Manager) EnsureActivity(userKeys []string) int {
	now := m.clock().Unix()
	seeded := 0

	m.mu.Lock()
	for _, key := range userKeys {
		if _, ok := m.lastActivity[key]; !ok {
			m.lastActivity[key] = now
			seeded++
		}
	}
	m.mu.Unlock()

	if seeded > 0 {
		m.persistActivity()
	}
	return seeded
}

func (m *Manager) persistContexts() {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	contexts := make(map[string][]store.Message, len(m.buffers))
	for key, buf := range m.buffers {
		contexts[key] = buf.Entries()
	}
	m.mu.Unlock()
	m.store.SetContexts(contexts)
}

func (m *Manager) persistPersonas() {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	assignments := make(map[string]string, len(m.assignments))
	for k, v := range m.assignments {
		assignments[k] = v
	}
	m.mu.Unlock()
	m.store.SetPersonas(assignments)
}

func (m *Manager) persistActivity() {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	activity := make(map[string]int64, len(m.lastActivity))
	for k, v := range m.lastActivity {
		activity[k] = v
	}
	m.mu.Unlock()
	m.store.SetLastActivity(activity)
}
