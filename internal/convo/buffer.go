package convo

import "github.com/chatrelay/chatrelay/internal/store"

// Message roles, matching the remote chat-completion contract.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Buffer is a bounded FIFO of conversation entries. When full, appending
// evicts the oldest entry.
type Buffer struct {
	capacity int
	entries  []store.Message
}

// NewBuffer creates an empty buffer with the given capacity (minimum 1).
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{capacity: capacity}
}

// Append adds an entry, evicting the oldest when at capacity.
func (b *Buffer) Append(msg store.Message) {
	if len(b.entries) >= b.capacity {
		excess := len(b.entries) - b.capacity + 1
		b.entries = append(b.entries[:0], b.entries[excess:]...)
	}
	b.entries = append(b.entries, msg)
}

// Entries returns a copy of the buffer contents in arrival order.
func (b *Buffer) Entries() []store.Message {
	return append([]store.Message(nil), b.entries...)
}

// Len returns the number of entries.
func (b *Buffer) Len() int {
	return len(b.entries)
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.entries = b.entries[:0]
}
