// Package store persists the relay's session state as a single JSON
// document: conversation buffers, persona and key selections, key failure
// counters and last-activity timestamps.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/chatrelay/chatrelay/internal/logging"
)

// Message is one conversation entry as persisted on disk.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Snapshot is the root structure of the state file.
type Snapshot struct {
	Contexts     map[string][]Message `json:"user_contexts"`
	Personas     map[string]string    `json:"user_current_persona"`
	KeySelection map[string]string    `json:"user_current_api_key"`
	KeyFailures  map[string]int       `json:"api_key_failures"`
	LastActivity map[string]int64     `json:"user_last_activity"`
	LastSaveTime string               `json:"last_save_time,omitempty"`
	Version      string               `json:"version"`
}

const snapshotVersion = "1.1.0"

// AutoSaveInterval is how often the store writes a full snapshot regardless
// of explicit saves.
const AutoSaveInterval = 5 * time.Minute

func emptySnapshot() Snapshot {
	return Snapshot{
		Contexts:     make(map[string][]Message),
		Personas:     make(map[string]string),
		KeySelection: make(map[string]string),
		KeyFailures:  make(map[string]int),
		LastActivity: make(map[string]int64),
		Version:      snapshotVersion,
	}
}

// Store manages state persistence. Setters replace one logical map and kick
// an asynchronous save; the background writer coalesces bursts so the last
// writer wins. Saves go through a temp file and atomic rename, so a crash
// mid-write never corrupts the canonical file.
type Store struct {
	path string

	mu   sync.RWMutex
	data Snapshot

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// Open loads (or initializes) the state file at path and starts the
// background writer. A corrupt or unreadable file is logged and replaced by
// defaults; load failure never propagates to the caller.
func Open(path string) *Store {
	s := &Store{
		path: path,
		data: emptySnapshot(),
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.load()
	go s.writer()
	return s
}

// load merges the on-disk snapshot onto the defaults. Missing maps keep
// their defaults so older files remain loadable.
func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			L_debug("store: state file not found, starting empty", "path", s.path)
		} else {
			L_error("store: failed to read state file", "path", s.path, "error", err)
		}
		return
	}

	var loaded Snapshot
	if err := json.Unmarshal(data, &loaded); err != nil {
		L_error("store: state file corrupt, keeping defaults", "path", s.path, "error", err)
		return
	}

	s.mu.Lock()
	if loaded.Contexts != nil {
		s.data.Contexts = loaded.Contexts
	}
	if loaded.Personas != nil {
		s.data.Personas = loaded.Personas
	}
	if loaded.KeySelection != nil {
		s.data.KeySelection = loaded.KeySelection
	}
	if loaded.KeyFailures != nil {
		s.data.KeyFailures = loaded.KeyFailures
	}
	if loaded.LastActivity != nil {
		s.data.LastActivity = loaded.LastActivity
	}
	users := len(s.data.Contexts)
	s.mu.Unlock()

	L_info("store: loaded state", "path", s.path, "users", users)
}

// writer is the single goroutine that performs disk writes. Explicit kicks
// and the periodic timer both funnel through here, serializing all writes.
func (s *Store) writer() {
	defer close(s.done)
	ticker := time.NewTicker(AutoSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.kick:
			if err := s.SaveNow(); err != nil {
				L_error("store: async save failed", "error", err)
			}
		case <-ticker.C:
			if err := s.SaveNow(); err != nil {
				L_error("store: periodic save failed", "error", err)
			}
		case <-s.stop:
			if err := s.SaveNow(); err != nil {
				L_error("store: final save failed", "error", err)
			}
			return
		}
	}
}

// requestSave queues an asynchronous save without blocking the caller.
func (s *Store) requestSave() {
	select {
	case s.kick <- struct{}{}:
	default:
		// A save is already pending; it will pick up this change too.
	}
}

// SaveNow writes the current snapshot to disk synchronously.
func (s *Store) SaveNow() error {
	s.mu.Lock()
	s.data.LastSaveTime = time.Now().Format(time.RFC3339)
	s.data.Version = snapshotVersion
	data, err := json.MarshalIndent(&s.data, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	L_debug("store: saved state", "path", s.path)
	return nil
}

// Close flushes a final snapshot and stops the background writer.
func (s *Store) Close() {
	close(s.stop)
	<-s.done
}

// Contexts returns the persisted conversation buffers, truncated to the most
// recent limit entries per user.
func (s *Store) Contexts(limit int) map[string][]Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]Message, len(s.data.Contexts))
	for key, msgs := range s.data.Contexts {
		if limit > 0 && len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		out[key] = append([]Message(nil), msgs...)
	}
	return out
}

// Personas returns the persisted persona assignments.
func (s *Store) Personas() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyStringMap(s.data.Personas)
}

// KeySelection returns the persisted per-user key selections.
func (s *Store) KeySelection() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyStringMap(s.data.KeySelection)
}

// KeyFailures returns the persisted failure counters.
func (s *Store) KeyFailures() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.data.KeyFailures))
	for k, v := range s.data.KeyFailures {
		out[k] = v
	}
	return out
}

// LastActivity returns the persisted last-activity timestamps (unix seconds).
func (s *Store) LastActivity() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.data.LastActivity))
	for k, v := range s.data.LastActivity {
		out[k] = v
	}
	return out
}

// SetContexts replaces the conversation buffer map and queues a save.
func (s *Store) SetContexts(contexts map[string][]Message) {
	s.mu.Lock()
	replaced := make(map[string][]Message, len(contexts))
	for key, msgs := range contexts {
		replaced[key] = append([]Message(nil), msgs...)
	}
	s.data.Contexts = replaced
	s.mu.Unlock()
	s.requestSave()
}

// SetPersonas replaces the persona assignment map and queues a save.
func (s *Store) SetPersonas(personas map[string]string) {
	s.mu.Lock()
	s.data.Personas = copyStringMap(personas)
	s.mu.Unlock()
	s.requestSave()
}

// SetKeySelection replaces the per-user key selection map and queues a save.
func (s *Store) SetKeySelection(selection map[string]string) {
	s.mu.Lock()
	s.data.KeySelection = copyStringMap(selection)
	s.mu.Unlock()
	s.requestSave()
}

// SetKeyFailures replaces the failure counter map and queues a save.
// Counters persist promptly so a restart does not double-punish a key.
func (s *Store) SetKeyFailures(failures map[string]int) {
	s.mu.Lock()
	replaced := make(map[string]int, len(failures))
	for k, v := range failures {
		replaced[k] = v
	}
	s.data.KeyFailures = replaced
	s.mu.Unlock()
	s.requestSave()
}

// SetLastActivity replaces the last-activity map and queues a save.
func (s *Store) SetLastActivity(activity map[string]int64) {
	s.mu.Lock()
	replaced := make(map[string]int64, len(activity))
	for k, v := range activity {
		replaced[k] = v
	}
	s.data.LastActivity = replaced
	s.mu.Unlock()
	s.requestSave()
}

// Stats summarizes the stored state for startup logging.
type Stats struct {
	Users      int
	Messages   int
	FailedKeys int
}

// Stats returns summary counts of the stored state.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Users: len(s.data.Contexts)}
	for _, msgs := range s.data.Contexts {
		st.Messages += len(msgs)
	}
	for _, n := range s.data.KeyFailures {
		if n > 0 {
			st.FailedKeys++
		}
	}
	return st
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
