// Package persistence debounces session state to disk: each save request
// is buffered per (agentId, sessionId) and flushed to a rebuildable
// directory layout of index.json / {id}.json / {id}.messages.json files,
// every write going through a sibling .tmp file and an atomic rename.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openstarry/core/internal/bus"
	"github.com/openstarry/core/pkg/models"
)

// ErrInvalidSessionID indicates a session id unsafe to use as a path
// component (empty, or containing a path separator or "..").
var ErrInvalidSessionID = errors.New("invalid session id")

const (
	defaultMaxHistorySize = 1000
	defaultFlushCount     = 5
	defaultFlushInterval  = 10 * time.Second
	fileMode              = 0o600
	dirMode               = 0o700
)

// Config controls debounce thresholds and history truncation.
type Config struct {
	// StatePath is the root directory; sessions live under
	// {StatePath}/sessions/{agentId}/.
	StatePath string
	// MaxHistorySize caps how many trailing messages a save keeps. Zero
	// means defaultMaxHistorySize.
	MaxHistorySize int
	// FlushCount is the pending-save count that forces an immediate
	// flush. Zero means defaultFlushCount.
	FlushCount int
	// FlushInterval is the debounce timer duration. Zero means
	// defaultFlushInterval.
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxHistorySize <= 0 {
		c.MaxHistorySize = defaultMaxHistorySize
	}
	if c.FlushCount <= 0 {
		c.FlushCount = defaultFlushCount
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	return c
}

// pending tracks one (agentId, sessionId)'s buffered save request and its
// debounce timer.
type pending struct {
	session  models.Session
	messages []models.Message
	count    int
	timer    *time.Timer
}

// Store debounces and persists session state under a directory tree keyed
// by agent id. The zero value is not usable; use New.
type Store struct {
	cfg    Config
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending // key: agentId + "\x00" + sessionId
	closed  bool
}

// New constructs a Store. b may be nil if no bus events should be emitted
// on save failure.
func New(cfg Config, b *bus.Bus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:     cfg.withDefaults(),
		bus:     b,
		logger:  logger,
		pending: make(map[string]*pending),
	}
}

func pendingKey(agentID, sessionID string) string {
	return agentID + "\x00" + sessionID
}

func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return ErrInvalidSessionID
	}
	if strings.ContainsAny(sessionID, "/\\") || strings.Contains(sessionID, "..") {
		return fmt.Errorf("%w: %s", ErrInvalidSessionID, sessionID)
	}
	return nil
}

func (s *Store) agentDir(agentID string) string {
	return filepath.Join(s.cfg.StatePath, "sessions", agentID)
}

// Save buffers session and messages for agentID, flushing immediately if
// this is the FlushCount-th pending save for this (agentID, session.ID) or
// letting the debounce timer do so after FlushInterval. Save never returns
// an error to the caller per the fire-and-forget persistence contract;
// failures are logged and emitted as a "persistence:save_failed" bus event.
func (s *Store) Save(agentID string, session models.Session, messages []models.Message) {
	if err := validateSessionID(session.ID); err != nil {
		s.logger.Error("persistence: refusing to save", "agentId", agentID, "error", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	key := pendingKey(agentID, session.ID)
	p, ok := s.pending[key]
	if !ok {
		p = &pending{}
		s.pending[key] = p
	}
	p.session = session.Clone()
	p.messages = cloneMessages(messages)
	p.count++

	if p.count >= s.cfg.FlushCount {
		delete(s.pending, key)
		s.mu.Unlock()
		s.flush(agentID, p)
		return
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(s.cfg.FlushInterval, func() {
		s.flushKey(agentID, key)
	})
	s.mu.Unlock()
}

func (s *Store) flushKey(agentID, key string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	p, ok := s.pending[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()
	s.flush(agentID, p)
}

func (s *Store) flush(agentID string, p *pending) {
	if p.timer != nil {
		p.timer.Stop()
	}
	if err := s.writeSession(agentID, p.session, p.messages); err != nil {
		s.logger.Error("persistence: save failed", "agentId", agentID, "sessionId", p.session.ID, "error", err)
		if s.bus != nil {
			s.bus.Emit("persistence:save_failed", map[string]any{
				"agentId":   agentID,
				"sessionId": p.session.ID,
				"error":     err.Error(),
			})
		}
	}
}

// writeSession truncates messages to the last MaxHistorySize entries and
// atomically writes {id}.json, {id}.messages.json, and an updated
// index.json.
func (s *Store) writeSession(agentID string, session models.Session, messages []models.Message) error {
	if len(messages) > s.cfg.MaxHistorySize {
		messages = messages[len(messages)-s.cfg.MaxHistorySize:]
	}

	dir := s.agentDir(agentID)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	if err := atomicWriteJSON(filepath.Join(dir, session.ID+".json"), session); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := atomicWriteJSON(filepath.Join(dir, session.ID+".messages.json"), messages); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}
	if err := s.updateIndex(dir, models.IndexEntry{
		ID:           session.ID,
		CreatedAt:    session.CreatedAt,
		UpdatedAt:    session.UpdatedAt,
		Metadata:     session.Metadata,
		MessageCount: len(messages),
	}); err != nil {
		return fmt.Errorf("update index: %w", err)
	}
	return nil
}

func (s *Store) updateIndex(dir string, entry models.IndexEntry) error {
	index, err := readIndex(dir)
	if err != nil {
		return err
	}
	replaced := false
	for i, e := range index {
		if e.ID == entry.ID {
			index[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		index = append(index, entry)
	}
	sort.Slice(index, func(i, j int) bool { return index[i].ID < index[j].ID })
	return atomicWriteJSON(filepath.Join(dir, "index.json"), index)
}

func readIndex(dir string) ([]models.IndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var index []models.IndexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return rebuildIndex(dir)
	}
	return index, nil
}

// rebuildIndex reconstructs index.json from the {id}.json/.messages.json
// files present in dir, for when the index itself is missing or corrupt.
func rebuildIndex(dir string) ([]models.IndexEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var index []models.IndexEntry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".messages.json") || name == "index.json" {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		var session models.Session
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if err := json.Unmarshal(data, &session); err != nil {
			continue
		}
		count := 0
		if msgs, err := os.ReadFile(filepath.Join(dir, id+".messages.json")); err == nil {
			var decoded []models.Message
			if json.Unmarshal(msgs, &decoded) == nil {
				count = len(decoded)
			}
		}
		index = append(index, models.IndexEntry{
			ID:           session.ID,
			CreatedAt:    session.CreatedAt,
			UpdatedAt:    session.UpdatedAt,
			Metadata:     session.Metadata,
			MessageCount: count,
		})
	}
	return index, nil
}

// Load reads back a persisted session and its messages. Returns
// os.ErrNotExist (wrapped) if no such session was ever saved.
func (s *Store) Load(agentID, sessionID string) (models.Session, []models.Message, error) {
	if err := validateSessionID(sessionID); err != nil {
		return models.Session{}, nil, err
	}
	dir := s.agentDir(agentID)

	var session models.Session
	data, err := os.ReadFile(filepath.Join(dir, sessionID+".json"))
	if err != nil {
		return models.Session{}, nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if err := json.Unmarshal(data, &session); err != nil {
		return models.Session{}, nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}

	var messages []models.Message
	msgData, err := os.ReadFile(filepath.Join(dir, sessionID+".messages.json"))
	if err != nil && !os.IsNotExist(err) {
		return models.Session{}, nil, fmt.Errorf("load messages %s: %w", sessionID, err)
	}
	if err == nil {
		if err := json.Unmarshal(msgData, &messages); err != nil {
			return models.Session{}, nil, fmt.Errorf("decode messages %s: %w", sessionID, err)
		}
	}
	return session, messages, nil
}

// ListSessions returns the index entries for agentID, rebuilding the index
// from disk if it is missing or corrupt.
func (s *Store) ListSessions(agentID string) ([]models.IndexEntry, error) {
	dir := s.agentDir(agentID)
	index, err := readIndex(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(index, func(i, j int) bool { return index[i].ID < index[j].ID })
	return index, nil
}

// Delete removes a persisted session's files and its index entry,
// cancelling any pending debounced write for it.
func (s *Store) Delete(agentID, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	key := pendingKey(agentID, sessionID)
	if p, ok := s.pending[key]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(s.pending, key)
	}
	s.mu.Unlock()

	dir := s.agentDir(agentID)
	for _, name := range []string{sessionID + ".json", sessionID + ".messages.json"} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	index, err := readIndex(dir)
	if err != nil {
		return err
	}
	filtered := index[:0]
	for _, e := range index {
		if e.ID != sessionID {
			filtered = append(filtered, e)
		}
	}
	return atomicWriteJSON(filepath.Join(dir, "index.json"), filtered)
}

// CleanupExpired removes sessions from agentID's index whose UpdatedAt is
// older than maxAge, deleting their files too.
func (s *Store) CleanupExpired(agentID string, maxAge time.Duration, now time.Time) error {
	index, err := s.ListSessions(agentID)
	if err != nil {
		return err
	}
	for _, e := range index {
		if e.ID == models.DefaultSessionID {
			continue
		}
		if now.Sub(e.UpdatedAt) > maxAge {
			if err := s.Delete(agentID, e.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close flushes every pending debounced write immediately and stops
// accepting further saves, matching the drain-on-shutdown requirement: a
// shutdown must not silently drop a save that was debounced but never
// reached its timer or count threshold.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]*pending)
	s.mu.Unlock()

	for key, p := range pending {
		parts := strings.SplitN(key, "\x00", 2)
		if len(parts) != 2 {
			continue
		}
		s.flush(parts[0], p)
	}
}

func cloneMessages(messages []models.Message) []models.Message {
	out := make([]models.Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
