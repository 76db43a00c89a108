// Package session implements the session store: per-conversation
// append-only message history with lazy creation, persistence that rewrites
// the session's file on each Save, and tolerance for a corrupt tail line on
// load.
package session

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
)

// Session is the ordered turn history for one (channel, chat_id) pair.
type Session struct {
	Key      string
	Messages []providers.Message
	Summary  string
}

// SessionManager owns all live sessions for a process and, when configured
// with a storage directory, persists them as line-delimited JSON.
type SessionManager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	storageDir string
}

type persistedLine struct {
	Type    string             `json:"_type,omitempty"`
	Key     string             `json:"key,omitempty"`
	Summary string             `json:"summary,omitempty"`
	Message *providers.Message `json:"message,omitempty"`
}

// NewSessionManager creates a manager. storageDir == "" disables persistence.
func NewSessionManager(storageDir string) *SessionManager {
	sm := &SessionManager{
		sessions:   make(map[string]*Session),
		storageDir: storageDir,
	}
	if storageDir != "" {
		sm.loadAll()
	}
	return sm
}

// GetOrCreate returns the session for key, creating it lazily.
func (sm *SessionManager) GetOrCreate(key string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.getOrCreateLocked(key)
}

func (sm *SessionManager) getOrCreateLocked(key string) *Session {
	s, ok := sm.sessions[key]
	if !ok {
		s = &Session{Key: key}
		sm.sessions[key] = s
	}
	return s
}

// AddMessage appends a simple text turn, creating the session if needed.
func (sm *SessionManager) AddMessage(key, role, content string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.getOrCreateLocked(key)
	s.Messages = append(s.Messages, providers.Message{Role: role, Content: content})
}

// AddFullMessage appends a fully-formed message (preserving ToolCalls,
// ToolCallID, Name), creating the session if needed.
func (sm *SessionManager) AddFullMessage(key string, msg providers.Message) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.getOrCreateLocked(key)
	s.Messages = append(s.Messages, msg)
}

// GetHistory returns a deep copy of the session's messages, safe to mutate.
// Returns a non-nil empty slice for an unknown key.
func (sm *SessionManager) GetHistory(key string) []providers.Message {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[key]
	if !ok {
		return []providers.Message{}
	}
	out := make([]providers.Message, len(s.Messages))
	for i, m := range s.Messages {
		cp := m
		if m.ToolCalls != nil {
			cp.ToolCalls = append([]providers.ToolCall(nil), m.ToolCalls...)
		}
		out[i] = cp
	}
	return out
}

// GetSummary returns the session's rolling summary, or "" if unknown.
func (sm *SessionManager) GetSummary(key string) string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[key]
	if !ok {
		return ""
	}
	return s.Summary
}

// SetSummary sets the session's rolling summary, creating the session if needed.
func (sm *SessionManager) SetSummary(key, summary string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.getOrCreateLocked(key)
	s.Summary = summary
}

// TruncateHistory keeps only the last `keep` messages. Safe on unknown keys
// and when keep >= current length.
func (sm *SessionManager) TruncateHistory(key string, keep int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[key]
	if !ok || keep < 0 || len(s.Messages) <= keep {
		return
	}
	s.Messages = append([]providers.Message(nil), s.Messages[len(s.Messages)-keep:]...)
}

// SessionInfo is the metadata record ListSessions returns for one session,
// without pulling the full message history into memory.
type SessionInfo struct {
	Key          string
	MessageCount int
	Summary      string
}

// ListSessions returns metadata for every session currently held in memory,
// ordered by key for stable output.
func (sm *SessionManager) ListSessions() []SessionInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		infos = append(infos, SessionInfo{
			Key:          s.Key,
			MessageCount: len(s.Messages),
			Summary:      s.Summary,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// Delete removes a session from memory and, when persistence is enabled, its
// backing file on disk. Reports whether a session existed for key.
func (sm *SessionManager) Delete(key string) bool {
	sm.mu.Lock()
	_, existed := sm.sessions[key]
	delete(sm.sessions, key)
	sm.mu.Unlock()

	if sm.storageDir != "" {
		if err := os.Remove(sm.sessionPath(key)); err != nil && !os.IsNotExist(err) {
			logger.WarnCF("session", "failed to remove session file", map[string]interface{}{"key": key, "error": err.Error()})
		}
	}

	return existed
}

// Save persists the session to disk as line-delimited JSON. A no-op when
// persistence is disabled.
func (sm *SessionManager) Save(s *Session) error {
	if sm.storageDir == "" || s == nil {
		return nil
	}
	if err := os.MkdirAll(sm.storageDir, 0755); err != nil {
		return err
	}

	path := sm.sessionPath(s.Key)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	sm.mu.RLock()
	summary := s.Summary
	messages := append([]providers.Message(nil), s.Messages...)
	sm.mu.RUnlock()

	header, _ := json.Marshal(persistedLine{Type: "metadata", Key: s.Key, Summary: summary})
	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.WriteString("\n"); err != nil {
		return err
	}

	for _, m := range messages {
		msg := m
		line, err := json.Marshal(persistedLine{Message: &msg})
		if err != nil {
			continue
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.WriteString("\n"); err != nil {
			return err
		}
	}

	return nil
}

func (sm *SessionManager) sessionPath(key string) string {
	safe := sanitizeKeyForFilename(key)
	return filepath.Join(sm.storageDir, safe+".jsonl")
}

// sanitizeKeyForFilename replaces path-hostile characters so a session key
// like "telegram:123" maps to a single flat file.
func sanitizeKeyForFilename(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// loadAll reads every *.jsonl file in storageDir back into memory at startup.
func (sm *SessionManager) loadAll() {
	entries, err := os.ReadDir(sm.storageDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		sm.loadFile(filepath.Join(sm.storageDir, entry.Name()))
	}
}

func (sm *SessionManager) loadFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	var key string
	var summary string
	var messages []providers.Message

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var pl persistedLine
		if err := json.Unmarshal(line, &pl); err != nil {
			// Corrupt tail line: skip and keep what loaded so far.
			logger.WarnCF("session", "skipping corrupt session line", map[string]interface{}{"path": path})
			continue
		}
		if first && pl.Type == "metadata" {
			summary = pl.Summary
			key = pl.Key
			first = false
			continue
		}
		first = false
		if pl.Message != nil {
			messages = append(messages, *pl.Message)
		}
	}

	if key == "" {
		base := filepath.Base(path)
		key = base[:len(base)-len(filepath.Ext(base))]
	}

	sm.mu.Lock()
	sm.sessions[key] = &Session{Key: key, Messages: messages, Summary: summary}
	sm.mu.Unlock()
}
