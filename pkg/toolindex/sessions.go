package toolindex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9-_]`)

// SanitizeSessionID makes a session id safe for use in file names.
func SanitizeSessionID(id string) string {
	return unsafeChars.ReplaceAllString(id, "_")
}

// enabledFile is the on-disk shape of a per-session enabled set.
type enabledFile struct {
	SessionID string    `json:"sessionID"`
	Tools     []string  `json:"tools"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// currentSessionFile broadcasts the active session across processes.
type currentSessionFile struct {
	SessionID string    `json:"sessionId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionStore persists which deferred tools each session has enabled, at
// <base>/enabled-tools/enabled-tools-<sanitizedSessionID>.json. One logical
// writer at a time; enabling is idempotent and commutative.
type SessionStore struct {
	baseDir string
	mu      sync.Mutex
}

func NewSessionStore(baseDir string) *SessionStore {
	return &SessionStore{baseDir: baseDir}
}

func (s *SessionStore) enabledPath(sessionID string) string {
	name := fmt.Sprintf("enabled-tools-%s.json", SanitizeSessionID(sessionID))
	return filepath.Join(s.baseDir, "enabled-tools", name)
}

func (s *SessionStore) currentSessionPath() string {
	return filepath.Join(s.baseDir, "current-session.json")
}

// EnableTools adds tool ids to the session's enabled set.
func (s *SessionStore) EnableTools(sessionID string, ids ...string) error {
	if sessionID == "" || len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.readEnabledLocked(sessionID)
	if err != nil {
		return err
	}

	enabled := make(map[string]bool, len(file.Tools))
	for _, id := range file.Tools {
		enabled[id] = true
	}
	changed := false
	for _, id := range ids {
		if !enabled[id] {
			enabled[id] = true
			changed = true
		}
	}
	if !changed {
		return nil
	}

	file.SessionID = sessionID
	file.Tools = file.Tools[:0]
	for id := range enabled {
		file.Tools = append(file.Tools, id)
	}
	sort.Strings(file.Tools)
	file.UpdatedAt = time.Now()

	return s.writeEnabledLocked(sessionID, file)
}

// EnabledTools returns the session's enabled set.
func (s *SessionStore) EnabledTools(sessionID string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.readEnabledLocked(sessionID)
	if err != nil {
		return nil, err
	}
	enabled := make(map[string]bool, len(file.Tools))
	for _, id := range file.Tools {
		enabled[id] = true
	}
	return enabled, nil
}

// IsToolEnabled reports whether the session enabled the tool.
func (s *SessionStore) IsToolEnabled(sessionID, id string) bool {
	enabled, err := s.EnabledTools(sessionID)
	if err != nil {
		slog.Warn("Failed to read enabled tools", "session", sessionID, "error", err)
		return false
	}
	return enabled[id]
}

// ClearSession removes the session's enabled set.
func (s *SessionStore) ClearSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.enabledPath(sessionID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *SessionStore) readEnabledLocked(sessionID string) (*enabledFile, error) {
	data, err := os.ReadFile(s.enabledPath(sessionID))
	if os.IsNotExist(err) {
		return &enabledFile{SessionID: sessionID, Tools: []string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read enabled tools: %w", err)
	}
	var file enabledFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("corrupt enabled-tools file for %s: %w", sessionID, err)
	}
	return &file, nil
}

func (s *SessionStore) writeEnabledLocked(sessionID string, file *enabledFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal enabled tools: %w", err)
	}
	path := s.enabledPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create enabled-tools dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write enabled tools: %w", err)
	}
	return os.Rename(tmp, path)
}

// SetCurrentSession broadcasts the active session id to other processes.
func (s *SessionStore) SetCurrentSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(currentSessionFile{SessionID: sessionID, UpdatedAt: time.Now()})
	if err != nil {
		return err
	}
	path := s.currentSessionPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// CurrentSession reads the broadcast session id, or "" when none is set.
func (s *SessionStore) CurrentSession() string {
	data, err := os.ReadFile(s.currentSessionPath())
	if err != nil {
		return ""
	}
	var file currentSessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return ""
	}
	return file.SessionID
}

// WatchCurrentSession invokes fn with the new session id whenever the
// broadcast file changes, until ctx is canceled.
func (s *SessionStore) WatchCurrentSession(ctx context.Context, fn func(sessionID string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	dir := filepath.Dir(s.currentSessionPath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		base := filepath.Base(s.currentSessionPath())
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if id := s.CurrentSession(); id != "" {
						fn(id)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Session watcher error", "error", err)
			}
		}
	}()
	return nil
}

// ToolState classifies a tool's visibility for one session.
type ToolState string

const (
	StateAvailable ToolState = "AVAILABLE"
	StateEnabled   ToolState = "ENABLED"
	StateDeferred  ToolState = "DEFERRED"
)

// Service combines the index with per-session enablement.
type Service struct {
	Index    *Index
	Sessions *SessionStore
}

func NewService(baseDir string) *Service {
	return &Service{
		Index:    NewIndex(),
		Sessions: NewSessionStore(baseDir),
	}
}

// CanExecute reports whether the session may run the tool: non-deferred tools
// always, deferred tools only when enabled. Unknown ids count as deferred.
func (s *Service) CanExecute(sessionID, id string) bool {
	entry, ok := s.Index.Get(id)
	if ok && !entry.Deferred {
		return true
	}
	return s.Sessions.IsToolEnabled(sessionID, id)
}

// StateOf returns the tool's state for the session.
func (s *Service) StateOf(sessionID, id string) ToolState {
	entry, ok := s.Index.Get(id)
	if ok && !entry.Deferred {
		return StateAvailable
	}
	if s.Sessions.IsToolEnabled(sessionID, id) {
		return StateEnabled
	}
	return StateDeferred
}

// Status groups all indexed tools by state for the session.
func (s *Service) Status(sessionID string) map[ToolState][]string {
	out := map[ToolState][]string{}
	for _, e := range s.Index.Entries() {
		state := s.StateOf(sessionID, e.ID)
		out[state] = append(out[state], e.ID)
	}
	return out
}
