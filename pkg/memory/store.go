package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultDebounce = time.Second

// Store persists session memory, work logs, and learnings under a base
// directory:
//
//	<base>/projects/<p>/sessions/<s>/memory.json
//	<base>/projects/<p>/sessions/<s>/worklog.jsonl
//	<base>/projects/<p>/learnings.json
//	<base>/learnings.json
//
// One logical writer per namespace: full-file session memory, the work log,
// and learnings each have their own lock. Session memory writes are coalesced
// through a debounce window; the work log appends directly.
type Store struct {
	baseDir  string
	debounce time.Duration

	memoryMu sync.Mutex
	pending  map[string]*pendingWrite

	worklogMu   sync.Mutex
	learningsMu sync.Mutex
}

type pendingWrite struct {
	project string
	session string
	mem     *SessionMemory
	timer   *time.Timer
}

type Option func(*Store)

// WithDebounce overrides the write coalescing window. Zero writes through.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) {
		s.debounce = d
	}
}

func NewStore(baseDir string, opts ...Option) *Store {
	s := &Store{
		baseDir:  baseDir,
		debounce: defaultDebounce,
		pending:  make(map[string]*pendingWrite),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) sessionDir(project, session string) string {
	return filepath.Join(s.baseDir, "projects", project, "sessions", session)
}

func (s *Store) memoryPath(project, session string) string {
	return filepath.Join(s.sessionDir(project, session), "memory.json")
}

func (s *Store) worklogPath(project, session string) string {
	return filepath.Join(s.sessionDir(project, session), "worklog.jsonl")
}

func (s *Store) projectLearningsPath(project string) string {
	return filepath.Join(s.baseDir, "projects", project, "learnings.json")
}

func (s *Store) globalLearningsPath() string {
	return filepath.Join(s.baseDir, "learnings.json")
}

// Create initializes a new session. The memory file is written immediately so
// the session is visible to other readers without waiting for the debounce.
func (s *Store) Create(project, session, title string) (*SessionMemory, error) {
	now := time.Now()
	mem := &SessionMemory{
		SessionID: session,
		ProjectID: project,
		Title:     title,
		CurrentStatus: Status{
			Completed:        []string{},
			DiscussionPoints: []string{},
			OpenQuestions:    []string{},
		},
		Learnings:  []Learning{},
		KeyResults: []string{},
		Time:       Timestamps{Created: now, Updated: now},
	}

	s.memoryMu.Lock()
	defer s.memoryMu.Unlock()

	path := s.memoryPath(project, session)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("session %s already exists", session)
	}
	if err := s.writeMemoryLocked(project, session, mem); err != nil {
		return nil, err
	}
	return clone(mem), nil
}

// Read returns the current session memory, including not-yet-flushed updates.
func (s *Store) Read(project, session string) (*SessionMemory, error) {
	s.memoryMu.Lock()
	defer s.memoryMu.Unlock()
	return s.readLocked(project, session)
}

func (s *Store) readLocked(project, session string) (*SessionMemory, error) {
	if pw, ok := s.pending[project+"/"+session]; ok {
		return clone(pw.mem), nil
	}

	data, err := os.ReadFile(s.memoryPath(project, session))
	if err != nil {
		return nil, fmt.Errorf("failed to read session memory: %w", err)
	}
	var mem SessionMemory
	if err := json.Unmarshal(data, &mem); err != nil {
		return nil, fmt.Errorf("corrupt session memory for %s: %w", session, err)
	}
	return &mem, nil
}

// Write replaces the session memory wholesale.
func (s *Store) Write(project, session string, mem *SessionMemory) error {
	s.memoryMu.Lock()
	defer s.memoryMu.Unlock()

	m := clone(mem)
	m.SessionID = session
	m.ProjectID = project
	s.touch(m)
	s.scheduleLocked(project, session, m)
	return nil
}

// Update applies fn to the current memory and persists the result. The
// updated timestamp never moves backwards.
func (s *Store) Update(project, session string, fn func(*SessionMemory)) error {
	s.memoryMu.Lock()
	defer s.memoryMu.Unlock()

	mem, err := s.readLocked(project, session)
	if err != nil {
		return err
	}
	fn(mem)
	s.touch(mem)
	s.scheduleLocked(project, session, mem)
	return nil
}

func (s *Store) touch(mem *SessionMemory) {
	if now := time.Now(); now.After(mem.Time.Updated) {
		mem.Time.Updated = now
	}
}

func (s *Store) scheduleLocked(project, session string, mem *SessionMemory) {
	if s.debounce <= 0 {
		if err := s.writeMemoryLocked(project, session, mem); err != nil {
			slog.Error("Failed to persist session memory", "session", session, "error", err)
		}
		return
	}

	key := project + "/" + session
	pw, ok := s.pending[key]
	if !ok {
		pw = &pendingWrite{project: project, session: session}
		s.pending[key] = pw
		pw.timer = time.AfterFunc(s.debounce, func() { s.flushKey(key) })
	}
	pw.mem = mem
}

func (s *Store) flushKey(key string) {
	s.memoryMu.Lock()
	defer s.memoryMu.Unlock()

	pw, ok := s.pending[key]
	if !ok {
		return
	}
	delete(s.pending, key)
	if err := s.writeMemoryLocked(pw.project, pw.session, pw.mem); err != nil {
		slog.Error("Failed to persist session memory", "session", pw.session, "error", err)
	}
}

// Flush forces all pending session memory writes to disk.
func (s *Store) Flush() error {
	s.memoryMu.Lock()
	defer s.memoryMu.Unlock()

	var firstErr error
	for key, pw := range s.pending {
		pw.timer.Stop()
		delete(s.pending, key)
		if err := s.writeMemoryLocked(pw.project, pw.session, pw.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close flushes pending writes.
func (s *Store) Close() error {
	return s.Flush()
}

func (s *Store) writeMemoryLocked(project, session string, mem *SessionMemory) error {
	data, err := json.MarshalIndent(mem, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session memory: %w", err)
	}
	return writeAtomic(s.memoryPath(project, session), data)
}

// UpdateTitle sets the session title.
func (s *Store) UpdateTitle(project, session, title string, generated bool) error {
	return s.Update(project, session, func(m *SessionMemory) {
		m.Title = title
		m.TitleGenerated = generated
	})
}

// UpdateStatus replaces the rolling status.
func (s *Store) UpdateStatus(project, session string, status Status) error {
	return s.Update(project, session, func(m *SessionMemory) {
		m.CurrentStatus = status
	})
}

// AddCompleted appends a completed item to the status.
func (s *Store) AddCompleted(project, session, item string) error {
	return s.Update(project, session, func(m *SessionMemory) {
		m.CurrentStatus.Completed = append(m.CurrentStatus.Completed, item)
	})
}

// AddDiscussionPoint appends a discussion point to the status.
func (s *Store) AddDiscussionPoint(project, session, point string) error {
	return s.Update(project, session, func(m *SessionMemory) {
		m.CurrentStatus.DiscussionPoints = append(m.CurrentStatus.DiscussionPoints, point)
	})
}

// AddOpenQuestion appends an open question to the status.
func (s *Store) AddOpenQuestion(project, session, question string) error {
	return s.Update(project, session, func(m *SessionMemory) {
		m.CurrentStatus.OpenQuestions = append(m.CurrentStatus.OpenQuestions, question)
	})
}

// AddKeyResult appends a key result.
func (s *Store) AddKeyResult(project, session, result string) error {
	return s.Update(project, session, func(m *SessionMemory) {
		m.KeyResults = append(m.KeyResults, result)
	})
}

// AddLearning records a session-scoped learning and mirrors it to the work
// log.
func (s *Store) AddLearning(project, session string, l Learning) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	l.SessionID = session

	if err := s.Update(project, session, func(m *SessionMemory) {
		m.Learnings = append(m.Learnings, l)
	}); err != nil {
		return err
	}
	return s.AppendWorkLog(project, session, WorkLogEntry{
		Type:    EntryLearning,
		Summary: l.Insight,
		Metadata: map[string]any{
			"category": l.Category,
			"id":       l.ID,
		},
	})
}

// PromoteLearningToProject copies a learning to the project learnings file.
// A learning with the same insight and category is not re-inserted.
func (s *Store) PromoteLearningToProject(project string, l Learning) error {
	return s.addLearningToFile(s.projectLearningsPath(project), l)
}

// PromoteLearningToGlobal copies a learning to the global learnings file.
func (s *Store) PromoteLearningToGlobal(l Learning) error {
	return s.addLearningToFile(s.globalLearningsPath(), l)
}

func (s *Store) addLearningToFile(path string, l Learning) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}

	s.learningsMu.Lock()
	defer s.learningsMu.Unlock()

	file, err := readLearningsFile(path)
	if err != nil {
		return err
	}
	for _, existing := range file.Learnings {
		if existing.Insight == l.Insight && existing.Category == l.Category {
			return nil
		}
	}
	file.Learnings = append(file.Learnings, l)
	file.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal learnings: %w", err)
	}
	return writeAtomic(path, data)
}

// ProjectLearnings returns the project-level learnings.
func (s *Store) ProjectLearnings(project string) ([]Learning, error) {
	s.learningsMu.Lock()
	defer s.learningsMu.Unlock()

	file, err := readLearningsFile(s.projectLearningsPath(project))
	if err != nil {
		return nil, err
	}
	return file.Learnings, nil
}

func readLearningsFile(path string) (*LearningsFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &LearningsFile{Learnings: []Learning{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read learnings: %w", err)
	}
	var file LearningsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("corrupt learnings file %s: %w", path, err)
	}
	return &file, nil
}

// AppendWorkLog appends one record to the session's work log. Appends are
// direct, never debounced; the log is the authoritative history.
func (s *Store) AppendWorkLog(project, session string, entry WorkLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	s.worklogMu.Lock()
	defer s.worklogMu.Unlock()

	path := s.worklogPath(project, session)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open work log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal work log entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append work log entry: %w", err)
	}
	return nil
}

// ReadWorkLog returns all work log entries in append order.
func (s *Store) ReadWorkLog(project, session string) ([]WorkLogEntry, error) {
	s.worklogMu.Lock()
	defer s.worklogMu.Unlock()

	data, err := os.ReadFile(s.worklogPath(project, session))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read work log: %w", err)
	}

	var entries []WorkLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry WorkLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("corrupt work log line: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ListSessions loads all session memories for a project.
func (s *Store) ListSessions(project string) ([]*SessionMemory, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.baseDir, "projects", project, "sessions")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var sessions []*SessionMemory
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		mem, err := s.Read(project, entry.Name())
		if err != nil {
			slog.Warn("Skipping unreadable session", "session", entry.Name(), "error", err)
			continue
		}
		sessions = append(sessions, mem)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Time.Created.Before(sessions[j].Time.Created)
	})
	return sessions, nil
}

// ExportAsMarkdown renders a session memory as a markdown document.
func (s *Store) ExportAsMarkdown(project, session string) (string, error) {
	mem, err := s.Read(project, session)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", mem.Title)
	fmt.Fprintf(&b, "Session `%s` in project `%s`.\n", mem.SessionID, mem.ProjectID)
	fmt.Fprintf(&b, "Created %s, updated %s.\n\n",
		mem.Time.Created.Format(time.RFC3339), mem.Time.Updated.Format(time.RFC3339))

	writeSection(&b, "Completed", mem.CurrentStatus.Completed)
	writeSection(&b, "Discussion Points", mem.CurrentStatus.DiscussionPoints)
	writeSection(&b, "Open Questions", mem.CurrentStatus.OpenQuestions)
	writeSection(&b, "Key Results", mem.KeyResults)

	if len(mem.Learnings) > 0 {
		b.WriteString("## Learnings\n\n")
		for _, l := range mem.Learnings {
			fmt.Fprintf(&b, "- **%s**: %s\n", l.Category, l.Insight)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func writeSection(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}

func clone(mem *SessionMemory) *SessionMemory {
	data, _ := json.Marshal(mem)
	var out SessionMemory
	_ = json.Unmarshal(data, &out)
	return &out
}

// writeAtomic writes data to path via a temp file and rename so readers never
// observe a partial file.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
