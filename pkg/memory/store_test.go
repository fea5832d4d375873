package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), WithDebounce(0))
}

func TestCreateAndRead(t *testing.T) {
	s := newTestStore(t)

	mem, err := s.Create("proj", "sess-1", "Build the dashboard")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", mem.SessionID)
	assert.Equal(t, "proj", mem.ProjectID)
	assert.False(t, mem.Time.Created.IsZero())

	got, err := s.Read("proj", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Build the dashboard", got.Title)

	_, err = s.Create("proj", "sess-1", "again")
	assert.Error(t, err)
}

func TestUpdateIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("proj", "sess-1", "t")
	require.NoError(t, err)

	var prev time.Time
	for i := 0; i < 10; i++ {
		require.NoError(t, s.AddCompleted("proj", "sess-1", fmt.Sprintf("step %d", i)))
		mem, err := s.Read("proj", "sess-1")
		require.NoError(t, err)
		assert.False(t, mem.Time.Updated.Before(prev), "updated moved backwards")
		prev = mem.Time.Updated
	}

	mem, err := s.Read("proj", "sess-1")
	require.NoError(t, err)
	assert.Len(t, mem.CurrentStatus.Completed, 10)
}

func TestDebouncedWritesCoalesce(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, WithDebounce(50*time.Millisecond))

	_, err := s.Create("proj", "sess-1", "t")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AddKeyResult("proj", "sess-1", fmt.Sprintf("kr %d", i)))
	}

	// Pending state is visible to readers before the flush.
	mem, err := s.Read("proj", "sess-1")
	require.NoError(t, err)
	assert.Len(t, mem.KeyResults, 5)

	require.NoError(t, s.Flush())

	fresh := NewStore(dir, WithDebounce(0))
	mem, err = fresh.Read("proj", "sess-1")
	require.NoError(t, err)
	assert.Len(t, mem.KeyResults, 5)
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, WithDebounce(0))

	_, err := s.Create("proj", "sess-1", "t")
	require.NoError(t, err)
	require.NoError(t, s.UpdateTitle("proj", "sess-1", "renamed", true))

	sessionDir := filepath.Join(dir, "projects", "proj", "sessions", "sess-1")
	_, err = os.Stat(filepath.Join(sessionDir, "memory.json.tmp"))
	assert.True(t, os.IsNotExist(err))

	mem, err := s.Read("proj", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", mem.Title)
	assert.True(t, mem.TitleGenerated)
}

func TestWorkLogRoundTrip(t *testing.T) {
	s := newTestStore(t)

	entries := []WorkLogEntry{
		{Type: EntryUserRequest, Summary: "create a widget"},
		{Type: EntryToolCall, Summary: "jira_create_issue", Metadata: map[string]any{"project": "OPS"}},
		{Type: EntryToolResult, Summary: "issue OPS-12 created"},
		{Type: EntryError, Summary: "portal timeout"},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendWorkLog("proj", "sess-1", e))
	}

	got, err := s.ReadWorkLog("proj", "sess-1")
	require.NoError(t, err)
	require.Len(t, got, len(entries))

	for i, e := range entries {
		assert.Equal(t, e.Type, got[i].Type)
		assert.Equal(t, e.Summary, got[i].Summary)
		assert.False(t, got[i].Timestamp.IsZero())
		if i > 0 {
			assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp))
		}
	}
}

func TestReadWorkLogMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ReadWorkLog("proj", "nope")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLearningDeduplication(t *testing.T) {
	s := newTestStore(t)

	l := Learning{Category: "integration", Insight: "jira rejects empty summaries"}
	require.NoError(t, s.PromoteLearningToProject("proj", l))
	require.NoError(t, s.PromoteLearningToProject("proj", l))
	require.NoError(t, s.PromoteLearningToProject("proj", Learning{
		Category: "integration",
		Insight:  "portal tokens expire hourly",
	}))

	learnings, err := s.ProjectLearnings("proj")
	require.NoError(t, err)
	assert.Len(t, learnings, 2)
}

func TestAddLearningMirrorsToWorkLog(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("proj", "sess-1", "t")
	require.NoError(t, err)

	require.NoError(t, s.AddLearning("proj", "sess-1", Learning{
		Category: "planning",
		Insight:  "research tasks parallelize well",
	}))

	mem, err := s.Read("proj", "sess-1")
	require.NoError(t, err)
	require.Len(t, mem.Learnings, 1)
	assert.NotEmpty(t, mem.Learnings[0].ID)
	assert.Equal(t, "sess-1", mem.Learnings[0].SessionID)

	log, err := s.ReadWorkLog("proj", "sess-1")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, EntryLearning, log[0].Type)
}

func TestListSessionsSortedByCreated(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Create("proj", id, "session "+id)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	sessions, err := s.ListSessions("proj")
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "a", sessions[0].SessionID)
	assert.Equal(t, "c", sessions[2].SessionID)
}

func TestExportAsMarkdown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("proj", "sess-1", "Quarterly report flow")
	require.NoError(t, err)

	require.NoError(t, s.AddCompleted("proj", "sess-1", "collected data sources"))
	require.NoError(t, s.AddOpenQuestion("proj", "sess-1", "which chart library?"))
	require.NoError(t, s.AddKeyResult("proj", "sess-1", "flow deployed to staging"))

	md, err := s.ExportAsMarkdown("proj", "sess-1")
	require.NoError(t, err)
	assert.Contains(t, md, "# Quarterly report flow")
	assert.Contains(t, md, "## Completed")
	assert.Contains(t, md, "- collected data sources")
	assert.Contains(t, md, "## Open Questions")
	assert.Contains(t, md, "## Key Results")
}
