package toolindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedIndex() *Index {
	ix := NewIndex()
	ix.Add("snow_query_incidents", "Query ServiceNow incidents by filter", "snow", true)
	ix.Add("snow_create_incident", "Create a new ServiceNow incident", "snow", true)
	ix.Add("jira_list_issues", "List Jira issues in a project", "jira", true)
	ix.Add("web_fetch", "Fetch a URL and return the response body", "web", false)
	return ix
}

func TestExtractKeywords(t *testing.T) {
	kw := ExtractKeywords("snow_query_incidents", "Query ServiceNow incidents by filter")

	assert.Contains(t, kw, "snow")
	assert.Contains(t, kw, "query")
	assert.Contains(t, kw, "incidents")
	assert.Contains(t, kw, "servicenow")
	assert.Contains(t, kw, "filter")
	// Short and stopword tokens are dropped.
	assert.NotContains(t, kw, "by")
	assert.NotContains(t, kw, "the")
}

func TestExtractKeywordsCapsDescriptionWords(t *testing.T) {
	desc := "alpha bravo charlie delta echofoo foxtrot golf hotel india juliet kilo lima mike"
	kw := ExtractKeywords("x_y", desc)
	// Name yields nothing (parts too short), description capped at 10.
	assert.Len(t, kw, 10)
}

func TestSearchExactMatchScoresHighest(t *testing.T) {
	ix := seedIndex()

	matches := ix.Search("snow_query_incidents", 10)
	require.NotEmpty(t, matches)
	assert.Equal(t, "snow_query_incidents", matches[0].Entry.ID)
	assert.GreaterOrEqual(t, matches[0].Score, 100)
}

func TestSearchByKeyword(t *testing.T) {
	ix := seedIndex()

	matches := ix.Search("incident", 10)
	require.GreaterOrEqual(t, len(matches), 2)
	for _, m := range matches {
		assert.Contains(t, m.Entry.ID, "incident")
	}

	// Unrelated entries score zero and are dropped.
	for _, m := range matches {
		assert.NotEqual(t, "web_fetch", m.Entry.ID)
	}
}

func TestSearchCategoryAndLimit(t *testing.T) {
	ix := seedIndex()

	matches := ix.Search("snow", 1)
	require.Len(t, matches, 1)
	assert.Equal(t, "snow", matches[0].Entry.Category)

	assert.Empty(t, ix.Search("nonexistent_gibberish", 10))
	assert.Empty(t, ix.Search("", 10))
}

func TestSearchOrderingIsDeterministic(t *testing.T) {
	ix := seedIndex()

	first := ix.Search("snow", 10)
	for i := 0; i < 5; i++ {
		again := ix.Search("snow", 10)
		require.Equal(t, first, again)
	}
}

func TestIndexGrowsMonotonically(t *testing.T) {
	ix := NewIndex()
	assert.Equal(t, 0, ix.Len())

	ix.Add("a_one", "first", "a", true)
	ix.Add("a_two", "second", "a", true)
	assert.Equal(t, 2, ix.Len())

	// Re-adding replaces, never shrinks.
	ix.Add("a_one", "first again", "a", false)
	assert.Equal(t, 2, ix.Len())

	ix.Clear()
	assert.Equal(t, 0, ix.Len())
}

func TestDescriptionTruncated(t *testing.T) {
	ix := NewIndex()
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	ix.Add("big_tool", string(long), "misc", true)

	e, ok := ix.Get("big_tool")
	require.True(t, ok)
	assert.Len(t, e.Description, 200)
}

func TestSanitizeSessionID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc-123_DEF", "abc-123_DEF"},
		{"user@host:8080/x", "user_host_8080_x"},
		{"a b\tc", "a_b_c"},
		{"../../etc/passwd", "______etc_passwd"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeSessionID(tt.in))
	}
}

func TestEnableToolsRoundTrip(t *testing.T) {
	store := NewSessionStore(t.TempDir())

	require.NoError(t, store.EnableTools("sess-1", "snow_query_incidents"))
	require.NoError(t, store.EnableTools("sess-1", "jira_list_issues", "snow_query_incidents"))

	enabled, err := store.EnabledTools("sess-1")
	require.NoError(t, err)
	assert.Len(t, enabled, 2)
	assert.True(t, store.IsToolEnabled("sess-1", "snow_query_incidents"))
	assert.False(t, store.IsToolEnabled("sess-2", "snow_query_incidents"))

	// Idempotent re-enable leaves the set unchanged.
	require.NoError(t, store.EnableTools("sess-1", "jira_list_issues"))
	enabled, err = store.EnabledTools("sess-1")
	require.NoError(t, err)
	assert.Len(t, enabled, 2)

	require.NoError(t, store.ClearSession("sess-1"))
	assert.False(t, store.IsToolEnabled("sess-1", "snow_query_incidents"))
	require.NoError(t, store.ClearSession("sess-1"))
}

func TestEnabledSetSurvivesReload(t *testing.T) {
	dir := t.TempDir()

	store := NewSessionStore(dir)
	require.NoError(t, store.EnableTools("sess:with/odd chars", "snow_query_incidents"))

	reloaded := NewSessionStore(dir)
	assert.True(t, reloaded.IsToolEnabled("sess:with/odd chars", "snow_query_incidents"))
}

func TestCurrentSessionBroadcast(t *testing.T) {
	store := NewSessionStore(t.TempDir())
	assert.Empty(t, store.CurrentSession())

	require.NoError(t, store.SetCurrentSession("sess-42"))
	assert.Equal(t, "sess-42", store.CurrentSession())
}

func TestServiceCanExecute(t *testing.T) {
	svc := NewService(t.TempDir())
	svc.Index.Add("web_fetch", "Fetch a URL", "web", false)
	svc.Index.Add("snow_query_incidents", "Query incidents", "snow", true)

	assert.True(t, svc.CanExecute("sess-1", "web_fetch"))
	assert.False(t, svc.CanExecute("sess-1", "snow_query_incidents"))

	// Unknown ids count as deferred.
	assert.False(t, svc.CanExecute("sess-1", "mystery_tool"))

	require.NoError(t, svc.Sessions.EnableTools("sess-1", "snow_query_incidents"))
	assert.True(t, svc.CanExecute("sess-1", "snow_query_incidents"))
	assert.False(t, svc.CanExecute("sess-2", "snow_query_incidents"))
}

func TestServiceStatus(t *testing.T) {
	svc := NewService(t.TempDir())
	svc.Index.Add("web_fetch", "Fetch a URL", "web", false)
	svc.Index.Add("snow_query_incidents", "Query incidents", "snow", true)
	svc.Index.Add("jira_list_issues", "List issues", "jira", true)

	require.NoError(t, svc.Sessions.EnableTools("sess-1", "jira_list_issues"))

	status := svc.Status("sess-1")
	assert.Equal(t, []string{"web_fetch"}, status[StateAvailable])
	assert.Equal(t, []string{"jira_list_issues"}, status[StateEnabled])
	assert.Equal(t, []string{"snow_query_incidents"}, status[StateDeferred])
}
