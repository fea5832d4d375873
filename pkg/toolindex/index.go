// Package toolindex maintains the searchable index over tool names and
// descriptions, and the per-session sets of enabled deferred tools. The index
// is what keeps the exposed tool surface small: callers find tools through
// tool_search instead of seeing hundreds of definitions up front.
package toolindex

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

const maxDescriptionLen = 200

// Entry is one indexed tool.
type Entry struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Keywords    []string `json:"keywords"`
	Deferred    bool     `json:"deferred"`
}

// Match is a search hit.
type Match struct {
	Entry Entry
	Score int
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"this": true, "that": true, "are": true, "was": true, "will": true,
	"can": true, "has": true, "have": true, "its": true, "all": true,
	"any": true, "get": true, "set": true, "you": true, "your": true,
	"use": true, "used": true, "using": true, "into": true, "when": true,
	"given": true, "each": true, "also": true, "not": true, "new": true,
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// ExtractKeywords derives search keywords from a tool name and description:
// underscore-separated name parts longer than 2 chars, plus up to 10 content
// words from the description.
func ExtractKeywords(name, description string) []string {
	seen := map[string]bool{}
	var keywords []string

	add := func(w string) {
		if len(w) > 2 && !stopwords[w] && !seen[w] {
			seen[w] = true
			keywords = append(keywords, w)
		}
	}

	for _, part := range strings.Split(strings.ToLower(name), "_") {
		add(part)
	}

	descWords := 0
	for _, word := range strings.Fields(strings.ToLower(description)) {
		if descWords >= 10 {
			break
		}
		word = nonAlnum.ReplaceAllString(word, "")
		if len(word) > 2 && !stopwords[word] && !seen[word] {
			seen[word] = true
			keywords = append(keywords, word)
			descWords++
		}
	}
	return keywords
}

// Index is the in-memory tool index. It grows monotonically between clears.
type Index struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewIndex() *Index {
	return &Index{entries: make(map[string]Entry)}
}

// Add indexes a tool. Re-adding an id replaces its entry.
func (ix *Index) Add(id, description, category string, deferred bool) {
	if len(description) > maxDescriptionLen {
		description = description[:maxDescriptionLen]
	}
	entry := Entry{
		ID:          id,
		Description: description,
		Category:    category,
		Keywords:    ExtractKeywords(id, description),
		Deferred:    deferred,
	}

	ix.mu.Lock()
	ix.entries[id] = entry
	ix.mu.Unlock()
}

// Get returns the entry for id.
func (ix *Index) Get(id string) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[id]
	return e, ok
}

// Len returns the number of indexed tools.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Clear drops all entries.
func (ix *Index) Clear() {
	ix.mu.Lock()
	ix.entries = make(map[string]Entry)
	ix.mu.Unlock()
}

// Entries returns all entries sorted by id.
func (ix *Index) Entries() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]Entry, 0, len(ix.entries))
	for _, e := range ix.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Search scores every entry against the query and returns the top limit
// matches by descending score. Zero scores are dropped.
func (ix *Index) Search(query string, limit int) []Match {
	if limit <= 0 {
		limit = 10
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	words := queryWords(query)

	ix.mu.RLock()
	matches := make([]Match, 0, len(ix.entries))
	for _, e := range ix.entries {
		if score := scoreEntry(e, query, words); score > 0 {
			matches = append(matches, Match{Entry: e, Score: score})
		}
	}
	ix.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Entry.ID < matches[j].Entry.ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func queryWords(query string) []string {
	var words []string
	for _, w := range strings.Fields(query) {
		if len(w) > 2 {
			words = append(words, w)
		}
	}
	return words
}

func scoreEntry(e Entry, query string, words []string) int {
	id := strings.ToLower(e.ID)
	desc := strings.ToLower(e.Description)
	category := strings.ToLower(e.Category)

	score := 0
	switch {
	case id == query:
		score += 100
	case strings.Contains(id, query):
		score += 50
	}
	if strings.HasPrefix(id, query) && id != query {
		score += 30
	}
	if strings.Contains(desc, query) {
		score += 20
	}

	for _, kw := range e.Keywords {
		if kw == query {
			score += 40
		} else if strings.Contains(kw, query) {
			score += 15
		}
	}
	if strings.Contains(category, query) {
		score += 25
	}

	for _, w := range words {
		if strings.Contains(id, w) {
			score += 10
		}
		if strings.Contains(desc, w) {
			score += 5
		}
		for _, kw := range e.Keywords {
			if strings.Contains(kw, w) {
				score += 8
				break
			}
		}
	}
	return score
}
