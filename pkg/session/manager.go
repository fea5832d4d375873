// Package session tracks session identity and the fork tree: sessions whose
// parentID references another session of the same project form a forest that
// persists across runs.
package session

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/pkg/bus"
	"github.com/ensembleworks/ensemble/pkg/fault"
	"github.com/ensembleworks/ensemble/pkg/memory"
)

// Manager owns session lifecycle for one project.
type Manager struct {
	store   *memory.Store
	project string
	bus     *bus.Bus
}

func NewManager(store *memory.Store, project string, b *bus.Bus) *Manager {
	return &Manager{store: store, project: project, bus: b}
}

// Create starts a fresh root session.
func (m *Manager) Create(title string) (*memory.SessionMemory, error) {
	id := uuid.NewString()
	mem, err := m.store.Create(m.project, id, title)
	if err != nil {
		return nil, err
	}
	if m.bus != nil {
		m.bus.Publish(bus.EventSessionCreated, id)
	}
	return mem, nil
}

// Fork creates a child session referencing parentID. The parent must exist in
// the same project.
func (m *Manager) Fork(parentID, title string) (*memory.SessionMemory, error) {
	if _, err := m.store.Read(m.project, parentID); err != nil {
		return nil, fault.Wrap(fault.KindNotFound, fmt.Sprintf("parent session %s", parentID), err)
	}

	id := uuid.NewString()
	mem, err := m.store.Create(m.project, id, title)
	if err != nil {
		return nil, err
	}
	if err := m.store.Update(m.project, id, func(s *memory.SessionMemory) {
		s.ParentID = parentID
	}); err != nil {
		return nil, err
	}
	mem.ParentID = parentID

	if m.bus != nil {
		m.bus.Publish(bus.EventSessionForked, map[string]string{"parent": parentID, "child": id})
	}
	return mem, nil
}

// Get loads one session.
func (m *Manager) Get(sessionID string) (*memory.SessionMemory, error) {
	mem, err := m.store.Read(m.project, sessionID)
	if err != nil {
		return nil, fault.Wrap(fault.KindNotFound, fmt.Sprintf("session %s", sessionID), err)
	}
	return mem, nil
}

// ListProjectSessions returns all sessions of the project.
func (m *Manager) ListProjectSessions() ([]*memory.SessionMemory, error) {
	return m.store.ListSessions(m.project)
}

// Ancestry returns the chain from the root session down to sessionID. A
// broken or cyclic parent chain is reported as an error.
func (m *Manager) Ancestry(sessionID string) ([]*memory.SessionMemory, error) {
	var chain []*memory.SessionMemory
	visited := map[string]bool{}

	id := sessionID
	for id != "" {
		if visited[id] {
			return nil, fault.Newf(fault.KindInternal, "session parent chain contains a cycle at %s", id)
		}
		visited[id] = true

		mem, err := m.Get(id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, mem)
		id = mem.ParentID
	}

	// Built leaf-first; reverse to root-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Node is one session in the rendered fork tree. Parents are referenced by
// id, never by pointer, so the ownership graph stays acyclic.
type Node struct {
	ID           string
	Title        string
	ParentID     string
	Children     []*Node
	Depth        int
	IsLast       bool
	MessageCount int
	Cost         float64
	Created      int64
	Updated      int64
	IsCurrent    bool
	Shared       bool
}

// BuildTree loads all project sessions and assembles the forest: children
// sorted by creation time ascending, roots by update time descending.
func (m *Manager) BuildTree(currentID string) ([]*Node, error) {
	sessions, err := m.ListProjectSessions()
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*Node, len(sessions))
	mems := make(map[string]*memory.SessionMemory, len(sessions))
	for _, s := range sessions {
		nodes[s.SessionID] = &Node{
			ID:           s.SessionID,
			Title:        s.Title,
			ParentID:     s.ParentID,
			MessageCount: s.MessageCount,
			Cost:         s.Cost,
			Created:      s.Time.Created.UnixNano(),
			Updated:      s.Time.Updated.UnixNano(),
			IsCurrent:    s.SessionID == currentID,
			Shared:       s.Shared,
		}
		mems[s.SessionID] = s
	}

	var roots []*Node
	for _, n := range nodes {
		if n.ParentID != "" {
			if parent, ok := nodes[n.ParentID]; ok {
				parent.Children = append(parent.Children, n)
				continue
			}
			// Orphaned fork: its parent was deleted. Treat as a root.
		}
		roots = append(roots, n)
	}

	for _, n := range nodes {
		sort.Slice(n.Children, func(i, j int) bool {
			return n.Children[i].Created < n.Children[j].Created
		})
	}
	sort.Slice(roots, func(i, j int) bool {
		return roots[i].Updated > roots[j].Updated
	})

	for _, root := range roots {
		annotate(root, 0)
	}
	return roots, nil
}

func annotate(n *Node, depth int) {
	n.Depth = depth
	for i, child := range n.Children {
		child.IsLast = i == len(n.Children)-1
		annotate(child, depth+1)
	}
}
