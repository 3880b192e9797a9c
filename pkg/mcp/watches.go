package mcp

import (
	"slices"
	"sync"
)

// WatchRegistry tracks which MCP session watches which run. A run has at most
// one watching session; a session may watch many runs.
type WatchRegistry struct {
	mu        sync.RWMutex
	bySession map[string]map[string]struct{}
	byRun     map[string]string
}

func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{
		bySession: make(map[string]map[string]struct{}),
		byRun:     make(map[string]string),
	}
}

// Watch points runID at sessionID and returns the session it replaced, if any.
func (r *WatchRegistry) Watch(runID, sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.byRun[runID]
	if had {
		r.detach(prev, runID)
	}
	r.byRun[runID] = sessionID
	runs := r.bySession[sessionID]
	if runs == nil {
		runs = make(map[string]struct{})
		r.bySession[sessionID] = runs
	}
	runs[runID] = struct{}{}
	return prev, had && prev != sessionID
}

func (r *WatchRegistry) Watcher(runID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byRun[runID]
	return sid, ok
}

// Unwatch forgets runID once its watch ends.
func (r *WatchRegistry) Unwatch(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sid, ok := r.byRun[runID]; ok {
		delete(r.byRun, runID)
		r.detach(sid, runID)
	}
}

// DropSession removes a disconnected session and returns the runs it watched.
func (r *WatchRegistry) DropSession(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	runs := r.bySession[sessionID]
	delete(r.bySession, sessionID)
	out := make([]string, 0, len(runs))
	for runID := range runs {
		delete(r.byRun, runID)
		out = append(out, runID)
	}
	slices.Sort(out)
	return out
}

// Runs lists the runs watched by sessionID in lexical order.
func (r *WatchRegistry) Runs(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySession[sessionID]))
	for runID := range r.bySession[sessionID] {
		out = append(out, runID)
	}
	slices.Sort(out)
	return out
}

func (r *WatchRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRun)
}

// detach requires r.mu held for writing.
func (r *WatchRegistry) detach(sessionID, runID string) {
	runs := r.bySession[sessionID]
	delete(runs, runID)
	if len(runs) == 0 {
		delete(r.bySession, sessionID)
	}
}
