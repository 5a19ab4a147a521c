package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/logger"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/specreader"
)

// specCache holds the last spec directory read so get_state doesn't re-walk
// the directory on every poll; WatchSpecDir keeps it fresh.
type specCache struct {
	mu    sync.RWMutex
	state *specreader.State
}

func (c *specCache) get() (*specreader.State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.state != nil
}

func (c *specCache) set(st *specreader.State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

// WatchSpecDir watches specDir for changes and refreshes the cached spec
// state after a short debounce, so get_state reflects an edited STATE.md
// or ROADMAP.md without the client having to call sync_project_state on
// every poll (SPEC_FULL.md §11). It runs until ctx is canceled. A watcher
// setup failure is logged and swallowed — get_state still works, it just
// falls back to reading the directory fresh on every call.
func (s *Server) WatchSpecDir(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Log.Warn("rpc: fsnotify unavailable, get_state will read on demand", "err", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(s.specDir); err != nil {
		logger.Log.Warn("rpc: failed to watch spec directory", "dir", s.specDir, "err", err)
		return
	}

	s.refreshSpecCache()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(150*time.Millisecond, s.refreshSpecCache)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Log.Warn("rpc: fsnotify error", "err", err)
		}
	}
}

func (s *Server) refreshSpecCache() {
	st, err := specreader.ReadState(s.specDir)
	if err != nil {
		logger.Log.Warn("rpc: spec directory reload failed", "err", err)
		return
	}
	s.specCache.set(st)
}
