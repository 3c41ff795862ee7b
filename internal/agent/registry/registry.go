// Package registry tracks live agent processes by session id.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caspianhq/caspian/internal/agent"
	"github.com/caspianhq/caspian/internal/agent/adapter"
	"github.com/caspianhq/caspian/internal/common/logger"
)

// Metadata records which adapter spawned a session and when.
type Metadata struct {
	AdapterType agent.AdapterType
	StartedAt   time.Time
}

// Registry maps session ids to live process handles and enforces the
// one-live-session-per-node rule. It never holds its lock across process
// I/O: a node id is reserved before spawning and released on failure.
type Registry struct {
	mu       sync.Mutex
	handles  map[string]*adapter.Handle
	meta     map[string]Metadata
	byNode   map[string]string
	spawning map[string]struct{}

	adapters map[agent.AdapterType]adapter.Adapter
	logger   *logger.Logger
}

// New builds a registry with the given adapters.
func New(log *logger.Logger, adapters ...adapter.Adapter) *Registry {
	byType := make(map[agent.AdapterType]adapter.Adapter, len(adapters))
	for _, ad := range adapters {
		byType[ad.Type()] = ad
	}
	return &Registry{
		handles:  make(map[string]*adapter.Handle),
		meta:     make(map[string]Metadata),
		byNode:   make(map[string]string),
		spawning: make(map[string]struct{}),
		adapters: byType,
		logger:   log.WithFields(zap.String("component", "process-registry")),
	}
}

// Spawn starts an agent for the node through the named adapter. It fails
// with an already_running error when the node has a live or in-flight
// session.
func (r *Registry) Spawn(ctx context.Context, adapterType agent.AdapterType, cfg adapter.Config) (*adapter.Handle, error) {
	ad, ok := r.adapters[adapterType]
	if !ok {
		return nil, adapter.NewError(adapter.KindConfig, fmt.Sprintf("unknown adapter type %q", adapterType))
	}

	r.mu.Lock()
	if _, live := r.byNode[cfg.NodeID]; live {
		r.mu.Unlock()
		return nil, adapter.NewError(adapter.KindAlreadyRunning, fmt.Sprintf("node %s already has a running agent", cfg.NodeID))
	}
	if _, inflight := r.spawning[cfg.NodeID]; inflight {
		r.mu.Unlock()
		return nil, adapter.NewError(adapter.KindAlreadyRunning, fmt.Sprintf("node %s already has an agent spawning", cfg.NodeID))
	}
	r.spawning[cfg.NodeID] = struct{}{}
	r.mu.Unlock()

	handle, err := ad.Spawn(ctx, cfg)

	r.mu.Lock()
	delete(r.spawning, cfg.NodeID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.handles[handle.ID] = handle
	r.meta[handle.ID] = Metadata{AdapterType: adapterType, StartedAt: time.Now().UTC()}
	r.byNode[cfg.NodeID] = handle.ID
	r.mu.Unlock()

	r.logger.Info("Registered agent process",
		zap.String("session_id", handle.ID),
		zap.String("node_id", cfg.NodeID),
		zap.Int("pid", handle.ProcessID))

	return handle, nil
}

// Handle looks up the live handle for a session.
func (r *Registry) Handle(sessionID string) (*adapter.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[sessionID]
	return h, ok
}

// Metadata looks up the spawn metadata for a session.
func (r *Registry) Metadata(sessionID string) (Metadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meta[sessionID]
	return m, ok
}

// SessionForNode returns the live session id for a node, if any.
func (r *Registry) SessionForNode(nodeID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byNode[nodeID]
	return id, ok
}

// TakeReceiver extracts a session's output channel. Each session's channel
// can be taken exactly once.
func (r *Registry) TakeReceiver(sessionID string) (<-chan adapter.Output, bool) {
	h, ok := r.Handle(sessionID)
	if !ok {
		return nil, false
	}
	return h.TakeReceiver()
}

// Terminate kills the process behind a session. Unknown sessions fail with
// a not_found error.
func (r *Registry) Terminate(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	h, ok := r.handles[sessionID]
	m := r.meta[sessionID]
	r.mu.Unlock()

	if !ok {
		return adapter.NewError(adapter.KindNotFound, fmt.Sprintf("no running agent for session %s", sessionID))
	}

	ad, ok := r.adapters[m.AdapterType]
	if !ok {
		return adapter.NewError(adapter.KindConfig, fmt.Sprintf("no adapter registered for type %q", m.AdapterType))
	}
	return ad.Terminate(ctx, h)
}

// TerminateForNode kills the live process for a node, if one exists.
func (r *Registry) TerminateForNode(ctx context.Context, nodeID string) error {
	sessionID, ok := r.SessionForNode(nodeID)
	if !ok {
		return adapter.NewError(adapter.KindNotFound, fmt.Sprintf("no running agent for node %s", nodeID))
	}
	return r.Terminate(ctx, sessionID)
}

// Remove drops a session from the registry. Removing an unknown session is
// a no-op; the streamer calls this unconditionally on teardown.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[sessionID]
	if !ok {
		return
	}
	delete(r.handles, sessionID)
	delete(r.meta, sessionID)
	if current, ok := r.byNode[h.NodeID]; ok && current == sessionID {
		delete(r.byNode, h.NodeID)
	}
}

// Adapter returns the registered adapter for a type.
func (r *Registry) Adapter(t agent.AdapterType) (adapter.Adapter, bool) {
	ad, ok := r.adapters[t]
	return ad, ok
}

// IsAdapterAvailable probes whether the adapter's CLI is usable.
func (r *Registry) IsAdapterAvailable(ctx context.Context, t agent.AdapterType) bool {
	ad, ok := r.adapters[t]
	if !ok {
		return false
	}
	return ad.IsAvailable(ctx)
}

// AvailableAdapters lists adapter types whose CLI is usable.
func (r *Registry) AvailableAdapters(ctx context.Context) []agent.AdapterType {
	var available []agent.AdapterType
	for t, ad := range r.adapters {
		if ad.IsAvailable(ctx) {
			available = append(available, t)
		}
	}
	return available
}

// LiveSessionCount reports how many sessions have live handles.
func (r *Registry) LiveSessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
