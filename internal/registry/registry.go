// Package registry implements the node registry: it tracks cluster
// membership, runs periodic heartbeats, elects a master, and rebuilds the
// hash ring whenever membership changes.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/datapunk/lake/internal/logging"
	"github.com/datapunk/lake/internal/ringhash"
)

var log = logging.Component("registry")

// Status is a cluster node's connectivity state.
type Status int

const (
	Connecting Status = iota
	Connected
	Error
)

func (s Status) String() string {
	switch s {
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "connecting"
	}
}

// Node is one cluster member's record, owned entirely by the Registry.
type Node struct {
	ID            string
	Addr          string
	Weight        int
	Status        Status
	LastHeartbeat time.Time
	IsMaster      bool
}

// Pinger dials a node's address and reports whether it responds. Production
// callers back this with a real connection/PING; tests supply a fake.
type Pinger func(ctx context.Context, addr string) error

// Config controls heartbeat cadence and ring sizing.
type Config struct {
	HeartbeatInterval time.Duration // default 5s
	VirtualNodes      int           // passed through to ringhash.Build
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	return c
}

// Registry tracks the node map, runs heartbeats, performs master election,
// and rebuilds the hash ring on any status transition. Nodes are created at
// startup from configuration and are never removed, only marked Error.
type Registry struct {
	cfg    Config
	pinger Pinger
	ring   *ringhash.Holder

	mu    sync.RWMutex
	nodes map[string]*Node

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Registry seeded with the given nodes, all starting in
// Connecting status. Call Start to open connections and begin heartbeats.
func New(cfg Config, nodes []Node, pinger Pinger, ring *ringhash.Holder) *Registry {
	m := make(map[string]*Node, len(nodes))
	for i := range nodes {
		n := nodes[i]
		n.Status = Connecting
		m[n.ID] = &n
	}
	return &Registry{
		cfg:    cfg.withDefaults(),
		pinger: pinger,
		ring:   ring,
		nodes:  m,
	}
}

// Start opens a connection to every configured node, elects a master, builds
// the initial ring, and launches the heartbeat loop. It returns once the
// first connection attempt round and election have completed.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.heartbeatAll(ctx)
	r.electMaster()
	r.rebuildRing()

	r.wg.Add(1)
	go r.heartbeatLoop(ctx)
}

// Stop halts the heartbeat loop and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Registry) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeatAll(ctx)
		}
	}
}

// heartbeatAll pings every node once, logging (not retrying synchronously)
// any failure; the next tick will retry. A status transition to/from Error
// triggers re-election (if the master was affected) and a ring rebuild.
func (r *Registry) heartbeatAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	masterAffected := false
	changed := false
	for _, id := range ids {
		r.mu.RLock()
		n := r.nodes[id]
		addr := n.Addr
		wasError := n.Status == Error
		wasMaster := n.IsMaster
		r.mu.RUnlock()

		timeout, tcancel := context.WithTimeout(ctx, 2*time.Second)
		err := r.pinger(timeout, addr)
		tcancel()

		r.mu.Lock()
		n = r.nodes[id]
		n.LastHeartbeat = time.Now()
		if err != nil {
			log.Warn().Str("node", id).Err(err).Msg("heartbeat failed")
			n.Status = Error
			if !wasError {
				changed = true
				if wasMaster {
					masterAffected = true
				}
			}
		} else if n.Status != Connected {
			n.Status = Connected
			changed = true
		}
		r.mu.Unlock()
	}

	if masterAffected {
		r.electMaster()
	}
	if changed {
		r.rebuildRing()
	}
}

// electMaster picks the Connected node with the lexicographically smallest
// ID. Runs at startup and whenever the current master transitions to Error.
func (r *Registry) electMaster() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best string
	for id, n := range r.nodes {
		if n.Status != Connected {
			continue
		}
		if best == "" || id < best {
			best = id
		}
	}
	for id, n := range r.nodes {
		n.IsMaster = id == best && best != ""
	}
}

// rebuildRing publishes a fresh hash ring over every Connected node; the
// ring never contains a node in any other status.
func (r *Registry) rebuildRing() {
	if r.ring == nil {
		return
	}
	r.mu.RLock()
	var rnodes []ringhash.Node
	for _, n := range r.nodes {
		if n.Status == Connected {
			rnodes = append(rnodes, ringhash.Node{ID: n.ID, Weight: n.Weight})
		}
	}
	r.mu.RUnlock()
	r.ring.Store(ringhash.Build(rnodes, r.cfg.VirtualNodes))
}

// Healthy returns the IDs of every Connected node, sorted.
func (r *Registry) Healthy() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, n := range r.nodes {
		if n.Status == Connected {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Master returns the current master's ID and whether one is currently
// elected (false if every node is down).
func (r *Registry) Master() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, n := range r.nodes {
		if n.IsMaster {
			return id, true
		}
	}
	return "", false
}

// Get returns a copy of one node's record.
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// All returns a copy of every node's record, sorted by ID.
func (r *Registry) All() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
