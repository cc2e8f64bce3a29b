// Package registry tracks the live connections held by this process, keyed by
// a routing key (a user id, or a game/room channel key).
//
// A single mutex per Registry guards the key→set map. It is held only while
// adding, removing or snapshotting handles, never across a network send. If
// contention ever shows up, sharding the map by key hash is the way out.
package registry

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/models"
)

// Close codes used when the registry tears a connection down.
const (
	CloseGoingAway     = 1001
	CloseInternalError = 1011
)

// Conn is a non-owning handle on a live client transport. The network layer
// owns its lifetime, so Close must tolerate an already-closed transport.
type Conn interface {
	ID() string
	Send(frame models.Frame) error
	Close(code int, reason string) error
}

type Registry struct {
	name   string
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string]map[Conn]struct{}
}

func New(name string, logger zerolog.Logger) *Registry {
	return &Registry{
		name:   name,
		logger: logger.With().Str("component", "registry").Str("registry", name).Logger(),
		conns:  make(map[string]map[Conn]struct{}),
	}
}

func (r *Registry) Name() string {
	return r.name
}

// Register adds conn under key. Registering the same handle twice is a no-op.
func (r *Registry) Register(key string, conn Conn) {
	r.mu.Lock()
	set, ok := r.conns[key]
	if !ok {
		set = make(map[Conn]struct{})
		r.conns[key] = set
	}
	set[conn] = struct{}{}
	count := len(set)
	r.mu.Unlock()

	r.logger.Debug().Str("key", key).Str("conn_id", conn.ID()).Int("conns", count).Msg("connection registered")
}

// Unregister removes conn from key and drops the key once its set is empty.
func (r *Registry) Unregister(key string, conn Conn) {
	r.mu.Lock()
	count := 0
	if set, ok := r.conns[key]; ok {
		delete(set, conn)
		count = len(set)
		if count == 0 {
			delete(r.conns, key)
		}
	}
	r.mu.Unlock()

	r.logger.Debug().Str("key", key).Str("conn_id", conn.ID()).Int("conns", count).Msg("connection unregistered")
}

func (r *Registry) CountFor(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[key])
}

// Total returns the number of live handles across all keys.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, set := range r.conns {
		total += len(set)
	}
	return total
}

// Keys returns the routing keys that currently have at least one handle.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.conns))
	for k := range r.conns {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (r *Registry) snapshot(key string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.conns[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// SendToKey writes one frame to every handle registered under key and returns
// how many sends succeeded. A handle whose send fails is closed and evicted;
// the remaining handles still get the frame. An unknown key sends nothing.
func (r *Registry) SendToKey(key, messageType string, data map[string]any) int {
	conns := r.snapshot(key)
	if len(conns) == 0 {
		return 0
	}
	if data == nil {
		data = map[string]any{}
	}
	frame := models.Frame{Type: messageType, Data: data}

	delivered := 0
	for _, c := range conns {
		if err := c.Send(frame); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Str("conn_id", c.ID()).Msg("send failed, evicting connection")
			_ = c.Close(CloseInternalError, "send failed")
			r.Unregister(key, c)
			continue
		}
		delivered++
	}
	return delivered
}

// CloseAll closes and forgets every handle. Used on shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	all := r.conns
	r.conns = make(map[string]map[Conn]struct{})
	r.mu.Unlock()

	for _, set := range all {
		for c := range set {
			_ = c.Close(code, reason)
		}
	}
}
