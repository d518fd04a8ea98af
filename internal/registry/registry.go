package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultInterval = 30 * time.Second

// Prune reasons passed to the prune hook.
const (
	PruneUnresponsive = "unresponsive"
	PrunePingFailed   = "ping_failed"
)

var ErrNotFound = errors.New("connection not registered")

// Conn is a live telephony socket as seen by the heartbeat.
type Conn interface {
	Ping() error
	Close() error
}

type Entry struct {
	ID           string    `json:"id"`
	Alive        bool      `json:"alive"`
	RegisteredAt time.Time `json:"registered_at"`
	LastPongAt   time.Time `json:"last_pong_at"`
}

type entry struct {
	Entry
	conn Conn
}

// Registry tracks every open telephony socket and prunes the ones that stop
// answering pings. A connection that misses one ping is closed on the
// following sweep.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]*entry
	interval time.Duration
	onPrune  func(id, reason string)
}

func New(interval time.Duration) *Registry {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Registry{
		conns:    make(map[string]*entry),
		interval: interval,
	}
}

func (r *Registry) Interval() time.Duration { return r.interval }

func (r *Registry) SetPruneHook(hook func(id, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPrune = hook
}

// Register adds conn as alive and returns its registry id.
func (r *Registry) Register(conn Conn) string {
	now := time.Now().UTC()
	e := &entry{
		Entry: Entry{
			ID:           uuid.NewString(),
			Alive:        true,
			RegisteredAt: now,
			LastPongAt:   now,
		},
		conn: conn,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[e.ID] = e
	return e.ID
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// MarkAlive is called from a connection's pong handler.
func (r *Registry) MarkAlive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return ErrNotFound
	}
	e.Alive = true
	e.LastPongAt = time.Now().UTC()
	return nil
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.Entry)
	}
	return out
}

// Sweep closes connections that did not answer the previous ping, then
// clears the liveness flag on the rest and pings them. It returns the
// number of pruned connections.
func (r *Registry) Sweep() int {
	type pruned struct {
		id     string
		conn   Conn
		reason string
	}
	var dead []pruned
	var ping []*entry

	r.mu.Lock()
	for id, e := range r.conns {
		if !e.Alive {
			dead = append(dead, pruned{id: id, conn: e.conn, reason: PruneUnresponsive})
			delete(r.conns, id)
			continue
		}
		e.Alive = false
		ping = append(ping, e)
	}
	r.mu.Unlock()

	for _, e := range ping {
		if err := e.conn.Ping(); err != nil {
			r.mu.Lock()
			delete(r.conns, e.ID)
			r.mu.Unlock()
			dead = append(dead, pruned{id: e.ID, conn: e.conn, reason: PrunePingFailed})
		}
	}

	r.mu.Lock()
	hook := r.onPrune
	r.mu.Unlock()
	for _, p := range dead {
		_ = p.conn.Close()
		if hook != nil {
			hook(p.id, p.reason)
		}
	}
	return len(dead)
}

// Start runs Sweep every interval until ctx is done.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// CloseAll closes and forgets every registered connection.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.conns))
	for id, e := range r.conns {
		conns = append(conns, e.conn)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}
