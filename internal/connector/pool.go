package connector

import (
	"sync"
	"time"

	"toolgate/internal/logging"
)

// PoolOptions are the defaults applied to connectors whose descriptors leave
// connect parameters unset.
type PoolOptions struct {
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	Logger         logging.Logger
}

// Pool keys one Connector per registered remote provider. The registry owns
// the descriptor map; the pool only ever sees registry IDs and endpoints, so
// there is no reference cycle between the two.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*Connector
	opts  PoolOptions
}

// NewPool builds an empty pool.
func NewPool(opts PoolOptions) *Pool {
	opts.Logger = logging.OrNop(opts.Logger)
	return &Pool{
		conns: make(map[string]*Connector),
		opts:  opts,
	}
}

// Ensure installs a connector for the registry ID, replacing any existing
// one whose endpoint changed. Called on every RemoteServer registration so
// registry entries and pool entries stay one-to-one.
func (p *Pool) Ensure(registryID, endpoint string, connectTimeout, callTimeout time.Duration) *Connector {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.conns[registryID]; ok {
		if existing.Endpoint() == normalizeEndpoint(endpoint) {
			return existing
		}
		existing.Close()
	}

	opts := Options{
		ConnectTimeout: p.opts.ConnectTimeout,
		CallTimeout:    p.opts.CallTimeout,
		Logger:         p.opts.Logger,
	}
	if connectTimeout > 0 {
		opts.ConnectTimeout = connectTimeout
	}
	if callTimeout > 0 {
		opts.CallTimeout = callTimeout
	}
	conn := New(endpoint, opts)
	p.conns[registryID] = conn
	return conn
}

// Get returns the connector for a registry ID.
func (p *Pool) Get(registryID string) (*Connector, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[registryID]
	return conn, ok
}

// Remove tears down the connector for an unregistered provider.
func (p *Pool) Remove(registryID string) {
	p.mu.Lock()
	conn, ok := p.conns[registryID]
	if ok {
		delete(p.conns, registryID)
	}
	p.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Reset drops the underlying connection of one connector, keeping the entry.
func (p *Pool) Reset(registryID string) {
	if conn, ok := p.Get(registryID); ok {
		conn.Reset()
	}
}

// States snapshots every connector's lifecycle state for the status surface.
func (p *Pool) States() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.conns))
	for id, conn := range p.conns {
		out[id] = conn.State().String()
	}
	return out
}

// CloseAll drains the pool during shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := make([]*Connector, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.conns = make(map[string]*Connector)
	p.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// Len reports the number of pooled connectors.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
