package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/intrascale/intrascale/internal/metrics"
	"github.com/intrascale/intrascale/types"
)

// Cache maintains at most one outbound connection per peer address,
// dialing on demand and closing connections that sit idle past the
// configured window.
type Cache struct {
	cfg     Config
	metrics *metrics.Collector
	logger  *zap.Logger

	// onDial observes every freshly dialed connection before first
	// use, letting the node attach its reader loop so replies on the
	// outbound connection are routed like inbound traffic.
	onDial func(*Conn)

	mu    sync.Mutex
	conns map[string]*Conn

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCache creates the outbound connection cache. onDial may be nil.
func NewCache(cfg Config, m *metrics.Collector, logger *zap.Logger, onDial func(*Conn)) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  logger.With(zap.String("component", "transport_cache")),
		onDial:  onDial,
		conns:   make(map[string]*Conn),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.reap()
	return c
}

// Get returns the cached connection to addr, dialing if necessary.
func (c *Cache) Get(ctx context.Context, addr string) (*Conn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[addr]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, err := Dial(ctx, addr, c.cfg, c.metrics)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.conns[addr]; ok {
		// Lost the dial race; keep the first connection.
		c.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	c.conns[addr] = conn
	c.mu.Unlock()

	if c.onDial != nil {
		c.onDial(conn)
	}
	return conn, nil
}

// Send delivers one envelope to addr over the cached connection. On a
// send failure the connection is dropped so the next Send redials.
func (c *Cache) Send(ctx context.Context, addr string, env *types.Envelope) error {
	conn, err := c.Get(ctx, addr)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, env); err != nil {
		c.Drop(addr, conn)
		return err
	}
	return nil
}

// Drop removes and closes the cached connection for addr, but only if
// it is still the given one; a replacement dialed meanwhile survives.
func (c *Cache) Drop(addr string, conn *Conn) {
	c.mu.Lock()
	if cached, ok := c.conns[addr]; ok && cached == conn {
		delete(c.conns, addr)
	}
	c.mu.Unlock()
	conn.Close()
}

// reap closes connections idle past IdleTimeout.
func (c *Cache) reap() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-c.cfg.IdleTimeout)
			c.mu.Lock()
			for addr, conn := range c.conns {
				if conn.idleSince().Before(cutoff) {
					delete(c.conns, addr)
					conn.Close()
					c.logger.Debug("closed idle connection", zap.String("addr", addr))
				}
			}
			c.mu.Unlock()
		}
	}
}

// Close shuts the reaper down and closes every cached connection.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.mu.Lock()
		for addr, conn := range c.conns {
			delete(c.conns, addr)
			conn.Close()
		}
		c.mu.Unlock()
	})
}

// Len returns the number of cached connections, for the status API.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}
