// Package transport provides reliable point-to-point messaging between
// nodes: length-prefixed JSON frames over TCP, a listener for inbound
// peers, and a cache of outbound connections with idle reaping.
//
// The transport never retries on its own. A broken connection surfaces
// as an error to the caller; retry and reassignment policy belongs to
// the scheduler.
package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/intrascale/intrascale/internal/metrics"
	"github.com/intrascale/intrascale/internal/pool"
	"github.com/intrascale/intrascale/types"
)

// frameHeaderLen is the size of the big-endian length prefix.
const frameHeaderLen = 4

// Config configures connections on both the dial and accept side.
type Config struct {
	// MaxFrameBytes bounds a single frame body.
	MaxFrameBytes int
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// WriteTimeout bounds one frame write.
	WriteTimeout time.Duration
	// IdleTimeout is how long a cached connection may sit unused.
	IdleTimeout time.Duration
}

// DefaultConfig returns conservative transport settings.
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes: 16 << 20,
		DialTimeout:   5 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	return c
}

// Conn is one framed, bidirectional peer connection. Send and Receive
// may be used concurrently with each other, but each side is intended
// for a single caller: one writer, one reader loop.
type Conn struct {
	nc      net.Conn
	cfg     Config
	metrics *metrics.Collector

	writeMu  sync.Mutex
	lastUsed time.Time
	usedMu   sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newConn(nc net.Conn, cfg Config, m *metrics.Collector) *Conn {
	c := &Conn{nc: nc, cfg: cfg.withDefaults(), metrics: m}
	c.touch()
	if m != nil {
		m.AddOpenConns(1)
	}
	return c
}

// Dial opens a framed connection to a peer's transport listener.
func Dial(ctx context.Context, addr string, cfg Config, m *metrics.Collector) (*Conn, error) {
	cfg = cfg.withDefaults()
	d := net.Dialer{Timeout: cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if m != nil {
			m.RecordDialFailure()
		}
		return nil, types.NewError(types.ErrTransport, fmt.Sprintf("dial %s", addr)).
			WithRetryable(true).WithCause(err)
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return newConn(nc, cfg, m), nil
}

// Send writes one envelope as a length-prefixed frame. A failed write
// leaves the connection in an undefined state; the caller should drop
// it.
func (c *Conn) Send(ctx context.Context, env *types.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(body) > c.cfg.MaxFrameBytes {
		return types.NewError(types.ErrFrameTooLarge,
			fmt.Sprintf("frame is %d bytes, limit %d", len(body), c.cfg.MaxFrameBytes))
	}

	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	var header [frameHeaderLen]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	buf.Write(header[:])
	buf.Write(body)
	frame := buf.Bytes()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return types.NewError(types.ErrTransport, "set write deadline").WithRetryable(true).WithCause(err)
	}
	if _, err := c.nc.Write(frame); err != nil {
		return types.NewError(types.ErrTransport, "write frame").WithRetryable(true).WithCause(err)
	}

	c.touch()
	if c.metrics != nil {
		c.metrics.RecordFrameSent(string(env.Type), len(body))
	}
	return nil
}

// Receive blocks until the next frame arrives, the peer disconnects,
// or ctx ends. io.EOF from a cleanly closed peer is reported as a
// transport error like any other disconnect.
func (c *Conn) Receive(ctx context.Context) (*types.Envelope, error) {
	// Unblock the read when ctx ends by expiring the read deadline.
	stop := context.AfterFunc(ctx, func() {
		c.nc.SetReadDeadline(time.Now())
	})
	defer stop()
	c.nc.SetReadDeadline(time.Time{})

	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(c.nc, header[:]); err != nil {
		return nil, c.receiveErr(ctx, err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if int(size) > c.cfg.MaxFrameBytes {
		return nil, types.NewError(types.ErrFrameTooLarge,
			fmt.Sprintf("peer announced %d byte frame, limit %d", size, c.cfg.MaxFrameBytes))
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(c.nc, body); err != nil {
		return nil, c.receiveErr(ctx, err)
	}

	var env types.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, types.NewError(types.ErrTransport, "malformed frame").WithCause(err)
	}

	c.touch()
	if c.metrics != nil {
		c.metrics.RecordFrameReceived(string(env.Type), len(body))
	}
	return &env, nil
}

func (c *Conn) receiveErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return types.NewError(types.ErrTransport, "peer disconnected").WithRetryable(true).WithCause(err)
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
		if c.metrics != nil {
			c.metrics.AddOpenConns(-1)
		}
	})
	return c.closeErr
}

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

func (c *Conn) touch() {
	c.usedMu.Lock()
	c.lastUsed = time.Now()
	c.usedMu.Unlock()
}

func (c *Conn) idleSince() time.Time {
	c.usedMu.Lock()
	defer c.usedMu.Unlock()
	return c.lastUsed
}
