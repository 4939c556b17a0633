package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/intrascale/intrascale/internal/metrics"
)

// Listener accepts inbound peer connections and hands each framed Conn
// to a caller-supplied handler.
type Listener struct {
	ln      net.Listener
	cfg     Config
	metrics *metrics.Collector
	logger  *zap.Logger

	connMu  sync.Mutex
	conns   map[*Conn]struct{}
	closing bool

	wg     sync.WaitGroup
	closed sync.Once
}

// Listen binds the framed TCP listener on addr (host:port; port 0
// picks a free port).
func Listen(addr string, cfg Config, m *metrics.Collector, logger *zap.Logger) (*Listener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &Listener{
		ln:      ln,
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  logger.With(zap.String("component", "transport")),
		conns:   make(map[*Conn]struct{}),
	}, nil
}

// Addr returns the bound listen address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Serve accepts connections until ctx ends or the listener is closed.
// handle is invoked on its own goroutine per connection and owns the
// Conn, including closing it.
func (l *Listener) Serve(ctx context.Context, handle func(*Conn)) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		nc, err := l.ln.Accept()
		if err != nil {
			l.wg.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		conn := newConn(nc, l.cfg, l.metrics)
		l.logger.Debug("accepted peer connection", zap.String("remote", conn.RemoteAddr()))

		l.connMu.Lock()
		l.conns[conn] = struct{}{}
		closing := l.closing
		l.connMu.Unlock()
		if closing {
			// Raced with Close; drop the conn so its handler unwinds.
			conn.Close()
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer func() {
				l.connMu.Lock()
				delete(l.conns, conn)
				l.connMu.Unlock()
			}()
			handle(conn)
		}()
	}
}

// Close stops accepting and tears down every accepted connection, so
// handlers blocked in Receive unwind instead of outliving the
// listener.
func (l *Listener) Close() error {
	var err error
	l.closed.Do(func() {
		err = l.ln.Close()
		l.connMu.Lock()
		l.closing = true
		for conn := range l.conns {
			conn.Close()
		}
		l.connMu.Unlock()
	})
	return err
}
