package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/intrascale/intrascale/transport"
	"github.com/intrascale/intrascale/types"
)

// inboundQueueSize bounds buffered envelopes per connection. A full
// queue applies backpressure to that one peer's reader without
// affecting others.
const inboundQueueSize = 128

// readLoop pumps one connection: a reader goroutine preserves arrival
// order into a bounded queue, and this loop applies each envelope in
// turn. Per-peer ordering is guaranteed; nothing is guaranteed across
// peers. ownConn means the loop owns closing the connection (accepted
// conns; dialed ones belong to the cache).
func (n *Node) readLoop(ctx context.Context, conn *transport.Conn, ownConn bool) {
	if ownConn {
		defer conn.Close()
	}

	queue := make(chan *types.Envelope, inboundQueueSize)
	go func() {
		defer close(queue)
		for {
			env, err := conn.Receive(ctx)
			if err != nil {
				if ctx.Err() == nil {
					n.logger.Debug("peer connection closed",
						zap.String("remote", conn.RemoteAddr()),
						zap.Error(err),
					)
				}
				return
			}
			select {
			case queue <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for env := range queue {
		n.route(ctx, env, conn)
	}
}

// route applies one envelope. Replies go back on the connection the
// message arrived on.
func (n *Node) route(ctx context.Context, env *types.Envelope, conn *transport.Conn) {
	reply := func(ctx context.Context, out *types.Envelope) error {
		return conn.Send(ctx, out)
	}

	switch env.Type {
	case types.MsgAnnounce, types.MsgHeartbeat:
		var ann types.Announcement
		if err := env.Decode(&ann); err != nil {
			n.logger.Debug("malformed announcement frame", zap.Error(err))
			return
		}
		n.discovery.HandleAnnouncement(ctx, ann)

	case types.MsgConfirm:
		var ann types.Announcement
		if err := env.Decode(&ann); err != nil {
			n.logger.Debug("malformed confirm frame", zap.Error(err))
			return
		}
		if !n.discovery.HandleConfirm(ann) {
			return
		}
		own, err := n.announcement(ctx)
		if err != nil {
			n.logger.Warn("building confirm reply failed", zap.Error(err))
			return
		}
		out, err := types.NewEnvelope(types.MsgConfirm, n.id, own)
		if err == nil {
			if err := reply(ctx, out); err != nil {
				n.logger.Debug("confirm reply failed", zap.Error(err))
			}
		}

	case types.MsgDispatch:
		var d types.TaskDispatch
		if err := env.Decode(&d); err != nil {
			n.logger.Debug("malformed dispatch frame", zap.Error(err))
			return
		}
		if n.executor == nil {
			// Submit-only node: refuse so the scheduler reassigns.
			fail, err := types.NewEnvelope(types.MsgFail, n.id, types.TaskFailure{
				JobID: d.JobID, TaskID: d.TaskID, Attempt: d.Attempt,
				Code:      types.ErrWorkerBusy,
				Reason:    "node does not execute tasks",
				Retryable: true,
			})
			if err == nil {
				reply(ctx, fail)
			}
			return
		}
		n.executor.HandleDispatch(ctx, d, reply)

	case types.MsgCancel:
		var c types.TaskCancel
		if err := env.Decode(&c); err != nil {
			return
		}
		if n.executor != nil {
			n.executor.HandleCancel(c)
		}

	case types.MsgAckRunning:
		var a types.TaskAck
		if err := env.Decode(&a); err != nil {
			return
		}
		n.sched.HandleAck(a)

	case types.MsgResult:
		var r types.TaskResult
		if err := env.Decode(&r); err != nil {
			return
		}
		n.sched.HandleResult(r)

	case types.MsgFail:
		var f types.TaskFailure
		if err := env.Decode(&f); err != nil {
			return
		}
		n.sched.HandleFailure(f)

	default:
		n.logger.Debug("dropping envelope of unknown type",
			zap.String("type", string(env.Type)),
			zap.String("from", env.From.Short()),
		)
	}
}
