package server

import (
	"encoding/binary"
	"hash/fnv"
	"net"

	"github.com/strand-go/strand/pkg/eventloop"
)

// dispatcher builds the wrapper registered on a Service for one path. The
// wrapper runs on the listening loop, selects the target worker loop, and
// queues a closure over the request context, the response callback, and the
// user callback into it. That queueing is the sole cross-loop handoff.
func (s *Server) dispatcher(listenLoop *eventloop.Loop, user HandlerFunc) HandlerFunc {
	return func(ctx *Context, respond ResponseFunc) {
		s.logger.Debug("dispatch request",
			"id", ctx.ID,
			"path", ctx.Path,
			"loop", listenLoop.Name())

		worker := s.selectLoop(listenLoop, ctx)
		if s.cfg.OnDispatch != nil {
			s.cfg.OnDispatch(ctx, worker)
		}

		worker.Run(func() {
			s.logger.Debug("process request",
				"id", ctx.ID,
				"path", ctx.Path,
				"loop", worker.Name())
			user(ctx, respond)
		})
	}
}

// selectLoop applies the worker selection policy.
//
// With a zero-size pool the listening loop itself is returned: the request
// is handled in-loop with no cross-loop hop. Under PolicyRoundRobin the
// pool's next loop is returned. Under PolicyIPHash the hash key is the raw
// 32-bit IPv4 connection address when available, otherwise a hash of the
// textual remote IP on the context; the fallback order is part of the
// routing contract, since the two sources can map the same client
// differently.
func (s *Server) selectLoop(listenLoop *eventloop.Loop, ctx *Context) *eventloop.Loop {
	if s.pool.Size() == 0 {
		return listenLoop
	}

	if s.cfg.Policy == PolicyRoundRobin {
		return s.pool.Next()
	}

	if addr, ok := ctx.RemoteAddr.(*net.TCPAddr); ok {
		if ip4 := addr.IP.To4(); ip4 != nil {
			s.logger.Debug("remote address", "addr", addr.String())
			return s.pool.ByHash(uint64(binary.BigEndian.Uint32(ip4)))
		}
	}

	h := fnv.New64a()
	h.Write([]byte(ctx.RemoteIP))
	return s.pool.ByHash(h.Sum64())
}
