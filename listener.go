package rawtcp

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Listener is a passive open endpoint. Connections appear in its accept
// queue once their handshake completes, not when the SYN arrives: Accept
// never returns a half-open connection.
type Listener struct {
	engine *Engine
	port   uint16

	acceptCh chan *Conn

	closeOnce sync.Once
	closed    chan struct{}
}

func newListener(e *Engine, port uint16, backlog int) *Listener {
	return &Listener{
		engine:   e,
		port:     port,
		acceptCh: make(chan *Conn, backlog),
		closed:   make(chan struct{}),
	}
}

// Port returns the listening port.
func (l *Listener) Port() uint16 { return l.port }

// deliver queues a newly established connection for Accept. It reports
// false when the backlog is full or the listener is closed; the caller
// resets the connection in that case.
func (l *Listener) deliver(c *Conn) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.acceptCh <- c:
		return true
	default:
		return false
	}
}

// Accept blocks until an established connection is available, the listener
// is closed (ErrListenerClosed), or the context is canceled.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.acceptCh:
		return c, nil
	case <-l.closed:
		// A connection delivered concurrently with Close may have slipped
		// past the drain there; reset it rather than leak it.
		select {
		case c := <-l.acceptCh:
			c.Abort()
		default:
		}
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new connections and resets any established
// connections still waiting in the accept queue; connections already
// handed out by Accept are unaffected. Idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.engine.table.removeListener(l.port)
		close(l.closed)
		for {
			select {
			case c := <-l.acceptCh:
				c.Abort()
			default:
				log.Info().Uint16("port", l.port).Msg("listener closed")
				return
			}
		}
	})
	return nil
}
