package http

import (
	"errors"
	"sync"

	"github.com/vovakirdan/wiregate/internal/core"
)

var errSlowConsumer = errors.New("send buffer full")

// socketWriter queues frames for the connection's write loop. It never blocks the sender:
// a full buffer drops the frame and reports it.
type socketWriter struct {
	out  chan []byte
	done chan struct{}
	once sync.Once
}

var _ core.SocketWriter = (*socketWriter)(nil)

func newSocketWriter(size int) *socketWriter {
	return &socketWriter{
		out:  make(chan []byte, size),
		done: make(chan struct{}),
	}
}

func (w *socketWriter) Write(payload []byte) error {
	select {
	case <-w.done:
		return core.ErrConnClosed
	default:
	}
	select {
	case w.out <- payload:
		return nil
	case <-w.done:
		return core.ErrConnClosed
	default:
		return errSlowConsumer
	}
}

func (w *socketWriter) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}
