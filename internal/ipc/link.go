package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

const maxLineBytes = 1 << 20

// ErrLinkClosed is returned by Send after the link's writer was closed.
var ErrLinkClosed = errors.New("ipc link closed")

// Message is one control-plane message between sibling processes. An empty Target, or
// Parent, addresses the supervising process.
type Message struct {
	Target  string          `json:"target,omitempty"`
	From    string          `json:"from,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// Process is a handle the router can write to and read from.
type Process interface {
	Send(msg Message) error
	// Messages yields inbound messages and is closed when the peer goes away.
	Messages() <-chan Message
}

// Link speaks newline-delimited JSON over a reader/writer pair. The parent wraps a child's
// stdout/stdin with it; a child wraps its own stdin/stdout.
type Link struct {
	mu     sync.Mutex
	w      io.Writer
	enc    *json.Encoder
	closed bool

	in       chan Message
	readDone chan struct{}
	log      *zerolog.Logger
}

var _ Process = (*Link)(nil)

// NewLink starts reading r immediately. Undecodable lines are logged and skipped.
func NewLink(r io.Reader, w io.Writer, logger *zerolog.Logger) *Link {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := &Link{
		w:        w,
		enc:      json.NewEncoder(w),
		in:       make(chan Message, 16),
		readDone: make(chan struct{}),
		log:      logger,
	}
	go l.read(r)
	return l
}

func (l *Link) read(r io.Reader) {
	defer close(l.readDone)
	defer close(l.in)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			l.log.Warn().Err(err).Msg("skip malformed ipc line")
			continue
		}
		l.in <- msg
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		l.log.Debug().Err(err).Msg("ipc read ended")
	}
}

// Send writes msg as one line. It is safe for concurrent use.
func (l *Link) Send(msg Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	if err := l.enc.Encode(msg); err != nil {
		return fmt.Errorf("ipc send %s: %w", msg.Event, err)
	}
	return nil
}

func (l *Link) Messages() <-chan Message { return l.in }

// Close closes the writer when it is closable, which signals EOF to the peer.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Emit builds and sends a message whose payload is v encoded as JSON.
func Emit(p Process, target, event string, v any) error {
	msg := Message{Target: target, Event: event}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", event, err)
		}
		msg.Payload = raw
	}
	return p.Send(msg)
}
