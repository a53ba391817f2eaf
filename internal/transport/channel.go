// Package transport abstracts a live container process's standard input and
// output as a line-oriented duplex channel. Writes are flushed immediately;
// reads are timeout-bound so callers can always distinguish "no data yet"
// from "this will never complete".
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// maxLineBytes caps a single inbound line. MCP responses are JSON objects;
// anything larger than this is a misbehaving server.
const maxLineBytes = 4 << 20 // 4 MB

var (
	// ErrChannelClosed signals that the peer's stream is gone — the
	// environment terminated, was never started, or the channel was closed.
	ErrChannelClosed = errors.New("transport: channel closed")

	// ErrReadTimeout signals that no full line arrived before the deadline.
	ErrReadTimeout = errors.New("transport: read timed out")
)

// Channel is a line-oriented duplex stream over a process's stdin/stdout.
// One reader goroutine pumps stdout into a buffered line queue; WriteLine
// and ReadLine may be used from different goroutines, but concurrent
// ReadLine calls race for lines and must be serialized by the caller.
type Channel struct {
	mu     sync.Mutex // guards w and closed
	w      io.Writer
	closed bool

	lines chan string
	done  chan struct{} // closed when the pump exits (EOF or read error)
	quit  chan struct{} // closed by Close to release the pump
	once  sync.Once

	logger *slog.Logger
}

// NewChannel wraps the given writer (peer stdin) and reader (peer stdout).
// The reader is consumed by a background goroutine until EOF or Close.
func NewChannel(w io.Writer, r io.Reader, logger *slog.Logger) *Channel {
	c := &Channel{
		w:      w,
		lines:  make(chan string, 64),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
		logger: logger,
	}
	go c.pump(r)
	return c
}

func (c *Channel) pump(r io.Reader) {
	defer close(c.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		select {
		case c.lines <- scanner.Text():
		case <-c.quit:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("transport stream closed with error", slog.String("error", err.Error()))
	}
}

// WriteLine appends the line and a newline to the outbound stream. The
// underlying pipe is unbuffered, so the peer observes the line without
// additional flushing. Fails with ErrChannelClosed when the outbound side
// is unavailable.
func (c *Channel) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.w == nil {
		return ErrChannelClosed
	}
	if _, err := io.WriteString(c.w, line+"\n"); err != nil {
		c.closed = true
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// ReadLine blocks until a full line is available, the timeout elapses, or
// the stream closes. Buffered lines are still delivered after EOF; once
// drained, ReadLine fails with ErrChannelClosed.
func (c *Channel) ReadLine(timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line := <-c.lines:
		return line, nil
	case <-c.done:
	case <-c.quit:
	case <-timer.C:
		return "", ErrReadTimeout
	}

	// Stream ended — drain anything the pump queued before exiting.
	select {
	case line := <-c.lines:
		return line, nil
	default:
		return "", ErrChannelClosed
	}
}

// Done returns a channel closed once the inbound stream has ended —
// either the peer closed its stdout or Close released the reader.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close marks the channel closed and releases the reader goroutine.
// Safe to call multiple times.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.quit) })
}
