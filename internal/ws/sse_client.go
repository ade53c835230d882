package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SSEClient streams hub events as Server-Sent Events over an HTTP response.
// It satisfies Subscriber so it can be registered with a Hub.
type SSEClient struct {
	mu       sync.Mutex
	writer   io.Writer
	flusher  http.Flusher
	deadline func(time.Time) error
	log      *slog.Logger
	seq      uint64
	last     time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// SSEOption customises an SSEClient.
type SSEOption func(*SSEClient)

// WithWriteDeadline bounds every frame write. setDeadline is typically
// http.ResponseController.SetWriteDeadline; errors from it are ignored.
func WithWriteDeadline(setDeadline func(time.Time) error) SSEOption {
	return func(c *SSEClient) {
		c.deadline = setDeadline
	}
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger, opts ...SSEOption) *SSEClient {
	c := &SSEClient{writer: writer, flusher: flusher, log: logger, last: time.Now().UTC(), done: make(chan struct{})}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send emits payload as an unnamed event.
func (c *SSEClient) Send(payload []byte) error {
	return c.SendEvent("", payload)
}

// SendEvent emits payload under the given event name. Every frame carries an
// increasing id.
func (c *SSEClient) SendEvent(name string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	frame := fmt.Sprintf("id: %d\n", c.seq)
	if name != "" {
		frame += "event: " + name + "\n"
	}
	frame += fmt.Sprintf("data: %s\n\n", payload)
	return c.write(frame, "sse send failed")
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(": ping\n\n", "sse heartbeat failed")
}

// write must be called with c.mu held.
func (c *SSEClient) write(frame, failure string) error {
	if c.isClosed() {
		return io.EOF
	}
	if c.deadline != nil {
		_ = c.deadline(time.Now().Add(writeWait))
	}
	if _, err := io.WriteString(c.writer, frame); err != nil {
		c.Close()
		c.log.Warn(failure, "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

func (c *SSEClient) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close marks the stream as closed; later writes return io.EOF. It does not
// wait for a write in progress.
func (c *SSEClient) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once the stream is closed.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}

// LastActivity reports the timestamp of the most recent successful write.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
