// Package channel implements correlated request/response and fire-and-forget
// messaging between a worker and its isolated unit over an ordered byte
// stream. Each Channel is one half-duplex endpoint with its own inbound side;
// two endpoints talk by sharing a transport such as a net.Pipe or a socket.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lumyxel/dataforge/internal/model"
)

const (
	// outboxSize bounds the frames queued for the writer goroutine.
	outboxSize = 64

	// subscriberBufferSize is the channel buffer for each unsolicited-message
	// subscriber. Messages are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 64
)

// Option configures a Channel.
type Option func(*Channel)

// WithHandler registers h to receive every inbound message that does not
// answer a pending request. h runs on the read loop, in arrival order, and no
// message is dropped on its way to h.
func WithHandler(h func(model.Message)) Option {
	return func(c *Channel) {
		c.handler = h
	}
}

// Channel is one endpoint of a message stream.
type Channel struct {
	name    string
	conn    io.ReadWriteCloser
	logger  *slog.Logger
	ids     *model.IDSource
	handler func(model.Message)

	outbox chan []byte
	done   chan struct{}

	mu      sync.Mutex
	active  bool
	waiters map[string]chan model.Message
	subs    map[int]chan model.Message
	nextSub int

	closeOnce sync.Once
}

// New wraps conn and starts its read and write loops. name identifies the
// endpoint in log output.
func New(conn io.ReadWriteCloser, name string, logger *slog.Logger, opts ...Option) *Channel {
	c := &Channel{
		name:    name,
		conn:    conn,
		logger:  logger.With("channel", name),
		ids:     model.NewIDSource(),
		outbox:  make(chan []byte, outboxSize),
		done:    make(chan struct{}),
		active:  true,
		waiters: make(map[string]chan model.Message),
		subs:    make(map[int]chan model.Message),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	go c.writeLoop()
	return c
}

// Name returns the endpoint name given to New.
func (c *Channel) Name() string {
	return c.name
}

// Active reports whether the channel is still open.
func (c *Channel) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Done is closed once the channel has closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Pending returns the number of requests waiting for a reply.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// SendRequest sends p and waits for the reply carrying the same id. The wait
// is bounded by timeout when it is positive, and always by ctx. The pending
// registration is removed on every exit path. An error-typed reply is
// returned as a *RemoteError together with the raw reply.
func (c *Channel) SendRequest(ctx context.Context, p model.Payload, timeout time.Duration) (model.Message, error) {
	return c.request(ctx, "", p, timeout)
}

// SendTaskRequest is SendRequest with a task id attached to the envelope.
func (c *Channel) SendTaskRequest(ctx context.Context, taskID string, p model.Payload, timeout time.Duration) (model.Message, error) {
	return c.request(ctx, taskID, p, timeout)
}

func (c *Channel) request(ctx context.Context, taskID string, p model.Payload, timeout time.Duration) (model.Message, error) {
	msg, err := model.NewMessage(c.ids.Next(), p)
	if err != nil {
		return model.Message{}, err
	}
	msg.TaskID = taskID

	reply := make(chan model.Message, 1)
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return model.Message{}, fmt.Errorf("send %s: %w", msg.Type, ErrClosed)
	}
	c.waiters[msg.ID] = reply
	c.mu.Unlock()
	defer c.removeWaiter(msg.ID)

	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.enqueue(ctx, msg); err != nil {
		return model.Message{}, c.requestError(parent, msg, timeout, err)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return model.Message{}, fmt.Errorf("%s request %s: %w", msg.Type, msg.ID, ErrClosed)
		}
		if resp.IsError() {
			return resp, remoteError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return model.Message{}, c.requestError(parent, msg, timeout, ctx.Err())
	}
}

// requestError maps a deadline that came from the request timeout, rather
// than from the caller's context, onto ErrTimeout.
func (c *Channel) requestError(parent context.Context, msg model.Message, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%s request %s after %s: %w", msg.Type, msg.ID, timeout, ErrTimeout)
	}
	return fmt.Errorf("%s request %s: %w", msg.Type, msg.ID, err)
}

// SendMessage sends p without waiting for a reply. On a closed channel the
// message is dropped and only traced.
func (c *Channel) SendMessage(p model.Payload) error {
	if !c.Active() {
		c.logger.Debug("dropping message on closed channel", "type", p.MessageType())
		return nil
	}
	msg, err := model.NewMessage(c.ids.Next(), p)
	if err != nil {
		return err
	}
	if err := c.enqueue(context.Background(), msg); err != nil {
		if errors.Is(err, ErrClosed) {
			c.logger.Debug("dropping message on closed channel", "type", msg.Type)
			return nil
		}
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// SendResponse answers the request identified by requestID.
func (c *Channel) SendResponse(requestID, taskID string, p model.Payload) error {
	msg, err := model.NewMessage(requestID, p)
	if err != nil {
		return err
	}
	msg.TaskID = taskID
	if err := c.enqueue(context.Background(), msg); err != nil {
		return fmt.Errorf("respond %s to %s: %w", msg.Type, requestID, err)
	}
	return nil
}

// Subscribe returns a channel that receives inbound messages that answer no
// pending request, and an unsubscribe function. If the channel is already
// closed, the returned channel is closed too.
func (c *Channel) Subscribe() (<-chan model.Message, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan model.Message, subscriberBufferSize)
	if !c.active {
		close(ch)
		return ch, func() {}
	}

	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

// Close marks the channel inactive, fails every pending request with
// ErrClosed, ends all subscriptions and closes the transport. It is safe to
// call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.active = false
		for id, w := range c.waiters {
			close(w)
			delete(c.waiters, id)
		}
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		c.mu.Unlock()

		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) removeWaiter(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, id)
}

func (c *Channel) enqueue(ctx context.Context, msg model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	select {
	case c.outbox <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the only writer on the transport, which keeps frames in send
// order.
func (c *Channel) writeLoop() {
	for {
		select {
		case data := <-c.outbox:
			if err := writeRaw(c.conn, data); err != nil {
				if c.Active() {
					c.logger.Warn("write failed, closing channel", "error", err)
				}
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop decodes inbound frames until the transport fails. Bad frames are
// logged and skipped.
func (c *Channel) readLoop() {
	defer c.Close()

	for {
		data, err := ReadFrame(c.conn)
		if errors.Is(err, ErrFrameTooLarge) {
			c.logger.Warn("dropping oversized frame", "error", err)
			continue
		}
		if err != nil {
			if c.Active() && !isClosedErr(err) {
				c.logger.Warn("read failed, closing channel", "error", err)
			}
			return
		}

		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		if msg.ID == "" || msg.Type == "" {
			c.logger.Warn("dropping message without id or type", "id", msg.ID, "type", msg.Type)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg model.Message) {
	c.mu.Lock()
	w, ok := c.waiters[msg.ID]
	if ok {
		delete(c.waiters, msg.ID)
	}
	c.mu.Unlock()

	if ok {
		// Buffered with capacity one and removed above, so this never blocks.
		w <- msg
		return
	}

	if c.handler != nil {
		c.handler(msg)
	}
	c.publish(msg)
}

// publish delivers msg to subscribers, dropping it for any whose buffer is full.
func (c *Channel) publish(msg model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
