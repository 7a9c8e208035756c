package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	ErrClosed      = errors.New("transport: connection closed")
	ErrSendTimeout = errors.New("transport: send timed out")
)

// callback executed when a message is received. Calls for one connection
// never overlap and arrive in read order.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, code websocket.StatusCode, reason string)

type ConnectionConfig struct {
	// ReadTimeout closes the connection when no frame arrives in time.
	// Zero disables it; staleness is normally left to the reaper.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	// MaxFrameBytes is the largest frame handed to the handler intact.
	// Larger frames are truncated to MaxFrameBytes+1 so the handler can
	// reject them without the socket being torn down.
	MaxFrameBytes int64
}

// hardReadLimit caps what the library will read before closing with 1009.
func (c ConnectionConfig) hardReadLimit() int64 {
	limit := c.MaxFrameBytes * 16
	if limit < 1<<20 {
		limit = 1 << 20
	}
	return limit
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	pumps     sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	startOnce sync.Once

	closeMu     sync.Mutex
	closeCode   websocket.StatusCode
	closeReason string

	logger *slog.Logger
}

// NewConnection wraps an accepted socket. wg, if non-nil, is held until the
// connection has fully terminated so servers can wait on shutdown.
func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	if conn != nil && config.MaxFrameBytes > 0 {
		conn.SetReadLimit(config.hardReadLimit())
	}

	return &Connection{
		id:        id,
		conn:      conn,
		config:    config,
		send:      make(chan []byte, config.SendBuffer),
		done:      make(chan struct{}),
		wg:        wg,
		ctx:       connCtx,
		cancel:    cancel,
		closeCode: websocket.StatusNormalClosure,
		logger:    logger.With(slog.String("connID", id.String())),
	}
}

// Run starts the read and write pumps. Handlers must be set before Run.
func (c *Connection) Run() {
	c.startOnce.Do(func() {
		if c.wg != nil {
			c.wg.Add(1)
		}
		c.pumps.Add(2)
		go c.readPump()
		go c.writePump()
		go c.finalize()
		c.logger.Debug("connection established")
	})
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	defer c.pumps.Done()

	for {
		msg, err := c.readFrame()
		if err != nil {
			c.closeFromReadError(err)
			return
		}
		if msg == nil {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, msg)
		}
	}
}

func (c *Connection) readFrame() ([]byte, error) {
	// reads are not tied to c.ctx; writePump owns the close code.
	readCtx, cancelRead := context.Background(), context.CancelFunc(func() {})
	if c.config.ReadTimeout > 0 {
		readCtx, cancelRead = context.WithTimeout(context.Background(), c.config.ReadTimeout)
	}
	defer cancelRead()

	typ, r, err := c.conn.Reader(readCtx)
	if err != nil {
		return nil, err
	}
	// Ensure we are only handling text or binary messages.
	if typ != websocket.MessageText && typ != websocket.MessageBinary {
		_, err := io.Copy(io.Discard, r)
		return nil, err
	}

	if c.config.MaxFrameBytes <= 0 {
		return io.ReadAll(r)
	}
	msg, err := io.ReadAll(io.LimitReader(r, c.config.MaxFrameBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(msg)) > c.config.MaxFrameBytes {
		// discard the remainder so the next frame starts cleanly
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (c *Connection) closeFromReadError(err error) {
	if c.ctx.Err() != nil {
		// we initiated the close; keep the recorded code
		return
	}
	if status := websocket.CloseStatus(err); status != -1 {
		c.Close(int(status), "peer closed")
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		c.Close(int(websocket.StatusNormalClosure), "read timeout")
		return
	}
	c.logger.Debug("read failed", slog.Any("error", err))
	c.Close(int(websocket.StatusGoingAway), "read error")
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	defer c.pumps.Done()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.logger.Debug("write failed", slog.Any("error", err))
				c.Close(int(websocket.StatusInternalError), "write error")
			}
		case <-c.ctx.Done():
			code, reason := c.closeStatus()
			if err := c.conn.Close(code, reason); err != nil {
				c.logger.Debug("close handshake incomplete", slog.Any("error", err))
			}
			return
		}
	}
}

func (c *Connection) write(message []byte) error {
	ctx := c.ctx
	if c.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(c.ctx, c.config.WriteTimeout)
		defer cancel()
	}
	return c.conn.Write(ctx, websocket.MessageText, message)
}

func (c *Connection) finalize() {
	c.pumps.Wait()
	code, reason := c.closeStatus()
	c.logger.Debug("Connection closed", slog.Int("code", int(code)), slog.String("reason", reason))
	if c.onClose != nil {
		c.onClose(c.id, code, reason)
	}
	if c.wg != nil {
		c.wg.Done()
	}
	close(c.done)
}

// Send enqueues a message for the client. It is safe for concurrent use and
// gives up when ctx is done or the connection closes.
func (c *Connection) Send(ctx context.Context, message []byte) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case c.send <- message:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ErrSendTimeout
	}
}

// Ping sends a WebSocket ping and waits for the pong.
func (c *Connection) Ping(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	return c.conn.Ping(ctx)
}

// Close shuts the connection down with the given close code. Only the first
// call has any effect.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closeCode = websocket.StatusCode(code)
		c.closeReason = reason
		c.closeMu.Unlock()
		c.logger.Debug("Transport connection closing", slog.Int("code", code), slog.String("reason", reason))
		c.cancel()
	})
}

// CloseWithError closes with an internal-error code after a failure the
// client cannot act on.
func (c *Connection) CloseWithError(err error) {
	c.logger.Error("closing connection after internal error", slog.Any("error", err))
	c.Close(int(websocket.StatusInternalError), "internal error")
}

func (c *Connection) closeStatus() (websocket.StatusCode, string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode, c.closeReason
}

// Drain waits until every queued message has been handed to the socket, or
// ctx is done.
func (c *Connection) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for len(c.send) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		case <-ticker.C:
		}
	}
	return nil
}

// Queued returns the number of messages waiting to be written.
func (c *Connection) Queued() int {
	return len(c.send)
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}

// Abort tears down a connection that was never Run. It releases the
// connection context and closes the socket with code.
func (c *Connection) Abort(code int, reason string) error {
	c.Close(code, reason)
	return Reject(c.conn, code, reason)
}

// Reject closes a freshly accepted socket that never became a Connection.
func Reject(conn *websocket.Conn, code int, reason string) error {
	return conn.Close(websocket.StatusCode(code), reason)
}
