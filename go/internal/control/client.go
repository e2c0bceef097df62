package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrClosed is returned when sending on a closed control channel.
var ErrClosed = errors.New("control channel closed")

// Config holds configuration for the machine control socket.
type Config struct {
	URL            string
	UserID         string
	MachineID      int64
	MovesPerSecond float64
	MoveBurst      int
	WriteTimeout   time.Duration
	DialTimeout    time.Duration
}

// DefaultConfig returns default control socket configuration.
func DefaultConfig() Config {
	return Config{
		MovesPerSecond: 10,
		MoveBurst:      3,
		WriteTimeout:   5 * time.Second,
		DialTimeout:    10 * time.Second,
	}
}

// Handler receives frames pushed by the machine.
type Handler func(ServerEvent)

// Client is a WebSocket connection to a machine's control socket.
type Client struct {
	conn    *websocket.Conn
	config  Config
	limiter *rate.Limiter
	handler Handler

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens the control socket. handler may be nil.
func Dial(ctx context.Context, config Config, handler Handler) (*Client, error) {
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid control url: %w", err)
	}
	q := u.Query()
	q.Set("userId", config.UserID)
	q.Set("machineId", strconv.FormatInt(config.MachineID, 10))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: config.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial control socket: %w", err)
	}

	burst := config.MoveBurst
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if config.MovesPerSecond > 0 {
		limit = rate.Limit(config.MovesPerSecond)
	}

	c := &Client{
		conn:    conn,
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
		handler: handler,
		done:    make(chan struct{}),
	}

	go c.readPump()

	log.Info().
		Str("user_id", config.UserID).
		Int64("machine_id", config.MachineID).
		Msg("control channel connected")

	return c, nil
}

// Move sends a movement command, waiting on the move rate limit.
func (c *Client) Move(ctx context.Context, dir Direction) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("move throttled: %w", err)
	}
	return c.send(Command{Type: CommandMove, Direction: dir})
}

// Drop lowers the claw.
func (c *Client) Drop(ctx context.Context) error {
	return c.send(Command{Type: CommandDrop})
}

// Grab closes the claw.
func (c *Client) Grab(ctx context.Context) error {
	return c.send(Command{Type: CommandGrab})
}

func (c *Client) send(cmd Command) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}

	log.Debug().Str("type", string(cmd.Type)).Str("direction", string(cmd.Direction)).Msg("control command sent")
	return nil
}

// Done is closed once the connection has gone away.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readPump() {
	defer func() {
		close(c.done)
		c.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("unexpected control socket close")
			}
			return
		}

		var event ServerEvent
		if err := json.Unmarshal(message, &event); err != nil {
			log.Warn().Err(err).Msg("dropping malformed control frame")
			continue
		}

		if event.Type == EventError {
			var payload ErrorPayload
			_ = json.Unmarshal(event.Data, &payload)
			log.Warn().Str("code", payload.Code).Str("message", payload.Message).Msg("control socket error")
		}

		if c.handler != nil {
			c.handler(event)
		}
	}
}
