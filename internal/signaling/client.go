package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/BioHazard786/Boothcall/internal/dns"
	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var (
	// ErrDisconnected is returned when sending while the transport is down.
	ErrDisconnected = errors.New("signaling disconnected")
	// ErrNotJoined is returned when using a channel that has not been joined.
	ErrNotJoined = errors.New("channel not joined")
)

// State is the transport connection state surfaced to the UI.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Client manages the WebSocket connection to the signaling server and
// multiplexes topic channels over it.
type Client struct {
	serverURL string
	selfID    string
	log       logging.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	outgoing chan *Message
	done     chan struct{}
	state    State
	channels map[string]*Channel
	onState  []func(State)
}

// NewClient creates a new signaling client for the local participant.
func NewClient(serverURL, selfID string, log logging.Logger) *Client {
	return &Client{
		serverURL: serverURL,
		selfID:    selfID,
		log:       log.With(zap.String("component", "signaling")),
		state:     StateDisconnected,
		channels:  make(map[string]*Channel),
	}
}

// SelfID returns the local participant id.
func (c *Client) SelfID() string {
	return c.selfID
}

// Connect establishes the WebSocket connection to the server.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	dialer := *websocket.DefaultDialer
	dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dns.DialContext(ctx, network, addr)
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	outgoing := make(chan *Message, 64)
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.outgoing = outgoing
	c.done = done
	c.mu.Unlock()

	go c.readPump(conn, done)
	go c.writePump(conn, outgoing, done)

	c.setState(StateConnected)
	return nil
}

// Reconnect dials again and re-joins every channel that was joined.
func (c *Client) Reconnect(ctx context.Context) error {
	c.shutdown()
	if err := c.Connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		if err := ch.rejoin(); err != nil {
			return fmt.Errorf("rejoin %s: %w", ch.topic, err)
		}
	}
	return nil
}

// readPump reads messages from the WebSocket connection and dispatches them
// to channels in arrival order.
func (c *Client) readPump(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		conn.Close()
		c.closeDone(done)

		c.mu.Lock()
		current := c.done == done
		c.mu.Unlock()
		if current {
			c.setState(StateDisconnected)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("signaling read failed", zap.Error(err))
			}
			return
		}
		c.dispatch(&msg)
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Client) writePump(conn *websocket.Conn, outgoing <-chan *Message, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message := <-outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(message); err != nil {
				c.log.Warn("signaling write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) dispatch(msg *Message) {
	c.mu.Lock()
	ch := c.channels[msg.Topic]
	c.mu.Unlock()

	if ch == nil {
		c.log.Debug("dropping message for unknown topic", zap.String("topic", msg.Topic), zap.String("type", msg.Type))
		return
	}
	ch.deliver(msg)
}

// SendMessage queues a message for the server, stamping the sender id.
func (c *Client) SendMessage(msg *Message) error {
	c.mu.Lock()
	outgoing, done, state := c.outgoing, c.done, c.state
	c.mu.Unlock()

	if state != StateConnected {
		return ErrDisconnected
	}

	msg.SenderID = c.selfID
	select {
	case outgoing <- msg:
		return nil
	case <-done:
		return ErrDisconnected
	case <-time.After(writeWait):
		return fmt.Errorf("send %s: %w", msg.Type, ErrDisconnected)
	}
}

// Channel returns the channel for topic, creating it on first use.
func (c *Client) Channel(topic string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.channels[topic]; ok {
		return ch
	}
	ch := NewChannel(topic, c)
	c.channels[topic] = ch
	return ch
}

// Forget removes a channel so later messages for its topic are dropped.
func (c *Client) Forget(topic string) {
	c.mu.Lock()
	delete(c.channels, topic)
	c.mu.Unlock()
}

// Transient returns the channel for a short-lived topic such as a booth.
// Leaving it also forgets the topic, so entering the same topic again
// starts from a fresh channel.
func (c *Client) Transient(topic string) *TransientChannel {
	return &TransientChannel{Channel: c.Channel(topic), client: c}
}

// TransientChannel is a Channel that its Client forgets once left.
type TransientChannel struct {
	*Channel
	client *Client
}

// Leave removes local presence and drops the topic from the client.
func (t *TransientChannel) Leave() error {
	err := t.Channel.Leave()
	t.client.Forget(t.Topic())
	return err
}

// State returns the current transport state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a callback for transport state transitions.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = append(c.onState, fn)
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	hooks := append([]func(State){}, c.onState...)
	c.mu.Unlock()

	c.log.Info("signaling state changed", zap.String("state", string(s)))
	for _, fn := range hooks {
		fn(s)
	}
}

func (c *Client) closeDone(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-done:
	default:
		close(done)
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		c.closeDone(done)
	}
}

// Close closes the WebSocket connection and cleans up resources.
func (c *Client) Close() {
	c.shutdown()
	c.setState(StateDisconnected)
}
