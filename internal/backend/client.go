// Package backend is the client side of the relay protocol: the message
// store adapter plus the presence and signaling capabilities the rest of the
// engine consumes.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"tetatet/internal/models"

	"github.com/gorilla/websocket"
)

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
)

type Config struct {
	// URL is the relay base URL, e.g. "http://localhost:8080".
	URL   string
	Token string

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Logger *slog.Logger
}

// Client maintains the sync websocket to the relay. Snapshots and signals
// arrive on the registered callbacks; writes never block on network I/O
// beyond the websocket send itself.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	onMessages  func([]models.Message)
	onUsers     func([]models.User)
	onSignal    func(models.SignalEnvelope)
	onReconnect func()

	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		dialer: websocket.DefaultDialer,
		stop:   make(chan struct{}),
	}
}

// OnMessages registers the full-snapshot subscriber for the message
// collection. Must be called before Start.
func (c *Client) OnMessages(fn func([]models.Message)) { c.onMessages = fn }

// OnUsers registers the full-snapshot subscriber for the user roster.
func (c *Client) OnUsers(fn func([]models.User)) { c.onUsers = fn }

// OnSignal registers the handler for inbound peer-negotiation envelopes.
func (c *Client) OnSignal(fn func(models.SignalEnvelope)) { c.onSignal = fn }

// OnReconnect registers a hook fired each time the connection re-establishes
// after a drop. Disconnect rules are consumed by the relay, so the presence
// tracker uses this to re-arm.
func (c *Client) OnReconnect(fn func()) { c.onReconnect = fn }

// Start dials the relay and launches the read loop. The initial dial must
// succeed; later drops are retried in the background with exponential
// backoff.
func (c *Client) Start(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(ctx)
	return nil
}

func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Append writes a new message to the shared log. It returns
// ErrBackendUnavailable when there is no live connection so the caller can
// surface the failure: sending is a direct user action.
func (c *Client) Append(msg models.Message) error {
	return c.write(models.ClientEnvelope{Type: models.ClientEnvelopeTypeAppend, Message: &msg})
}

// SetReadStatus updates a single message's read flag without re-sending the
// message object.
func (c *Client) SetReadStatus(messageID string, isRead bool) error {
	return c.write(models.ClientEnvelope{Type: models.ClientEnvelopeTypeSetRead, MessageID: messageID, IsRead: isRead})
}

// PutUser writes a full user record (presence transitions).
func (c *Client) PutUser(user models.User) error {
	return c.write(models.ClientEnvelope{Type: models.ClientEnvelopeTypePutUser, User: &user})
}

// ArmDisconnect installs the last-will record written if this connection
// drops ungracefully.
func (c *Client) ArmDisconnect(user models.User) error {
	return c.write(models.ClientEnvelope{Type: models.ClientEnvelopeTypeArmWill, User: &user})
}

// CancelDisconnect removes the pending last-will record.
func (c *Client) CancelDisconnect() error {
	return c.write(models.ClientEnvelope{Type: models.ClientEnvelopeTypeCancelWill})
}

// SendSignal relays a peer-negotiation envelope to its addressee.
func (c *Client) SendSignal(env models.SignalEnvelope) error {
	return c.write(models.ClientEnvelope{Type: models.ClientEnvelopeTypeSignal, Signal: &env})
}

// SubscribePush registers a browser push subscription for offline delivery.
func (c *Client) SubscribePush(subscription json.RawMessage) error {
	return c.write(models.ClientEnvelope{Type: models.ClientEnvelopeTypeSubscribePush, PushSubscription: subscription})
}

func (c *Client) write(env models.ClientEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return models.ErrBackendUnavailable
	}
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("backend write failed: %w", err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/sync"
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		for {
			var env models.ServerEnvelope
			if err := conn.ReadJSON(&env); err != nil {
				break
			}
			c.handle(env)
		}

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !c.reconnect(ctx) {
			return
		}
	}
}

// reconnect redials with exponential backoff until it succeeds or the client
// is stopped. Returns false when the client should give up.
func (c *Client) reconnect(ctx context.Context) bool {
	delay := c.cfg.ReconnectMin
	for {
		c.logger.Info("backend connection lost, reconnecting", "delay", delay)
		select {
		case <-c.stop:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.connected = true
			c.mu.Unlock()
			if c.onReconnect != nil {
				c.onReconnect()
			}
			return true
		}

		delay *= 2
		if delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}
	}
}

func (c *Client) handle(env models.ServerEnvelope) {
	switch env.Type {
	case models.ServerEnvelopeTypeMessages:
		if c.onMessages != nil {
			// A nil slice still means "the collection is empty", never
			// an error.
			if env.Messages == nil {
				env.Messages = []models.Message{}
			}
			c.onMessages(env.Messages)
		}
	case models.ServerEnvelopeTypeUsers:
		if c.onUsers != nil {
			if env.Users == nil {
				env.Users = []models.User{}
			}
			c.onUsers(env.Users)
		}
	case models.ServerEnvelopeTypeSignal:
		if c.onSignal != nil && env.Signal != nil {
			c.onSignal(*env.Signal)
		}
	case models.ServerEnvelopeTypeError:
		c.logger.Error("relay reported error", "error", env.Error)
	}
}
