package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"meetline/internal/core/domain"
	"meetline/internal/core/ports"
	"meetline/pkg/protocol"
	"meetline/pkg/tracing"
	"meetline/pkg/utils"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	ConnectResultSuccess = "success"
	ConnectResultFailure = "failure"
)

type DialerConfig struct {
	ConnectTimeout  time.Duration
	EndpointBackoff time.Duration
	AckTimeout      time.Duration
	WriteTimeout    time.Duration
	// ReadTimeout bounds the silence between relay frames, pings included.
	ReadTimeout    time.Duration
	MaxMessageSize int64
	Token          string
}

func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		ConnectTimeout:  5 * time.Second,
		EndpointBackoff: 500 * time.Millisecond,
		AckTimeout:      10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		MaxMessageSize:  1 << 20,
	}
}

// Dialer connects to the first reachable relay endpoint.
type Dialer struct {
	cfg     DialerConfig
	ws      *websocket.Dialer
	metrics ports.CallMetrics
	logger  *zap.SugaredLogger
}

func NewDialer(cfg DialerConfig, metrics ports.CallMetrics, logger *zap.SugaredLogger) *Dialer {
	defaults := DefaultDialerConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaults.AckTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dialer{
		cfg: cfg,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		metrics: metrics,
		logger:  logger,
	}
}

// Connect tries endpoints strictly in order, each with its own timeout and a
// backoff between attempts. When every endpoint fails the returned
// *domain.ConnectFailedError lists each failure.
func (d *Dialer) Connect(ctx context.Context, endpoints []string, identity domain.Identity) (_ ports.SignalingTransport, err error) {
	ctx, span := tracing.TraceSignal(ctx, "connect", attribute.Int("endpoints", len(endpoints)))
	defer func() { tracing.EndSpan(span, err) }()

	if len(endpoints) == 0 {
		return nil, &domain.ConnectFailedError{}
	}

	failed := &domain.ConnectFailedError{}
	for i, endpoint := range endpoints {
		if i > 0 && d.cfg.EndpointBackoff > 0 {
			select {
			case <-time.After(d.cfg.EndpointBackoff):
			case <-ctx.Done():
				failed.Attempts = append(failed.Attempts, domain.EndpointError{Endpoint: endpoint, Err: ctx.Err()})
				return nil, failed
			}
		}

		client, err := d.dial(ctx, endpoint, identity)
		if err != nil {
			d.record(ConnectResultFailure)
			d.logger.Warnw("relay endpoint unreachable",
				"endpoint", endpoint,
				"attempt", i+1,
				"error", err,
			)
			failed.Attempts = append(failed.Attempts, domain.EndpointError{Endpoint: endpoint, Err: err})
			continue
		}

		d.record(ConnectResultSuccess)
		tracing.AddSpanAttributes(ctx,
			tracing.EndpointKey.String(endpoint),
			tracing.PeerIDKey.String(string(client.PeerID())),
		)
		d.logger.Infow("connected to relay",
			"endpoint", endpoint,
			"peer_id", client.PeerID(),
			"attempt", i+1,
		)
		return client, nil
	}

	d.logger.Errorw("no relay endpoint reachable", "endpoints", len(endpoints), "error", failed)
	return nil, failed
}

func (d *Dialer) record(result string) {
	if d.metrics != nil {
		d.metrics.RecordRelayConnect(result)
	}
}

func (d *Dialer) dial(ctx context.Context, endpoint string, identity domain.Identity) (*Client, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	target, err := d.endpointURL(endpoint)
	if err != nil {
		return nil, err
	}

	conn, resp, err := d.ws.DialContext(attemptCtx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	peerID, err := awaitPeerID(attemptCtx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := newClient(conn, endpoint, peerID, d.cfg, d.logger.With("endpoint", endpoint, "peer_id", peerID))
	c.start()

	register := protocol.RegisterPayload{
		DisplayName: identity.DisplayName,
		UserID:      string(identity.UserID),
	}
	if err := c.Publish(attemptCtx, protocol.EventRegister, register); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	return c, nil
}

func (d *Dialer) endpointURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if d.cfg.Token != "" {
		q := u.Query()
		q.Set("token", d.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// awaitPeerID reads the relay's set-peer-id handshake.
func awaitPeerID(ctx context.Context, conn *websocket.Conn) (domain.PeerID, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("await peer id: %w", err)
	}
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		return "", fmt.Errorf("await peer id: %w", err)
	}
	if env.Event != protocol.EventSetPeerID {
		return "", fmt.Errorf("await peer id: unexpected %q", env.Event)
	}
	payload, err := protocol.Decode[protocol.SetPeerIDPayload](env.Data)
	if err != nil {
		return "", fmt.Errorf("await peer id: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return domain.PeerID(payload.PeerID), nil
}

type subscription struct {
	id      uint64
	handler func(json.RawMessage)
}

// Client is one live relay connection.
type Client struct {
	conn     *websocket.Conn
	endpoint string
	peerID   domain.PeerID
	cfg      DialerConfig

	writeMu sync.Mutex

	mu           sync.Mutex
	subs         map[string][]subscription
	nextSub      uint64
	pending      map[uint64]chan protocol.Ack
	onDisconnect func(error)
	disconnected error

	nextAck   atomic.Uint64
	connected atomic.Bool
	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	logger *zap.SugaredLogger
}

func newClient(conn *websocket.Conn, endpoint string, peerID domain.PeerID, cfg DialerConfig, logger *zap.SugaredLogger) *Client {
	c := &Client{
		conn:     conn,
		endpoint: endpoint,
		peerID:   peerID,
		cfg:      cfg,
		subs:     make(map[string][]subscription),
		pending:  make(map[uint64]chan protocol.Ack),
		done:     make(chan struct{}),
		logger:   logger,
	}
	c.connected.Store(true)
	return c
}

func (c *Client) start() {
	if c.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	go c.readPump()
}

func (c *Client) PeerID() domain.PeerID { return c.peerID }
func (c *Client) Endpoint() string      { return c.endpoint }
func (c *Client) Connected() bool       { return c.connected.Load() }

// Publish sends a fire-and-forget event.
func (c *Client) Publish(ctx context.Context, event string, payload any) error {
	return c.write(ctx, event, 0, payload)
}

// Request sends event and waits up to the ack timeout for the relay's acknowledgment.
func (c *Client) Request(ctx context.Context, event string, payload any) (*protocol.Ack, error) {
	ackID := c.nextAck.Add(1)
	ch := make(chan protocol.Ack, 1)

	c.mu.Lock()
	c.pending[ackID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ackID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, event, ackID, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		return &ack, nil
	case <-timer.C:
		c.logger.Warnw("acknowledgment timed out", "event", event, "timeout", c.cfg.AckTimeout.String())
		return nil, fmt.Errorf("%s: %w", event, domain.ErrAckTimeout)
	case <-c.done:
		return nil, fmt.Errorf("%s: %w", event, domain.ErrTransportClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, event string, ackID uint64, payload any) error {
	if !c.Connected() {
		return fmt.Errorf("%s: %w", event, domain.ErrNotConnected)
	}
	env, err := protocol.Encode(event, ackID, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	c.logger.Debugw("sent", "event", event, "ack_id", ackID, "bytes", len(data))
	return nil
}

// Subscribe registers handler for event. Handlers run on the read goroutine.
func (c *Client) Subscribe(event string, handler func(json.RawMessage)) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[event] = append(c.subs[event], subscription{id: id, handler: handler})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[event]
		for i, s := range subs {
			if s.id == id {
				c.subs[event] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// OnDisconnect registers handler for an unexpected disconnect. If the
// connection already dropped, handler is invoked right away.
func (c *Client) OnDisconnect(handler func(error)) {
	c.mu.Lock()
	c.onDisconnect = handler
	dropped := c.disconnected
	c.mu.Unlock()
	if dropped != nil {
		go handler(dropped)
	}
}

// Close closes the connection. It does not trigger OnDisconnect.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.connected.Store(false)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
		<-c.done
		c.logger.Infow("relay connection closed")
	})
	return err
}

func (c *Client) readPump() {
	var readErr error
	defer func() {
		c.connected.Store(false)
		close(c.done)
		c.handleDisconnect(readErr)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		c.logger.Warnw("dropping malformed relay frame",
			"error", err,
			"frame", utils.TruncateString(string(data), 128),
		)
		return
	}

	switch env.Event {
	case protocol.EventAck:
		c.deliverAck(env)
		return
	case protocol.EventError:
		if msg, err := protocol.Decode[protocol.ErrorPayload](env.Data); err == nil {
			c.logger.Warnw("relay reported an error", "code", msg.Code, "message", msg.Message)
		}
		return
	}

	c.mu.Lock()
	subs := append([]subscription(nil), c.subs[env.Event]...)
	c.mu.Unlock()

	if len(subs) == 0 {
		c.logger.Debugw("no subscriber for event", "event", env.Event)
		return
	}
	for _, s := range subs {
		s.handler(env.Data)
	}
}

func (c *Client) deliverAck(env protocol.Envelope) {
	ack, err := protocol.Decode[protocol.Ack](env.Data)
	if err != nil {
		c.logger.Warnw("dropping malformed acknowledgment", "ack_id", env.AckID, "error", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[env.AckID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debugw("acknowledgment for unknown request", "ack_id", env.AckID)
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func (c *Client) handleDisconnect(err error) {
	if c.closing.Load() {
		return
	}
	if err == nil {
		err = domain.ErrTransportClosed
	}
	err = fmt.Errorf("%w: %v", domain.ErrTransportClosed, err)

	c.mu.Lock()
	c.disconnected = err
	handler := c.onDisconnect
	c.mu.Unlock()

	c.logger.Warnw("relay connection lost", "error", err)
	if handler != nil {
		handler(err)
	}
}
