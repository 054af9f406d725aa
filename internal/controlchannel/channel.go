// Package controlchannel maintains the persistent WebSocket connection to
// the control plane: authentication and JWT refresh, heartbeats, automatic
// reconnect, and inbound command dispatch (spec.md §4.6).
//
// Grounded on ccroswhite-agsys-control's internal/cloud/client.go for the
// connectionLoop/readLoop/writeLoop/sendChan shape, and on the teacher's
// internal/service/command_handler.go for the bounded command queue and
// processing semaphore.
package controlchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexus-edge/modbus-agent/internal/domain"
	"github.com/rs/zerolog"
)

// Config tunes the control channel's timers and endpoints.
type Config struct {
	AuthURL           string
	WebSocketURL      string
	RegistrationToken string

	HeartbeatInterval  time.Duration
	JWTRefreshInterval time.Duration
	JWTExpiryThreshold time.Duration
	ReconnectDelay     time.Duration
	HandshakeTimeout   time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	HTTPTimeout        time.Duration

	CommandQueueSize    int
	MaxConcurrentCmds   int
	SendQueueSize       int
}

// DefaultConfig returns the timer values named in spec.md §4.6.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  30 * time.Second,
		JWTRefreshInterval: 55 * time.Minute,
		JWTExpiryThreshold: 5 * time.Minute,
		ReconnectDelay:     5 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       10 * time.Second,
		ReadTimeout:        60 * time.Second,
		HTTPTimeout:        30 * time.Second,
		CommandQueueSize:   1000,
		MaxConcurrentCmds:  50,
		SendQueueSize:      256,
	}
}

// Handler processes one dispatched command and returns a result payload or
// an error, surfaced to the caller as a result/error frame.
type Handler func(ctx context.Context, cmd Command) (interface{}, error)

// Callbacks lets the wiring code (cmd/agent) react to state transitions
// without the channel depending on the buffer/uploader/configwatcher
// packages directly.
type Callbacks struct {
	// OnOpen fires once the channel reaches Open: the uploader should
	// attempt an immediate Offline Buffer drain and the config watcher an
	// immediate active-config fetch.
	OnOpen func()
	// OnDisconnected fires on transition to Disconnected: the offline
	// buffer should resume ingesting.
	OnDisconnected func()
	// OnWelcome fires when the inbound welcome frame sets the agent
	// identity.
	OnWelcome func(agentID string)
}

// Channel is a single persistent WebSocket connection to the control plane.
type Channel struct {
	config     Config
	httpClient *http.Client
	logger     zerolog.Logger

	callbacks Callbacks
	handlers  map[CommandKind]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state   atomic.Int32
	agentID atomic.Value // string

	mu        sync.Mutex
	conn      *websocket.Conn
	jwt       string
	jwtExpiry time.Time

	sendChan     chan []byte
	commandQueue chan Command
	cmdSemaphore chan struct{}

	reconnects atomic.Uint64
}

// New constructs a Channel. Call Start to begin the connection loop.
func New(config Config, logger zerolog.Logger) *Channel {
	def := DefaultConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.JWTRefreshInterval <= 0 {
		config.JWTRefreshInterval = def.JWTRefreshInterval
	}
	if config.JWTExpiryThreshold <= 0 {
		config.JWTExpiryThreshold = def.JWTExpiryThreshold
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = def.ReconnectDelay
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = def.HTTPTimeout
	}
	if config.CommandQueueSize <= 0 {
		config.CommandQueueSize = def.CommandQueueSize
	}
	if config.MaxConcurrentCmds <= 0 {
		config.MaxConcurrentCmds = def.MaxConcurrentCmds
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = def.SendQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		config:       config,
		httpClient:   &http.Client{Timeout: config.HTTPTimeout},
		logger:       logger.With().Str("component", "control-channel").Logger(),
		handlers:     make(map[CommandKind]Handler),
		ctx:          ctx,
		cancel:       cancel,
		sendChan:     make(chan []byte, config.SendQueueSize),
		commandQueue: make(chan Command, config.CommandQueueSize),
		cmdSemaphore: make(chan struct{}, config.MaxConcurrentCmds),
	}
	c.agentID.Store("")
	return c
}

// SetCallbacks registers the state-transition callbacks. Call before Start.
func (c *Channel) SetCallbacks(cb Callbacks) { c.callbacks = cb }

// RegisterHandler binds a Handler to a command kind. Call before Start.
func (c *Channel) RegisterHandler(kind CommandKind, h Handler) {
	c.handlers[kind] = h
}

// State returns the current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// IsOpen reports whether the channel is currently Open.
func (c *Channel) IsOpen() bool { return c.State() == Open }

// AgentID returns the identity assigned by the welcome frame, or "" before
// it arrives.
func (c *Channel) AgentID() string { return c.agentID.Load().(string) }

// BearerToken returns the current JWT, for HTTP calls made by other
// components (uploader, config watcher, status reporter).
func (c *Channel) BearerToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jwt
}

// Reconnects returns the number of times the channel has reached Open again
// after an earlier Open, for the reconnects metric.
func (c *Channel) Reconnects() uint64 { return c.reconnects.Load() }

// Start launches the connection loop in the background.
func (c *Channel) Start() {
	c.wg.Add(2)
	go c.connectionLoop()
	go c.processCommandQueue()
}

// Stop tears the channel down and waits for its goroutines to exit.
func (c *Channel) Stop() error {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

func (c *Channel) setState(s State) {
	c.state.Store(int32(s))
	c.logger.Debug().Str("state", s.String()).Msg("control channel state transition")
}

// Send enqueues an already-typed frame for the write loop, marshaling it to
// JSON. Non-blocking: a full queue drops the frame with a logged warning
// rather than stalling the caller.
func (c *Channel) Send(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal outbound frame")
		return
	}
	select {
	case c.sendChan <- data:
	default:
		c.logger.Warn().Msg("send queue full, dropping outbound frame")
	}
}

// SendDataUpdate sends a data_update frame.
func (c *Channel) SendDataUpdate(rows []DataUpdateRow, isFullRefresh bool) {
	c.Send(newDataUpdateFrame(rows, isFullRefresh))
}

func (c *Channel) sendResult(commandID string, kind CommandKind, payload interface{}) {
	c.Send(newResultFrame(commandID, kind, payload))
}

func (c *Channel) sendError(commandID, message string) {
	c.Send(newErrorFrame(commandID, message))
}

// connectionLoop drives the Disconnected → Authenticating → Connecting →
// Open → Disconnected cycle with a fixed reconnect delay, per spec.md §4.6.
func (c *Channel) connectionLoop() {
	defer c.wg.Done()

	wasOpen := false
	for {
		select {
		case <-c.ctx.Done():
			c.teardown()
			return
		default:
		}

		c.setState(Authenticating)
		if err := c.ensureToken(c.ctx); err != nil {
			c.logger.Warn().Err(err).Msg("authentication failed")
			if !c.sleepReconnect() {
				return
			}
			continue
		}

		c.setState(Connecting)
		if err := c.dial(); err != nil {
			c.logger.Warn().Err(err).Msg("websocket dial failed")
			if !c.sleepReconnect() {
				return
			}
			continue
		}

		c.setState(Open)
		if wasOpen {
			c.reconnects.Add(1)
		}
		wasOpen = true
		if c.callbacks.OnOpen != nil {
			c.callbacks.OnOpen()
		}

		c.runLoops()

		c.setState(Disconnected)
		c.agentID.Store("")
		if c.callbacks.OnDisconnected != nil {
			c.callbacks.OnDisconnected()
		}

		if !c.sleepReconnect() {
			return
		}
	}
}

func (c *Channel) sleepReconnect() bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(c.config.ReconnectDelay):
		return true
	}
}

func (c *Channel) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// ensureToken refreshes the JWT if missing or within JWTExpiryThreshold of
// expiring (spec.md §4.6's "on Connecting, refresh if missing or expiring").
func (c *Channel) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	needsRefresh := c.jwt == "" || time.Until(c.jwtExpiry) < c.config.JWTExpiryThreshold
	c.mu.Unlock()

	if !needsRefresh {
		return nil
	}
	return c.authenticate(ctx)
}

type authRequest struct {
	RegistrationToken string `json:"registration_token"`
}

type authResponse struct {
	JWT       string `json:"jwt"`
	ExpiresIn int64  `json:"expires_in"`
}

func (c *Channel) authenticate(ctx context.Context) error {
	body, err := json.Marshal(authRequest{RegistrationToken: c.config.RegistrationToken})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.AuthURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAuthFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: auth endpoint returned status %d", domain.ErrAuthFailed, resp.StatusCode)
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAuthFailed, err)
	}
	if out.JWT == "" {
		return fmt.Errorf("%w: empty jwt in auth response", domain.ErrAuthFailed)
	}

	c.mu.Lock()
	c.jwt = out.JWT
	c.jwtExpiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	c.mu.Unlock()
	return nil
}

func (c *Channel) dial() error {
	c.mu.Lock()
	wsURL := fmt.Sprintf("%s?token=%s", c.config.WebSocketURL, c.jwt)
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrControlChannelDialFailed, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// runLoops runs the read and write loops until either exits, then closes
// the connection and returns.
func (c *Channel) runLoops() {
	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }

	var loopWG sync.WaitGroup
	loopWG.Add(2)
	go func() {
		defer loopWG.Done()
		defer closeDone()
		c.readLoop(done)
	}()
	go func() {
		defer loopWG.Done()
		defer closeDone()
		c.writeLoop(done)
	}()
	loopWG.Wait()

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Channel) readLoop(done chan struct{}) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		var envelope inboundEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.logger.Warn().Err(err).Msg("failed to parse inbound frame")
			continue
		}
		c.handleFrame(envelope)

		select {
		case <-done:
			return
		default:
		}
	}
}

func (c *Channel) handleFrame(envelope inboundEnvelope) {
	if envelope.isWelcome() {
		c.agentID.Store(envelope.AgentID)
		if c.callbacks.OnWelcome != nil {
			c.callbacks.OnWelcome(envelope.AgentID)
		}
		return
	}

	kind := envelope.kind()
	if kind == commandHeartbeatAck {
		return
	}

	switch kind {
	case CommandSetPollingConfig, CommandNetworkScan, CommandModbusRead, CommandModbusWrite, CommandTestCommunication:
		cmd := Command{ID: envelope.commandID(), Kind: kind, Payload: envelope.Payload}
		select {
		case c.commandQueue <- cmd:
		default:
			c.logger.Warn().Str("kind", string(kind)).Msg("command rejected: queue full")
			c.sendError(cmd.ID, "command queue full, try again later")
		}
	default:
		c.logger.Debug().Str("type", string(kind)).Msg("unknown inbound frame type, ignoring")
	}
}

func (c *Channel) writeLoop(done chan struct{}) {
	heartbeat := time.NewTicker(c.config.HeartbeatInterval)
	defer heartbeat.Stop()
	refresh := time.NewTicker(c.config.JWTRefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return

		case data := <-c.sendChan:
			if !c.writeMessage(websocket.TextMessage, data) {
				return
			}

		case <-heartbeat.C:
			data, _ := json.Marshal(newHeartbeatFrame())
			if !c.writeMessage(websocket.TextMessage, data) {
				return
			}

		case <-refresh.C:
			// Proactive refresh: re-authenticate now and force a
			// reconnect so the new token takes effect, per spec.md
			// §4.6's "refresh proactively ... close and re-open the
			// connection with the new token".
			if err := c.authenticate(c.ctx); err != nil {
				c.logger.Warn().Err(err).Msg("proactive jwt refresh failed")
				continue
			}
			return
		}
	}
}

func (c *Channel) writeMessage(messageType int, data []byte) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteMessage(messageType, data); err != nil {
		c.logger.Warn().Err(err).Msg("websocket write failed")
		return false
	}
	return true
}

// processCommandQueue drains dispatched commands, bounding concurrency with
// cmdSemaphore exactly as the teacher's command handler bounds concurrent
// writes.
func (c *Channel) processCommandQueue() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.commandQueue:
			c.dispatch(cmd)
		}
	}
}

func (c *Channel) dispatch(cmd Command) {
	select {
	case c.cmdSemaphore <- struct{}{}:
		defer func() { <-c.cmdSemaphore }()
	case <-c.ctx.Done():
		return
	}

	handler, ok := c.handlers[cmd.Kind]
	if !ok {
		c.sendError(cmd.ID, fmt.Sprintf("no handler registered for command %q", cmd.Kind))
		return
	}

	result, err := handler(c.ctx, cmd)
	if err != nil {
		c.sendError(cmd.ID, err.Error())
		return
	}
	c.sendResult(cmd.ID, cmd.Kind, result)
}
