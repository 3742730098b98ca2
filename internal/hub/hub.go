// Package hub implements the C7 Pub/Sub Hub: a channel/topic registry with
// non-blocking delivery to subscribers, heartbeat pings, and slow-consumer
// eviction. Grounded on internal/ws/hub.go's register/unregister/broadcast
// channels feeding a single Run() event loop plus one writePump/readPump
// goroutine pair per client, generalized from one global broadcast channel
// to a channel → clients index, and strengthened so a full send buffer
// actually evicts the client instead of silently dropping the message
// forever.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tokensentry/sentinel/internal/domain"
)

const (
	websocketTextMessage = websocket.TextMessage
	websocketPingMessage = websocket.PingMessage
	maxInboundMessageSize = 1024
)

// fixedChannels is the closed set of non-patterned channel names.
var fixedChannels = map[string]bool{
	"tokens":  true,
	"alerts":  true,
	"filters": true,
	"market":  true,
	"signals": true,
}

// validChannel accepts the fixed set plus patterned channels
// token:{ADDR}, filter:{ID}, user:{ID}.
func validChannel(channel string) bool {
	if fixedChannels[channel] {
		return true
	}
	for _, prefix := range []string{"token:", "filter:", "user:"} {
		if strings.HasPrefix(channel, prefix) && len(channel) > len(prefix) {
			return true
		}
	}
	return false
}

// AvailableChannels lists the fixed channel names sent in the welcome
// message; patterned channels are not enumerable and are omitted.
func AvailableChannels() []string {
	return []string{"tokens", "alerts", "filters", "market", "signals"}
}

// clientState is the per-client lifecycle per §4.7: New → Authenticated
// (welcome sent) → Subscribed (≥0 channels) → Closed.
type clientState int

const (
	stateNew clientState = iota
	stateAuthenticated
	stateSubscribed
	stateClosed
)

// Transport is the minimal surface the hub needs from a connection; a
// *websocket.Conn satisfies it structurally.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

// Client is one connected hub subscriber.
type Client struct {
	id        string
	userID    uuid.UUID // uuid.Nil = anonymous
	transport Transport
	send      chan []byte

	hub *Hub

	mu       sync.Mutex
	state    clientState
	channels map[string]struct{}
	lastPong time.Time
}

func (c *Client) subscribedChannels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// Hub maintains the client registry and the channel → clients index.
type Hub struct {
	mu           sync.RWMutex
	clients      map[string]*Client
	channelIndex map[string]map[string]*Client

	bufferSize   int
	writeTimeout time.Duration
	pingInterval time.Duration
	reapTimeout  time.Duration

	// jwtSecret optionally identifies hub clients via a bearer token passed
	// as ?token= on the /ws upgrade. nil/empty means every connection is
	// anonymous; identification is never required to connect or subscribe.
	jwtSecret []byte

	upgrader websocket.Upgrader

	log *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New builds a Hub. Call Run before ServeWs/OnConnect are used. jwtSecret
// may be nil, in which case all connections are treated as anonymous.
func New(bufferSize int, writeTimeout, pingInterval, reapTimeout time.Duration, jwtSecret []byte, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		clients:      make(map[string]*Client),
		channelIndex: make(map[string]map[string]*Client),
		bufferSize:   bufferSize,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		reapTimeout:  reapTimeout,
		jwtSecret:    jwtSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:    log,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run starts the heartbeat/reap loop. It must run in its own goroutine for
// the lifetime of the hub, mirroring ws.Hub.Run's single dedicated loop.
func (h *Hub) Run() {
	defer close(h.done)
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

// Stop halts the heartbeat loop and waits for it to exit.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.done
}

// ServeWs upgrades an HTTP request to a WebSocket and registers the
// resulting connection as a client. If a ?token= query parameter is present
// and the hub has a configured jwtSecret, the client is identified by the
// token's subject claim; identification is optional and a missing/invalid
// token never rejects the connection, it is just treated as anonymous.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("hub: upgrade failed", "err", err)
		return
	}

	var userID uuid.UUID
	if token := r.URL.Query().Get("token"); token != "" && len(h.jwtSecret) > 0 {
		userID = h.parseJWT(token)
	}
	h.onConnect(conn, userID)
}

// parseJWT extracts the user UUID from a signed bearer token. Returns
// uuid.Nil (anonymous) on any parse/signature/claim failure.
func (h *Hub) parseJWT(tokenString string) uuid.UUID {
	tok, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.jwtSecret, nil
	})
	if err != nil || !tok.Valid {
		return uuid.Nil
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil
	}
	sub, _ := claims.GetSubject()
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// OnConnect registers an anonymous client over transport, sends the welcome
// message, and starts its read/write pumps. Returns the assigned clientId.
// Exposed directly (bypassing ServeWs/JWT parsing) for transports that
// aren't served over ServeWs, e.g. in tests.
func (h *Hub) OnConnect(transport Transport) string {
	return h.onConnect(transport, uuid.Nil)
}

func (h *Hub) onConnect(transport Transport, userID uuid.UUID) string {
	id := uuid.NewString()
	c := &Client{
		id:        id,
		userID:    userID,
		transport: transport,
		send:      make(chan []byte, h.bufferSize),
		hub:       h,
		state:     stateNew,
		channels:  make(map[string]struct{}),
		lastPong:  time.Now(),
	}

	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	c.mu.Lock()
	c.state = stateAuthenticated
	c.mu.Unlock()

	identifiedAs := ""
	if userID != uuid.Nil {
		identifiedAs = userID.String()
	}
	welcome := newEnvelope(MsgTypeWelcome, "", welcomePayload{
		ClientID: id, UserID: identifiedAs, Channels: AvailableChannels(), ServerTime: time.Now().UTC(),
	})
	h.enqueue(c, welcome)

	go c.writePump(h.writeTimeout, h.pingInterval)
	go c.readPump()

	// An identified client is automatically subscribed to its own
	// user:{id} channel so targeted notifications need no extra handshake.
	if userID != uuid.Nil {
		_ = h.Subscribe(id, []string{"user:" + userID.String()})
	}

	return id
}

// ConnectedCount returns the current number of registered clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribe adds channels to a client's set, rejecting the whole request
// if any channel name is invalid.
func (h *Hub) Subscribe(clientID string, channels []string) error {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return errClientNotFound
	}
	for _, ch := range channels {
		if !validChannel(ch) {
			return domain.ErrTopicNotFound
		}
	}

	c.mu.Lock()
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	c.state = stateSubscribed
	c.mu.Unlock()

	h.mu.Lock()
	for _, ch := range channels {
		if h.channelIndex[ch] == nil {
			h.channelIndex[ch] = make(map[string]*Client)
		}
		h.channelIndex[ch][clientID] = c
	}
	h.mu.Unlock()
	return nil
}

// Unsubscribe removes channels from a client's set.
func (h *Hub) Unsubscribe(clientID string, channels []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return errClientNotFound
	}
	c.mu.Lock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	c.mu.Unlock()
	for _, ch := range channels {
		if set, ok := h.channelIndex[ch]; ok {
			delete(set, clientID)
		}
	}
	return nil
}

// disconnect removes a client from the registry and every channel
// back-reference under a single critical section, then closes its
// transport and send channel.
func (h *Hub) disconnect(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)
	for _, set := range h.channelIndex {
		delete(set, clientID)
	}
	h.mu.Unlock()

	c.mu.Lock()
	if c.state != stateClosed {
		c.state = stateClosed
		close(c.send)
	}
	c.mu.Unlock()
	c.transport.Close()
}

// enqueue performs a non-blocking send to one client's buffer; on a full
// buffer the client is slow and is evicted rather than blocking the
// publisher or silently dropping messages forever. The closed-check and the
// send happen under the same c.mu critical section disconnect() uses to
// close c.send, so the two can never interleave and panic on a
// send-on-closed-channel.
func (h *Hub) enqueue(c *Client, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error("hub: marshal envelope failed", "err", err)
		return
	}
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		h.log.Warn("hub: client send buffer full, evicting slow consumer", "clientId", c.id)
		go h.disconnect(c.id)
	}
}

func (h *Hub) publish(channel string, env Envelope) {
	h.mu.RLock()
	set := h.channelIndex[channel]
	targets := make([]*Client, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.enqueue(c, env)
	}
}

// PublishTokenUpdate broadcasts to "tokens" and the address-scoped
// "token:{ADDR}" channel.
func (h *Hub) PublishTokenUpdate(address string, payload interface{}) {
	env := newEnvelope(MsgTypeTokenUpdate, "tokens", payload)
	h.publish("tokens", env)
	h.publish("token:"+strings.ToLower(address), newEnvelope(MsgTypeTokenUpdate, "token:"+address, payload))
}

// PublishAlert broadcasts to the "alerts" channel.
func (h *Hub) PublishAlert(payload interface{}) {
	h.publish("alerts", newEnvelope(MsgTypeAlert, "alerts", payload))
}

// PublishFilterResults broadcasts to "filters" and the filter-scoped
// "filter:{ID}" channel.
func (h *Hub) PublishFilterResults(filterID string, payload interface{}) {
	h.publish("filters", newEnvelope(MsgTypeFilterResult, "filters", payload))
	h.publish("filter:"+filterID, newEnvelope(MsgTypeFilterResult, "filter:"+filterID, payload))
}

// PublishMarket broadcasts to the "market" channel.
func (h *Hub) PublishMarket(payload interface{}) {
	h.publish("market", newEnvelope(MsgTypeMarket, "market", payload))
}

// heartbeat reaps clients that have neither ponged nor sent traffic within
// reapTimeout. It never writes to a client's transport directly — pings are
// sent from each client's own writePump goroutine, the transport's sole
// writer, per gorilla/websocket's single-concurrent-writer contract.
func (h *Hub) heartbeat() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	now := time.Now()
	for _, c := range clients {
		c.mu.Lock()
		stale := now.Sub(c.lastPong) > h.reapTimeout
		c.mu.Unlock()
		if stale {
			h.log.Info("hub: reaping client, no traffic within timeout", "clientId", c.id)
			h.disconnect(c.id)
		}
	}
}

// writePump is the sole writer to the client's transport: it drains the
// send channel and, on its own ticker, writes ping frames, mirroring
// ws.Client.writePump's single select loop so pings and payload writes never
// race on the same connection.
func (c *Client) writePump(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.transport.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.transport.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.transport.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.transport.WriteMessage(websocketTextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.transport.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.transport.WriteMessage(websocketPingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles inbound Subscribe/Unsubscribe/Ping frames and pong
// frames, replying ack/nack/Pong, until the connection errors or closes.
func (c *Client) readPump() {
	defer c.hub.disconnect(c.id)

	c.transport.SetReadLimit(maxInboundMessageSize)
	c.transport.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		_, data, err := c.transport.ReadMessage()
		if err != nil {
			return
		}
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.hub.enqueue(c, newEnvelope(MsgTypeNack, "", nackPayload{Reason: "malformed message"}))
		return
	}

	switch env.Type {
	case MsgTypeSubscribe:
		var req subscribeRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			c.hub.enqueue(c, newEnvelope(MsgTypeNack, "", nackPayload{Reason: "malformed subscribe payload"}))
			return
		}
		if err := c.hub.Subscribe(c.id, req.Channels); err != nil {
			// An unknown channel name is a routine client mistake; anything
			// else (e.g. the client vanished mid-request) is worth a louder log.
			if domain.IsNotFound(err) {
				c.hub.log.Debug("hub: subscribe rejected, unknown channel", "clientId", c.id, "err", err)
			} else {
				c.hub.log.Warn("hub: subscribe failed", "clientId", c.id, "err", err)
			}
			c.hub.enqueue(c, newEnvelope(MsgTypeNack, "", nackPayload{Reason: err.Error()}))
			return
		}
		c.hub.enqueue(c, newEnvelope(MsgTypeAck, "", ackPayload{Channels: c.subscribedChannels()}))

	case MsgTypeUnsub:
		var req subscribeRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			c.hub.enqueue(c, newEnvelope(MsgTypeNack, "", nackPayload{Reason: "malformed unsubscribe payload"}))
			return
		}
		_ = c.hub.Unsubscribe(c.id, req.Channels)
		c.hub.enqueue(c, newEnvelope(MsgTypeAck, "", ackPayload{Channels: c.subscribedChannels()}))

	case MsgTypePing:
		c.hub.enqueue(c, newEnvelope(MsgTypePong, "", nil))

	default:
		c.hub.enqueue(c, newEnvelope(MsgTypeNack, "", nackPayload{Reason: "unrecognized message type"}))
	}
}
