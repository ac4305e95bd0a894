// Package fanout implements the subscriber fan-out manager (C6): a
// process-wide hub tracking each subscriber's interest set and delivering
// filtered observation payloads as they complete. Grounded on
// websocket_manager.py's ConnectionManager (subscribe/unsubscribe/
// subscribe_all/deliver semantics, "⋆"-as-all sentinel, disconnect-on-send-
// failure) and api/websocket.go's Hub/Client register/unregister/broadcast
// channel pattern, generalized here with per-subscriber interest filtering
// the teacher's Hub does not have.
package fanout

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spread-engine/internal/metrics"
	"spread-engine/internal/models"
	"spread-engine/internal/snapshot"
)

// allToken is the sentinel interest entry meaning "every token".
const allToken = "⋆"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// Frame is the envelope every subscriber message (inbound or outbound) uses.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Tokens []string `json:"tokens"`
}

type subscribedPayload struct {
	Tokens []string `json:"tokens,omitempty"`
	All    bool     `json:"all,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Client is one subscriber connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	interest map[string]bool
}

// Hub owns the subscriber tables and the latest-observation snapshot used
// to answer new subscriptions.
type Hub struct {
	snap    *snapshot.Table
	metrics *metrics.Collectors

	mu      sync.Mutex
	clients map[*Client]bool
	byToken map[string]map[*Client]bool
	closed  bool
}

// New constructs a Hub backed by snap for initial_data replies.
func New(snap *snapshot.Table) *Hub {
	return &Hub{
		snap:    snap,
		clients: make(map[*Client]bool),
		byToken: make(map[string]map[*Client]bool),
	}
}

// SetMetrics wires the shared collectors in; nil is safe and disables
// instrumentation (used by tests that construct a Hub directly).
func (h *Hub) SetMetrics(m *metrics.Collectors) {
	h.metrics = m
}

// Connect registers conn as a new subscriber with an empty interest set and
// starts its read/write pumps. It blocks until the connection closes.
func (h *Hub) Connect(conn *websocket.Conn) {
	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), interest: make(map[string]bool)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.Subscribers.Inc()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writePump() }()
	go func() { defer wg.Done(); c.readPump() }()
	wg.Wait()

	h.disconnect(c)
}

func (h *Hub) disconnect(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if h.metrics != nil {
		h.metrics.Subscribers.Dec()
	}
	c.mu.Lock()
	for token := range c.interest {
		if set, ok := h.byToken[token]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byToken, token)
			}
		}
	}
	c.mu.Unlock()
	close(c.send)
}

// subscribe adds tokens to c's interest set and replies with a snapshot
// filtered to those tokens.
func (h *Hub) subscribe(c *Client, tokens []string) {
	h.mu.Lock()
	c.mu.Lock()
	for _, tok := range tokens {
		c.interest[tok] = true
		if h.byToken[tok] == nil {
			h.byToken[tok] = make(map[*Client]bool)
		}
		h.byToken[tok][c] = true
	}
	c.mu.Unlock()
	h.mu.Unlock()

	c.sendFrame("subscribed", subscribedPayload{Tokens: tokens})
	c.sendFrame("initial_data", h.filteredSnapshot(tokens, false))
}

// subscribeAll adds the "⋆" sentinel to c's interest set and replies with
// the full snapshot.
func (h *Hub) subscribeAll(c *Client) {
	h.mu.Lock()
	c.mu.Lock()
	c.interest[allToken] = true
	if h.byToken[allToken] == nil {
		h.byToken[allToken] = make(map[*Client]bool)
	}
	h.byToken[allToken][c] = true
	c.mu.Unlock()
	h.mu.Unlock()

	c.sendFrame("subscribed", subscribedPayload{All: true})
	c.sendFrame("initial_data", h.filteredSnapshot(nil, true))
}

func (h *Hub) unsubscribe(c *Client, tokens []string) {
	h.mu.Lock()
	c.mu.Lock()
	for _, tok := range tokens {
		delete(c.interest, tok)
		if set, ok := h.byToken[tok]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byToken, tok)
			}
		}
	}
	c.mu.Unlock()
	h.mu.Unlock()

	c.sendFrame("unsubscribed", subscribedPayload{Tokens: tokens})
}

func (h *Hub) filteredSnapshot(tokens []string, all bool) map[string]models.WireObservation {
	out := make(map[string]models.WireObservation)
	if all {
		for _, obs := range h.snap.All() {
			out[obs.TokenName] = obs.ToWire()
		}
		return out
	}
	for _, tok := range tokens {
		if obs, ok := h.snap.Get(tok); ok {
			out[tok] = obs.ToWire()
		}
	}
	return out
}

// Deliver sends observation to every subscriber interested in token,
// favoring the full "⋆" payload for subscribers that hold both an explicit
// interest and the all-sentinel (spec.md §4.6).
func (h *Hub) Deliver(obs models.Observation) {
	h.mu.Lock()
	explicit := h.byToken[obs.TokenName]
	all := h.byToken[allToken]

	recipients := make(map[*Client]bool, len(explicit)+len(all))
	for c := range explicit {
		recipients[c] = true
	}
	for c := range all {
		recipients[c] = true
	}
	targets := make([]*Client, 0, len(recipients))
	for c := range recipients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	// deliver() fans out one token at a time, so the "⋆" full payload and the
	// interest-filtered payload coincide: both are just {token: obs}.
	payload := map[string]models.WireObservation{obs.TokenName: obs.ToWire()}
	for _, c := range targets {
		c.sendFrame("data", payload)
	}
}

// Shutdown stops accepting new subscribers and closes every existing
// transport cleanly.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (c *Client) sendFrame(frameType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("fanout: marshal %s payload: %v", frameType, err)
		return
	}
	frame, err := json.Marshal(Frame{Type: frameType, Payload: body})
	if err != nil {
		log.Printf("fanout: marshal frame: %v", err)
		return
	}

	select {
	case c.send <- frame:
	default:
		// full buffer: treat as a slow consumer, force disconnect
		c.conn.Close()
	}
}

func (c *Client) sendError(message string) {
	c.sendFrame("error", errorPayload{Message: message})
}

// writePump relays queued frames to the socket and pings on an interval.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes inbound frames and dispatches them, disconnecting on any
// read error (including malformed-message handling falling through to the
// next frame rather than closing — only a transport error closes here).
func (c *Client) readPump() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("malformed message")
			continue
		}

		switch frame.Type {
		case "subscribe":
			var p subscribePayload
			if err := json.Unmarshal(frame.Payload, &p); err != nil {
				c.sendError("malformed subscribe payload")
				continue
			}
			c.hub.subscribe(c, p.Tokens)
		case "subscribe_all":
			c.hub.subscribeAll(c)
		case "unsubscribe":
			var p subscribePayload
			if err := json.Unmarshal(frame.Payload, &p); err != nil {
				c.sendError("malformed unsubscribe payload")
				continue
			}
			c.hub.unsubscribe(c, p.Tokens)
		case "ping":
			c.sendFrame("pong", struct{}{})
		default:
			c.sendError("unknown message type: " + frame.Type)
		}
	}
}
