// Package events fans team revalidation signals out to connected browsers.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// sendQueue bounds how many events may wait for one subscriber before the
// hub gives up on it.
const sendQueue = 16

// Hub manages stream subscriptions by team ID. Each subscriber is written
// from its own goroutine, so a slow connection never holds up a broadcast.
type Hub struct {
	clients   map[string]map[Subscriber]*peer
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	stopOnce  sync.Once
	now       func() time.Time
}

type message struct {
	teamID  string
	payload []byte
}

type subscription struct {
	teamID string
	client Subscriber
}

type peer struct {
	teamID string
	sub    Subscriber
	out    chan []byte
}

// Event is the payload pushed to subscribers when a team changes.
type Event struct {
	Type   string    `json:"type"`
	TeamID string    `json:"teamId"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// NewHub creates a running Hub. Stop releases it.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]*peer),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.teamID]; !ok {
				h.clients[sub.teamID] = make(map[Subscriber]*peer)
			}
			if _, ok := h.clients[sub.teamID][sub.client]; ok {
				continue
			}
			p := &peer{teamID: sub.teamID, sub: sub.client, out: make(chan []byte, sendQueue)}
			h.clients[sub.teamID][sub.client] = p
			go h.pump(p)
		case sub := <-h.unreg:
			if p, ok := h.clients[sub.teamID][sub.client]; ok {
				h.drop(p)
			}
		case msg := <-h.broadcast:
			for _, p := range h.clients[msg.teamID] {
				select {
				case p.out <- msg.payload:
				default:
					// Queue full: the subscriber is not keeping up.
					p.sub.Close()
					h.drop(p)
				}
			}
		case <-h.done:
			for _, clients := range h.clients {
				for _, p := range clients {
					close(p.out)
					p.sub.Close()
				}
			}
			h.clients = nil
			return
		}
	}
}

// drop removes p from the hub. Only the run loop calls it.
func (h *Hub) drop(p *peer) {
	clients := h.clients[p.teamID]
	delete(clients, p.sub)
	if len(clients) == 0 {
		delete(h.clients, p.teamID)
	}
	close(p.out)
}

func (h *Hub) pump(p *peer) {
	for payload := range p.out {
		if err := p.sub.Send(payload); err != nil {
			p.sub.Close()
			h.Unregister(p.teamID, p.sub)
			for range p.out {
			}
			return
		}
	}
}

// Register adds a client to a team stream.
func (h *Hub) Register(teamID string, client Subscriber) {
	select {
	case h.register <- subscription{teamID: teamID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(teamID string, client Subscriber) {
	select {
	case h.unreg <- subscription{teamID: teamID, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to all team clients.
func (h *Hub) Broadcast(teamID string, payload []byte) {
	select {
	case h.broadcast <- message{teamID: teamID, payload: payload}:
	case <-h.done:
	}
}

// Revalidate tells the team's subscribers to reload team state.
func (h *Hub) Revalidate(teamID, reason string) {
	payload, err := json.Marshal(Event{Type: "revalidate", TeamID: teamID, Reason: reason, At: h.now().UTC()})
	if err != nil {
		return
	}
	h.Broadcast(teamID, payload)
}

// Stop closes every subscriber and ends the hub loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}
