// Package ws streams live build output to subscribed clients, keyed by
// tracked repository.
package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans build-log lines out to each repository's subscribers and keeps
// a short replay buffer so a client attaching mid-build sees recent output.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	replay    map[string][][]byte
	replayCap int
	register  chan subscription
	unreg     chan subscription
	lines     chan logLine
}

type logLine struct {
	repoID  string
	payload []byte
}

type subscription struct {
	repoID string
	client Subscriber
}

// NewHub creates a running Hub. replayCap bounds how many recent lines are
// kept per repository for late subscribers; zero disables replay.
func NewHub(replayCap int) *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		replay:    make(map[string][][]byte),
		replayCap: replayCap,
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		lines:     make(chan logLine, 64),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.repoID]; !ok {
				h.clients[sub.repoID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.repoID][sub.client] = struct{}{}
			for _, line := range h.replay[sub.repoID] {
				if err := sub.client.Send(line); err != nil {
					sub.client.Close()
					delete(h.clients[sub.repoID], sub.client)
					break
				}
			}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.repoID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.repoID)
				}
			}
		case line := <-h.lines:
			h.remember(line)
			if clients, ok := h.clients[line.repoID]; ok {
				for c := range clients {
					if err := c.Send(line.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, line.repoID)
				}
			}
		}
	}
}

func (h *Hub) remember(line logLine) {
	if h.replayCap <= 0 {
		return
	}
	buf := append(h.replay[line.repoID], line.payload)
	if len(buf) > h.replayCap {
		buf = buf[len(buf)-h.replayCap:]
	}
	h.replay[line.repoID] = buf
}

// Register attaches a client to a repository's log stream.
func (h *Hub) Register(repoID string, client Subscriber) {
	h.register <- subscription{repoID: repoID, client: client}
}

// Unregister detaches a client.
func (h *Hub) Unregister(repoID string, client Subscriber) {
	h.unreg <- subscription{repoID: repoID, client: client}
}

// Broadcast delivers one build-output line to the repository's subscribers.
func (h *Hub) Broadcast(repoID, line string) {
	h.lines <- logLine{repoID: repoID, payload: []byte(line)}
}
