// Package websocket pushes live view snapshots to connected clients.
// Clients subscribe to topics; every topic a client holds is backed by one
// view opened from a ViewSource, and the view is stopped again on
// unsubscribe or disconnect.
package websocket

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/meditrack/meditrack/internal/platform/telemetry"
	"github.com/meditrack/meditrack/pkg/apperr"
)

// Frame types.
const (
	FrameSnapshot = "snapshot"
	FrameError    = "error"
)

// View is one evaluation of a topic. Data is the whole result; Err is set
// when the evaluation failed.
type View struct {
	Version uint64
	Data    interface{}
	Err     error
}

// ViewSource opens a live view of topic for the caller carried by ctx.
// deliver is called from one goroutine per view. After stop returns no
// further deliveries happen. A refused topic is reported as an error.
type ViewSource interface {
	OpenView(ctx context.Context, topic string, deliver func(View)) (stop func(), err error)
}

// Frame is an outbound message.
type Frame struct {
	Type    string      `json:"type"`
	Topic   string      `json:"topic"`
	Version uint64      `json:"version,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ClientMessage is an inbound message.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

const sendBuffer = 64

// Client is one connection and the views it holds.
type Client struct {
	ID   string
	Send chan []byte

	ctx  context.Context
	done chan struct{}

	mu     sync.Mutex
	closed bool
	views  map[string]func()
}

// NewClient creates a client whose views live at most as long as ctx.
func NewClient(ctx context.Context, id string) *Client {
	return &Client{
		ID:    id,
		Send:  make(chan []byte, sendBuffer),
		ctx:   ctx,
		done:  make(chan struct{}),
		views: make(map[string]func()),
	}
}

// Topics returns the client's open topics in sorted order.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.views))
	for t := range c.views {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Hub tracks connected clients and opens their views.
type Hub struct {
	source  ViewSource
	metrics *telemetry.WorkflowMetrics

	mu      sync.RWMutex
	all     map[*Client]struct{}
	clients map[string]map[*Client]struct{} // topic -> subscribed clients
}

func NewHub(source ViewSource, metrics *telemetry.WorkflowMetrics) *Hub {
	return &Hub{
		source:  source,
		metrics: metrics,
		all:     make(map[*Client]struct{}),
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
}

// Unregister stops every view of client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.all[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.all, client)
	for topic, subs := range h.clients {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.clients, topic)
		}
	}
	h.mu.Unlock()

	client.mu.Lock()
	client.closed = true
	views := client.views
	client.views = make(map[string]func())
	client.mu.Unlock()

	close(client.done)
	for topic, stop := range views {
		stop()
		h.metrics.ViewClosed(topic)
	}
	close(client.Send)
}

// Subscribe opens a view per topic the client does not hold yet. A topic
// the source refuses is answered with an error frame.
func (h *Hub) Subscribe(client *Client, topics []string) {
	for _, topic := range topics {
		client.mu.Lock()
		_, open := client.views[topic]
		closed := client.closed
		client.mu.Unlock()
		if open || closed {
			continue
		}

		topic := topic
		stop, err := h.source.OpenView(client.ctx, topic, func(v View) {
			h.deliver(client, topic, v)
		})
		if err != nil {
			h.send(client, Frame{Type: FrameError, Topic: topic, Message: apperr.Message(err)})
			continue
		}

		client.mu.Lock()
		if client.closed {
			client.mu.Unlock()
			stop()
			continue
		}
		client.views[topic] = stop
		client.mu.Unlock()

		h.mu.Lock()
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
		h.mu.Unlock()
		h.metrics.ViewOpened(topic)
	}
}

// Unsubscribe stops the client's views of topics.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	for _, topic := range topics {
		client.mu.Lock()
		stop, ok := client.views[topic]
		delete(client.views, topic)
		client.mu.Unlock()
		if !ok {
			continue
		}

		h.mu.Lock()
		if subs, ok := h.clients[topic]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.clients, topic)
			}
		}
		h.mu.Unlock()

		stop()
		h.metrics.ViewClosed(topic)
	}
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	default:
		h.send(client, Frame{Type: FrameError, Message: "unknown action " + msg.Action})
	}
}

func (h *Hub) deliver(client *Client, topic string, v View) {
	if v.Err != nil {
		h.send(client, Frame{Type: FrameError, Topic: topic, Version: v.Version, Message: apperr.Message(v.Err)})
		return
	}
	h.send(client, Frame{Type: FrameSnapshot, Topic: topic, Version: v.Version, Data: v.Data})
}

// send blocks until the frame is queued or the client is gone.
func (h *Hub) send(client *Client, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		zerolog.Ctx(client.ctx).Error().Err(err).Str("topic", f.Topic).Msg("websocket: marshal frame")
		return
	}
	select {
	case client.Send <- data:
	case <-client.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}
