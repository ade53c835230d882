package ws

import (
	"encoding/json"
	"sync"
)

// subscriberQueue bounds the payloads buffered per subscriber. A subscriber
// that falls this far behind is evicted.
const subscriberQueue = 64

// Subscriber abstracts a streaming client. Close must not block.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Topic names.
const TopicConfig = "config"

// TeamTopic is the topic carrying events for one team.
func TeamTopic(teamID string) string {
	return "team:" + teamID
}

// Hub fans payloads out to subscribers by topic. Each subscriber is fed from
// its own queue, so a stalled subscriber never delays Broadcast.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	outboxes  map[Subscriber]*outbox
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	failed    chan *outbox
	count     chan chan int
	done      chan struct{}
	closeOnce sync.Once
}

type outbox struct {
	client Subscriber
	queue  chan []byte
	topics map[string]struct{}
}

type message struct {
	topic   string
	payload []byte
}

type subscription struct {
	topics []string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		outboxes:  make(map[Subscriber]*outbox),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		failed:    make(chan *outbox),
		count:     make(chan chan int),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, ob := range h.outboxes {
				h.evict(ob, true)
			}
			return
		case sub := <-h.register:
			ob, ok := h.outboxes[sub.client]
			if !ok {
				ob = &outbox{client: sub.client, queue: make(chan []byte, subscriberQueue), topics: make(map[string]struct{})}
				h.outboxes[sub.client] = ob
				go h.pump(ob)
			}
			for _, topic := range sub.topics {
				if _, ok := h.clients[topic]; !ok {
					h.clients[topic] = make(map[Subscriber]struct{})
				}
				h.clients[topic][sub.client] = struct{}{}
				ob.topics[topic] = struct{}{}
			}
		case sub := <-h.unreg:
			ob, ok := h.outboxes[sub.client]
			if !ok {
				continue
			}
			for _, topic := range sub.topics {
				h.drop(topic, sub.client)
				delete(ob.topics, topic)
			}
			if len(ob.topics) == 0 {
				h.evict(ob, false)
			}
		case msg := <-h.broadcast:
			for c := range h.clients[msg.topic] {
				ob := h.outboxes[c]
				select {
				case ob.queue <- msg.payload:
				default:
					h.evict(ob, true)
				}
			}
		case ob := <-h.failed:
			if h.outboxes[ob.client] == ob {
				h.evict(ob, true)
			}
		case reply := <-h.count:
			reply <- len(h.outboxes)
		}
	}
}

// pump delivers queued payloads in order. After a failed send it keeps
// draining without sending until the hub retires the queue.
func (h *Hub) pump(ob *outbox) {
	broken := false
	for payload := range ob.queue {
		if broken {
			continue
		}
		if err := ob.client.Send(payload); err != nil {
			broken = true
			select {
			case h.failed <- ob:
			case <-h.done:
			}
		}
	}
}

// evict removes ob from every topic and stops its pump.
func (h *Hub) evict(ob *outbox, closeClient bool) {
	for topic := range ob.topics {
		h.drop(topic, ob.client)
	}
	delete(h.outboxes, ob.client)
	close(ob.queue)
	if closeClient {
		ob.client.Close()
	}
}

func (h *Hub) drop(topic string, client Subscriber) {
	clients, ok := h.clients[topic]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, topic)
	}
}

// Register subscribes a client to one or more topics.
func (h *Hub) Register(client Subscriber, topics ...string) {
	select {
	case h.register <- subscription{topics: topics, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client from the given topics.
func (h *Hub) Unregister(client Subscriber, topics ...string) {
	select {
	case h.unreg <- subscription{topics: topics, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for every subscriber of topic. It does not wait for
// delivery.
func (h *Hub) Broadcast(topic string, payload []byte) {
	select {
	case h.broadcast <- message{topic: topic, payload: payload}:
	case <-h.done:
	}
}

// Publish marshals v and broadcasts it on topic.
func (h *Hub) Publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(topic, payload)
	return nil
}

// Subscribers returns the number of distinct connected subscribers.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close stops the hub and closes every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
