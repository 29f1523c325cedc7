package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/AaronLay10/SentientFlow/internal/dispatch"
	"github.com/AaronLay10/SentientFlow/internal/events"
	"github.com/AaronLay10/SentientFlow/internal/routes"
)

// Transport is the part of Client the bridge uses.
type Transport interface {
	Subscribe(topic string, handler paho.MessageHandler) error
	Publish(topic string, payload []byte) error
}

// EventDispatcher runs the event route of a named event.
type EventDispatcher interface {
	DispatchEvent(ctx context.Context, name string, args []any) (*dispatch.Outcome, error)
}

// Bridge connects event routes to broker topics. Every event route is
// subscribed as <prefix>/<event>; emitted events are published there as a
// JSON array of their arguments.
type Bridge struct {
	mu         sync.RWMutex
	transport  Transport
	dispatcher EventDispatcher
	prefix     string
	timeout    time.Duration
	subscribed map[string]string // topic -> event name

	inflight sync.WaitGroup
}

// NewBridge creates a bridge. timeout bounds each inbound dispatch.
func NewBridge(t Transport, d EventDispatcher, prefix string, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Bridge{
		transport:  t,
		dispatcher: d,
		prefix:     strings.TrimSuffix(prefix, "/"),
		timeout:    timeout,
		subscribed: make(map[string]string),
	}
}

// Topic is the broker topic of a named event.
func (b *Bridge) Topic(name string) string {
	if b.prefix == "" {
		return name
	}
	return b.prefix + "/" + name
}

// Publish sends an emitted event to the broker.
func (b *Bridge) Publish(ctx context.Context, name string, args []any) error {
	if args == nil {
		args = []any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", name, err)
	}
	if err := b.transport.Publish(b.Topic(name), payload); err != nil {
		return fmt.Errorf("publish event %s: %w", name, err)
	}
	return nil
}

// SubscribeEvent subscribes to an event's topic if not already subscribed.
// This is idempotent.
func (b *Bridge) SubscribeEvent(name string) error {
	topic := b.Topic(name)

	b.mu.RLock()
	_, done := b.subscribed[topic]
	b.mu.RUnlock()
	if done {
		return nil
	}

	if err := b.transport.Subscribe(topic, b.handler(name)); err != nil {
		return err
	}

	b.mu.Lock()
	b.subscribed[topic] = name
	b.mu.Unlock()
	return nil
}

// Sync subscribes every event route of the table. Topics of events no
// longer routed stay subscribed; their messages find no route.
func (b *Bridge) Sync(table *routes.Table) error {
	var failed int
	for _, r := range table.Routes() {
		if !r.IsEvent() {
			continue
		}
		if err := b.SubscribeEvent(r.Event); err != nil {
			failed++
			events.Emit("error", "mqtt.error", "failed to subscribe event route", map[string]interface{}{
				"route": r.Key,
				"topic": b.Topic(r.Event),
				"error": err.Error(),
			})
		}
	}
	if failed > 0 {
		return fmt.Errorf("mqtt: %d event subscriptions failed", failed)
	}
	return nil
}

// Resubscribe clears the subscription tracking and subscribes the given
// table again. Call it after a reconnect.
func (b *Bridge) Resubscribe(table *routes.Table) error {
	b.ClearSubscriptions()
	return b.Sync(table)
}

// handler returns at once; the event runs on its own goroutine. Paho
// delivers messages from its router goroutine, which must stay free to
// process acks for publishes the event chain makes.
func (b *Bridge) handler(name string) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		topic := msg.Topic()
		args := DecodeArgs(msg.Payload())
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			b.dispatch(name, topic, args)
		}()
	}
}

func (b *Bridge) dispatch(name, topic string, args []any) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	out, err := b.dispatcher.DispatchEvent(ctx, name, args)
	if err != nil {
		events.Emit("warn", "mqtt.error", "event dispatch failed", map[string]interface{}{
			"topic": topic,
			"error": err.Error(),
		})
		return
	}
	if len(out.Errors) > 0 {
		events.Emit("warn", "mqtt.error", "event chains failed", map[string]interface{}{
			"topic":         topic,
			"invocation_id": out.InvocationID,
			"error":         out.Err().Error(),
		})
	}
}

// Wait blocks until inbound event dispatches finish.
func (b *Bridge) Wait() {
	b.inflight.Wait()
}

// DecodeArgs maps a message payload to positional event arguments: a JSON
// array is spread, any other JSON value is one argument, and a payload
// that is not JSON is passed as a string.
func DecodeArgs(payload []byte) []any {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return []any{}
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return []any{string(payload)}
	}
	if arr, ok := v.([]any); ok {
		return arr
	}
	return []any{v}
}

// IsSubscribed returns true if the topic is already subscribed.
func (b *Bridge) IsSubscribed(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subscribed[topic]
	return ok
}

// SubscribedTopics returns every subscribed topic, sorted.
func (b *Bridge) SubscribedTopics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.subscribed))
	for topic := range b.subscribed {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// ClearSubscriptions clears the subscription tracking.
// Call this on disconnect to allow re-subscription on reconnect.
func (b *Bridge) ClearSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = make(map[string]string)
}
