package mqtt

import "sync"

// Message is a publish recorded by FakeClient.
type Message struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// FakeClient records publishes for test assertions. It is safe for
// concurrent use.
type FakeClient struct {
	mu        sync.Mutex
	messages  []Message
	handlers  map[string]func([]byte)
	connected bool
	closed    bool

	// PublishError, if set, is returned by Publish and nothing is recorded.
	PublishError error
	// SubscribeError, if set, is returned by Subscribe.
	SubscribeError error
}

// NewFakeClient creates a connected FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{connected: true, handlers: make(map[string]func([]byte))}
}

// Publish records the message.
func (f *FakeClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.messages = append(f.messages, Message{Topic: topic, QoS: qos, Retained: retained, Payload: payload})
	return nil
}

// Subscribe records handler.
func (f *FakeClient) Subscribe(topic string, qos byte, handler func(payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeError != nil {
		return f.SubscribeError
	}
	f.handlers[topic] = handler
	return nil
}

// Deliver simulates the broker sending payload on topic. It reports false
// if nothing subscribed.
func (f *FakeClient) Deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		return false
	}
	h(payload)
	return true
}

// SetConnected controls IsConnected.
func (f *FakeClient) SetConnected(up bool) {
	f.mu.Lock()
	f.connected = up
	f.mu.Unlock()
}

// SetPublishError changes PublishError under the lock.
func (f *FakeClient) SetPublishError(err error) {
	f.mu.Lock()
	f.PublishError = err
	f.mu.Unlock()
}

// IsConnected reports the simulated connection state.
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.closed
}

// Close marks the client closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Messages returns a copy of recorded publishes.
func (f *FakeClient) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.messages...)
}

// OnTopic returns recorded publishes to topic.
func (f *FakeClient) OnTopic(topic string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Reset clears recorded publishes and errors.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	f.messages = nil
	f.PublishError = nil
	f.SubscribeError = nil
	f.mu.Unlock()
}
