package mqtt

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/logsplitter/internal/telemetry"
)

// DefaultBufferSize is the number of messages held while the broker is
// unreachable.
const DefaultBufferSize = 1000

const defaultRetryInterval = time.Second

// Submitter queues an operator command for the control loop.
type Submitter interface {
	Submit(line string, reply func(string)) error
}

// SinkConfig configures a Sink.
type SinkConfig struct {
	Topics     Topics
	BufferSize int
	// RetryInterval is how often a disconnected sink checks the broker.
	RetryInterval time.Duration
}

// Sink is a telemetry.Sink that publishes to MQTT. Emit only buffers; Run
// does the publishing. While the broker is unreachable messages accumulate
// in a ring buffer and the oldest are dropped when it fills.
type Sink struct {
	client Client
	topics Topics
	retry  time.Duration
	log    zerolog.Logger

	mu   sync.Mutex
	buf  *ringBuffer
	wake chan struct{}

	onChange  func(connected bool)
	connected bool // owned by Run
	published atomic.Uint64
}

// NewSink creates a sink over client.
func NewSink(client Client, cfg SinkConfig, log zerolog.Logger) *Sink {
	if cfg.Topics.prefix == "" {
		cfg.Topics = NewTopics("")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	return &Sink{
		client: client,
		topics: cfg.Topics,
		retry:  cfg.RetryInterval,
		log:    log,
		buf:    newRingBuffer(cfg.BufferSize),
		wake:   make(chan struct{}, 1),
	}
}

// OnConnectionChange registers fn to be called from Run whenever the broker
// connection goes up or down. Call before Run.
func (s *Sink) OnConnectionChange(fn func(connected bool)) {
	s.onChange = fn
}

// Topics returns the sink's topic names.
func (s *Sink) Topics() Topics { return s.topics }

// Emit implements telemetry.Sink. It never blocks on the network.
func (s *Sink) Emit(ev telemetry.Event) {
	s.enqueue(bufferedMsg{ev: ev, isEvent: true, topic: s.topics.Event(ev.Type), qos: qosFor(ev.Type)})
}

// PublishStatus queues a retained status payload.
func (s *Sink) PublishStatus(payload []byte) {
	s.enqueue(bufferedMsg{topic: s.topics.Status(), payload: payload, qos: 1, retained: true})
}

// Reply queues a command response. It is safe to call from the control loop.
func (s *Sink) Reply(resp string) {
	s.enqueue(bufferedMsg{topic: s.topics.Response(), payload: []byte(resp), qos: 1})
}

func (s *Sink) enqueue(m bufferedMsg) {
	s.mu.Lock()
	overflow := s.buf.push(m)
	s.mu.Unlock()
	if overflow {
		s.log.Warn().Int("capacity", s.buf.capacity).Msg("mqtt buffer full, dropping oldest")
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Listen subscribes to the control topic and forwards each message to sub
// as one command line.
func (s *Sink) Listen(sub Submitter) error {
	return s.client.Subscribe(s.topics.Control(), 1, func(payload []byte) {
		line := strings.TrimSpace(string(payload))
		if line == "" {
			return
		}
		if err := sub.Submit(line, s.Reply); err != nil {
			s.log.Warn().Err(err).Str("command", line).Msg("remote command rejected")
			s.Reply("ERROR: " + err.Error())
		}
	})
}

// IsConnected reports whether the broker connection is up.
func (s *Sink) IsConnected() bool { return s.client.IsConnected() }

// Pending returns the number of buffered messages.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.len()
}

// Dropped returns how many messages were lost to buffer overflow.
func (s *Sink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.dropped
}

// Published returns how many messages the broker accepted.
func (s *Sink) Published() uint64 { return s.published.Load() }

// Run publishes buffered messages until ctx is done, then makes one last
// attempt to flush.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.retry)
	defer ticker.Stop()

	for {
		s.checkConnection()
		if s.connected {
			s.Flush()
		}
		select {
		case <-ctx.Done():
			if s.client.IsConnected() {
				s.Flush()
			}
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

func (s *Sink) checkConnection() {
	up := s.client.IsConnected()
	if up == s.connected {
		return
	}
	s.connected = up
	if up {
		s.log.Info().Int("pending", s.Pending()).Msg("mqtt connected")
	} else {
		s.log.Warn().Msg("mqtt disconnected, buffering")
	}
	if s.onChange != nil {
		s.onChange(up)
	}
}

// Flush publishes everything buffered, in order. On the first failure the
// unsent messages go back to the buffer. It returns the number sent.
func (s *Sink) Flush() int {
	s.mu.Lock()
	msgs := s.buf.drainAll()
	s.mu.Unlock()

	for i, m := range msgs {
		payload := m.payload
		if m.isEvent {
			var err error
			if payload, err = FormatPayload(m.ev); err != nil {
				s.log.Error().Err(err).Str("type", string(m.ev.Type)).Msg("format event")
				continue
			}
		}
		if err := s.client.Publish(m.topic, m.qos, m.retained, payload); err != nil {
			s.log.Warn().Err(err).Str("topic", m.topic).Int("unsent", len(msgs)-i).Msg("mqtt publish failed")
			s.mu.Lock()
			s.buf.requeue(msgs[i:])
			s.mu.Unlock()
			return i
		}
		s.published.Add(1)
	}
	return len(msgs)
}
