package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/agentbgp/agentbgpd/internal/metrics"
)

// wireEvent is the JSON envelope published to Kafka; Payload is carried as
// a raw JSON value since its shape varies by Kind.
type wireEvent struct {
	Kind      Kind            `json:"kind"`
	At        time.Time       `json:"at"`
	Peer      uint32          `json:"peer"`
	AgentID   string          `json:"agentId"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// kafkaBus publishes routing-core events onto a single topic and fans
// them back out in-process, pairing a franz-go producer on publish with
// consumer-side dispatch — producer and consumer live in the same process
// so other ASes' control planes (or an audit consumer) can tail the same
// topic.
type kafkaBus struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger

	inner *chanBus // local fan-out, fed by the Kafka consume loop

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafka constructs a Kafka-backed Bus. Publish produces to topic;
// events consumed back from topic (including this process's own
// publishes, echoed by the broker) are fanned out to local subscribers.
func NewKafka(brokers []string, topic, clientID string, logger *zap.Logger) (Bus, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(clientID+"-eventbus"),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	kb := &kafkaBus{
		client: client,
		topic:  topic,
		logger: logger,
		inner:  newChanBus(),
		cancel: cancel,
	}
	kb.wg.Add(1)
	go kb.consumeLoop(ctx)
	return kb, nil
}

func (kb *kafkaBus) consumeLoop(ctx context.Context) {
	defer kb.wg.Done()
	for {
		fetches := kb.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		fetches.EachRecord(func(r *kgo.Record) {
			var we wireEvent
			if err := json.Unmarshal(r.Value, &we); err != nil {
				kb.logger.Warn("eventbus: dropping malformed record", zap.Error(err))
				return
			}
			kb.inner.Publish(Event{
				Kind:      we.Kind,
				At:        we.At,
				RequestID: we.RequestID,
				Payload:   we.Payload,
			})
		})
	}
}

func (kb *kafkaBus) Publish(e Event) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		kb.logger.Warn("eventbus: failed to marshal event payload", zap.Error(err))
		return
	}
	we := wireEvent{
		Kind:      e.Kind,
		At:        e.At,
		Peer:      uint32(e.Peer),
		AgentID:   string(e.AgentID),
		RequestID: e.RequestID,
		Payload:   payload,
	}
	data, err := json.Marshal(we)
	if err != nil {
		kb.logger.Warn("eventbus: failed to marshal event", zap.Error(err))
		return
	}
	metrics.EventBusPublishedTotal.WithLabelValues(string(e.Kind)).Inc()
	kb.client.Produce(context.Background(), &kgo.Record{Topic: kb.topic, Value: data}, func(_ *kgo.Record, err error) {
		if err != nil {
			kb.logger.Error("eventbus: produce failed", zap.Error(err))
		}
	})
}

func (kb *kafkaBus) Subscribe(kind Kind) <-chan Event {
	return kb.inner.Subscribe(kind)
}

func (kb *kafkaBus) Close() {
	kb.cancel()
	kb.wg.Wait()
	kb.client.Close()
	kb.inner.Close()
}
