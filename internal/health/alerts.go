package health

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// AlertPublisher publishes health Condition alerts to a Kafka topic with
// a worker-pool, bounded retry, and exponential backoff: fire-and-forget,
// with no envelope/reply-topic plumbing.
type AlertPublisher struct {
	writer     *kafka.Writer
	jobs       chan Condition
	log        zerolog.Logger
	maxRetries int
}

// NewAlertPublisher starts workerCount background publishers writing to
// topic on brokers. Call Close to stop.
func NewAlertPublisher(brokers []string, topic string, workerCount int, log zerolog.Logger) *AlertPublisher {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	p := &AlertPublisher{
		writer:     w,
		jobs:       make(chan Condition, 256),
		log:        log,
		maxRetries: 3,
	}
	for i := 0; i < workerCount; i++ {
		go p.worker()
	}
	return p
}

func (p *AlertPublisher) publish(c Condition) {
	select {
	case p.jobs <- c:
	default:
		p.log.Warn().Str("condition", c.Name).Msg("health_alert_queue_full_dropping")
	}
}

func (p *AlertPublisher) worker() {
	for c := range p.jobs {
		p.sendWithBackoff(c)
	}
}

func (p *AlertPublisher) sendWithBackoff(c Condition) {
	payload, err := json.Marshal(c)
	if err != nil {
		p.log.Error().Err(err).Msg("health_alert_marshal_failed")
		return
	}
	backoff := 200 * time.Millisecond
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(c.Name), Value: payload})
		cancel()
		if err == nil {
			return
		}
		if attempt == p.maxRetries {
			p.log.Error().Err(err).Str("condition", c.Name).Int("attempts", attempt).Msg("health_alert_publish_failed")
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

// Close stops accepting alerts and closes the underlying writer. It does not
// wait for the workers, so alerts still queued or being retried fail to
// publish.
func (p *AlertPublisher) Close() error {
	close(p.jobs)
	return p.writer.Close()
}
