package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"virtualfit/pkg/logging"
	"virtualfit/pkg/messaging"
)

// DefaultQueue is the queue try-on jobs are published to
const DefaultQueue = "tryon_jobs"

// RabbitMQ represents a RabbitMQ connection and channel
type RabbitMQ struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	confirms chan amqp.Confirmation
	queues   map[string]amqp.Queue

	// publishing and confirmation waiting must not interleave
	mu sync.Mutex
}

// NewRabbitMQ creates a new RabbitMQ connection
func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Enable publish confirmations
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publish confirmations: %w", err)
	}

	return &RabbitMQ{
		conn:     conn,
		channel:  channel,
		confirms: channel.NotifyPublish(make(chan amqp.Confirmation, 1)),
		queues:   make(map[string]amqp.Queue),
	}, nil
}

// DeclareQueue declares a durable queue
func (r *RabbitMQ) DeclareQueue(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue, err := r.channel.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	r.queues[name] = queue
	return nil
}

// PublishMessage publishes a job message and waits for the broker to confirm it
func (r *RabbitMQ) PublishMessage(ctx context.Context, queueName string, msg messaging.JobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.channel.PublishWithContext(
		ctx,
		"",        // exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.JobID,
			Timestamp:    msg.SubmittedAt,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	select {
	case confirmed, ok := <-r.confirms:
		if !ok {
			return errors.New("channel closed before publish confirmation")
		}
		if !confirmed.Ack {
			return fmt.Errorf("broker rejected job %s", msg.JobID)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for publish confirmation: %w", ctx.Err())
	}
}

// ConsumeMessages consumes job messages with up to workers handlers running at once.
// A handler error requeues the message; malformed messages are dropped.
// It returns once the consumers are registered; they stop when the channel closes.
func (r *RabbitMQ) ConsumeMessages(queueName string, workers int, handler func(messaging.JobMessage) error) error {
	if workers < 1 {
		workers = 1
	}

	err := r.channel.Qos(
		workers, // prefetch count
		0,       // prefetch size
		false,   // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := r.channel.Consume(
		queueName, // queue
		"",        // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for i := 0; i < workers; i++ {
		go func() {
			for d := range msgs {
				var msg messaging.JobMessage
				if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" {
					slog.Warn("dropping malformed job message", "error", err, "body_bytes", len(d.Body))
					d.Reject(false)
					continue
				}

				if err := handler(msg); err != nil {
					slog.Error("job message failed, requeueing", "job_id", msg.JobID, "error", err)
					d.Nack(false, true)
					continue
				}

				d.Ack(false)
			}
		}()
	}

	return nil
}

// NotifyClose returns a channel that receives the connection close error
func (r *RabbitMQ) NotifyClose() <-chan *amqp.Error {
	return r.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close closes the RabbitMQ connection and channel
func (r *RabbitMQ) Close() {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}

// Publisher is the part of RabbitMQ the dispatcher needs
type Publisher interface {
	PublishMessage(ctx context.Context, queueName string, msg messaging.JobMessage) error
}

// Dispatcher hands jobs to worker processes through a queue
type Dispatcher struct {
	pub       Publisher
	queueName string
	now       func() time.Time
}

func NewDispatcher(pub Publisher, queueName string) *Dispatcher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Dispatcher{pub: pub, queueName: queueName, now: time.Now}
}

// Dispatch publishes the job id; processing happens in whichever worker consumes it.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string) error {
	msg := messaging.JobMessage{
		JobID:       jobID,
		RequestID:   logging.RequestID(ctx),
		SubmittedAt: d.now().UTC(),
	}
	if err := d.pub.PublishMessage(ctx, d.queueName, msg); err != nil {
		return fmt.Errorf("dispatch job %s: %w", jobID, err)
	}
	return nil
}
