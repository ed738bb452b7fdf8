package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/config"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/metrics"
	"github.com/therealutkarshpriyadarshi/tbmclip/pkg/models"
)

const (
	ClipQueueName = "clip_jobs"
	ExchangeName  = "tbmclip"
)

// Handler processes one clip job. Returning an error marked with Permanent
// sends the job straight to the dead letter queue.
type Handler func(ctx context.Context, job *models.ClipJob) error

// Queue provides message queue operations
type Queue struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	maxRetries int
	logger     zerolog.Logger
}

// New creates a new queue client
func New(cfg config.QueueConfig, logger zerolog.Logger) (*Queue, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	err = channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Declare queue
	_, err = channel.QueueDeclare(
		ClipQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-max-priority": int32(models.JobPriorityHigh)},
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	// Bind queue to exchange
	err = channel.QueueBind(
		ClipQueueName,
		ClipQueueName,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	q := &Queue{
		conn:       conn,
		channel:    channel,
		maxRetries: maxRetries,
		logger:     logger.With().Str("component", "queue").Logger(),
	}
	if err := q.SetupDeadLetterQueue(); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

// Health reports whether the broker connection is still open.
func (q *Queue) Health(ctx context.Context) error {
	if q.conn == nil || q.conn.IsClosed() {
		return errors.New("queue connection closed")
	}
	return nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func priorityOf(job *models.ClipJob) uint8 {
	switch {
	case job.Priority < 0:
		return 0
	case job.Priority > models.JobPriorityHigh:
		return models.JobPriorityHigh
	default:
		return uint8(job.Priority)
	}
}

// PublishClipJob publishes a clip job to the queue
func (q *Queue) PublishClipJob(ctx context.Context, job *models.ClipJob) error {
	return q.publish(ctx, ExchangeName, ClipQueueName, job, amqp.Table{retryHeader: int32(job.RetryCount)}, "")
}

func (q *Queue) publish(ctx context.Context, exchange, key string, job *models.ClipJob, headers amqp.Table, expiration string) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = q.channel.PublishWithContext(ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			Priority:     priorityOf(job),
			Headers:      headers,
			Expiration:   expiration,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}

	return nil
}

// ConsumeClipJobs delivers clip jobs to handler until ctx is done. Up to
// prefetch jobs are handled concurrently; in-flight jobs finish before it
// returns.
func (q *Queue) ConsumeClipJobs(ctx context.Context, prefetch int, handler Handler) error {
	if prefetch <= 0 {
		prefetch = 1
	}
	// Set QoS to limit concurrent processing
	err := q.channel.Qos(
		prefetch, // prefetch count
		0,        // prefetch size
		false,    // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		ClipQueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				q.deliver(ctx, msg, handler)
			}()
		}
	}
}

func (q *Queue) deliver(ctx context.Context, msg amqp.Delivery, handler Handler) {
	var job models.ClipJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		q.logger.Error().Err(err).Msg("Dropping malformed clip job")
		metrics.RecordError("queue", "malformed_job")
		msg.Nack(false, false)
		return
	}
	job.RetryCount = retryCountFrom(msg.Headers)

	herr := handler(ctx, &job)
	switch nextAction(herr, job.RetryCount, q.maxRetries) {
	case actionAck:
		msg.Ack(false)
	case actionRetry:
		if err := q.PublishToRetryQueue(ctx, &job, job.RetryCount); err != nil {
			q.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to schedule retry")
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
	case actionDeadLetter:
		if err := q.PublishToDeadLetterQueue(ctx, &job, herr.Error()); err != nil {
			q.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to dead-letter job")
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
	}
}

// GetQueueDepth returns the number of messages in the queue
func (q *Queue) GetQueueDepth() (int, error) {
	info, err := q.channel.QueueInspect(ClipQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}
