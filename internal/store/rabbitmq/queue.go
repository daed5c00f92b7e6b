package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/claim-desk/internal/claims"
)

const attemptHeader = "x-attempt"

// TaskQueue carries claim background tasks between the API and the worker.
// Topology: main -> (nack) -> .dlq, and .retry -> (ttl) -> main.
type TaskQueue struct {
	conn  *amqp.Connection
	mu    sync.Mutex
	ch    *amqp.Channel
	queue string
}

func NewTaskQueue(url, queue string) (*TaskQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &TaskQueue{conn: conn, ch: ch, queue: queue}, nil
}

func declareTopology(ch *amqp.Channel, queue string) error {
	mainQ := queue
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	// DLQ
	if _, err := ch.QueueDeclare(
		dlqQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Retry queue: message TTL -> dead-letter back to main queue
	if _, err := ch.QueueDeclare(
		retryQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": mainQ,
		},
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		mainQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqQ,
		},
	)
	return err
}

func (q *TaskQueue) Name() string { return q.queue }

func (q *TaskQueue) Close() error {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// Dispatch publishes t to the main queue.
func (q *TaskQueue) Dispatch(ctx context.Context, t claims.Task) error {
	return q.publish(ctx, q.queue, t, 1, "")
}

// Retry parks t on the retry queue; it returns to the main queue after delay.
func (q *TaskQueue) Retry(ctx context.Context, t claims.Task, attempt int, delay time.Duration) error {
	exp := strconv.FormatInt(delay.Milliseconds(), 10)
	return q.publish(ctx, q.queue+".retry", t, attempt, exp)
}

func (q *TaskQueue) publish(ctx context.Context, routingKey string, t claims.Task, attempt int, expiration string) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.PublishWithContext(cctx,
		"",         // default exchange
		routingKey, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    t.ID,
			Headers:      amqp.Table{attemptHeader: int32(attempt)},
			Expiration:   expiration,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Consume opens a dedicated channel with prefetch set to the worker's
// concurrency. The caller closes the returned channel.
func (q *TaskQueue) Consume(prefetch int) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	msgs, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return ch, msgs, nil
}

var ErrBadTask = errors.New("rabbitmq: bad task message")

// DecodeTask reads a delivery body and its attempt counter.
func DecodeTask(d amqp.Delivery) (claims.Task, int, error) {
	var t claims.Task
	if err := json.Unmarshal(d.Body, &t); err != nil {
		return t, 0, errors.Join(ErrBadTask, err)
	}
	if t.ClaimID == 0 || t.Kind == "" {
		return t, 0, ErrBadTask
	}
	return t, Attempt(d.Headers), nil
}

// Attempt reads the 1-based attempt counter; missing headers count as the first.
func Attempt(h amqp.Table) int {
	switch v := h[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}
