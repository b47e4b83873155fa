package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Errors returned by RequestStatus.
var (
	ErrNotFound = errors.New("region not found")
	ErrTimeout  = errors.New("status request timed out")
)

// RequestStatus asks a running responder for the state of region over an
// exclusive reply queue and waits up to timeout for the correlated answer.
func RequestStatus(parentCtx context.Context, conn *amqp.Connection, queue, region string, timeout time.Duration) (Reply, error) {
	requestID := uuid.NewString()
	requestedAt := time.Now().UTC()

	body, err := json.Marshal(Request{
		RegionCode:  region,
		RequestID:   requestID,
		RequestedAt: requestedAt.Format(time.RFC3339),
	})
	if err != nil {
		return Reply{}, fmt.Errorf("request payload encode failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return Reply{}, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return Reply{}, fmt.Errorf("request queue declare failed: %w", err)
	}
	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return Reply{}, fmt.Errorf("reply queue declare failed: %w", err)
	}
	deliveries, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return Reply{}, fmt.Errorf("reply consumer setup failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: requestID,
		ReplyTo:       replyQueue.Name,
		Body:          body,
		Timestamp:     requestedAt,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("status request publish failed: %w", err)
	}

	return awaitReply(ctx, deliveries, requestID)
}

// awaitReply waits for the delivery correlated with requestID.
func awaitReply(ctx context.Context, deliveries <-chan amqp.Delivery, requestID string) (Reply, error) {
	for {
		select {
		case <-ctx.Done():
			return Reply{}, ErrTimeout
		case d, ok := <-deliveries:
			if !ok {
				return Reply{}, errors.New("reply consumer closed")
			}
			if strings.TrimSpace(d.CorrelationId) != requestID {
				continue
			}

			var reply Reply
			if err := json.Unmarshal(d.Body, &reply); err != nil {
				return Reply{}, fmt.Errorf("invalid status reply payload: %w", err)
			}
			if reply.State == StateNotFound {
				return reply, ErrNotFound
			}
			return reply, nil
		}
	}
}
