package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"forecast-refresh/internal/config"
	"forecast-refresh/internal/priority"
)

// statusReader reads the region status hash.
type statusReader interface {
	Read(ctx context.Context, region string) (map[string]string, bool, error)
}

// priorityReader reads one priority row.
type priorityReader interface {
	Get(ctx context.Context, region string) (priority.RegionPriority, bool, error)
}

// lockChecker reports whether a region is in flight.
type lockChecker interface {
	Held(ctx context.Context, region string) (bool, error)
}

// replyPublisher is the part of amqp.Channel used to answer.
type replyPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Responder serves region status requests from a durable RabbitMQ queue.
type Responder struct {
	cfg        config.RabbitConfig
	statuses   statusReader
	priorities priorityReader
	locks      lockChecker
	log        *zap.SugaredLogger
	now        func() time.Time

	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewResponder returns a responder that dials cfg.URL on Run.
func NewResponder(cfg config.RabbitConfig, statuses statusReader, priorities priorityReader, locks lockChecker, log *zap.SugaredLogger) *Responder {
	return &Responder{
		cfg:        cfg,
		statuses:   statuses,
		priorities: priorities,
		locks:      locks,
		log:        log,
		now:        time.Now,
	}
}

// Run serves requests until ctx is cancelled, reconnecting after any session failure.
func (r *Responder) Run(ctx context.Context) error {
	defer r.Close()
	for {
		err := r.runSession(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		r.log.Warnw("status responder session failed; reconnecting",
			"err", err,
			"after", r.cfg.ReconnectBackoff,
		)
		if err := sleepWithContext(ctx, r.cfg.ReconnectBackoff); err != nil {
			return nil
		}
	}
}

// runSession consumes until cancellation or channel failure.
func (r *Responder) runSession(ctx context.Context) error {
	if err := r.reopen(); err != nil {
		return err
	}

	deliveries, err := r.ch.Consume(r.cfg.StatusQueue, r.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume setup failed: %w", err)
	}

	r.log.Infow("status responder consuming", "queue", r.cfg.StatusQueue)
	for {
		select {
		case <-ctx.Done():
			if err := r.ch.Cancel(r.cfg.ConsumerTag, false); err != nil {
				r.log.Warnw("status responder cancel failed", "err", err)
			}
			r.log.Info("status responder stopping due to cancellation")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("rabbitmq deliveries channel closed unexpectedly")
			}

			ack, requeue := r.handleDelivery(ctx, d, r.ch)
			if ack {
				if err := d.Ack(false); err != nil {
					r.log.Warnw("status request ack failed", "delivery_tag", d.DeliveryTag, "err", err)
				}
				continue
			}
			if err := d.Nack(false, requeue); err != nil {
				r.log.Warnw("status request nack failed", "delivery_tag", d.DeliveryTag, "requeue", requeue, "err", err)
			}
		}
	}
}

// reopen redials the broker when needed and replaces the consume channel.
func (r *Responder) reopen() error {
	if r.ch != nil {
		if err := r.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			r.log.Debugw("status channel close before reopen failed", "err", err)
		}
		r.ch = nil
	}
	if r.conn == nil || r.conn.IsClosed() {
		conn, err := amqp.Dial(r.cfg.URL)
		if err != nil {
			return fmt.Errorf("rabbitmq dial failed: %w", err)
		}
		r.conn = conn
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	if err := ch.Qos(r.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("rabbitmq qos setup failed: %w", err)
	}
	if _, err := ch.QueueDeclare(r.cfg.StatusQueue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("rabbitmq request queue declare failed: %w", err)
	}
	r.ch = ch
	return nil
}

// Close releases the channel and connection.
func (r *Responder) Close() {
	if r.ch != nil {
		_ = r.ch.Close()
		r.ch = nil
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			r.log.Warnw("rabbitmq connection close failed", "err", err)
		}
		r.conn = nil
	}
}

// handleDelivery answers one request. Invalid requests are acked and dropped;
// lookup or publish failures are nacked for redelivery.
func (r *Responder) handleDelivery(ctx context.Context, d amqp.Delivery, pub replyPublisher) (ack bool, requeue bool) {
	correlationID := strings.TrimSpace(d.CorrelationId)
	replyTo := strings.TrimSpace(d.ReplyTo)
	if correlationID == "" || replyTo == "" {
		r.log.Warnw("dropping status request missing correlation_id/reply_to",
			"delivery_tag", d.DeliveryTag,
			"correlation_id", correlationID,
			"reply_to", replyTo,
		)
		return true, false
	}

	req, err := DecodeRequest(d.Body)
	if err != nil {
		r.log.Warnw("dropping invalid status request body", "correlation_id", correlationID, "err", err)
		return true, false
	}
	if req.RequestID != correlationID {
		r.log.Debugw("status request correlation mismatch", "request_id", req.RequestID, "correlation_id", correlationID)
	}

	requestCtx, cancel := context.WithTimeout(ctx, r.cfg.ReplyTimeout)
	defer cancel()

	reply, err := r.BuildReply(requestCtx, req.RegionCode)
	if err != nil {
		r.log.Warnw("status reply build failed", "correlation_id", correlationID, "region", req.RegionCode, "err", err)
		return false, true
	}

	body, err := json.Marshal(reply)
	if err != nil {
		r.log.Errorw("status reply marshal failed", "correlation_id", correlationID, "err", err)
		return true, false
	}

	err = pub.PublishWithContext(requestCtx, "", replyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		Body:          body,
		Timestamp:     r.now().UTC(),
	})
	if err != nil {
		r.log.Warnw("status reply publish failed", "correlation_id", correlationID, "region", req.RegionCode, "err", err)
		return false, true
	}

	r.log.Debugw("status reply published", "correlation_id", correlationID, "region", reply.RegionCode, "state", reply.State)
	return true, false
}

// BuildReply merges everything known about region into one reply.
func (r *Responder) BuildReply(ctx context.Context, region string) (Reply, error) {
	now := r.now().UTC()
	reply := Reply{RegionCode: region, Timestamp: now.Format(time.RFC3339)}

	hash, hashFound, err := r.statuses.Read(ctx, region)
	if err != nil {
		return Reply{}, err
	}
	row, rowFound, err := r.priorities.Get(ctx, region)
	if err != nil {
		return Reply{}, err
	}
	if !hashFound && !rowFound {
		reply.State = StateNotFound
		reply.Message = "region not found"
		return reply, nil
	}

	held, err := r.locks.Held(ctx, region)
	if err != nil {
		return Reply{}, err
	}
	reply.Inflight = held

	if rowFound {
		prio, active := row.Priority, row.Active
		reply.Priority = &prio
		reply.Active = &active
		reply.LastHitMs = row.LastHitMs
		reply.NextDueMs = row.NextDueMs
	}

	reply.State = strings.ToLower(strings.TrimSpace(hash["state"]))
	if reply.State == "" {
		reply.State = deriveState(row, now)
	}
	reply.JobID = hash["job_id"]
	reply.Origin = hash["origin"]
	reply.Error = strings.TrimSpace(hash["error_message"])
	reply.Message = strings.TrimSpace(hash["message"])
	if reply.Message == "" {
		reply.Message = "status available"
	}
	return reply, nil
}

// deriveState reconstructs a state from the priority row once the status hash has expired.
func deriveState(row priority.RegionPriority, now time.Time) string {
	if row.LastFailureMs == nil || row.NextDueMs == nil || *row.NextDueMs <= now.UnixMilli() {
		return StateIdle
	}
	if row.LastHitMs == nil || *row.LastFailureMs > *row.LastHitMs {
		return StateQuarantined
	}
	return StateIdle
}

// sleepWithContext waits for delay or until ctx is cancelled.
func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
