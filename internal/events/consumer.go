package events

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devcrew/devcrew/internal/common/errors"
	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/events/bus"
)

// ConsumerState tracks the consumer lifecycle.
type ConsumerState string

const (
	ConsumerStopped  ConsumerState = "stopped"
	ConsumerStarting ConsumerState = "starting"
	ConsumerRunning  ConsumerState = "running"
	ConsumerDraining ConsumerState = "draining"
)

// HandlerMap routes events to handlers by event type.
type HandlerMap map[string]bus.EventHandler

// ConsumerConfig configures the delivery contract of a Consumer.
type ConsumerConfig struct {
	Topics          []string
	GroupID         string
	MaxRedeliveries int           // attempts before the DLQ, default 5
	BaseBackoff     time.Duration // first retry delay, default 1s
	MaxBackoff      time.Duration // backoff cap, default 30s
	StopTimeout     time.Duration // drain bound, default 30s
	DedupeWindow    time.Duration // event_id memory, default 10m
}

func (c *ConsumerConfig) applyDefaults() {
	if c.MaxRedeliveries <= 0 {
		c.MaxRedeliveries = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 10 * time.Minute
	}
}

// Consumer subscribes a handler map to a set of topics with
// at-least-once delivery semantics: handlers are retried with
// exponential backoff, duplicates are dropped by event_id, and poison
// messages move to the dead-letter subject after MaxRedeliveries
// failures.
type Consumer struct {
	bus      bus.EventBus
	cfg      ConsumerConfig
	handlers HandlerMap
	logger   *logger.Logger

	mu    sync.Mutex
	state ConsumerState
	subs  []bus.Subscription

	inflight       sync.WaitGroup
	inflightCtx    context.Context
	inflightCancel context.CancelFunc

	seen   map[string]time.Time
	seenMu sync.Mutex
}

// NewConsumer creates a consumer for the given topics and handler map.
func NewConsumer(b bus.EventBus, cfg ConsumerConfig, handlers HandlerMap, log *logger.Logger) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		bus:      b,
		cfg:      cfg,
		handlers: handlers,
		logger:   log.WithFields(zap.String("component", "consumer"), zap.String("group", cfg.GroupID)),
		state:    ConsumerStopped,
		seen:     make(map[string]time.Time),
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start subscribes to all configured topics. It is an error to start a
// consumer that is not stopped.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != ConsumerStopped {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("consumer is %s, not stopped", state)
	}
	c.state = ConsumerStarting
	c.inflightCtx, c.inflightCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	for _, topic := range c.cfg.Topics {
		topic := topic
		sub, err := c.bus.QueueSubscribe(topic, c.cfg.GroupID, func(ctx context.Context, event *bus.Event) error {
			return c.dispatch(topic, event)
		})
		if err != nil {
			c.teardownLockedSubs()
			c.mu.Lock()
			c.state = ConsumerStopped
			c.mu.Unlock()
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.state = ConsumerRunning
	c.mu.Unlock()

	c.logger.Info("consumer started", zap.Strings("topics", c.cfg.Topics))
	return nil
}

// Stop drains in-flight handlers and unsubscribes. Handlers still
// running after the stop timeout are cancelled.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if c.state != ConsumerRunning {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("consumer is %s, not running", state)
	}
	c.state = ConsumerDraining
	c.mu.Unlock()

	c.teardownLockedSubs()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.cfg.StopTimeout):
		c.logger.Warn("drain timeout exceeded, cancelling in-flight handlers",
			zap.Duration("stop_timeout", c.cfg.StopTimeout))
		c.inflightCancel()
		<-done
	}

	c.mu.Lock()
	c.state = ConsumerStopped
	c.mu.Unlock()

	c.logger.Info("consumer stopped")
	return nil
}

func (c *Consumer) teardownLockedSubs() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
}

// dispatch is the bus-facing entry point for every delivered event.
func (c *Consumer) dispatch(topic string, event *bus.Event) error {
	c.mu.Lock()
	if c.state != ConsumerRunning {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("consumer %s rejecting message while %s", c.cfg.GroupID, state)
	}
	c.inflight.Add(1)
	ctx := c.inflightCtx
	c.mu.Unlock()
	defer c.inflight.Done()

	if c.isDuplicate(event.ID) {
		c.logger.Debug("dropping duplicate event",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type))
		return nil
	}

	handler, ok := c.handlers[event.Type]
	if !ok {
		c.logger.Debug("no handler registered for event type",
			zap.String("event_type", event.Type))
		return nil
	}

	if err := c.handleWithRetry(ctx, event, handler); err != nil {
		c.deadLetter(ctx, topic, event, err)
		return nil
	}

	c.markSeen(event.ID)
	return nil
}

// handleWithRetry invokes the handler with exponential backoff and
// jitter until it succeeds, the attempts are exhausted, or the
// consumer is cancelled.
func (c *Consumer) handleWithRetry(ctx context.Context, event *bus.Event, handler bus.EventHandler) error {
	var lastErr error
	backoff := c.cfg.BaseBackoff

	for attempt := 1; attempt <= c.cfg.MaxRedeliveries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("consumer cancelled: %w", err)
		}

		lastErr = handler(ctx, event)
		if lastErr == nil {
			return nil
		}

		c.logger.Warn("event handler failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		// Malformed payloads never become valid on redelivery; they go
		// straight to the DLQ.
		if errors.IsPoisonMessage(lastErr) || errors.IsValidation(lastErr) {
			break
		}

		if attempt == c.cfg.MaxRedeliveries {
			break
		}

		// Full jitter on the current backoff step
		delay := time.Duration(rand.Int63n(int64(backoff)) + int64(backoff)/2)
		select {
		case <-ctx.Done():
			return fmt.Errorf("consumer cancelled during backoff: %w", ctx.Err())
		case <-time.After(delay):
		}

		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	return lastErr
}

// deadLetter republishes a poison message to the topic's DLQ subject.
func (c *Consumer) deadLetter(ctx context.Context, topic string, event *bus.Event, cause error) {
	subject := BuildDLQSubject(topic)
	dlqEvent := bus.NewEvent(event.Type, c.cfg.GroupID, map[string]interface{}{
		"original_event_id": event.ID,
		"original_data":     event.Data,
		"failure":           cause.Error(),
		"redeliveries":      c.cfg.MaxRedeliveries,
	})

	if err := c.bus.Publish(ctx, subject, dlqEvent); err != nil {
		c.logger.Error("failed to publish to dead-letter subject",
			zap.String("subject", subject),
			zap.String("event_id", event.ID),
			zap.Error(err))
		return
	}

	// The poison event still counts as seen so redeliveries are dropped.
	c.markSeen(event.ID)

	c.logger.Error("poison message routed to DLQ",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.Error(cause))
}

func (c *Consumer) isDuplicate(eventID string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()

	cutoff := time.Now().Add(-c.cfg.DedupeWindow)
	for id, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, id)
		}
	}

	_, dup := c.seen[eventID]
	return dup
}

func (c *Consumer) markSeen(eventID string) {
	c.seenMu.Lock()
	c.seen[eventID] = time.Now()
	c.seenMu.Unlock()
}
