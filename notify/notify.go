// Package notify delivers transactional emails for listing and offer events.
// Delivery is best effort: callers learn whether the event was handed off but
// never receive an error.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type EventType string

const (
	EventListingCreated  EventType = "listing_created"
	EventBuyerCodeIssued EventType = "buyer_code_issued"
	EventOfferSubmitted  EventType = "offer_submitted"
	EventOfferCountered  EventType = "offer_countered"
	EventOfferAccepted   EventType = "offer_accepted"
	EventOfferRejected   EventType = "offer_rejected"
	EventOfferWithdrawn  EventType = "offer_withdrawn"
)

// Event is one notification addressed to one or more recipients.
type Event struct {
	Type      EventType
	ListingID string
	OfferID   string
	To        []string
	Data      map[string]string
}

// Notifier is the collaborator state-changing services call after commit.
type Notifier interface {
	Notify(ctx context.Context, event Event) bool
}

// Transport moves an event towards delivery.
type Transport interface {
	Deliver(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) bool { return false }

const deliverTimeout = 10 * time.Second

// Dispatcher guards a Transport with a circuit breaker and swallows its failures.
type Dispatcher struct {
	transport Transport
	breaker   *gobreaker.CircuitBreaker
	logger    *zap.Logger
}

func NewDispatcher(transport Transport, logger *zap.Logger) *Dispatcher {
	settings := gobreaker.Settings{
		Name:        "notify",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("notification breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Dispatcher{
		transport: transport,
		breaker:   gobreaker.NewCircuitBreaker(settings),
		logger:    logger,
	}
}

// Notify hands the event to the transport and reports whether it was accepted.
// The request context's cancellation is not inherited.
func (d *Dispatcher) Notify(ctx context.Context, event Event) (accepted bool) {
	fields := []zap.Field{
		zap.String("event", string(event.Type)),
		zap.String("listing_id", event.ListingID),
		zap.String("offer_id", event.OfferID),
	}
	if len(event.To) == 0 {
		d.logger.Debug("notification skipped: no recipients", fields...)
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification panicked", append(fields, zap.Any("panic", r))...)
			accepted = false
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
	defer cancel()

	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.transport.Deliver(ctx, event)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("notify: transport unavailable: %w", err)
		}
		d.logger.Warn("notification failed", append(fields, zap.Error(err))...)
		return false
	}
	return true
}
