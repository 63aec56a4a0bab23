package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"offerflow/email"
)

// TypeEmailDelivery is the asynq task type carrying one rendered-on-worker email.
const TypeEmailDelivery = "email:deliver"

const emailMaxRetry = 5

// EmailTaskPayload is the queued form of one recipient's notification.
type EmailTaskPayload struct {
	To        string            `json:"to"`
	Template  EventType         `json:"template"`
	ListingID string            `json:"listing_id,omitempty"`
	OfferID   string            `json:"offer_id,omitempty"`
	Data      map[string]string `json:"data"`
}

// Enqueuer is the subset of *asynq.Client the queue transport uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueTransport enqueues one delivery task per recipient.
type QueueTransport struct {
	client Enqueuer
}

func NewQueueTransport(client Enqueuer) *QueueTransport {
	return &QueueTransport{client: client}
}

func (q *QueueTransport) Deliver(ctx context.Context, event Event) error {
	var errs []error
	for _, to := range event.To {
		payload, err := json.Marshal(EmailTaskPayload{
			To:        to,
			Template:  event.Type,
			ListingID: event.ListingID,
			OfferID:   event.OfferID,
			Data:      event.Data,
		})
		if err != nil {
			return fmt.Errorf("notify: marshal task: %w", err)
		}
		task := asynq.NewTask(TypeEmailDelivery, payload, asynq.MaxRetry(emailMaxRetry))
		if _, err := q.client.EnqueueContext(ctx, task); err != nil {
			errs = append(errs, fmt.Errorf("notify: enqueue for %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

// DirectTransport renders and sends inline. Used when no queue is configured.
type DirectTransport struct {
	renderer *Renderer
	sender   email.Sender
}

func NewDirectTransport(renderer *Renderer, sender email.Sender) *DirectTransport {
	return &DirectTransport{renderer: renderer, sender: sender}
}

func (d *DirectTransport) Deliver(ctx context.Context, event Event) error {
	var errs []error
	for _, to := range event.To {
		subject, msg, err := d.renderer.Render(event.Type, to, event.Data)
		if err != nil {
			return err
		}
		if err := d.sender.Send(ctx, []string{to}, subject, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
