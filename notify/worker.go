package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"offerflow/email"
)

// Processor handles queued email tasks.
type Processor struct {
	renderer *Renderer
	sender   email.Sender
	logger   *zap.Logger
}

func NewProcessor(renderer *Renderer, sender email.Sender, logger *zap.Logger) *Processor {
	return &Processor{renderer: renderer, sender: sender, logger: logger}
}

// HandleEmailDeliveryTask renders and sends one queued email. Malformed payloads
// and unknown templates are not retried.
func (p *Processor) HandleEmailDeliveryTask(ctx context.Context, t *asynq.Task) error {
	var payload EmailTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("notify: unmarshal email task: %v: %w", err, asynq.SkipRetry)
	}
	if payload.To == "" {
		return fmt.Errorf("notify: email task without recipient: %w", asynq.SkipRetry)
	}

	subject, msg, err := p.renderer.Render(payload.Template, payload.To, payload.Data)
	if err != nil {
		if errors.Is(err, ErrUnknownTemplate) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	if err := p.sender.Send(ctx, []string{payload.To}, subject, msg); err != nil {
		p.logger.Warn("email delivery failed",
			zap.String("template", string(payload.Template)),
			zap.String("listing_id", payload.ListingID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// NewServer builds the asynq worker server and its handler mux.
func NewServer(opt asynq.RedisClientOpt, processor *Processor, logger *zap.Logger) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 5,
		Logger:      logger.Sugar(),
		Queues: map[string]int{
			"default": 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeEmailDelivery, processor.HandleEmailDeliveryTask)
	return srv, mux
}
