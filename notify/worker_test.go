package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	args := m.Called(ctx, to, subject, rawMessage)
	return args.Error(0)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*asynq.TaskInfo), args.Error(1)
}

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer("noreply@offerflow.test", "https://offers.example.com")
	require.NoError(t, err)
	return r
}

func TestHandleEmailDeliveryTask_Success(t *testing.T) {
	sender := new(mockSender)
	p := NewProcessor(newTestRenderer(t), sender, zap.NewNop())

	payload, _ := json.Marshal(EmailTaskPayload{
		To:       "buyer@example.com",
		Template: EventOfferCountered,
		Data: map[string]string{
			"address":      "1 High St",
			"buyerName":    "Bea",
			"amount":       "300000",
			"counterOffer": "310000",
		},
	})

	sender.On("Send",
		mock.Anything,
		[]string{"buyer@example.com"},
		"Counter offer on 1 High St",
		mock.MatchedBy(func(raw []byte) bool {
			return assert.Contains(t, string(raw), "counter offer of 310000")
		}),
	).Return(nil)

	err := p.HandleEmailDeliveryTask(context.Background(), asynq.NewTask(TypeEmailDelivery, payload))

	assert.NoError(t, err)
	sender.AssertExpectations(t)
}

func TestHandleEmailDeliveryTask_UnknownTemplateSkipsRetry(t *testing.T) {
	sender := new(mockSender)
	p := NewProcessor(newTestRenderer(t), sender, zap.NewNop())

	payload, _ := json.Marshal(EmailTaskPayload{To: "x@example.com", Template: "mystery"})
	err := p.HandleEmailDeliveryTask(context.Background(), asynq.NewTask(TypeEmailDelivery, payload))

	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleEmailDeliveryTask_BadPayloadSkipsRetry(t *testing.T) {
	p := NewProcessor(newTestRenderer(t), new(mockSender), zap.NewNop())

	err := p.HandleEmailDeliveryTask(context.Background(), asynq.NewTask(TypeEmailDelivery, []byte("{not json")))

	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleEmailDeliveryTask_SendFailureRetries(t *testing.T) {
	sender := new(mockSender)
	p := NewProcessor(newTestRenderer(t), sender, zap.NewNop())
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("timeout"))

	payload, _ := json.Marshal(EmailTaskPayload{To: "x@example.com", Template: EventOfferAccepted})
	err := p.HandleEmailDeliveryTask(context.Background(), asynq.NewTask(TypeEmailDelivery, payload))

	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestQueueTransport_EnqueuesPerRecipient(t *testing.T) {
	client := new(mockEnqueuer)
	client.On("EnqueueContext", mock.Anything, mock.MatchedBy(func(task *asynq.Task) bool {
		return task.Type() == TypeEmailDelivery
	})).Return(&asynq.TaskInfo{}, nil).Twice()

	transport := NewQueueTransport(client)
	err := transport.Deliver(context.Background(), Event{
		Type: EventOfferAccepted,
		To:   []string{"buyer@example.com", "seller@example.com"},
		Data: map[string]string{"address": "1 High St"},
	})

	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestQueueTransport_ReportsEnqueueFailure(t *testing.T) {
	client := new(mockEnqueuer)
	client.On("EnqueueContext", mock.Anything, mock.Anything).Return(nil, errors.New("redis gone"))

	err := NewQueueTransport(client).Deliver(context.Background(), Event{Type: EventOfferAccepted, To: []string{"a@example.com"}})

	assert.ErrorContains(t, err, "redis gone")
}

func TestDirectTransport_SendsRendered(t *testing.T) {
	sender := new(mockSender)
	sender.On("Send", mock.Anything, []string{"seller@example.com"}, "New offer on 1 High St", mock.Anything).Return(nil)

	transport := NewDirectTransport(newTestRenderer(t), sender)
	err := transport.Deliver(context.Background(), Event{
		Type: EventOfferSubmitted,
		To:   []string{"seller@example.com"},
		Data: map[string]string{"address": "1 High St", "amount": "300000"},
	})

	require.NoError(t, err)
	sender.AssertExpectations(t)
}
