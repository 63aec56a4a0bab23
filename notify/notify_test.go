package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type stubTransport struct {
	err    error
	panics bool
	calls  int
	ctxErr error
}

func (s *stubTransport) Deliver(ctx context.Context, _ Event) error {
	s.calls++
	s.ctxErr = ctx.Err()
	if s.panics {
		panic("smtp exploded")
	}
	return s.err
}

func TestDispatcher_Success(t *testing.T) {
	transport := &stubTransport{}
	d := NewDispatcher(transport, zap.NewNop())

	ok := d.Notify(context.Background(), Event{Type: EventOfferSubmitted, To: []string{"seller@example.com"}})

	assert.True(t, ok)
	assert.Equal(t, 1, transport.calls)
}

func TestDispatcher_FailureIsSwallowedAndLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	transport := &stubTransport{err: errors.New("relay down")}
	d := NewDispatcher(transport, zap.New(core))

	ok := d.Notify(context.Background(), Event{Type: EventOfferAccepted, ListingID: "l1", OfferID: "o1", To: []string{"buyer@example.com"}})

	assert.False(t, ok)
	entries := logs.FilterMessage("notification failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "offer_accepted", entries[0].ContextMap()["event"])
	assert.Equal(t, "o1", entries[0].ContextMap()["offer_id"])
}

func TestDispatcher_PanicIsContained(t *testing.T) {
	d := NewDispatcher(&stubTransport{panics: true}, zap.NewNop())

	assert.NotPanics(t, func() {
		ok := d.Notify(context.Background(), Event{Type: EventOfferRejected, To: []string{"buyer@example.com"}})
		assert.False(t, ok)
	})
}

func TestDispatcher_NoRecipients(t *testing.T) {
	transport := &stubTransport{}
	d := NewDispatcher(transport, zap.NewNop())

	assert.False(t, d.Notify(context.Background(), Event{Type: EventOfferRejected}))
	assert.Zero(t, transport.calls)
}

func TestDispatcher_IgnoresRequestCancellation(t *testing.T) {
	transport := &stubTransport{}
	d := NewDispatcher(transport, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, d.Notify(ctx, Event{Type: EventOfferCountered, To: []string{"buyer@example.com"}}))
	assert.NoError(t, transport.ctxErr)
}

func TestDispatcher_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	transport := &stubTransport{err: errors.New("relay down")}
	d := NewDispatcher(transport, zap.NewNop())
	event := Event{Type: EventOfferSubmitted, To: []string{"seller@example.com"}}

	for i := 0; i < 5; i++ {
		assert.False(t, d.Notify(context.Background(), event))
	}
	assert.Equal(t, 5, transport.calls)

	assert.False(t, d.Notify(context.Background(), event))
	assert.Equal(t, 5, transport.calls, "open breaker must not reach the transport")
}
