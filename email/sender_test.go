package email

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewSender_FallsBackToLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sender := NewSender(SMTPConfig{}, zap.New(core))

	_, ok := sender.(*LogSender)
	require.True(t, ok, "expected LogSender when host is empty")

	err := sender.Send(context.Background(), []string{"buyer@example.com"}, "Hello", []byte("Subject: Hello\r\n\r\nBody"))
	require.NoError(t, err)

	entries := logs.FilterMessage("email (logged)").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Hello", entries[0].ContextMap()["subject"])
}

func TestNewSender_SMTP(t *testing.T) {
	sender := NewSender(SMTPConfig{Host: "smtp.example.com", Port: 2525, From: "noreply@example.com"}, zap.NewNop())

	smtpSender, ok := sender.(*SMTPSender)
	require.True(t, ok)
	assert.Equal(t, "smtp.example.com:2525", smtpSender.addr)
	assert.Nil(t, smtpSender.auth, "no credentials means no auth")
}

func TestSMTPSender_CancelledContext(t *testing.T) {
	sender := NewSender(SMTPConfig{Host: "smtp.example.com", Port: 2525}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sender.Send(ctx, []string{"a@example.com"}, "s", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
