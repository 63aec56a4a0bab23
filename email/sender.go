package email

import (
	"context"
	"fmt"
	"net/smtp"

	"go.uber.org/zap"
)

// Sender delivers a fully formatted message (headers and body) to recipients.
type Sender interface {
	Send(ctx context.Context, to []string, subject string, rawMessage []byte) error
}

// SMTPConfig holds the settings needed to reach a mail relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender sends through a relay with PLAIN auth.
type SMTPSender struct {
	cfg    SMTPConfig
	auth   smtp.Auth
	addr   string
	logger *zap.Logger
}

// NewSender returns an SMTP sender, or a LogSender when no host is configured.
func NewSender(cfg SMTPConfig, logger *zap.Logger) Sender {
	if cfg.Host == "" {
		logger.Info("SMTP host not configured, using logging email sender")
		return &LogSender{logger: logger}
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPSender{
		cfg:    cfg,
		auth:   auth,
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		logger: logger,
	}
}

func (s *SMTPSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := smtp.SendMail(s.addr, s.auth, s.cfg.From, to, rawMessage); err != nil {
		return fmt.Errorf("email: smtp send: %w", err)
	}
	s.logger.Debug("email sent", zap.Strings("to", to), zap.String("subject", subject))
	return nil
}

// LogSender writes messages to the log instead of sending them.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, to []string, subject string, rawMessage []byte) error {
	s.logger.Info("email (logged)",
		zap.Strings("to", to),
		zap.String("subject", subject),
		zap.ByteString("message", rawMessage),
	)
	return nil
}
