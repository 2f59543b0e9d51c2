package authkit

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// Notifier delivers a verification link to an address.
type Notifier interface {
	Deliver(ctx context.Context, address string, verificationLink string) error
}

// LogNotifier writes verification links to the logger; used when no mail relay is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Deliver logs the link.
func (notifier *LogNotifier) Deliver(ctx context.Context, address string, verificationLink string) error {
	notifier.logger.Info("verification link issued",
		zap.String("code", "notify.log.delivered"),
		zap.String("address", address),
		zap.String("link", verificationLink))
	return nil
}

// SMTPConfig configures the SMTP relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	ReplyTo  string
}

// SMTPNotifier sends verification links through an SMTP relay with STARTTLS negotiated by net/smtp.
type SMTPNotifier struct {
	configuration SMTPConfig
	sendMail      func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPNotifier constructs an SMTPNotifier.
func NewSMTPNotifier(configuration SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{configuration: configuration, sendMail: smtp.SendMail}
}

// Deliver sends a plain-text message containing the link.
func (notifier *SMTPNotifier) Deliver(ctx context.Context, address string, verificationLink string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	configuration := notifier.configuration
	var builder strings.Builder
	fmt.Fprintf(&builder, "From: %s\r\n", configuration.From)
	fmt.Fprintf(&builder, "To: %s\r\n", address)
	builder.WriteString("Subject: Your Verification Link\r\n")
	if configuration.ReplyTo != "" {
		fmt.Fprintf(&builder, "Reply-To: %s\r\n", configuration.ReplyTo)
	}
	builder.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	builder.WriteString(verificationLink)
	builder.WriteString("\r\n")

	var auth smtp.Auth
	if configuration.Username != "" {
		auth = smtp.PlainAuth("", configuration.Username, configuration.Password, configuration.Host)
	}
	relay := fmt.Sprintf("%s:%d", configuration.Host, configuration.Port)
	if err := notifier.sendMail(relay, auth, configuration.From, []string{address}, []byte(builder.String())); err != nil {
		return fmt.Errorf("notify.smtp.send: %w", err)
	}
	return nil
}
