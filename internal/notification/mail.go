package notification

import (
	"context"
	"crypto/tls"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/resend/resend-go/v2"
	"gopkg.in/gomail.v2"

	"telemetry-alert/internal/config"
	"telemetry-alert/internal/logging"
)

// Mail is one rendered email with a plain text and an HTML part.
type Mail struct {
	From    string
	To      []string
	Subject string
	Text    string
	HTML    string
}

type MailTransport interface {
	Send(ctx context.Context, m Mail) error
}

// NewMailTransport returns nil when the configured provider lacks the settings it needs.
func NewMailTransport(ctx context.Context, cfg config.EmailConfig) (MailTransport, error) {
	if cfg.From == "" {
		return nil, nil
	}
	switch cfg.Provider {
	case "", "smtp":
		if cfg.Host == "" {
			return nil, nil
		}
		return NewSMTPTransport(cfg), nil
	case "ses":
		t, err := NewSESTransport(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "resend":
		if cfg.APIKey == "" {
			return nil, nil
		}
		return NewResendTransport(cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}

// SMTP
type SMTPTransport struct {
	dialer *gomail.Dialer
}

func NewSMTPTransport(cfg config.EmailConfig) *SMTPTransport {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	// useTLS 表示隐式 TLS（465），否则由 gomail 在服务端支持时走 STARTTLS
	d.SSL = cfg.UseTLS
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.TLSSkipVerify}
	return &SMTPTransport{dialer: d}
}

func (s *SMTPTransport) Send(ctx context.Context, m Mail) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", m.To...)
	msg.SetHeader("Subject", m.Subject)
	msg.SetBody("text/plain", m.Text)
	if m.HTML != "" {
		msg.AddAlternative("text/html", m.HTML)
	}

	// gomail 不支持 context，放到 goroutine 中并受 ctx 约束
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES
type SESTransport struct {
	client sesAPI
}

func NewSESTransport(ctx context.Context, region string) (*SESTransport, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SESTransport{client: sesv2.NewFromConfig(cfg)}, nil
}

func (s *SESTransport) Send(ctx context.Context, m Mail) error {
	body := types.Body{Text: &types.Content{Data: &m.Text}}
	if m.HTML != "" {
		body.Html = &types.Content{Data: &m.HTML}
	}
	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: &m.From,
		Destination:      &types.Destination{ToAddresses: m.To},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: &m.Subject},
				Body:    &body,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	if out != nil && out.MessageId != nil {
		logging.Debugf("email sent via ses: message_id=%s to=%v", *out.MessageId, m.To)
	}
	return nil
}

type resendAPI interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Resend
type ResendTransport struct {
	emails resendAPI
}

func NewResendTransport(apiKey string) *ResendTransport {
	return &ResendTransport{emails: resend.NewClient(apiKey).Emails}
}

func (r *ResendTransport) Send(ctx context.Context, m Mail) error {
	res, err := r.emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    m.From,
		To:      m.To,
		Subject: m.Subject,
		Text:    m.Text,
		Html:    m.HTML,
	})
	if err != nil {
		return fmt.Errorf("resend send: %w", err)
	}
	logging.Debugf("email sent via resend: id=%s to=%v", res.Id, m.To)
	return nil
}
