package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
)

const (
	sendGridHost     = "https://api.sendgrid.com"
	sendGridEndpoint = "/v3/mail/send"
)

// SendGrid delivers mail through the SendGrid v3 API.
type SendGrid struct {
	apiKey string
	host   string
	from   *mail.Email
	log    *zap.Logger
}

type SendGridOption func(*SendGrid)

// WithHost points the client at another API host, e.g. a test server.
func WithHost(host string) SendGridOption {
	return func(s *SendGrid) { s.host = strings.TrimRight(host, "/") }
}

func NewSendGrid(apiKey, fromEmail, fromName string, log *zap.Logger, opts ...SendGridOption) *SendGrid {
	s := &SendGrid{
		apiKey: apiKey,
		host:   sendGridHost,
		from:   mail.NewEmail(fromName, fromEmail),
		log:    log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SendGrid) Send(ctx context.Context, msg Message) (SendResult, error) {
	m := mail.NewSingleEmail(s.from, msg.Subject, mail.NewEmail(msg.ToName, msg.To), msg.Text, msg.HTML)
	for k, v := range msg.Metadata {
		m.SetCustomArg(k, v)
	}

	req := sendgrid.GetRequest(s.apiKey, sendGridEndpoint, s.host)
	req.Method = "POST"
	req.Body = mail.GetRequestBody(m)

	resp, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return SendResult{}, ctx.Err()
		}
		// timeouts, resets and DNS failures are all worth another attempt
		return SendResult{}, appErrors.NewTransient(0, err.Error())
	}

	result := SendResult{StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
			result.MessageID = ids[0]
		} else {
			s.log.Warn("sendgrid accepted message without X-Message-Id", zap.String("to", msg.To))
		}
		return result, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return result, appErrors.NewTransient(resp.StatusCode, errorReason(resp.Body))
	default:
		return result, appErrors.NewPermanent(resp.StatusCode, errorReason(resp.Body))
	}
}

// errorReason pulls the first message out of a SendGrid error body.
func errorReason(body string) string {
	var payload struct {
		Errors []struct {
			Message string `json:"message"`
			Field   string `json:"field"`
		} `json:"errors"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil && len(payload.Errors) > 0 {
		e := payload.Errors[0]
		if e.Field != "" {
			return e.Field + ": " + e.Message
		}
		return e.Message
	}
	if len(body) > 200 {
		return body[:200]
	}
	return body
}

var _ Client = (*SendGrid)(nil)
