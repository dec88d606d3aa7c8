package notifier

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type TwilioConfig struct {
	// FromSMS and FromWhatsApp are the provisioned sender numbers. Account
	// SID and auth token come from TWILIO_ACCOUNT_SID / TWILIO_AUTH_TOKEN.
	FromSMS      string
	FromWhatsApp string
}

// Twilio sends over WhatsApp when the recipient is an E.164 number and a
// WhatsApp sender is configured, otherwise over SMS.
type Twilio struct {
	cfg    TwilioConfig
	client *twilio.RestClient
}

func NewTwilio(cfg TwilioConfig) (*Twilio, error) {
	accountSid := os.Getenv("TWILIO_ACCOUNT_SID")
	authToken := os.Getenv("TWILIO_AUTH_TOKEN")
	if strings.TrimSpace(accountSid) == "" || strings.TrimSpace(authToken) == "" {
		return nil, errors.New("twilio: TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN must be set")
	}
	if strings.TrimSpace(cfg.FromSMS) == "" && strings.TrimSpace(cfg.FromWhatsApp) == "" {
		return nil, errors.New("twilio: a from_sms or from_whatsapp sender is required")
	}
	return &Twilio{
		cfg: cfg,
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSid,
			Password: authToken,
		}),
	}, nil
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) Send(ctx context.Context, recipient, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetBody(body)

	if strings.HasPrefix(recipient, "+") && strings.TrimSpace(t.cfg.FromWhatsApp) != "" {
		params.SetTo("whatsapp:" + recipient)
		params.SetFrom("whatsapp:" + t.cfg.FromWhatsApp)
	} else {
		params.SetTo(recipient)
		params.SetFrom(t.cfg.FromSMS)
	}

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		return err
	}
	if resp.Sid == nil {
		return errors.New("twilio: no message sid returned")
	}
	return nil
}
