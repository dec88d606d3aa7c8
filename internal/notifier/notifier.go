// Package notifier sends outbound messages to parents. Drivers implement
// the messaging channel (Twilio WhatsApp/SMS, Telegram, or log-only for
// development); Service wraps a driver with rate limiting and message-log
// recording.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"studysync/pkg/logx"
)

// Driver performs the actual provider call. One call per dispatch attempt,
// no retries here.
type Driver interface {
	Name() string
	Send(ctx context.Context, recipient, body string) error
}

type Config struct {
	Driver     string
	RatePerSec int
	Twilio     TwilioConfig
	Telegram   TelegramConfig
}

// Record is one outbound message as written to the message log.
type Record struct {
	Recipient string
	Body      string
	Status    string // "sent" | "failed"
	Error     string
	SentAt    time.Time
}

// Recorder persists outbound messages. Implemented by the registry; a nil
// recorder disables logging.
type Recorder interface {
	RecordMessage(ctx context.Context, r Record) error
}

// Service is the engine-facing notifier: token-bucket rate limit in front
// of the driver, every attempt recorded.
type Service struct {
	driver   Driver
	limiter  *rate.Limiter
	recorder Recorder
	log      logx.Logger
}

func NewService(cfg Config, driver Driver, recorder Recorder, log logx.Logger) *Service {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		driver: driver,
		// Burst = rate per sec, so a batch of simultaneous fires doesn't
		// block too hard.
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		recorder: recorder,
		log:      log,
	}
}

// SetRecorder installs the message log after construction. The registry
// is built on top of the engine, which already holds this service, so
// the recorder arrives late. Call before any sends happen.
func (s *Service) SetRecorder(r Recorder) { s.recorder = r }

// SetRate adjusts the outbound rate at runtime (config reload).
func (s *Service) SetRate(perSec int) {
	if perSec <= 0 {
		perSec = 3
	}
	s.limiter.SetLimit(rate.Limit(perSec))
	s.limiter.SetBurst(perSec)
}

func (s *Service) Send(ctx context.Context, recipient, body string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	err := s.driver.Send(ctx, recipient, body)
	s.record(recipient, body, err)
	if err != nil {
		return fmt.Errorf("%s send: %w", s.driver.Name(), err)
	}
	s.log.Debug("message sent", logx.String("driver", s.driver.Name()), logx.String("recipient", recipient))
	return nil
}

func (s *Service) record(recipient, body string, sendErr error) {
	if s.recorder == nil {
		return
	}
	rec := Record{Recipient: recipient, Body: body, Status: "sent", SentAt: time.Now()}
	if sendErr != nil {
		rec.Status = "failed"
		rec.Error = sendErr.Error()
	}
	// Recording is best-effort and must not delay or fail the send path.
	rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.recorder.RecordMessage(rctx, rec); err != nil {
		s.log.Warn("message log write failed", logx.Err(err))
	}
}

// NewDriver constructs the configured channel driver.
func NewDriver(cfg Config, log logx.Logger) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return &LogDriver{Log: log}, nil
	case "twilio":
		return NewTwilio(cfg.Twilio)
	case "telegram":
		return NewTelegram(cfg.Telegram)
	default:
		return nil, errors.New("unknown notifier driver: " + cfg.Driver)
	}
}

// LogDriver writes outbound messages to the log only. Default in
// development setups.
type LogDriver struct {
	Log logx.Logger
}

func (d *LogDriver) Name() string { return "log" }

func (d *LogDriver) Send(ctx context.Context, recipient, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.Log.Info("outbound message (log driver)",
		logx.String("recipient", recipient), logx.String("body", body))
	return nil
}
