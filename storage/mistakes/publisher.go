package mistakes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"

	"voicetutor/core"
)

const DefaultSubject = "tutor.mistakes"

// Event is the payload published for every report.
type Event struct {
	UtteranceID string         `json:"utteranceId"`
	Mistakes    []core.Mistake `json:"mistakes"`
	ReportedAt  time.Time      `json:"reportedAt"`
}

// Publisher announces reported mistakes on a NATS subject.
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *core.Logger
}

func Connect(url, subject string, logger *core.Logger) (*Publisher, error) {
	if url == "" {
		return nil, errors.New("no NATS url configured")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	conn, err := nats.Connect(url,
		nats.Name("voicetutor"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("connected to NATS", "url", url, "subject", subject)
	return &Publisher{conn: conn, subject: subject, logger: logger}, nil
}

// Save implements Sink.
func (p *Publisher) Save(_ context.Context, utteranceID string, mistakes []core.Mistake) error {
	data, err := sonic.Marshal(Event{UtteranceID: utteranceID, Mistakes: mistakes, ReportedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal mistake event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish mistakes: %w", err)
	}
	return nil
}

func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.logger.Info("closing NATS connection")
	p.conn.Drain()
	p.conn.Close()
}

type fanout []Sink

// Fanout saves to every sink and joins their errors.
func Fanout(sinks ...Sink) Sink {
	var out fanout
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f fanout) Save(ctx context.Context, utteranceID string, mistakes []core.Mistake) error {
	var errs []error
	for _, s := range f {
		if err := s.Save(ctx, utteranceID, mistakes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
