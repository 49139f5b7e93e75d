package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
	"github.com/kirillkom/plant-care-assistant/internal/infrastructure/resilience"
	"github.com/kirillkom/plant-care-assistant/internal/observability/logging"
)

// Publisher broadcasts terminal diagnosis events on one subject.
type Publisher struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
	logger   *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url, subject string) (*Publisher, error) {
	return NewWithOptions(url, subject, Options{})
}

func NewWithOptions(url, subject string, options Options) (*Publisher, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	logger := logging.New("nats")
	conn, err := nats.Connect(
		url,
		nats.Name("plant-care-assistant"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
		logger:   logger,
	}, nil
}

func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *Publisher) PublishDiagnosis(ctx context.Context, event domain.DiagnosisEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal diagnosis event: %w", err)
	}

	call := func(_ context.Context) error {
		msg := &nats.Msg{Subject: p.subject, Data: payload, Header: nats.Header{}}
		msg.Header.Set("Content-Type", "application/json")
		msg.Header.Set("Plantcare-Session", event.SessionID)
		if err := p.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if p.executor != nil {
		err = p.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeDiagnoses delivers events to handler until ctx is done, then drains.
// Messages that are not valid events are logged and skipped.
func (p *Publisher) SubscribeDiagnoses(ctx context.Context, queueGroup string, handler func(context.Context, domain.DiagnosisEvent) error) error {
	sub, err := p.conn.QueueSubscribe(p.subject, queueGroup, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}

		var event domain.DiagnosisEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			p.logger.Warn("diagnosis_event_malformed", "error", err, "bytes", len(msg.Data))
			return
		}
		if err := handler(ctx, event); err != nil {
			p.logger.Error("diagnosis_event_handler_failed", "session_id", event.SessionID, "run_id", event.RunID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := p.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := p.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// NoopPublisher drops events; used when no NATS URL is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishDiagnosis(context.Context, domain.DiagnosisEvent) error {
	return nil
}
