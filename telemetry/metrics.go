// Package telemetry exposes session and turn metrics through OpenTelemetry
// with a Prometheus reader.
package telemetry

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"voicetutor/core"
	"voicetutor/handlers/turn"
)

const meterName = "voicetutor"

// Metrics holds the instruments shared by all sessions.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	sessions metric.Int64UpDownCounter
	turns    metric.Int64Counter
	ended    metric.Int64Counter
	barge    metric.Int64Counter
	audioMs  metric.Float64Counter
	mistakes metric.Int64Counter
}

// Setup builds a meter provider exporting to its own Prometheus registry.
func Setup(ctx context.Context, serviceName, environment string, logger *core.Logger) (*Metrics, error) {
	if logger == nil {
		logger = core.GetLogger()
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("deployment.environment", environment),
		),
	)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter(meterName))
	if err != nil {
		return nil, err
	}
	m.provider = provider
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	logger.Info("telemetry initialized", "exporter", "prometheus")
	return m, nil
}

// Nop returns metrics backed by the global no-op meter.
func Nop() *Metrics {
	m, _ := newMetrics(otel.GetMeterProvider().Meter(meterName))
	m.handler = http.NotFoundHandler()
	return m
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	var errs []error
	m := &Metrics{}
	var err error
	m.sessions, err = meter.Int64UpDownCounter("tutor.sessions.active", metric.WithDescription("Open chat sessions"))
	errs = append(errs, err)
	m.turns, err = meter.Int64Counter("tutor.turns.started", metric.WithDescription("Turns started"))
	errs = append(errs, err)
	m.ended, err = meter.Int64Counter("tutor.turns.ended", metric.WithDescription("Turns ended, by outcome"))
	errs = append(errs, err)
	m.barge, err = meter.Int64Counter("tutor.interrupts", metric.WithDescription("Barge-ins that interrupted playback"))
	errs = append(errs, err)
	m.audioMs, err = meter.Float64Counter("tutor.audio.emitted", metric.WithDescription("Audio sent to clients"), metric.WithUnit("ms"))
	errs = append(errs, err)
	m.mistakes, err = meter.Int64Counter("tutor.mistakes.reported", metric.WithDescription("Grammar mistakes reported"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler { return m.handler }

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// SessionOpened counts a session of the given kind until the returned func
// is called.
func (m *Metrics) SessionOpened(kind string) func() {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.sessions.Add(context.Background(), 1, attrs)
	return func() { m.sessions.Add(context.Background(), -1, attrs) }
}

func (m *Metrics) AudioEmitted(chunk core.AudioChunk) {
	m.audioMs.Add(context.Background(), float64(chunk.Duration().Microseconds())/1000)
}

// Observer adapts the metrics to a turn controller of the given session kind.
func (m *Metrics) Observer(kind string) turn.Observer {
	return &observer{m: m, kind: kind, attrs: metric.WithAttributes(attribute.String("kind", kind))}
}

type observer struct {
	m     *Metrics
	kind  string
	attrs metric.MeasurementOption
}

func (o *observer) TurnStarted() {
	o.m.turns.Add(context.Background(), 1, o.attrs)
}

func (o *observer) TurnEnded(outcome turn.Outcome) {
	o.m.ended.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", o.kind),
		attribute.String("outcome", string(outcome)),
	))
}

func (o *observer) Interrupted() {
	o.m.barge.Add(context.Background(), 1, o.attrs)
}

func (o *observer) MistakesReported(n int) {
	o.m.mistakes.Add(context.Background(), int64(n), o.attrs)
}
