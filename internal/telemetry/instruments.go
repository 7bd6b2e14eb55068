// Package telemetry holds the OpenTelemetry instruments used by the auth core.
package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "cassette-repair-tracker/backend/auth"

// Login attempt outcomes recorded on auth.login.attempts.
const (
	OutcomeSuccess           = "success"
	OutcomeFailure           = "failure"
	OutcomeTwoFactorRequired = "2fa_required"
	OutcomeTwoFactorFailure  = "2fa_failure"
)

// Instruments bundles the tracer and counters recorded by the session issuer.
type Instruments struct {
	Tracer               trace.Tracer
	LoginAttempts        metric.Int64Counter
	RefreshTokensEvicted metric.Int64Counter
}

// NewInstruments creates the auth instruments from the given providers.
func NewInstruments(tp trace.TracerProvider, mp metric.MeterProvider) (*Instruments, error) {
	meter := mp.Meter(instrumentationName)
	attempts, err := meter.Int64Counter("auth.login.attempts",
		metric.WithDescription("Login attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("creating login attempts counter: %w", err)
	}
	evicted, err := meter.Int64Counter("auth.refresh_tokens.evicted",
		metric.WithDescription("Refresh tokens revoked by the retention limit"))
	if err != nil {
		return nil, fmt.Errorf("creating evicted counter: %w", err)
	}
	return &Instruments{
		Tracer:               tp.Tracer(instrumentationName),
		LoginAttempts:        attempts,
		RefreshTokensEvicted: evicted,
	}, nil
}

// Noop returns instruments that record nothing. Used in tests.
func Noop() *Instruments {
	i, _ := NewInstruments(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	return i
}

// OutcomeAttr returns the outcome attribute for auth.login.attempts.
func OutcomeAttr(outcome string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("outcome", outcome))
}
