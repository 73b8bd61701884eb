// Package metrics wraps the OTel meter in the named counters and
// histograms §4.9 requires, so call sites never touch the raw OTel API.
package metrics

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds every instrument the gateway emits.
type Metrics struct {
	RequestsTotal      metric.Int64Counter // endpoint, status_class, engine
	UpstreamSelections metric.Int64Counter // model, upstream_url
	UpstreamLatency    metric.Float64Histogram // endpoint, engine
	TimeToFirstToken   metric.Float64Histogram
	LimiterAdmitted    metric.Int64Counter
	LimiterBlocked     metric.Int64Counter
	KeyAuthAllowed     metric.Int64Counter
	KeyAuthBlocked     metric.Int64Counter
	ContainerStateTransitions metric.Int64Counter // engine, from, to
	ProbeSuccess       metric.Int64Counter
	ProbeFailure       metric.Int64Counter
	UsageDropped       metric.Int64Counter
}

// New builds every instrument from the given meter. Any registration error
// is treated as a programmer error (instrument names are constant), so it
// panics rather than threading an error through every call site.
func New(m metric.Meter) *Metrics {
	must := func(c metric.Int64Counter, err error) metric.Int64Counter {
		if err != nil {
			panic(err)
		}
		return c
	}
	mustF := func(h metric.Float64Histogram, err error) metric.Float64Histogram {
		if err != nil {
			panic(err)
		}
		return h
	}

	return &Metrics{
		RequestsTotal:      must(m.Int64Counter("cortex_requests_total")),
		UpstreamSelections: must(m.Int64Counter("cortex_upstream_selections_total")),
		UpstreamLatency:    mustF(m.Float64Histogram("cortex_upstream_latency_ms")),
		TimeToFirstToken:   mustF(m.Float64Histogram("cortex_ttft_ms")),
		LimiterAdmitted:    must(m.Int64Counter("cortex_limiter_admitted_total")),
		LimiterBlocked:     must(m.Int64Counter("cortex_limiter_blocked_total")),
		KeyAuthAllowed:     must(m.Int64Counter("cortex_keyauth_allowed_total")),
		KeyAuthBlocked:     must(m.Int64Counter("cortex_keyauth_blocked_total")),
		ContainerStateTransitions: must(m.Int64Counter("cortex_container_state_transitions_total")),
		ProbeSuccess:       must(m.Int64Counter("cortex_health_probe_success_total")),
		ProbeFailure:       must(m.Int64Counter("cortex_health_probe_failure_total")),
		UsageDropped:       must(m.Int64Counter("cortex_usage_dropped_total")),
	}
}

// Noop returns a Metrics backed by the no-op meter, used in tests that
// don't care about telemetry output.
func Noop() *Metrics {
	return New(noop.NewMeterProvider().Meter("cortex-noop"))
}
