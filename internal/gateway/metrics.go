package gateway

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	inflight   metric.Int64UpDownCounter
	queueDepth metric.Int64UpDownCounter
	queueWait  metric.Float64Histogram
	inference  metric.Float64Histogram
	failures   metric.Int64Counter
}

func newInstruments(m metric.Meter) (instruments, error) {
	var (
		in   instruments
		err  error
		errs []error
	)
	in.inflight, err = m.Int64UpDownCounter("chatterbox.gateway.inflight",
		metric.WithDescription("Engine calls currently running"))
	errs = append(errs, err)
	in.queueDepth, err = m.Int64UpDownCounter("chatterbox.gateway.queue_depth",
		metric.WithDescription("Calls waiting for an engine slot"))
	errs = append(errs, err)
	in.queueWait, err = m.Float64Histogram("chatterbox.gateway.queue_wait",
		metric.WithDescription("Time spent waiting for an engine slot"), metric.WithUnit("s"))
	errs = append(errs, err)
	in.inference, err = m.Float64Histogram("chatterbox.gateway.inference_duration",
		metric.WithDescription("Time spent inside the engine"), metric.WithUnit("s"))
	errs = append(errs, err)
	in.failures, err = m.Int64Counter("chatterbox.gateway.failures",
		metric.WithDescription("Failed engine calls by reason"))
	errs = append(errs, err)
	return in, errors.Join(errs...)
}
