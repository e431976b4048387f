package transfer

import (
	"context"

	"github.com/italolelis/download_tracker/internal/telemetry"
)

// InstrumentedTransport wraps a Transport with telemetry.
type InstrumentedTransport struct {
	transport Transport
	telemetry *telemetry.Telemetry
	name      string
}

// NewInstrumentedTransport creates a new instrumented transport. name labels
// the metrics, e.g. "http".
func NewInstrumentedTransport(transport Transport, t *telemetry.Telemetry, name string) *InstrumentedTransport {
	return &InstrumentedTransport{
		transport: transport,
		telemetry: t,
		name:      name,
	}
}

func (it *InstrumentedTransport) Start(ctx context.Context, job Job, sink Sink) error {
	return it.telemetry.InstrumentTransportOperation(ctx, it.name, "start", func(ctx context.Context) error {
		return it.transport.Start(ctx, job, sink)
	})
}

func (it *InstrumentedTransport) Suspend(ctx context.Context, taskID string) error {
	return it.telemetry.InstrumentTransportOperation(ctx, it.name, "suspend", func(ctx context.Context) error {
		return it.transport.Suspend(ctx, taskID)
	})
}

func (it *InstrumentedTransport) Stop(ctx context.Context, taskID string) error {
	return it.telemetry.InstrumentTransportOperation(ctx, it.name, "stop", func(ctx context.Context) error {
		return it.transport.Stop(ctx, taskID)
	})
}
