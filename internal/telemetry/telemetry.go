// Package telemetry holds the OpenTelemetry instruments of the program.
// Without a configured MeterProvider the global no-op provider is used.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/i5heu/medshare/pkg/model"
)

const scopeName = "github.com/i5heu/medshare"

type Instruments struct {
	recordsStored         metric.Int64Counter
	definitionsRegistered metric.Int64Counter
	computationsQueued    metric.Int64Counter
	callbacksResolved     metric.Int64Counter
}

// New creates the instruments on meter, or on the global meter if meter is
// nil.
func New(meter metric.Meter) (*Instruments, error) {
	if meter == nil {
		meter = otel.Meter(scopeName)
	}

	var (
		in  Instruments
		err error
	)
	if in.recordsStored, err = meter.Int64Counter("medshare.records.stored",
		metric.WithDescription("Encrypted records created")); err != nil {
		return nil, err
	}
	if in.definitionsRegistered, err = meter.Int64Counter("medshare.definitions.registered",
		metric.WithDescription("Computation definitions registered")); err != nil {
		return nil, err
	}
	if in.computationsQueued, err = meter.Int64Counter("medshare.computations.queued",
		metric.WithDescription("Computations enqueued for the cluster")); err != nil {
		return nil, err
	}
	if in.callbacksResolved, err = meter.Int64Counter("medshare.callbacks.resolved",
		metric.WithDescription("Computations resolved by a callback, by terminal status")); err != nil {
		return nil, err
	}
	return &in, nil
}

// Discard returns instruments backed by the global meter. It is meant for
// tests and never fails.
func Discard() *Instruments {
	in, err := New(nil)
	if err != nil {
		return nil
	}
	return in
}

func (in *Instruments) RecordStored(ctx context.Context) {
	if in == nil {
		return
	}
	in.recordsStored.Add(ctx, 1)
}

func (in *Instruments) DefinitionRegistered(ctx context.Context, circuit string) {
	if in == nil {
		return
	}
	in.definitionsRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String("circuit", circuit)))
}

func (in *Instruments) ComputationQueued(ctx context.Context, circuit string) {
	if in == nil {
		return
	}
	in.computationsQueued.Add(ctx, 1, metric.WithAttributes(attribute.String("circuit", circuit)))
}

func (in *Instruments) CallbackResolved(ctx context.Context, status model.ComputationStatus) {
	if in == nil {
		return
	}
	in.callbacksResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
}
