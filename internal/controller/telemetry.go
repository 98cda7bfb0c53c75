package controller

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-lector/internal/pipeline"
	"github.com/loqalabs/loqa-lector/internal/playback"
)

const instrumentationName = "github.com/loqalabs/loqa-lector/internal/controller"

type gauges struct {
	reg metric.Registration
}

func newGauges(p *pipeline.Pipeline, player *playback.Player) (*gauges, error) {
	meter := otel.Meter(instrumentationName)
	queue, err := meter.Int64ObservableGauge("lector.queue.depth",
		metric.WithDescription("Items waiting in any pipeline stage"))
	if err != nil {
		return nil, err
	}
	buffer, err := meter.Int64ObservableGauge("lector.playback.buffer",
		metric.WithDescription("Synthesized chunks waiting for playback"))
	if err != nil {
		return nil, err
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(queue, int64(p.QueueLength()))
		o.ObserveInt64(buffer, int64(player.BufferLength()))
		return nil
	}, queue, buffer)
	if err != nil {
		return nil, err
	}
	return &gauges{reg: reg}, nil
}

func (g *gauges) unregister() {
	if g == nil || g.reg == nil {
		return
	}
	_ = g.reg.Unregister()
}
