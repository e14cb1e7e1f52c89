// Copyright The Threadsnap Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exports the sampling engine's counters through the
// OpenTelemetry metric API. Counters are registered once at startup; Add
// is safe from any goroutine but must never be called while a target
// thread is suspended.
package metrics // import "github.com/threadsnap/stacksampler/metrics"

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/threadsnap/stacksampler/vc"
)

// Metric pairs a counter ID with an increment.
type Metric struct {
	ID    MetricID
	Value int64
}

var (
	meter = otel.Meter("github.com/threadsnap/stacksampler",
		metric.WithInstrumentationVersion(vc.Version()))

	// counters is populated once in init and read-only afterwards.
	counters = map[MetricID]metric.Int64Counter{}
)

func init() {
	for _, md := range GetDefinitions() {
		counter, err := meter.Int64Counter("threadsnap."+md.Name,
			metric.WithDescription(md.Description),
			metric.WithUnit(md.Unit))
		if err != nil {
			log.Errorf("Creating Int64Counter %s: %v", md.Name, err)
			continue
		}
		counters[md.ID] = counter
	}
}

// Add increments the counter behind id. Unknown IDs are dropped.
func Add(id MetricID, value int64) {
	if value == 0 {
		return
	}
	counter, ok := counters[id]
	if !ok {
		log.Errorf("Metric ID %d without registered counter", id)
		return
	}
	counter.Add(context.Background(), value)
}

// AddSlice increments a batch of counters.
func AddSlice(batch []Metric) {
	for _, m := range batch {
		Add(m.ID, m.Value)
	}
}
