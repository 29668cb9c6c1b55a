package services

import (
	"sort"
	"sync/atomic"

	"github.com/manthysbr/tunelab/internal/core/domain"
)

type seriesSnapshot struct {
	series domain.MetricSeries
	frozen bool
}

// MetricsAggregator accumulates out-of-order, possibly duplicated metric
// samples into a series keyed by epoch. It has a single writer; readers get
// copies of the last published snapshot and never block the writer.
type MetricsAggregator struct {
	snap atomic.Pointer[seriesSnapshot]
}

func NewMetricsAggregator() *MetricsAggregator {
	a := &MetricsAggregator{}
	a.snap.Store(&seriesSnapshot{})
	return a
}

// Record upserts sample by epoch. A later sample for a seen epoch replaces it.
func (a *MetricsAggregator) Record(sample domain.MetricSample) error {
	cur := a.snap.Load()
	if cur.frozen {
		return domain.ErrSeriesFrozen
	}
	if sample.Epoch < 0 {
		return domain.ErrInvalidEpoch
	}

	sample = sample.Clone()
	idx := sort.Search(len(cur.series), func(i int) bool { return cur.series[i].Epoch >= sample.Epoch })

	var next domain.MetricSeries
	if idx < len(cur.series) && cur.series[idx].Epoch == sample.Epoch {
		next = make(domain.MetricSeries, len(cur.series))
		copy(next, cur.series)
		next[idx] = sample
	} else {
		next = make(domain.MetricSeries, 0, len(cur.series)+1)
		next = append(next, cur.series[:idx]...)
		next = append(next, sample)
		next = append(next, cur.series[idx:]...)
	}

	a.snap.Store(&seriesSnapshot{series: next})
	return nil
}

// RecordAll records samples in order and returns the first error.
func (a *MetricsAggregator) RecordAll(samples []domain.MetricSample) error {
	for _, s := range samples {
		if err := a.Record(s); err != nil {
			return err
		}
	}
	return nil
}

// Series returns a deep copy of the current series in ascending epoch order.
func (a *MetricsAggregator) Series() domain.MetricSeries {
	cur := a.snap.Load()
	out := make(domain.MetricSeries, len(cur.series))
	for i, m := range cur.series {
		out[i] = m.Clone()
	}
	return out
}

// LastEpoch returns the highest recorded epoch; ok is false on an empty series.
func (a *MetricsAggregator) LastEpoch() (epoch int, ok bool) {
	cur := a.snap.Load()
	if len(cur.series) == 0 {
		return 0, false
	}
	return cur.series[len(cur.series)-1].Epoch, true
}

func (a *MetricsAggregator) Len() int {
	return len(a.snap.Load().series)
}

// Freeze makes the series read-only. Idempotent.
func (a *MetricsAggregator) Freeze() {
	cur := a.snap.Load()
	if cur.frozen {
		return
	}
	a.snap.Store(&seriesSnapshot{series: cur.series, frozen: true})
}

func (a *MetricsAggregator) Frozen() bool {
	return a.snap.Load().frozen
}

// Derived computes latest, best and a trailing moving average over window epochs.
func (a *MetricsAggregator) Derived(window int) (domain.DerivedMetrics, error) {
	if window < 1 {
		return domain.DerivedMetrics{}, domain.ErrInvalidWindow
	}

	series := a.Series()
	out := domain.DerivedMetrics{
		Window:        window,
		MovingAverage: make([]domain.AveragePoint, 0, len(series)),
	}
	if len(series) == 0 {
		return out, nil
	}

	latest := series[len(series)-1]
	out.Latest = &latest

	bestLoss, bestAcc := series[0], series[0]
	var sumLoss, sumAcc float64
	for i, m := range series {
		if m.Loss < bestLoss.Loss {
			bestLoss = m
		}
		if m.Accuracy > bestAcc.Accuracy {
			bestAcc = m
		}

		sumLoss += m.Loss
		sumAcc += m.Accuracy
		if i >= window {
			sumLoss -= series[i-window].Loss
			sumAcc -= series[i-window].Accuracy
		}
		n := float64(min(i+1, window))
		out.MovingAverage = append(out.MovingAverage, domain.AveragePoint{
			Epoch:    m.Epoch,
			Loss:     sumLoss / n,
			Accuracy: sumAcc / n,
		})
	}
	out.BestLoss = &bestLoss
	out.BestAccuracy = &bestAcc

	return out, nil
}
