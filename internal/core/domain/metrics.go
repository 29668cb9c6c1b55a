package domain

// MetricSample is the metric payload for a single epoch.
type MetricSample struct {
	Epoch    int                `json:"epoch"`
	Loss     float64            `json:"loss"`
	Accuracy float64            `json:"accuracy"`
	Extra    map[string]float64 `json:"extra,omitempty"`
}

// Clone returns a deep copy so the Extra map is never shared.
func (m MetricSample) Clone() MetricSample {
	out := m
	if m.Extra != nil {
		out.Extra = make(map[string]float64, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// MetricSeries is ordered by strictly increasing Epoch.
type MetricSeries []MetricSample

// Epochs lists the epochs in series order.
func (s MetricSeries) Epochs() []int {
	out := make([]int, len(s))
	for i, m := range s {
		out[i] = m.Epoch
	}
	return out
}

// AveragePoint is one point of a trailing moving average.
type AveragePoint struct {
	Epoch    int     `json:"epoch"`
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// DerivedMetrics summarises a series.
type DerivedMetrics struct {
	Latest        *MetricSample  `json:"latest,omitempty"`
	BestLoss      *MetricSample  `json:"best_loss,omitempty"`
	BestAccuracy  *MetricSample  `json:"best_accuracy,omitempty"`
	Window        int            `json:"window"`
	MovingAverage []AveragePoint `json:"moving_average"`
}
