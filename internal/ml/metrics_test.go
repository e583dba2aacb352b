package ml

import "sync"

// recordingMetrics counts every engine metric call.
type recordingMetrics struct {
	mu          sync.Mutex
	predictions int
	failures    int
	latencies   int
	modelAge    float64
	ageSet      bool
	scores      []float64
}

func (m *recordingMetrics) MLPredictionsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions++
}

func (m *recordingMetrics) MLFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *recordingMetrics) MLLatencyObserve(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies++
}

func (m *recordingMetrics) MLModelAgeSet(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelAge = v
	m.ageSet = true
}

func (m *recordingMetrics) MLPredictionScoresObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = append(m.scores, v)
}
