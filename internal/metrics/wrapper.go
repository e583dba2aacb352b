package metrics

// The methods below let *Metrics satisfy the MetricsInterface of the tags,
// ml, audit and control packages.

func (m *Metrics) TagReadsInc()              { m.TagReads.Inc() }
func (m *Metrics) TagWritesInc()             { m.TagWrites.Inc() }
func (m *Metrics) TagErrorsInc(class string) { m.TagErrors.WithLabelValues(class).Inc() }
func (m *Metrics) ReconnectsInc()            { m.Reconnects.Inc() }

func (m *Metrics) MLPredictionsInc()                   { m.MLPredictions.Inc() }
func (m *Metrics) MLFailuresInc()                      { m.MLFailures.Inc() }
func (m *Metrics) MLLatencyObserve(v float64)          { m.MLLatency.Observe(v) }
func (m *Metrics) MLModelAgeSet(v float64)             { m.MLModelAge.Set(v) }
func (m *Metrics) MLPredictionScoresObserve(v float64) { m.MLPredictionScores.Observe(v) }

func (m *Metrics) AuditWritesInc(kind string)    { m.AuditWrites.WithLabelValues(kind).Inc() }
func (m *Metrics) AuditFailuresInc()             { m.AuditFailures.Inc() }
func (m *Metrics) AuditDroppedInc(reason string) { m.AuditDropped.WithLabelValues(reason).Inc() }
func (m *Metrics) AuditRetryDepthSet(v float64)  { m.AuditRetryDepth.Set(v) }

func (m *Metrics) CyclesInc(outcome string)         { m.Cycles.WithLabelValues(outcome).Inc() }
func (m *Metrics) CycleFailuresInc(class string)    { m.CycleFailures.WithLabelValues(class).Inc() }
func (m *Metrics) CycleDurationObserve(v float64)   { m.CycleDuration.Observe(v) }
func (m *Metrics) ConsecutiveFailuresSet(v float64) { m.ConsecutiveFailures.Set(v) }
func (m *Metrics) ActionsInc(tag, status string)    { m.Actions.WithLabelValues(tag, status).Inc() }

// LoopStateSet marks state as the only active loop state.
func (m *Metrics) LoopStateSet(state string) {
	m.LoopState.Reset()
	m.LoopState.WithLabelValues(state).Set(1)
}
