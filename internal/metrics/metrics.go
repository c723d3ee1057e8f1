package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dailydoom"

// Idea lookup results.
const (
	IdeaLookupHit      = "hit"
	IdeaLookupCacheHit = "cache_hit"
	IdeaLookupMiss     = "miss"
)

// Idea generation outcomes.
const (
	IdeaGenerationPersisted   = "persisted"
	IdeaGenerationConflict    = "conflict"
	IdeaGenerationUnpersisted = "unpersisted"
	IdeaGenerationPlaceholder = "placeholder"
)

// Quota decisions.
const (
	QuotaAdmitted = "admitted"
	QuotaRejected = "rejected"
	QuotaFailOpen = "fail_open"
)

// Recorder groups the collectors exported by the service. A nil *Recorder is a no-op.
type Recorder struct {
	ideaLookups     *prometheus.CounterVec
	ideaGenerations *prometheus.CounterVec
	quotaDecisions  *prometheus.CounterVec
	streamOutcomes  *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them with registerer.
func NewRecorder(registerer prometheus.Registerer) (*Recorder, error) {
	if registerer == nil {
		return nil, errors.New("metrics: registerer required")
	}
	recorder := &Recorder{
		ideaLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idea_lookups_total",
			Help:      "Daily idea lookups by result.",
		}, []string{"result"}),
		ideaGenerations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idea_generations_total",
			Help:      "Daily idea generations by outcome.",
		}, []string{"outcome"}),
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Rate limited action admissions by feature and decision.",
		}, []string{"feature", "decision"}),
		streamOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_outcomes_total",
			Help:      "Relayed advisor streams by outcome.",
		}, []string{"outcome"}),
	}
	collectors := []prometheus.Collector{
		recorder.ideaLookups,
		recorder.ideaGenerations,
		recorder.quotaDecisions,
		recorder.streamOutcomes,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return recorder, nil
}

func (r *Recorder) IdeaLookup(result string) {
	if r == nil {
		return
	}
	r.ideaLookups.WithLabelValues(result).Inc()
}

func (r *Recorder) IdeaGeneration(outcome string) {
	if r == nil {
		return
	}
	r.ideaGenerations.WithLabelValues(outcome).Inc()
}

func (r *Recorder) QuotaDecision(feature, decision string) {
	if r == nil {
		return
	}
	r.quotaDecisions.WithLabelValues(feature, decision).Inc()
}

func (r *Recorder) StreamOutcome(outcome string) {
	if r == nil {
		return
	}
	r.streamOutcomes.WithLabelValues(outcome).Inc()
}
