package stats

import (
	"go.ytsaurus.tech/library/go/core/metrics"
	"go.ytsaurus.tech/library/go/core/metrics/nop"
)

// ChangeStreamStats is the per-stream instrumentation bundle.
type ChangeStreamStats struct {
	registry metrics.Registry

	Events       metrics.Counter
	Batches      metrics.Counter
	EmptyBatches metrics.Counter
	Resumes      metrics.Counter
	Errors       metrics.Counter
	Fatal        metrics.Counter
	DecodeTime   metrics.Timer
	ResumeTime   metrics.Timer
}

func (s *ChangeStreamStats) WithTags(tags map[string]string) *ChangeStreamStats {
	return NewChangeStreamStats(s.registry.WithTags(tags))
}

func NewChangeStreamStats(registry metrics.Registry) *ChangeStreamStats {
	if registry == nil {
		registry = nop.Registry{}
	}
	return &ChangeStreamStats{
		registry:     registry,
		Events:       registry.Counter("changestream.events"),
		Batches:      registry.Counter("changestream.batches"),
		EmptyBatches: registry.Counter("changestream.batches_empty"),
		Resumes:      registry.Counter("changestream.resumes"),
		Errors:       registry.Counter("changestream.errors"),
		Fatal:        registry.Counter("changestream.fatal"),
		DecodeTime:   registry.Timer("changestream.decode_time"),
		ResumeTime:   registry.Timer("changestream.resume_time"),
	}
}
