package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

const storageScopeName = "github.com/diaz3618/memory-bank-mcp-sub001/storage"

// InstrumentedStore wraps a GraphStore with OTel tracing and metrics.
// Every method gets a span and is counted in mb.storage.* metrics. Use
// WrapGraphStore to create one; it returns the original store unchanged
// when telemetry is disabled.
type InstrumentedStore struct {
	inner       storage.GraphStore
	tracer      trace.Tracer
	ops         metric.Int64Counter
	dur         metric.Float64Histogram
	errs        metric.Int64Counter
	entityGauge metric.Int64Gauge
}

var _ storage.GraphStore = (*InstrumentedStore)(nil)

// WrapGraphStore returns s decorated with OTel instrumentation. When
// telemetry is disabled, s is returned as-is with zero overhead.
func WrapGraphStore(s storage.GraphStore) storage.GraphStore {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("mb.storage.operations",
		metric.WithDescription("Total graph store operations executed"),
	)
	dur, _ := m.Float64Histogram("mb.storage.operation.duration",
		metric.WithDescription("Graph store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("mb.storage.errors",
		metric.WithDescription("Total graph store operation errors"),
	)
	entityGauge, _ := m.Int64Gauge("mb.graph.entity.count",
		metric.WithDescription("Entities in the most recent snapshot"),
	)
	return &InstrumentedStore{
		inner:       s,
		tracer:      Tracer(storageScopeName),
		ops:         ops,
		dur:         dur,
		errs:        errs,
		entityGauge: entityGauge,
	}
}

// op starts a span and counts the named store operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, recording duration and the error if any.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (s *InstrumentedStore) Initialize(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Initialize")
	err := s.inner.Initialize(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) UpsertEntity(ctx context.Context, name, entityType string, attrs map[string]any) (*types.Entity, error) {
	kv := []attribute.KeyValue{attribute.String("mb.entity.type", entityType)}
	ctx, span, t := s.op(ctx, "UpsertEntity", kv...)
	ent, err := s.inner.UpsertEntity(ctx, name, entityType, attrs)
	s.done(ctx, span, t, err, kv...)
	return ent, err
}

func (s *InstrumentedStore) AddObservation(ctx context.Context, ref storage.EntityRef, text string, source *types.Source, at time.Time) (*types.Observation, error) {
	var kv []attribute.KeyValue
	if source != nil {
		kv = append(kv, attribute.String("mb.observation.source", string(source.Kind)))
	}
	ctx, span, t := s.op(ctx, "AddObservation", kv...)
	obs, err := s.inner.AddObservation(ctx, ref, text, source, at)
	s.done(ctx, span, t, err, kv...)
	return obs, err
}

func (s *InstrumentedStore) LinkEntities(ctx context.Context, from storage.EntityRef, relationType string, to storage.EntityRef) (*types.Relation, error) {
	kv := []attribute.KeyValue{attribute.String("mb.relation.type", relationType)}
	ctx, span, t := s.op(ctx, "LinkEntities", kv...)
	rel, err := s.inner.LinkEntities(ctx, from, relationType, to)
	s.done(ctx, span, t, err, kv...)
	return rel, err
}

func (s *InstrumentedStore) UnlinkEntities(ctx context.Context, from storage.EntityRef, relationType string, to storage.EntityRef) error {
	kv := []attribute.KeyValue{attribute.String("mb.relation.type", relationType)}
	ctx, span, t := s.op(ctx, "UnlinkEntities", kv...)
	err := s.inner.UnlinkEntities(ctx, from, relationType, to)
	s.done(ctx, span, t, err, kv...)
	return err
}

func (s *InstrumentedStore) DeleteEntity(ctx context.Context, ref storage.EntityRef) error {
	ctx, span, t := s.op(ctx, "DeleteEntity")
	err := s.inner.DeleteEntity(ctx, ref)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) DeleteObservation(ctx context.Context, id string) error {
	ctx, span, t := s.op(ctx, "DeleteObservation")
	err := s.inner.DeleteObservation(ctx, id)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) Search(ctx context.Context, query string, opts storage.SearchOptions) (*types.SearchResult, error) {
	kv := []attribute.KeyValue{attribute.Int("mb.search.limit", opts.Limit)}
	ctx, span, t := s.op(ctx, "Search", kv...)
	res, err := s.inner.Search(ctx, query, opts)
	if err == nil {
		span.SetAttributes(attribute.Int("mb.search.entities", len(res.Entities)))
	}
	s.done(ctx, span, t, err, kv...)
	return res, err
}

func (s *InstrumentedStore) Expand(ctx context.Context, seeds []string, depth int) (*types.Neighborhood, error) {
	kv := []attribute.KeyValue{
		attribute.Int("mb.expand.seeds", len(seeds)),
		attribute.Int("mb.expand.depth", depth),
	}
	ctx, span, t := s.op(ctx, "Expand", kv...)
	hood, err := s.inner.Expand(ctx, seeds, depth)
	s.done(ctx, span, t, err, kv...)
	return hood, err
}

func (s *InstrumentedStore) EntityObservations(ctx context.Context, ref storage.EntityRef, limit int) ([]types.Observation, error) {
	ctx, span, t := s.op(ctx, "EntityObservations")
	obs, err := s.inner.EntityObservations(ctx, ref, limit)
	s.done(ctx, span, t, err)
	return obs, err
}

func (s *InstrumentedStore) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	ctx, span, t := s.op(ctx, "Snapshot")
	snap, err := s.inner.Snapshot(ctx)
	if err == nil {
		s.entityGauge.Record(ctx, int64(len(snap.Entities)))
	}
	s.done(ctx, span, t, err)
	return snap, err
}

func (s *InstrumentedStore) Rebuild(ctx context.Context) (*types.Snapshot, error) {
	ctx, span, t := s.op(ctx, "Rebuild")
	snap, err := s.inner.Rebuild(ctx)
	if err == nil {
		s.entityGauge.Record(ctx, int64(len(snap.Entities)))
	}
	s.done(ctx, span, t, err)
	return snap, err
}

func (s *InstrumentedStore) Compact(ctx context.Context) (*types.CompactResult, error) {
	ctx, span, t := s.op(ctx, "Compact")
	res, err := s.inner.Compact(ctx)
	if err == nil {
		span.SetAttributes(
			attribute.Int64("mb.compact.before_bytes", res.BeforeBytes),
			attribute.Int64("mb.compact.after_bytes", res.AfterBytes),
		)
	}
	s.done(ctx, span, t, err)
	return res, err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
