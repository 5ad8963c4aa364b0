package rpc

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/docstore"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage/file"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/types"
)

type capturedNote struct {
	method string
	params any
}

type noteRecorder struct {
	notes []capturedNote
}

func (r *noteRecorder) notify(_ context.Context, method string, params any) {
	r.notes = append(r.notes, capturedNote{method: method, params: params})
}

func (r *noteRecorder) changes() []string {
	var out []string
	for _, n := range r.notes {
		if cp, ok := n.params.(ChangedParams); ok {
			out = append(out, cp.Change)
		}
	}
	return out
}

func newTestHandler(t *testing.T) (*Handler, *noteRecorder) {
	t.Helper()
	store := file.New(t.TempDir(), "handler-test", nil)
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rec := &noteRecorder{}
	h := NewHandler(tenantA, store, docstore.NewDir(t.TempDir(), nil), rec.notify, nil)
	return h, rec
}

var nextReqID int

func call(t *testing.T, h *Handler, method string, params any) *Response {
	t.Helper()
	nextReqID++
	req := &Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.Itoa(nextReqID)),
		Method:  method,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = data
	}
	resp := h.Handle(context.Background(), req)
	if resp == nil {
		t.Fatalf("no response for %s", method)
	}
	return resp
}

func mustResult[T any](t *testing.T, resp *Response) T {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	var out T
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return out
}

func TestHandleRejectsBadEnvelope(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := h.Handle(context.Background(), &Request{JSONRPC: "1.0", ID: json.RawMessage(`1`), Method: "ping"})
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("got %+v, want invalid request", resp.Error)
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := h.Handle(context.Background(), &Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "graph.rotate"})
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("got %+v, want method not found", resp.Error)
	}

	// Unknown notifications are dropped silently.
	if got := h.Handle(context.Background(), &Request{JSONRPC: "2.0", Method: "graph.rotate"}); got != nil {
		t.Fatalf("notification got a response: %+v", got)
	}
}

func TestHandlePing(t *testing.T) {
	h, _ := newTestHandler(t)
	ack := mustResult[Ack](t, call(t, h, MethodPing, nil))
	if !ack.OK {
		t.Error("ping not ok")
	}
}

func TestUpsertSearchRoundTrip(t *testing.T) {
	h, rec := newTestHandler(t)

	ent := mustResult[types.Entity](t, call(t, h, MethodUpsertEntity, UpsertEntityParams{
		Name:       "Auth Service",
		EntityType: "service",
		Attrs:      map[string]any{"lang": "go"},
	}))
	if ent.ID == "" || ent.Name != "Auth Service" {
		t.Fatalf("entity = %+v", ent)
	}

	res := mustResult[types.SearchResult](t, call(t, h, MethodSearch, SearchParams{Query: "auth service"}))
	if len(res.Entities) == 0 || res.Entities[0].ID != ent.ID {
		t.Fatalf("search did not find the entity: %+v", res.Entities)
	}

	if got := rec.changes(); len(got) != 1 || got[0] != "entity_upsert" {
		t.Errorf("changes = %v", got)
	}
}

func TestObservationLifecycle(t *testing.T) {
	h, rec := newTestHandler(t)

	call(t, h, MethodUpsertEntity, UpsertEntityParams{Name: "Billing", EntityType: "service"})
	obs := mustResult[types.Observation](t, call(t, h, MethodAddObservation, AddObservationParams{
		Entity: "Billing",
		Text:   "retries use exponential backoff",
		Source: &types.Source{Kind: types.SourceTool, Ref: "importer"},
	}))
	if obs.ID == "" || obs.EntityID == "" {
		t.Fatalf("observation = %+v", obs)
	}

	list := mustResult[[]types.Observation](t, call(t, h, MethodObservations, ObservationsParams{Entity: "Billing"}))
	if len(list) != 1 || list[0].ID != obs.ID {
		t.Fatalf("observations = %+v", list)
	}

	mustResult[Ack](t, call(t, h, MethodDeleteObservation, DeleteObservationParams{ID: obs.ID}))
	list = mustResult[[]types.Observation](t, call(t, h, MethodObservations, ObservationsParams{Entity: "Billing"}))
	if len(list) != 0 {
		t.Fatalf("observation survived delete: %+v", list)
	}

	want := []string{"entity_upsert", "observation_add", "observation_delete"}
	got := rec.changes()
	if len(got) != len(want) {
		t.Fatalf("changes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("change[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLinkExpandUnlink(t *testing.T) {
	h, _ := newTestHandler(t)

	call(t, h, MethodUpsertEntity, UpsertEntityParams{Name: "API", EntityType: "service"})
	call(t, h, MethodUpsertEntity, UpsertEntityParams{Name: "Postgres", EntityType: "database"})

	rel := mustResult[types.Relation](t, call(t, h, MethodLink, LinkParams{
		From: "API", RelationType: "depends_on", To: "Postgres",
	}))
	if rel.RelationType != "depends_on" {
		t.Fatalf("relation = %+v", rel)
	}

	hood := mustResult[types.Neighborhood](t, call(t, h, MethodExpand, ExpandParams{Seeds: []string{"API"}, Depth: 1}))
	if len(hood.Entities) != 2 || len(hood.Relations) != 1 {
		t.Fatalf("neighborhood = %d entities, %d relations", len(hood.Entities), len(hood.Relations))
	}

	mustResult[Ack](t, call(t, h, MethodUnlink, LinkParams{From: "API", RelationType: "depends_on", To: "Postgres"}))
	snap := mustResult[types.Snapshot](t, call(t, h, MethodSnapshot, nil))
	if len(snap.Relations) != 0 {
		t.Fatalf("relation survived unlink: %+v", snap.Relations)
	}
}

func TestInvalidParamsRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := h.Handle(context.Background(), &Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  MethodUpsertEntity,
		Params:  json.RawMessage(`{"name":123}`),
	})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("got %+v, want invalid params", resp.Error)
	}
}

func TestDomainErrorsKeepTheirCode(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := call(t, h, MethodAddObservation, AddObservationParams{Entity: "ghost", Text: "boo"})
	if resp.Error == nil || resp.Error.Code != CodeNotFound {
		t.Fatalf("got %+v, want not found", resp.Error)
	}

	resp = call(t, h, MethodUpsertEntity, UpsertEntityParams{Name: "   ", EntityType: "service"})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("got %+v, want invalid params", resp.Error)
	}
}

func TestMutationNotificationGetsNoResponse(t *testing.T) {
	h, _ := newTestHandler(t)

	params, _ := json.Marshal(UpsertEntityParams{Name: "Quiet", EntityType: "service"})
	resp := h.Handle(context.Background(), &Request{JSONRPC: "2.0", Method: MethodUpsertEntity, Params: params})
	if resp != nil {
		t.Fatalf("notification got a response: %+v", resp)
	}

	// The mutation still applied.
	res := mustResult[types.SearchResult](t, call(t, h, MethodSearch, SearchParams{Query: "Quiet"}))
	if len(res.Entities) != 1 {
		t.Fatalf("entity missing after notification upsert: %+v", res.Entities)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	h, rec := newTestHandler(t)

	mustResult[Ack](t, call(t, h, MethodDocWrite, DocWriteParams{Path: "notes/decisions.md", Content: "# Decisions\n"}))

	read := mustResult[DocReadResult](t, call(t, h, MethodDocRead, DocReadParams{Path: "notes/decisions.md"}))
	if read.Content != "# Decisions\n" {
		t.Fatalf("content = %q", read.Content)
	}

	list := mustResult[DocListResult](t, call(t, h, MethodDocList, DocListParams{Prefix: "notes"}))
	if len(list.Paths) != 1 || list.Paths[0] != "notes/decisions.md" {
		t.Fatalf("paths = %v", list.Paths)
	}

	mustResult[Ack](t, call(t, h, MethodDocDelete, DocReadParams{Path: "notes/decisions.md"}))
	resp := call(t, h, MethodDocRead, DocReadParams{Path: "notes/decisions.md"})
	if resp.Error == nil || resp.Error.Code != CodeNotFound {
		t.Fatalf("got %+v, want not found after delete", resp.Error)
	}

	want := []string{"document_write", "document_delete"}
	got := rec.changes()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("changes = %v, want %v", got, want)
	}
}

func TestContextPackThroughHandler(t *testing.T) {
	h, _ := newTestHandler(t)

	call(t, h, MethodUpsertEntity, UpsertEntityParams{Name: "Scheduler", EntityType: "service"})
	call(t, h, MethodAddObservation, AddObservationParams{Entity: "Scheduler", Text: "runs compaction nightly"})
	call(t, h, MethodDocWrite, DocWriteParams{Path: "architecture.md", Content: "The scheduler owns background work.\n"})

	resp := call(t, h, MethodContext, ContextParams{Query: "scheduler", MaxChars: 4000})
	if resp.Error != nil {
		t.Fatalf("context failed: %+v", resp.Error)
	}
	var pack map[string]json.RawMessage
	if err := json.Unmarshal(resp.Result, &pack); err != nil {
		t.Fatalf("decode pack: %v", err)
	}
	for _, key := range []string{"query", "digest", "graph", "budget"} {
		if _, ok := pack[key]; !ok {
			t.Errorf("pack missing %q", key)
		}
	}
}

func TestCompactThroughHandler(t *testing.T) {
	h, rec := newTestHandler(t)

	call(t, h, MethodUpsertEntity, UpsertEntityParams{Name: "Churn", EntityType: "service"})
	call(t, h, MethodUpsertEntity, UpsertEntityParams{Name: "Churn", EntityType: "service", Attrs: map[string]any{"v": 2}})

	res := mustResult[types.CompactResult](t, call(t, h, MethodCompact, nil))
	if res.EventCount <= 0 {
		t.Fatalf("compact result = %+v", res)
	}

	got := rec.changes()
	if len(got) == 0 || got[len(got)-1] != "log_compacted" {
		t.Errorf("changes = %v, want trailing log_compacted", got)
	}
}
