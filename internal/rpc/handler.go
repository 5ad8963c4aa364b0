package rpc

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/retrieval"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/tenant"
)

// Handler serves one session's requests. It holds the tenant-scoped store
// handles and nothing shared, so sessions cannot observe each other's
// state. Mutations push MethodChanged notifications onto the session
// stream through notify.
type Handler struct {
	tenant tenant.Identity
	store  storage.GraphStore
	docs   storage.DocumentStore
	engine *retrieval.Engine
	notify NotifyFunc
	logger *slog.Logger

	methods map[string]func(ctx context.Context, params json.RawMessage) (any, error)
}

// NewHandler wires a handler for one session.
func NewHandler(id tenant.Identity, store storage.GraphStore, docs storage.DocumentStore, notify NotifyFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if notify == nil {
		notify = func(context.Context, string, any) {}
	}
	h := &Handler{
		tenant: id,
		store:  store,
		docs:   docs,
		engine: retrieval.NewEngine(store, docs, logger),
		notify: notify,
		logger: logger.With("component", "handler", "tenant", id.String()),
	}
	h.methods = map[string]func(ctx context.Context, params json.RawMessage) (any, error){
		MethodPing:              h.handlePing,
		MethodUpsertEntity:      h.handleUpsertEntity,
		MethodAddObservation:    h.handleAddObservation,
		MethodLink:              h.handleLink,
		MethodUnlink:            h.handleUnlink,
		MethodDeleteEntity:      h.handleDeleteEntity,
		MethodDeleteObservation: h.handleDeleteObservation,
		MethodSearch:            h.handleSearch,
		MethodExpand:            h.handleExpand,
		MethodObservations:      h.handleObservations,
		MethodSnapshot:          h.handleSnapshot,
		MethodRebuild:           h.handleRebuild,
		MethodCompact:           h.handleCompact,
		MethodContext:           h.handleContext,
		MethodDocRead:           h.handleDocRead,
		MethodDocWrite:          h.handleDocWrite,
		MethodDocList:           h.handleDocList,
		MethodDocDelete:         h.handleDocDelete,
	}
	return h
}

// Handle dispatches one request. The context must already carry the
// session's tenant identity; every storage call flows it onward. A nil
// return means the request was a notification.
func (h *Handler) Handle(ctx context.Context, req *Request) *Response {
	if err := req.Validate(); err != nil {
		return NewErrorResponse(req.ID, CodeInvalidRequest, err.Error())
	}

	fn, ok := h.methods[req.Method]
	if !ok {
		if req.Notification() {
			return nil
		}
		return NewErrorResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Method)
	}

	result, err := fn(ctx, req.Params)
	if req.Notification() {
		if err != nil {
			h.logger.Warn("notification failed", "method", req.Method, "error", err)
		}
		return nil
	}
	if err != nil {
		return ErrorResponseFor(req.ID, err)
	}
	return NewResponse(req.ID, result)
}

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var params T
	if len(raw) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, storage.WrapError(storage.KindInvalidInput, err, "invalid params")
	}
	return params, nil
}

func (h *Handler) handlePing(context.Context, json.RawMessage) (any, error) {
	return Ack{OK: true}, nil
}

func (h *Handler) handleUpsertEntity(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams[UpsertEntityParams](raw)
	if err != nil {
		return nil, err
	}
	ent, err := h.store.UpsertEntity(ctx, params.Name, params.EntityType, params.Attrs)
	if err != nil {
		return nil, err
	}
	h.notify(ctx, MethodChanged, ChangedParams{Change: "entity_upsert", Kind: "entity", ID: ent.ID})
	return ent, nil
}

func (h *Handler) handleAddObservation(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams[AddObservationParams](raw)
	if err != nil {
		return nil, err
	}
	obs, err := h.store.AddObservation(ctx, storage.EntityRef(params.Entity), params.Text, params.Source, params.Timestamp)
	if err != nil {
		return nil, err
	}
	h.notify(ctx, MethodChanged, ChangedParams{Change: "observation_add", Kind: "observation", ID: obs.ID})
	return obs, nil
}

func (h *Handler) handleLink(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams[LinkParams](raw)
	if err != nil {
		return nil, err
	}
	rel, err := h.store.LinkEntities(ctx, storage.EntityRef(params.From), params.RelationType, storage.EntityRef(params.To))
	if err != nil {
		return nil, err
	}
	h.notify(ctx, MethodChanged, ChangedParams{Change: "relation_add", Kind: "relation", ID: rel.ID})
	return rel, nil
}

func (h *Handler) handleUnlink(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams[LinkParams](raw)
	if err != nil {
		return nil, err
	}
	if err := h.store.UnlinkEntities(ctx, storage.EntityRef(params.From), params.RelationType, storage.EntityRef(params.To)); err != nil {
		return nil, err
	}
	h.notify(ctx, MethodChanged, ChangedParams{Change: "relation_remove", Kind: "relation"})
	return Ack{OK: true}, nil
}

func (h *Handler) handleDeleteEntity(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams[EntityParams](raw)
	if err != nil {
		return nil, err
	}
	if err := h.store.DeleteEntity(ctx, storage.EntityRef(params.Entity)); err != nil {
		return nil, err
	}
	h.notify(ctx, MethodChanged, ChangedParams{Change: "entity_delete", Kind: "entity", ID: params.Entity})
	return Ack{OK: true}, nil
}

func (h *Handler) handleDeleteObservation(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams[DeleteObservationParams](raw)
	if err != nil {
		return nil, err
	}
	if err := h.store.DeleteObservation(ctx, params.ID); err != nil {
		return nil, err
	}
	h.notify(ctx, MethodChanged, ChangedParams{Change: "observation_delete", Kind: "observation", ID: params.ID})
	return Ack{OK: true}, nil
}

func (h *Handler) handleSearch(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams[SearchParams](raw)
	if err != nil {
		return nil, err
	}
	return h.store.Search(ctx, params.Query, storage.SearchOptions{Limit: params.Limit})
}

func (h *Handler) handleExpand(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams[ExpandParams](raw)
	if err != nil {
		return nil, err
	}
	return h.store.Expand(ctx, params.Seeds, params.Depth)
}

func (h *Handler) handleObservations(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams[ObservationsParams](raw)
	if err != nil {
		return nil, err
	}
	obs, err := h.store.EntityObservations(ctx, storage.EntityRef(params.Entity), params.Limit)
	if err != nil {
		return nil, err
	}
	return obs, nil
}

func (h *Handler) handleSnapshot(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.store.Snapshot(ctx)
}

func (h *Handler) handleRebuild(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.store.Rebuild(ctx)
}

func (h *Handler) handleCompact(ctx context.Context, _ json.RawMessage) (any, error) {
	res, err := h.store.Compact(ctx)
	if err != nil {
		return nil, err
	}
	h.notify(ctx, MethodChanged, ChangedParams{Change: "log_compacted", Kind: "store"})
	return res, nil
}

func (h *Handler) handleContext(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams[ContextParams](raw)
	if err != nil {
		return nil, err
	}
	return h.engine.TargetedContext(ctx, retrieval.Options{
		Query:           params.Query,
		MaxChars:        params.MaxChars,
		MaxFiles:        params.MaxFiles,
		GraphLimit:      params.GraphLimit,
		GraphDepth:      params.GraphDepth,
		PreferCoreFiles: params.PreferCoreFiles,
	})
}

func (h *Handler) handleDocRead(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams[DocReadParams](raw)
	if err != nil {
		return nil, err
	}
	content, err := h.docs.Read(ctx, params.Path)
	if err != nil {
		return nil, err
	}
	return DocReadResult{Path: params.Path, Content: content}, nil
}

func (h *Handler) handleDocWrite(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams[DocWriteParams](raw)
	if err != nil {
		return nil, err
	}
	if err := h.docs.Write(ctx, params.Path, params.Content); err != nil {
		return nil, err
	}
	h.notify(ctx, MethodChanged, ChangedParams{Change: "document_write", Kind: "document", ID: params.Path})
	return Ack{OK: true}, nil
}

func (h *Handler) handleDocList(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams[DocListParams](raw)
	if err != nil {
		return nil, err
	}
	paths, err := h.docs.List(ctx, params.Prefix)
	if err != nil {
		return nil, err
	}
	return DocListResult{Paths: paths}, nil
}

func (h *Handler) handleDocDelete(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := decodeParams[DocReadParams](raw)
	if err != nil {
		return nil, err
	}
	if err := h.docs.Delete(ctx, params.Path); err != nil {
		return nil, err
	}
	h.notify(ctx, MethodChanged, ChangedParams{Change: "document_delete", Kind: "document", ID: params.Path})
	return Ack{OK: true}, nil
}
