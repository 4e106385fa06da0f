// Package knowledge manages the documents conversations are grounded on and
// exposes standalone similarity search over them.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashita-ai/kotae/internal/actionlog"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/search"
	"github.com/ashita-ai/kotae/internal/service/embedding"
	"github.com/ashita-ai/kotae/internal/storage"
)

// ErrInvalidInput is returned for requests that fail validation. Nothing is
// logged for them.
var ErrInvalidInput = errors.New("knowledge: invalid input")

// DocumentStore persists documents. Both the Postgres and SQLite stores
// implement it.
type DocumentStore interface {
	UpsertDocuments(ctx context.Context, docs []model.Document) error
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, limit, offset int) ([]model.Document, error)
}

// Config holds search defaults.
type Config struct {
	TopK          int
	MinSimilarity float64
}

// Service implements the knowledge operations. Every operation that reaches
// a collaborator appends one action log entry.
type Service struct {
	docs      DocumentStore
	embedder  embedding.Provider
	retriever search.Retriever
	indexer   search.Indexer
	actions   *actionlog.Logger
	logger    *slog.Logger
	cfg       Config
}

// New creates a Service. indexer is only set when documents must be pushed to
// the vector index directly; with the Postgres outbox it is nil.
func New(docs DocumentStore, embedder embedding.Provider, retriever search.Retriever, indexer search.Indexer,
	actions *actionlog.Logger, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		docs:      docs,
		embedder:  embedder,
		retriever: retriever,
		indexer:   indexer,
		actions:   actions,
		logger:    logger,
		cfg:       cfg,
	}
}

func validateDocuments(inputs []model.DocumentInput) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: at least one document is required", ErrInvalidInput)
	}
	if len(inputs) > model.MaxDocumentsBatch {
		return fmt.Errorf("%w: at most %d documents per request", ErrInvalidInput, model.MaxDocumentsBatch)
	}
	seen := make(map[string]struct{}, len(inputs))
	for i, in := range inputs {
		switch {
		case strings.TrimSpace(in.ID) == "":
			return fmt.Errorf("%w: documents[%d]: id is required", ErrInvalidInput, i)
		case len(in.ID) > model.MaxDocumentIDLen:
			return fmt.Errorf("%w: documents[%d]: id exceeds %d bytes", ErrInvalidInput, i, model.MaxDocumentIDLen)
		case strings.TrimSpace(in.Text) == "":
			return fmt.Errorf("%w: documents[%d]: text is required", ErrInvalidInput, i)
		case len(in.Text) > model.MaxDocumentLen:
			return fmt.Errorf("%w: documents[%d]: text exceeds %d bytes", ErrInvalidInput, i, model.MaxDocumentLen)
		}
		if _, dup := seen[in.ID]; dup {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidInput, in.ID)
		}
		seen[in.ID] = struct{}{}
	}
	return nil
}

// ValidMinSimilarity reports whether v is a usable similarity threshold.
// Similarities are in [0, 1], and a threshold of 1 could never match.
func ValidMinSimilarity(v float64) bool {
	return v >= 0 && v < 1
}

// Upsert embeds and stores documents, replacing any with the same id.
func (s *Service) Upsert(ctx context.Context, inputs []model.DocumentInput) ([]string, error) {
	if err := validateDocuments(inputs); err != nil {
		return nil, err
	}
	start := time.Now()
	ids := make([]string, len(inputs))
	texts := make([]string, len(inputs))
	for i, in := range inputs {
		ids[i], texts[i] = in.ID, in.Text
	}
	request := model.MustJSON(map[string]any{"ids": ids, "count": len(ids)})

	fail := func(err error) ([]string, error) {
		s.logFailure(ctx, model.ActionUpsert, model.ResourceDocument, nil, request, err, start)
		return nil, err
	}

	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", model.ErrEmbedding, err))
	}

	docs := make([]model.Document, len(inputs))
	points := make([]search.Point, len(inputs))
	for i, in := range inputs {
		v := vecs[i]
		docs[i] = model.Document{
			ID:        in.ID,
			Content:   in.Text,
			Embedding: &v,
			Size:      len(in.Text),
		}
		if in.ExtraInfo != nil {
			docs[i].ExtraInfo = model.MustJSON(in.ExtraInfo)
		}
		points[i] = search.Point{DocID: in.ID, Content: in.Text, Embedding: v.Slice()}
	}

	if err := s.docs.UpsertDocuments(ctx, docs); err != nil {
		return fail(fmt.Errorf("knowledge: store documents: %w", err))
	}
	if s.indexer != nil {
		if err := s.indexer.Upsert(ctx, points); err != nil {
			return fail(fmt.Errorf("knowledge: index documents: %w", err))
		}
	}

	s.actions.RecordAction(ctx, model.ActionLogRecord{
		ActionType:   model.ActionUpsert,
		ResourceType: model.ResourceDocument,
		RequestData:  request,
		ResponseData: model.MustJSON(map[string]any{"upserted": ids}),
		Status:       model.StatusSuccess,
		LatencyMS:    model.Ptr(time.Since(start).Milliseconds()),
	})
	s.logger.InfoContext(ctx, "knowledge: documents upserted", "count", len(ids))
	return ids, nil
}

// Delete removes one document. It returns storage.ErrNotFound when no
// document has that id.
func (s *Service) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	start := time.Now()
	request := model.MustJSON(map[string]string{"id": id})

	err := s.docs.DeleteDocument(ctx, id)
	if err == nil && s.indexer != nil {
		err = s.indexer.DeleteDocuments(ctx, []string{id})
	}
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			err = fmt.Errorf("knowledge: delete document: %w", err)
		}
		s.logFailure(ctx, model.ActionDelete, model.ResourceDocument, &id, request, err, start)
		return err
	}

	s.actions.RecordAction(ctx, model.ActionLogRecord{
		ActionType:   model.ActionDelete,
		ResourceType: model.ResourceDocument,
		ResourceID:   &id,
		RequestData:  request,
		ResponseData: model.MustJSON(map[string]string{"deleted": id}),
		Status:       model.StatusSuccess,
		LatencyMS:    model.Ptr(time.Since(start).Milliseconds()),
	})
	return nil
}

// List returns stored documents newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]model.Document, error) {
	start := time.Now()
	request := model.MustJSON(map[string]int{"limit": limit, "offset": offset})

	docs, err := s.docs.ListDocuments(ctx, limit, offset)
	if err != nil {
		err = fmt.Errorf("knowledge: list documents: %w", err)
		s.logFailure(ctx, model.ActionList, model.ResourceDocument, nil, request, err, start)
		return nil, err
	}
	if docs == nil {
		docs = []model.Document{}
	}

	s.actions.RecordAction(ctx, model.ActionLogRecord{
		ActionType:   model.ActionList,
		ResourceType: model.ResourceDocument,
		RequestData:  request,
		ResponseData: model.MustJSON(map[string]int{"count": len(docs)}),
		Status:       model.StatusSuccess,
		LatencyMS:    model.Ptr(time.Since(start).Milliseconds()),
	})
	return docs, nil
}

// Search embeds query and returns matching documents. Zero limit and nil
// minSimilarity fall back to the configured defaults.
func (s *Service) Search(ctx context.Context, req model.SearchRequest) ([]model.RetrievedDocument, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	if len(req.Query) > model.MaxQueryLen {
		return nil, fmt.Errorf("%w: query exceeds %d bytes", ErrInvalidInput, model.MaxQueryLen)
	}
	if req.Limit < 0 || req.Limit > model.MaxSearchLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidInput, model.MaxSearchLimit)
	}
	if req.MinSimilarity != nil && !ValidMinSimilarity(*req.MinSimilarity) {
		return nil, fmt.Errorf("%w: min_similarity must be in [0, 1)", ErrInvalidInput)
	}
	k := req.Limit
	if k <= 0 {
		k = s.cfg.TopK
	}
	minSim := s.cfg.MinSimilarity
	if req.MinSimilarity != nil {
		minSim = *req.MinSimilarity
	}

	start := time.Now()
	request := model.MustJSON(map[string]any{"query": req.Query, "limit": k, "min_similarity": minSim})

	vec, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		err = fmt.Errorf("%w: %w", model.ErrEmbedding, err)
		s.logFailure(ctx, model.ActionSearch, model.ResourceVectorStore, nil, request, err, start)
		return nil, err
	}
	docs, err := s.retriever.Search(ctx, vec.Slice(), k, minSim)
	if err != nil {
		err = fmt.Errorf("%w: %w", model.ErrRetrieval, err)
		s.logFailure(ctx, model.ActionSearch, model.ResourceVectorStore, nil, request, err, start)
		return nil, err
	}
	if docs == nil {
		docs = []model.RetrievedDocument{}
	}

	s.actions.RecordAction(ctx, model.ActionLogRecord{
		ActionType:   model.ActionSearch,
		ResourceType: model.ResourceVectorStore,
		RequestData:  request,
		ResponseData: model.MustJSON(map[string]any{"docs_count": len(docs), "results": docs}),
		Status:       model.StatusSuccess,
		LatencyMS:    model.Ptr(time.Since(start).Milliseconds()),
	})
	return docs, nil
}

func (s *Service) logFailure(ctx context.Context, action model.ActionType, resource string, resourceID *string,
	request []byte, err error, start time.Time) {
	s.actions.RecordAction(context.WithoutCancel(ctx), model.ActionLogRecord{
		ActionType:   action,
		ResourceType: resource,
		ResourceID:   resourceID,
		RequestData:  request,
		Status:       model.StatusFailed,
		ErrorMessage: model.Ptr(err.Error()),
		LatencyMS:    model.Ptr(time.Since(start).Milliseconds()),
	})
	s.logger.WarnContext(ctx, "knowledge: operation failed", "action", string(action), "error", err)
}
