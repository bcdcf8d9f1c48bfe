// Package search implements hybrid retrieval: dense kNN over every embedding
// model present in the index, blended with lexical scoring, scoped by the
// caller's filters.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/quarrylabs/quarry/pkg/embedding"
	"github.com/quarrylabs/quarry/pkg/quarryerr"
	"github.com/quarrylabs/quarry/pkg/store"
)

// ImpossibleValue is the sentinel for "empty selection hides everything".
// A term filter on it matches nothing; an explicit term clause carrying it
// is dropped.
const ImpossibleValue = "__IMPOSSIBLE_VALUE__"

const (
	knnK                 = 50
	defaultLimit         = 10
	defaultNumCandidates = 1000
	maxDiscoveredModels  = 10
)

// Identity is the requesting user. Search requires a user id.
type Identity struct {
	UserID   string
	JWTToken string
}

// Options tune one search call.
type Options struct {
	// Filters is either a semantic map (data_sources, document_types,
	// owners, or passthrough field names, each to a value list) or the
	// explicit form {"filter": [clauses...]}.
	Filters map[string]interface{}

	// Limit caps returned hits. Default 10.
	Limit int

	// ScoreThreshold sets min_score when positive.
	ScoreThreshold float64

	// NumCandidates is the kNN candidate pool. Default 1000; negative
	// omits the parameter.
	NumCandidates int
}

// Result is one ranked chunk.
type Result struct {
	PageContent string                 `json:"page_content"`
	Metadata    map[string]interface{} `json:"metadata"`
	Score       float64                `json:"score"`
}

// Response is the shaped search outcome.
type Response struct {
	Results      []Result                     `json:"results"`
	Aggregations map[string]store.Aggregation `json:"aggregations"`
}

// Store is the slice of the search store this package reads through.
type Store interface {
	Search(ctx context.Context, body map[string]interface{}) (*store.SearchResponse, error)
	GetMapping(ctx context.Context) (map[string]store.FieldMapping, error)
}

// Config wires a Searcher.
type Config struct {
	Store Store

	// Embedders resolves discovered model names to embedding clients.
	Embedders embedding.Factory

	// Model is the currently configured embedding model, used when
	// discovery finds no models in the index.
	Model string

	Logger hclog.Logger
}

// Searcher executes hybrid queries. Safe for concurrent use.
type Searcher struct {
	store     Store
	embedders embedding.Factory
	model     string
	logger    hclog.Logger
}

// New creates a Searcher.
func New(cfg Config) (*Searcher, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Embedders == nil {
		return nil, fmt.Errorf("embedder factory is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("configured model is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Searcher{
		store:     cfg.Store,
		embedders: cfg.Embedders,
		model:     cfg.Model,
		logger:    cfg.Logger.Named("search"),
	}, nil
}

// Search runs the full hybrid retrieval pipeline for one query.
func (s *Searcher) Search(ctx context.Context, queryText string, identity Identity, opts Options) (*Response, error) {
	if identity.UserID == "" {
		return nil, quarryerr.New(quarryerr.KindUnauthenticated, "search requires an authenticated user")
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	if opts.NumCandidates == 0 {
		opts.NumCandidates = defaultNumCandidates
	}

	filters, overrides, err := coerceFilters(opts.Filters)
	if err != nil {
		return nil, err
	}
	if overrides.limit != nil && *overrides.limit > 0 {
		opts.Limit = *overrides.limit
	}
	if overrides.scoreThreshold != nil {
		opts.ScoreThreshold = *overrides.scoreThreshold
	}

	models := s.discoverModels(ctx, filters)

	vectors := s.embedQuery(ctx, queryText, models)
	if len(vectors) == 0 {
		return nil, quarryerr.New(quarryerr.KindEmbeddingUnavailable,
			"every embedding model failed to embed the query")
	}

	selected, err := s.validateFields(ctx, vectors)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		s.logger.Debug("no queried model has a vector field in the mapping", "models", models)
		return &Response{Results: []Result{}, Aggregations: map[string]store.Aggregation{}}, nil
	}

	res, err := s.execute(ctx, queryText, selected, vectors, filters, opts)
	if err != nil {
		return nil, err
	}
	return shapeResponse(res), nil
}

// discoverModels aggregates on embedding_model under the user's filters. Any
// trouble here degrades to the configured model rather than failing the
// search.
func (s *Searcher) discoverModels(ctx context.Context, filters []map[string]interface{}) []string {
	body := map[string]interface{}{
		"size": 0,
		"aggs": map[string]interface{}{
			"embedding_models": map[string]interface{}{
				"terms": map[string]interface{}{
					"field": "embedding_model",
					"size":  maxDiscoveredModels,
				},
			},
		},
	}
	if len(filters) > 0 {
		body["query"] = map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		}
	}

	res, err := s.store.Search(ctx, body)
	if err != nil {
		s.logger.Warn("model discovery failed, using configured model", "model", s.model, "error", err)
		return []string{s.model}
	}

	agg, ok := res.Aggregations["embedding_models"]
	if !ok || len(agg.Buckets) == 0 {
		s.logger.Debug("no models discovered in index, using configured model", "model", s.model)
		return []string{s.model}
	}

	models := make([]string, 0, len(agg.Buckets))
	for _, b := range agg.Buckets {
		if key, ok := b.Key.(string); ok && key != "" {
			models = append(models, key)
		}
	}
	sort.Strings(models)
	s.logger.Debug("discovered embedding models", "models", models)
	return models
}

// embedQuery fans the query text out to one Embed call per model. Partial
// failure drops the failing model; total failure returns an empty map.
func (s *Searcher) embedQuery(ctx context.Context, queryText string, models []string) map[string][]float32 {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		vectors = make(map[string][]float32, len(models))
		errs    *multierror.Error
	)

	for _, model := range models {
		wg.Add(1)
		go func(model string) {
			defer wg.Done()

			emb, err := s.embedders.ForModel(model)
			if err == nil {
				var out [][]float32
				out, err = emb.Embed(ctx, []string{queryText})
				if err == nil && len(out) == 1 {
					mu.Lock()
					vectors[model] = out[0]
					mu.Unlock()
					return
				}
				if err == nil {
					err = fmt.Errorf("embedder returned %d vectors for one text", len(out))
				}
			}

			mu.Lock()
			errs = multierror.Append(errs, fmt.Errorf("model %s: %w", model, err))
			mu.Unlock()
		}(model)
	}
	wg.Wait()

	if errs.ErrorOrNil() != nil {
		s.logger.Warn("query embedding partially failed", "error", errs)
	}
	return vectors
}

// validateFields keeps only models whose vector field is a knn_vector in the
// live mapping, returned in stable order.
func (s *Searcher) validateFields(ctx context.Context, vectors map[string][]float32) ([]string, error) {
	mapping, err := s.store.GetMapping(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "index_not_found") {
			return nil, nil
		}
		return nil, err
	}

	selected := make([]string, 0, len(vectors))
	for model := range vectors {
		if mapping[store.FieldFor(model)].IsKNNVector() {
			selected = append(selected, model)
		} else {
			s.logger.Warn("model has no knn_vector field in mapping, skipping",
				"model", model, "field", store.FieldFor(model))
		}
	}
	sort.Strings(selected)
	return selected, nil
}

// execute runs the three-attempt state machine: the full query, then without
// num_candidates for stores that reject it, then against the legacy
// single-model field.
func (s *Searcher) execute(ctx context.Context, queryText string, models []string, vectors map[string][]float32, filters []map[string]interface{}, opts Options) (*store.SearchResponse, error) {
	body := s.buildBody(queryText, models, vectors, filters, opts, true, "")
	res, err := s.store.Search(ctx, body)
	if err != nil && mentionsNumCandidates(err) {
		s.logger.Warn("store rejected num_candidates, retrying without it", "error", err)
		body = s.buildBody(queryText, models, vectors, filters, opts, false, "")
		res, err = s.store.Search(ctx, body)
	}
	if err != nil && mentionsUnknownVectorField(err) {
		s.logger.Warn("store rejected vector field, retrying against legacy field",
			"legacy_field", store.LegacyEmbeddingField, "error", err)
		body = s.buildBody(queryText, models[:1], vectors, filters, opts, false, store.LegacyEmbeddingField)
		res, err = s.store.Search(ctx, body)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func mentionsNumCandidates(err error) bool {
	return strings.Contains(err.Error(), "num_candidates")
}

func mentionsUnknownVectorField(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "knn_vector") ||
		strings.Contains(msg, "unknown field") ||
		strings.Contains(msg, "No mapping found")
}

// buildBody assembles the hybrid query. When legacyField is set, a single
// kNN clause targets it with the first model's vector and the vector-exists
// filter is dropped.
func (s *Searcher) buildBody(queryText string, models []string, vectors map[string][]float32, filters []map[string]interface{}, opts Options, withCandidates bool, legacyField string) map[string]interface{} {
	knnQueries := make([]map[string]interface{}, 0, len(models))
	for _, model := range models {
		field := store.FieldFor(model)
		if legacyField != "" {
			field = legacyField
		}
		knn := map[string]interface{}{
			"vector": vectors[model],
			"k":      knnK,
		}
		if withCandidates && opts.NumCandidates > 0 {
			knn["num_candidates"] = opts.NumCandidates
		}
		knnQueries = append(knnQueries, map[string]interface{}{
			"knn": map[string]interface{}{field: knn},
		})
	}

	should := []map[string]interface{}{
		{
			"dis_max": map[string]interface{}{
				"tie_breaker": 0.0,
				"boost":       0.7,
				"queries":     knnQueries,
			},
		},
		{
			"multi_match": map[string]interface{}{
				"query":     queryText,
				"fields":    []string{"text^2", "filename^1.5"},
				"type":      "best_fields",
				"fuzziness": "AUTO",
				"boost":     0.3,
			},
		},
	}

	filter := make([]map[string]interface{}, 0, len(filters)+1)
	filter = append(filter, filters...)
	if legacyField == "" {
		exists := make([]map[string]interface{}, 0, len(models))
		for _, model := range models {
			exists = append(exists, map[string]interface{}{
				"exists": map[string]interface{}{"field": store.FieldFor(model)},
			})
		}
		filter = append(filter, map[string]interface{}{
			"bool": map[string]interface{}{
				"should":               exists,
				"minimum_should_match": 1,
			},
		})
	}

	body := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"should":               should,
				"filter":               filter,
				"minimum_should_match": 1,
			},
		},
		"aggs": map[string]interface{}{
			"data_sources":     termsAgg("filename.keyword", 20),
			"document_types":   termsAgg("mimetype", 10),
			"owners":           termsAgg("owner", 10),
			"embedding_models": termsAgg("embedding_model", 10),
		},
		"_source": []string{
			"filename", "mimetype", "page", "text", "source_url",
			"owner", "embedding_model", "allowed_users", "allowed_groups",
		},
		"size": opts.Limit,
	}
	if opts.ScoreThreshold > 0 {
		body["min_score"] = opts.ScoreThreshold
	}
	return body
}

func termsAgg(field string, size int) map[string]interface{} {
	return map[string]interface{}{
		"terms": map[string]interface{}{"field": field, "size": size},
	}
}

// shapeResponse maps raw hits to {page_content, metadata, score}.
func shapeResponse(res *store.SearchResponse) *Response {
	results := make([]Result, 0, len(res.Hits.Hits))
	for _, hit := range res.Hits.Hits {
		text, _ := hit.Source["text"].(string)
		metadata := make(map[string]interface{}, len(hit.Source))
		for k, v := range hit.Source {
			if k == "text" {
				continue
			}
			metadata[k] = v
		}
		results = append(results, Result{
			PageContent: text,
			Metadata:    metadata,
			Score:       hit.Score,
		})
	}

	aggs := res.Aggregations
	if aggs == nil {
		aggs = map[string]store.Aggregation{}
	}
	return &Response{Results: results, Aggregations: aggs}
}
