package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/localforge/deliberate/core"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Retriever fans out research questions to a vector store and a web search
// backend, bounding total in-flight outbound calls, scoring and ranking the
// combined result, and fronting the whole thing with a cache.
type Retriever struct {
	vector VectorStore
	web    WebSearch
	cache  Cache
	cfg    core.RetrievalConfig
	logger core.Logger

	sem *semaphore.Weighted
}

// NewRetriever builds a Retriever. Either vector or web may be nil, in
// which case that source is simply skipped.
func NewRetriever(vector VectorStore, web WebSearch, cache Cache, cfg core.RetrievalConfig, logger core.Logger) *Retriever {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	max := cfg.MaxConcurrentOutbound
	if max < 1 {
		max = core.DefaultMaxConcurrentOutbound
	}
	if cfg.MaxContentChars < 1 {
		cfg.MaxContentChars = core.DefaultMaxContentChars
	}
	return &Retriever{
		vector: vector,
		web:    web,
		cache:  cache,
		cfg:    cfg,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(max)),
	}
}

// RetrieveForPlan fetches evidence for every research question in plan,
// bounding total concurrent outbound calls to cfg.MaxConcurrentOutbound
// across the whole plan, not per question. Web hits are registered with
// registry as they are scored, attaching the assigned citation_id;
// registry may be nil, in which case CitationID is left empty.
func (r *Retriever) RetrieveForPlan(ctx context.Context, plan *core.Plan, registry *core.CitationRegistry) (map[string][]core.SourceRecord, error) {
	results := make(map[string][]core.SourceRecord, len(plan.ResearchQuestions))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, rq := range plan.ResearchQuestions {
		rq := rq
		g.Go(func() error {
			sources, err := r.retrieveQuestion(ctx, rq, registry)
			if err != nil {
				return fmt.Errorf("retrieve evidence for %s: %w", rq.ID, err)
			}
			mu.Lock()
			results[rq.ID] = sources
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Retriever) retrieveQuestion(ctx context.Context, rq core.ResearchQuestion, registry *core.CitationRegistry) ([]core.SourceRecord, error) {
	if r.cache != nil {
		if cached, ok := r.cache.Get(ctx, rq.Question); ok {
			return cached, nil
		}
	}

	var vectorSources, webSources []core.SourceRecord
	g, ctx := errgroup.WithContext(ctx)

	if r.vector != nil {
		g.Go(func() error {
			if err := r.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer r.sem.Release(1)

			hits, err := r.vector.Search(ctx, rq.Question, r.cfg.TopKVector)
			if err != nil {
				r.logger.Warn("vector search failed", map[string]interface{}{"question": rq.ID, "error": err.Error()})
				return nil
			}
			vectorSources = r.scoreVectorHits(hits)
			return nil
		})
	}

	if r.web != nil {
		g.Go(func() error {
			if err := r.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer r.sem.Release(1)

			hits, err := r.web.Search(ctx, rq.Question, r.cfg.TopKWeb)
			if err != nil {
				r.logger.Warn("web search failed", map[string]interface{}{"question": rq.ID, "error": err.Error()})
				return nil
			}
			webSources = r.scoreWebHits(hits, registry)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := dedupeAndRank(append(vectorSources, webSources...), r.cfg.MaxSourcesPerQuestion)

	if r.cache != nil {
		if err := r.cache.Set(ctx, rq.Question, merged, r.cfg.CacheTTL); err != nil {
			r.logger.Warn("evidence cache write failed", map[string]interface{}{"question": rq.ID, "error": err.Error()})
		}
	}

	return merged, nil
}

// scoreVectorHits converts raw vector-store hits into SourceRecords,
// deriving relevance_score = 1 - cosine_distance and truncating content
// to the configured character cap.
func (r *Retriever) scoreVectorHits(hits []VectorHit) []core.SourceRecord {
	out := make([]core.SourceRecord, len(hits))
	for i, h := range hits {
		title := h.Metadata["title"]
		if title == "" {
			title = h.ID
		}
		out[i] = core.SourceRecord{
			Origin:         core.SourceVector,
			Title:          title,
			URL:            h.Metadata["url"],
			Content:        truncate(h.Content, r.cfg.MaxContentChars),
			RelevanceScore: 1 - h.Distance,
		}
	}
	return out
}

// scoreWebHits converts raw web-search hits into SourceRecords, deriving
// relevance_score from rank_weight(position) = 1 - i/K_w, and registering
// each hit with registry to obtain its citation_id.
func (r *Retriever) scoreWebHits(hits []WebHit, registry *core.CitationRegistry) []core.SourceRecord {
	kw := r.cfg.TopKWeb
	if kw < 1 {
		kw = core.DefaultTopKWeb
	}

	out := make([]core.SourceRecord, len(hits))
	for i, h := range hits {
		var citationID string
		if registry != nil {
			citationID = registry.Register(core.Citation{
				Title:      h.Title,
				URL:        h.URL,
				SourceType: "web",
			})
		}
		out[i] = core.SourceRecord{
			Origin:         core.SourceWeb,
			Title:          h.Title,
			URL:            h.URL,
			Content:        truncate(h.Content, r.cfg.MaxContentChars),
			Snippet:        h.Snippet,
			CitationID:     citationID,
			RelevanceScore: rankWeight(i, kw),
		}
	}
	return out
}

// rankWeight implements rank_weight(i) = 1 - i/K_w for a zero-based
// result position i.
func rankWeight(i, kw int) float64 {
	return 1 - float64(i)/float64(kw)
}

func truncate(content string, max int) string {
	if max <= 0 || len(content) <= max {
		return content
	}
	return content[:max]
}

// dedupeAndRank removes duplicate sources (matched by URL, or by title plus
// the first 200 characters of content when URL is empty), then orders the
// remainder by relevance score descending, vector sources breaking ties
// ahead of web sources, and truncates to max.
func dedupeAndRank(sources []core.SourceRecord, max int) []core.SourceRecord {
	best := make(map[string]int, len(sources))
	deduped := make([]core.SourceRecord, 0, len(sources))

	for _, s := range sources {
		key := dedupeKey(s)
		if i, ok := best[key]; ok {
			if s.RelevanceScore > deduped[i].RelevanceScore {
				deduped[i] = s
			}
			continue
		}
		best[key] = len(deduped)
		deduped = append(deduped, s)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		if deduped[i].RelevanceScore != deduped[j].RelevanceScore {
			return deduped[i].RelevanceScore > deduped[j].RelevanceScore
		}
		return deduped[i].Origin == core.SourceVector && deduped[j].Origin != core.SourceVector
	})

	if max > 0 && len(deduped) > max {
		deduped = deduped[:max]
	}
	return deduped
}

func dedupeKey(s core.SourceRecord) string {
	if s.URL != "" {
		return s.URL
	}
	content := s.Content
	if len(content) > 200 {
		content = content[:200]
	}
	return s.Title + "|" + strings.TrimSpace(content)
}
