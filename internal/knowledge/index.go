// Package knowledge stores host documentation chunks in a full-text index and
// retrieves the ones matching a query. It backs the context provider.
package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"
)

// Document is one indexed chunk.
type Document struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	Chunk     int       `json:"chunk"`
	IndexedAt time.Time `json:"indexed_at"`
}

// Hit is a search result.
type Hit struct {
	Document
	Score float64
}

// Index is a bleve-backed document index. Safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	index bleve.Index
	path  string
}

// Open opens the index at path, creating it if needed. An empty path gives an
// in-memory index.
func Open(path string) (*Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory index: %w", err)
		}
		return &Index{index: idx}, nil
	}

	var idx bleve.Index
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create bleve index: %w", err)
		}
	} else {
		idx, err = bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bleve index: %w", err)
		}
	}
	return &Index{index: idx, path: path}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	numericFieldMapping := bleve.NewNumericFieldMapping()
	dateFieldMapping := bleve.NewDateTimeFieldMapping()

	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("source", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("chunk", numericFieldMapping)
	docMapping.AddFieldMappingsAt("indexed_at", dateFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

// Add indexes docs in one batch. Missing IDs and timestamps are filled in.
func (ix *Index) Add(ctx context.Context, docs ...Document) error {
	if len(docs) == 0 {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	batch := ix.index.NewBatch()
	now := time.Now()
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if doc.ID == "" {
			doc.ID = uuid.New().String()
		}
		if doc.IndexedAt.IsZero() {
			doc.IndexedAt = now
		}
		if err := batch.Index(doc.ID, doc); err != nil {
			return fmt.Errorf("failed to index document: %w", err)
		}
	}
	if err := ix.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	return nil
}

// RemoveSource deletes every chunk that came from source.
func (ix *Index) RemoveSource(source string) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	q := bleve.NewTermQuery(source)
	q.SetField("source")
	req := bleve.NewSearchRequest(q)
	req.Size = 10000

	res, err := ix.index.Search(req)
	if err != nil {
		return 0, fmt.Errorf("search failed: %w", err)
	}
	if len(res.Hits) == 0 {
		return 0, nil
	}
	batch := ix.index.NewBatch()
	for _, hit := range res.Hits {
		batch.Delete(hit.ID)
	}
	if err := ix.index.Batch(batch); err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	return len(res.Hits), nil
}

// Search returns up to limit chunks matching text, best first.
func (ix *Index) Search(ctx context.Context, text string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 4
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	q := bleve.NewMatchQuery(text)
	q.SetField("content")
	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{"*"}

	res, err := ix.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		content, _ := h.Fields["content"].(string)
		source, _ := h.Fields["source"].(string)
		chunk, _ := h.Fields["chunk"].(float64)
		hits = append(hits, Hit{
			Document: Document{
				ID:      h.ID,
				Content: content,
				Source:  source,
				Chunk:   int(chunk),
			},
			Score: h.Score,
		})
	}
	return hits, nil
}

// Retrieve returns the content of the best matching chunks.
func (ix *Index) Retrieve(ctx context.Context, query string, limit int) ([]string, error) {
	hits, err := ix.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	docs := make([]string, 0, len(hits))
	for _, h := range hits {
		docs = append(docs, h.Content)
	}
	return docs, nil
}

// Count returns the number of indexed chunks.
func (ix *Index) Count() (uint64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.index.DocCount()
}

// Close closes the underlying index.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.index.Close()
}
