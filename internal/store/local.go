package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/coder/hnsw"
	_ "modernc.org/sqlite"

	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
)

// titleBoost mirrors the Elasticsearch "title^2" field weighting.
const titleBoost = 2.0

// LocalStore implements DocStore without external services: bleve provides
// BM25 keyword search, an HNSW graph provides cosine vector search, and
// SQLite holds document content and embeddings. One shard per scope.
//
// With an empty data directory everything lives in memory, which is what
// the tests use.
type LocalStore struct {
	mu      sync.RWMutex
	dataDir string
	db      *sql.DB
	scopes  map[string]*localScope
	closed  bool
}

// Verify interface implementation at compile time.
var _ DocStore = (*LocalStore)(nil)

// localScope is the per-scope index shard.
type localScope struct {
	bm25    bleve.Index
	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
	dims    int
}

// bleveDoc is the document shape indexed by bleve.
type bleveDoc struct {
	Content string `json:"content"`
	Title   string `json:"title"`
}

// NewLocalStore creates a local document store rooted at dataDir.
// An empty dataDir keeps all indices in memory.
func NewLocalStore(dataDir string) (*LocalStore, error) {
	dsn := ":memory:"
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, apperrors.InternalError("failed to create data directory", err)
		}
		dsn = filepath.Join(dataDir, "documents.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.InternalError("failed to open document database", err)
	}

	// The in-memory database disappears if the pool drops its only connection.
	if dataDir == "" {
		db.SetMaxOpenConns(1)
	}

	schema := `CREATE TABLE IF NOT EXISTS documents (
		scope   TEXT NOT NULL,
		id      TEXT NOT NULL,
		title   TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		vector  BLOB NOT NULL,
		PRIMARY KEY (scope, id)
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, apperrors.InternalError("failed to create documents table", err)
	}

	return &LocalStore{
		dataDir: dataDir,
		db:      db,
		scopes:  make(map[string]*localScope),
	}, nil
}

// newScopeShard creates the bleve index and HNSW graph for a scope.
func (s *LocalStore) newScopeShard(scope string) (*localScope, error) {
	mapping := bleve.NewIndexMapping()

	var idx bleve.Index
	var err error
	if s.dataDir == "" {
		idx, err = bleve.NewMemOnly(mapping)
	} else {
		path := filepath.Join(s.dataDir, scope, "bm25")
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, mapping)
		}
	}
	if err != nil {
		return nil, apperrors.InternalError(fmt.Sprintf("failed to open bm25 index for scope %q", scope), err)
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25

	return &localScope{
		bm25:   idx,
		graph:  graph,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}, nil
}

// getScope returns the loaded shard for a scope, loading it from disk on
// first access. Returns nil when the scope has never been indexed.
func (s *LocalStore) getScope(ctx context.Context, scope string) (*localScope, error) {
	s.mu.RLock()
	shard, ok := s.scopes[scope]
	s.mu.RUnlock()
	if ok {
		return shard, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if shard, ok := s.scopes[scope]; ok {
		return shard, nil
	}
	if s.closed {
		return nil, apperrors.InternalError("store is closed", nil)
	}

	// Anything persisted for this scope?
	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE scope = ?", scope).Scan(&count); err != nil {
		return nil, apperrors.InternalError("failed to query documents", err)
	}
	if count == 0 {
		return nil, nil
	}

	shard, err := s.newScopeShard(scope)
	if err != nil {
		return nil, err
	}

	// Rebuild the vector graph from persisted embeddings. The bleve index
	// is durable on its own when a data directory is configured.
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, vector FROM documents WHERE scope = ?", scope)
	if err != nil {
		return nil, apperrors.InternalError("failed to load embeddings", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, apperrors.InternalError("failed to scan embedding row", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodeStoreCorrupt,
				fmt.Sprintf("corrupt embedding for document %s", id), err)
		}
		shard.addVector(id, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.InternalError("failed to iterate embeddings", err)
	}

	s.scopes[scope] = shard
	return shard, nil
}

// addVector inserts a vector into the shard's graph, replacing any
// previous mapping for the id (lazy deletion).
func (sc *localScope) addVector(id string, vec []float32) {
	if existing, ok := sc.idMap[id]; ok {
		delete(sc.keyMap, existing)
		delete(sc.idMap, id)
	}

	key := sc.nextKey
	sc.nextKey++

	normalized := normalizeVector(vec)
	sc.graph.Add(hnsw.MakeNode(key, normalized))
	sc.idMap[id] = key
	sc.keyMap[key] = id
	if sc.dims == 0 {
		sc.dims = len(vec)
	}
}

// SearchVector finds nearest neighbours by cosine similarity. Scores are
// shifted into [0, 2] (cosine + 1) to match the Elasticsearch backend.
func (s *LocalStore) SearchVector(ctx context.Context, scope string, vector []float32, limit int) ([]SearchHit, error) {
	if limit < 1 {
		return nil, apperrors.InvalidArgument("limit must be >= 1")
	}

	shard, err := s.getScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	if shard == nil {
		return nil, apperrors.IndexNotFound(scope)
	}
	if shard.dims != 0 && len(vector) != shard.dims {
		return nil, apperrors.InvalidArgument(
			fmt.Sprintf("query vector has %d dimensions, index has %d", len(vector), shard.dims))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if shard.graph.Len() == 0 {
		return []SearchHit{}, nil
	}

	query := normalizeVector(vector)
	nodes := shard.graph.Search(query, limit)

	hits := make([]SearchHit, 0, len(nodes))
	for _, node := range nodes {
		id, ok := shard.keyMap[node.Key]
		if !ok {
			continue // lazily deleted
		}

		doc, err := s.fetchDocument(ctx, scope, id)
		if err != nil {
			return nil, err
		}

		distance := shard.graph.Distance(query, node.Value)
		hits = append(hits, SearchHit{
			Document: doc,
			// Cosine distance is 1 - cos, so 2 - distance lands in [0, 2].
			Score: 2.0 - float64(distance),
		})
	}

	return hits, nil
}

// SearchKeyword runs a BM25 query over content and title (title boosted 2x).
func (s *LocalStore) SearchKeyword(ctx context.Context, scope, query string, limit int) ([]SearchHit, error) {
	if limit < 1 {
		return nil, apperrors.InvalidArgument("limit must be >= 1")
	}

	shard, err := s.getScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	if shard == nil {
		return nil, apperrors.IndexNotFound(scope)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	contentQuery := bleve.NewMatchQuery(query)
	contentQuery.SetField("content")

	titleQuery := bleve.NewMatchQuery(query)
	titleQuery.SetField("title")
	titleQuery.SetBoost(titleBoost)

	searchRequest := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(contentQuery, titleQuery))
	searchRequest.Size = limit

	result, err := shard.bm25.SearchInContext(ctx, searchRequest)
	if err != nil {
		return nil, apperrors.RetrievalFailed(err)
	}

	hits := make([]SearchHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		doc, err := s.fetchDocument(ctx, scope, hit.ID)
		if err != nil {
			return nil, err
		}
		hits = append(hits, SearchHit{Document: doc, Score: hit.Score})
	}

	return hits, nil
}

// fetchDocument loads a document's content and title from SQLite.
func (s *LocalStore) fetchDocument(ctx context.Context, scope, id string) (Document, error) {
	var doc Document
	doc.ID = id
	err := s.db.QueryRowContext(ctx,
		"SELECT title, content FROM documents WHERE scope = ? AND id = ?", scope, id).
		Scan(&doc.Title, &doc.Content)
	if err != nil {
		return Document{}, apperrors.InternalError(
			fmt.Sprintf("failed to load document %s", id), err)
	}
	return doc, nil
}

// HasScope reports whether any documents exist for the scope.
func (s *LocalStore) HasScope(ctx context.Context, scope string) (bool, error) {
	shard, err := s.getScope(ctx, scope)
	if err != nil {
		return false, err
	}
	return shard != nil, nil
}

// Index adds documents to the scope, creating the shard on first use.
func (s *LocalStore) Index(ctx context.Context, scope string, docs []IndexDocument) error {
	if len(docs) == 0 {
		return nil
	}

	for _, doc := range docs {
		if len(doc.Vector) == 0 {
			return apperrors.InvalidArgument(
				fmt.Sprintf("document %s has no embedding", doc.ID))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return apperrors.InternalError("store is closed", nil)
	}

	shard, ok := s.scopes[scope]
	if !ok {
		var err error
		shard, err = s.newScopeShard(scope)
		if err != nil {
			return err
		}
		s.scopes[scope] = shard
	}

	if shard.dims != 0 {
		for _, doc := range docs {
			if len(doc.Vector) != shard.dims {
				return apperrors.InvalidArgument(fmt.Sprintf(
					"document %s has %d dimensions, index has %d", doc.ID, len(doc.Vector), shard.dims))
			}
		}
	}

	batch := shard.bm25.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.ID, bleveDoc{Content: doc.Content, Title: doc.Title}); err != nil {
			return apperrors.InternalError(fmt.Sprintf("failed to index document %s", doc.ID), err)
		}
	}
	if err := shard.bm25.Batch(batch); err != nil {
		return apperrors.InternalError("failed to execute bm25 batch", err)
	}

	for _, doc := range docs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO documents (scope, id, title, content, vector) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (scope, id) DO UPDATE SET title = excluded.title,
			 content = excluded.content, vector = excluded.vector`,
			scope, doc.ID, doc.Title, doc.Content, encodeVector(doc.Vector)); err != nil {
			return apperrors.InternalError(fmt.Sprintf("failed to persist document %s", doc.ID), err)
		}
		shard.addVector(doc.ID, doc.Vector)
	}

	return nil
}

// Close closes all shards and the database.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, shard := range s.scopes {
		if err := shard.bm25.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// normalizeVector returns a unit-length copy of v. A zero vector is
// returned unchanged.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}

// encodeVector serializes a vector as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// decodeVector deserializes a vector written by encodeVector.
func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(blob))
	}
	v := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &v); err != nil {
		return nil, err
	}
	return v, nil
}
