// Package store implements the Cache/Store collaborator (C3): the flat list
// of committed chunks-with-vectors is the source of truth; the HNSW graph in
// internal/hnsw is a derived, rebuildable ANN index over it, approximate
// and rebuilt on demand: Search rebuilds it first whenever it is stale.
// File content hashes
// and call-graph records are persisted in a local sqlite database; chunk
// metadata and vectors are persisted as flat binary/JSON files alongside it.
package store

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"github.com/smartcoding/smartcoding/internal/callgraph"
	"github.com/smartcoding/smartcoding/internal/chunker"
	"github.com/smartcoding/smartcoding/internal/hnsw"
)

const (
	metaFileName    = "meta.json"
	vectorsFileName = "vectors.bin"
	hnswFileName    = "hnsw.bin"
	dbFileName      = "store.db"
	lockFileName    = "store.lock"

	vectorsMagic   = uint32(0x53434356) // "SCCV"
	vectorsVersion = uint16(1)
)

// Record is one committed chunk: its provenance plus its embedding vector.
// The slice index a Record occupies is also its HNSW node ID — EnsureANNIndex
// rebuilds the graph by inserting records in slice order, so the two always
// stay in lockstep.
type Record struct {
	Path       string
	Text       string
	LineNum    int
	StartByte  int64
	EndByte    int64
	ChunkIndex int
	Vector     []float32
}

// recordMeta is the JSON-persisted half of a Record (the vector is kept in
// the separate flat binary file).
type recordMeta struct {
	Path       string `json:"path"`
	Text       string `json:"text"`
	LineNum    int    `json:"line_num"`
	StartByte  int64  `json:"start_byte"`
	EndByte    int64  `json:"end_byte"`
	ChunkIndex int    `json:"chunk_index"`
}

// SearchResult is one hit from Search.
type SearchResult struct {
	Record Record
	Score  float32
}

// Store is the full Cache/Store collaborator: committed chunks, file hashes,
// call-graph records, and the derived ANN index.
type Store struct {
	mu  sync.RWMutex
	dir string
	db  *sql.DB
	log *zap.Logger

	records   []Record
	fileIndex map[string][]int // path -> indices into records

	ann      *hnsw.Graph
	annStale bool

	lock *flock.Flock
}

// Open loads (or initializes) a store rooted at dir.
func Open(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{
		dir:       dir,
		db:        db,
		log:       log,
		fileIndex: make(map[string][]int),
		ann:       hnsw.New(hnsw.DefaultM, hnsw.DefaultEfConstruction, hnsw.DefaultEfSearch),
		lock:      flock.New(filepath.Join(dir, lockFileName)),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadRecords(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadANN(); err != nil {
		s.log.Warn("ann index load failed, will rebuild lazily", zap.Error(err))
		s.annStale = true
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS file_hashes (
		file_path TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		indexed_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS call_graph (
		file_path TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle. It does not Save.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- File hash map -------------------------------------------------------

// GetFileHash returns the last-committed content hash for path, if known.
func (s *Store) GetFileHash(path string) (hash string, ok bool) {
	row := s.db.QueryRow(`SELECT content_hash FROM file_hashes WHERE file_path = ?`, path)
	if err := row.Scan(&hash); err != nil {
		return "", false
	}
	return hash, true
}

// SetFileHash records path's current content hash.
func (s *Store) SetFileHash(path, hash string) error {
	_, err := s.db.Exec(`
		INSERT INTO file_hashes (file_path, content_hash, indexed_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(file_path) DO UPDATE SET
			content_hash = excluded.content_hash,
			indexed_at = excluded.indexed_at
	`, path, hash)
	if err != nil {
		return fmt.Errorf("set file hash %s: %w", path, err)
	}
	return nil
}

// DeleteFileHash removes any recorded hash for path (called on unlink).
func (s *Store) DeleteFileHash(path string) error {
	_, err := s.db.Exec(`DELETE FROM file_hashes WHERE file_path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete file hash %s: %w", path, err)
	}
	return nil
}

// --- Chunk store -----------------------------------------------------------

// AddToStore appends newly embedded chunks for path. len(chunks) must equal
// len(vectors). Marks the ANN index stale; EnsureANNIndex rebuilds it later.
func (s *Store) AddToStore(path string, chunks []chunker.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("add to store %s: %d chunks but %d vectors", path, len(chunks), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range chunks {
		idx := len(s.records)
		s.records = append(s.records, Record{
			Path:       path,
			Text:       c.Text,
			LineNum:    c.LineNum,
			StartByte:  c.StartByte,
			EndByte:    c.EndByte,
			ChunkIndex: c.Index,
			Vector:     vectors[i],
		})
		s.fileIndex[path] = append(s.fileIndex[path], idx)
	}
	s.annStale = true
	return nil
}

// RemoveFileFromStore deletes every committed chunk belonging to path,
// ahead of re-adding its fresh chunks (invariant 2: old chunks never
// outlive a re-index of their file). Returns the number of chunks removed.
func (s *Store) RemoveFileFromStore(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	indices, ok := s.fileIndex[path]
	if !ok || len(indices) == 0 {
		return 0
	}

	toRemove := make(map[int]bool, len(indices))
	for _, idx := range indices {
		toRemove[idx] = true
	}

	kept := s.records[:0:0]
	for i, r := range s.records {
		if !toRemove[i] {
			kept = append(kept, r)
		}
	}
	s.records = kept
	s.rebuildFileIndexLocked()
	s.annStale = true
	return len(indices)
}

// rebuildFileIndexLocked recomputes fileIndex from s.records. Callers must
// hold s.mu.
func (s *Store) rebuildFileIndexLocked() {
	s.fileIndex = make(map[string][]int, len(s.fileIndex))
	for i, r := range s.records {
		s.fileIndex[r.Path] = append(s.fileIndex[r.Path], i)
	}
}

// Clear wipes all committed chunks, file hashes, and call-graph data — used
// by the coordinator's force re-index path.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.records = nil
	s.fileIndex = make(map[string][]int)
	s.ann = hnsw.New(hnsw.DefaultM, hnsw.DefaultEfConstruction, hnsw.DefaultEfSearch)
	s.annStale = false
	s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM file_hashes`); err != nil {
		return fmt.Errorf("clear file hashes: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM call_graph`); err != nil {
		return fmt.Errorf("clear call graph: %w", err)
	}
	return nil
}

// NumChunks returns the number of committed chunks.
func (s *Store) NumChunks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// NumFiles returns the number of distinct files with committed chunks.
func (s *Store) NumFiles() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fileIndex)
}

// NumChunksForFile returns how many committed chunks belong to path.
func (s *Store) NumChunksForFile(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fileIndex[path])
}

// KnownFiles returns every file path the store currently has chunks for —
// used by the coordinator's prune-on-discovery step to find files that were
// indexed previously but no longer exist (or are no longer eligible).
func (s *Store) KnownFiles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	files := make([]string, 0, len(s.fileIndex))
	for p := range s.fileIndex {
		files = append(files, p)
	}
	return files
}

// --- ANN index (derived) ----------------------------------------------------

// EnsureANNIndex rebuilds the HNSW graph from the current committed chunk
// vectors if it has drifted from them. Safe to call unconditionally; it is
// a no-op when nothing has changed.
func (s *Store) EnsureANNIndex() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.annStale {
		return
	}

	g := hnsw.New(hnsw.DefaultM, hnsw.DefaultEfConstruction, hnsw.DefaultEfSearch)
	for _, r := range s.records {
		g.Insert(r.Vector)
	}
	s.ann = g
	s.annStale = false
}

// Search performs an ANN lookup and reranks with a keyword-overlap boost,
// deduplicating so at most one chunk per file is returned.
func (s *Store) Search(queryVec []float32, queryText string, k int) []SearchResult {
	s.EnsureANNIndex()

	s.mu.RLock()
	defer s.mu.RUnlock()

	fetchK := k * 5
	if fetchK > len(s.records) {
		fetchK = len(s.records)
	}
	if fetchK == 0 {
		return nil
	}

	hits := s.ann.Search(queryVec, fetchK)
	queryWords := strings.Fields(strings.ToLower(queryText))

	type scored struct {
		rec   Record
		score float32
	}
	var reranked []scored
	for _, h := range hits {
		if int(h.ID) >= len(s.records) {
			continue
		}
		rec := s.records[h.ID]
		score := h.Score

		lowerText := strings.ToLower(rec.Text)
		var matches int
		for _, w := range queryWords {
			if len(w) > 2 && strings.Contains(lowerText, w) {
				matches++
			}
		}
		score += float32(matches) * 0.05

		reranked = append(reranked, scored{rec: rec, score: score})
	}

	sort.Slice(reranked, func(i, j int) bool { return reranked[i].score > reranked[j].score })

	results := make([]SearchResult, 0, k)
	seen := make(map[string]bool)
	for _, r := range reranked {
		if len(results) >= k {
			break
		}
		if seen[r.rec.Path] {
			continue
		}
		seen[r.rec.Path] = true
		results = append(results, SearchResult{Record: r.rec, Score: r.score})
	}
	return results
}

// --- Call-graph records -----------------------------------------------------

// SetFileCallData persists the call-graph extraction result for path.
func (s *Store) SetFileCallData(path string, rec *callgraph.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal call data %s: %w", path, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO call_graph (file_path, data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(file_path) DO UPDATE SET
			data = excluded.data, updated_at = excluded.updated_at
	`, path, string(data))
	if err != nil {
		return fmt.Errorf("set call data %s: %w", path, err)
	}
	return nil
}

// GetFileCallData returns the stored call-graph record for path, if any.
func (s *Store) GetFileCallData(path string) (*callgraph.Record, bool) {
	var data string
	row := s.db.QueryRow(`SELECT data FROM call_graph WHERE file_path = ?`, path)
	if err := row.Scan(&data); err != nil {
		return nil, false
	}
	var rec callgraph.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		s.log.Warn("corrupt call graph record, dropping", zap.String("file", path), zap.Error(err))
		return nil, false
	}
	return &rec, true
}

// DeleteFileCallData removes any call-graph record for path (called on unlink).
func (s *Store) DeleteFileCallData(path string) error {
	_, err := s.db.Exec(`DELETE FROM call_graph WHERE file_path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete call data %s: %w", path, err)
	}
	return nil
}

// RebuildCallGraph re-extracts call-graph data for every file currently
// committed to the store, using readFile to fetch content and extractor to
// parse it. Extraction failures are logged and skipped — call-graph
// extraction is always optional and non-fatal.
func (s *Store) RebuildCallGraph(extractor *callgraph.Extractor, readFile func(path string) ([]byte, error)) {
	s.mu.RLock()
	paths := make([]string, 0, len(s.fileIndex))
	for p := range s.fileIndex {
		paths = append(paths, p)
	}
	s.mu.RUnlock()

	for _, p := range paths {
		content, err := readFile(p)
		if err != nil {
			s.log.Warn("call graph rebuild: read failed", zap.String("file", p), zap.Error(err))
			continue
		}
		rec, err := extractor.Extract(content, p)
		if err != nil {
			s.log.Debug("call graph rebuild: extract skipped", zap.String("file", p), zap.Error(err))
			continue
		}
		if err := s.SetFileCallData(p, rec); err != nil {
			s.log.Warn("call graph rebuild: persist failed", zap.String("file", p), zap.Error(err))
		}
	}
}

// --- Persistence -------------------------------------------------------------

// Save flushes committed chunks, the derived ANN index, and the vector file
// to disk. Guarded by a filesystem lock so a second process cannot observe
// (or produce) a torn write.
func (s *Store) Save() error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire store lock: %w", err)
	}
	defer s.lock.Unlock()

	s.EnsureANNIndex()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.saveMeta(); err != nil {
		return err
	}
	if err := s.saveVectors(); err != nil {
		return err
	}
	if err := s.ann.Save(filepath.Join(s.dir, hnswFileName)); err != nil {
		return fmt.Errorf("save ann index: %w", err)
	}
	return nil
}

func (s *Store) saveMeta() error {
	metas := make([]recordMeta, len(s.records))
	for i, r := range s.records {
		metas[i] = recordMeta{
			Path:       r.Path,
			Text:       r.Text,
			LineNum:    r.LineNum,
			StartByte:  r.StartByte,
			EndByte:    r.EndByte,
			ChunkIndex: r.ChunkIndex,
		}
	}
	data, err := json.MarshalIndent(metas, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, metaFileName), data, 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

func (s *Store) saveVectors() error {
	f, err := os.Create(filepath.Join(s.dir, vectorsFileName))
	if err != nil {
		return fmt.Errorf("create vectors file: %w", err)
	}
	defer f.Close()

	dim := uint32(0)
	if len(s.records) > 0 {
		dim = uint32(len(s.records[0].Vector))
	}

	if err := binary.Write(f, binary.LittleEndian, vectorsMagic); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, vectorsVersion); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, dim); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(s.records))); err != nil {
		return err
	}
	for _, r := range s.records {
		if err := binary.Write(f, binary.LittleEndian, r.Vector); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return nil
}

func (s *Store) loadRecords() error {
	metaPath := filepath.Join(s.dir, metaFileName)
	data, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read meta: %w", err)
	}
	var metas []recordMeta
	if err := json.Unmarshal(data, &metas); err != nil {
		return fmt.Errorf("corrupt meta.json — run a full re-index to rebuild: %w", err)
	}

	vectors, err := s.loadVectors(len(metas))
	if err != nil {
		return err
	}

	s.records = make([]Record, len(metas))
	s.fileIndex = make(map[string][]int, len(metas))
	for i, m := range metas {
		var vec []float32
		if vectors != nil {
			vec = vectors[i]
		}
		s.records[i] = Record{
			Path:       m.Path,
			Text:       m.Text,
			LineNum:    m.LineNum,
			StartByte:  m.StartByte,
			EndByte:    m.EndByte,
			ChunkIndex: m.ChunkIndex,
			Vector:     vec,
		}
		s.fileIndex[m.Path] = append(s.fileIndex[m.Path], i)
	}
	s.annStale = true
	return nil
}

func (s *Store) loadVectors(wantCount int) ([][]float32, error) {
	path := filepath.Join(s.dir, vectorsFileName)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open vectors file: %w", err)
	}
	defer f.Close()

	var magic uint32
	var version uint16
	var dim, count uint32
	for _, v := range []interface{}{&magic, &version, &dim, &count} {
		if err := binary.Read(f, binary.LittleEndian, v); err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, fmt.Errorf("read vectors header: %w", err)
		}
	}
	if magic != vectorsMagic {
		return nil, fmt.Errorf("corrupt vectors.bin — run a full re-index to rebuild")
	}
	if int(count) != wantCount {
		return nil, fmt.Errorf("vectors.bin has %d vectors, meta.json has %d — run a full re-index to rebuild", count, wantCount)
	}

	vectors := make([][]float32, count)
	for i := range vectors {
		vec := make([]float32, dim)
		if err := binary.Read(f, binary.LittleEndian, vec); err != nil {
			return nil, fmt.Errorf("read vector %d: %w", i, err)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func (s *Store) loadANN() error {
	path := filepath.Join(s.dir, hnswFileName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			s.annStale = len(s.records) > 0
			return nil
		}
		return err
	}
	g, err := hnsw.Load(path)
	if err != nil {
		return err
	}
	if g.Len() != len(s.records) {
		s.annStale = true
		return nil
	}
	s.ann = g
	s.annStale = false
	return nil
}
