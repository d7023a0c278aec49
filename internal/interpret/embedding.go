package interpret

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/floats"

	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/detect"
	"github.com/nxp-imx/nxp-nnstreamer-examples/internal/tensor"
)

// FaceNet model geometry.
const (
	FaceNetWidth        = 160
	FaceNetHeight       = 160
	FaceNetEmbeddingLen = 512

	// DefaultMatchThreshold is the largest euclidean distance between
	// normalized embeddings still accepted as a match.
	DefaultMatchThreshold = 1.0

	recordExt = ".msgpack"
)

var (
	// ErrEmbedding is returned for an embedding of the wrong length or with a
	// zero norm.
	ErrEmbedding = errors.New("interpret: invalid embedding")
	// ErrRecordName is returned for a name that cannot be stored as a file.
	ErrRecordName = errors.New("interpret: invalid record name")
)

// Match is the outcome of a database search.
type Match struct {
	// Name is empty when no record is closer than the threshold.
	Name string `json:"name,omitempty" msgpack:"name,omitempty"`
	// Distance is the euclidean distance to the best record, or the
	// threshold when nothing matched.
	Distance float64 `json:"distance" msgpack:"distance"`
	// Embedding is the normalized query embedding.
	Embedding []float64 `json:"-" msgpack:"-"`
	// Raw is the query embedding as produced by the model. Only set by
	// Matcher.
	Raw []float32 `json:"-" msgpack:"-"`
}

// Known reports whether a record matched.
func (m Match) Known() bool { return m.Name != "" }

// record is the on-disk form of one database entry. The embedding is stored
// raw, as produced by the model.
type record struct {
	Name      string    `msgpack:"name"`
	Embedding []float32 `msgpack:"embedding"`
}

// Database holds L2-normalized embeddings by name.
//
// Records are persisted one file per name, <dir>/<name>.msgpack, with the
// raw embedding. Normalization happens on load and on Add.
type Database struct {
	dim int

	mu      sync.RWMutex
	entries map[string][]float64
}

// NewDatabase returns an empty database of dim-length embeddings.
func NewDatabase(dim int) *Database {
	return &Database{dim: dim, entries: make(map[string][]float64)}
}

// Dim returns the embedding length.
func (db *Database) Dim() int { return db.dim }

// Len returns the number of records.
func (db *Database) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.entries)
}

// Names returns the record names in sorted order.
func (db *Database) Names() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.entries))
	for n := range db.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Add stores the normalized form of raw under name, replacing any record
// with the same name.
func (db *Database) Add(name string, raw []float32) error {
	if err := CheckRecordName(name); err != nil {
		return err
	}
	normalized, err := db.normalize(raw)
	if err != nil {
		return fmt.Errorf("interpret: add %q: %w", name, err)
	}
	db.mu.Lock()
	db.entries[name] = normalized
	db.mu.Unlock()
	return nil
}

func (db *Database) normalize(raw []float32) ([]float64, error) {
	if len(raw) != db.dim {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrEmbedding, len(raw), db.dim)
	}
	v := make([]float64, len(raw))
	for i, x := range raw {
		v[i] = float64(x)
	}
	norm := floats.Norm(v, 2)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, fmt.Errorf("%w: norm %v", ErrEmbedding, norm)
	}
	floats.Scale(1/norm, v)
	return v, nil
}

// Search returns the record closest to raw with a distance strictly below
// threshold. Ties keep the first name in sorted order.
func (db *Database) Search(raw []float32, threshold float64) (Match, error) {
	query, err := db.normalize(raw)
	if err != nil {
		return Match{}, err
	}
	best := Match{Distance: threshold, Embedding: query}

	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.entries))
	for n := range db.entries {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		if d := floats.Distance(query, db.entries[name], 2); d < best.Distance {
			best.Name, best.Distance = name, d
		}
	}
	return best, nil
}

// SaveRecord writes raw under name into dir.
func SaveRecord(dir, name string, raw []float32) error {
	if err := CheckRecordName(name); err != nil {
		return err
	}
	data, err := msgpack.Marshal(record{Name: name, Embedding: raw})
	if err != nil {
		return fmt.Errorf("interpret: encode record %q: %w", name, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("interpret: create database dir: %w", err)
	}
	path := filepath.Join(dir, name+recordExt)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("interpret: write record: %w", err)
	}
	slog.Info("interpret: record saved", "name", name, "path", path)
	return nil
}

// Enroll saves raw under name into dir and adds it to db.
func (db *Database) Enroll(dir, name string, raw []float32) error {
	if err := db.Add(name, raw); err != nil {
		return err
	}
	return SaveRecord(dir, name, raw)
}

// LoadDatabase reads every record file in dir. A missing dir yields an empty
// database. Unreadable records are skipped and logged.
func LoadDatabase(dir string, dim int) (*Database, error) {
	db := NewDatabase(dim)
	files, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("interpret: database dir not found, starting empty", "dir", dir)
		return db, nil
	}
	if err != nil {
		return nil, fmt.Errorf("interpret: read database dir: %w", err)
	}

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), recordExt) {
			continue
		}
		path := filepath.Join(dir, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("interpret: read record: %w", err)
		}
		var r record
		if err := msgpack.Unmarshal(data, &r); err != nil {
			slog.Warn("interpret: skip undecodable record", "path", path, "error", err)
			continue
		}
		if r.Name == "" {
			r.Name = strings.TrimSuffix(f.Name(), recordExt)
		}
		if err := db.Add(r.Name, r.Embedding); err != nil {
			slog.Warn("interpret: skip invalid record", "path", path, "error", err)
			continue
		}
	}
	slog.Info("interpret: database loaded", "dir", dir, "records", db.Len())
	return db, nil
}

// CheckRecordName reports whether name can be stored as a record file.
func CheckRecordName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrRecordName, name)
	}
	return nil
}

// Matcher identifies faces from FaceNet embeddings.
type Matcher struct {
	db        *Database
	threshold float64
	shape     tensor.Shape
}

// NewMatcher returns a Matcher over db. A threshold <= 0 selects
// DefaultMatchThreshold.
func NewMatcher(db *Database, threshold float64) (*Matcher, error) {
	if db == nil {
		return nil, fmt.Errorf("interpret: matcher needs a database")
	}
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}
	return &Matcher{db: db, threshold: threshold, shape: tensor.Shape{1, db.Dim()}}, nil
}

// Threshold returns the match threshold.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Match decodes one embedding tensor and searches the database.
func (m *Matcher) Match(raw []byte) (Match, error) {
	v, err := tensor.Float32s(raw, m.shape)
	if err != nil {
		return Match{}, fmt.Errorf("%w: %w", ErrOutput, err)
	}
	match, err := m.db.Search(v, m.threshold)
	if err != nil {
		return Match{}, err
	}
	match.Raw = v
	return match, nil
}

// Database returns the database the Matcher searches.
func (m *Matcher) Database() *Database { return m.db }

// Interpret matches the embedding computed for box.
func (m *Matcher) Interpret(_ detect.Box, data []byte) (any, error) {
	return m.Match(data)
}
