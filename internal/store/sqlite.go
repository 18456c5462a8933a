package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/arroyodb/arroyo/internal/bsonx"
	"github.com/arroyodb/arroyo/pkg/types"
)

// SQLiteStore persists bucket documents in a single SQLite file. Control
// min/max and the measurements are BSON, with the measurement block (an
// array of measurement documents) Snappy-compressed.
type SQLiteStore struct {
	db *sql.DB

	// mu serializes writers; SQLite allows one at a time anyway.
	mu sync.Mutex

	// onDelete tells the catalog a bucket document is gone. Its error (a
	// possible write conflict) propagates to the DeleteBucket caller.
	onDelete func(types.BucketID) error
}

// NewSQLiteStore opens (or creates) the bucket store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open bucket store: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to set journal mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS buckets (
			bucket_id BLOB PRIMARY KEY,
			ns TEXT NOT NULL,
			num_measurements INTEGER NOT NULL,
			control_min BLOB NOT NULL,
			control_max BLOB NOT NULL,
			field_names TEXT NOT NULL,
			data BLOB NOT NULL
		) WITHOUT ROWID
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to create buckets table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_buckets_ns ON buckets(ns)"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to create ns index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SetOnDelete registers the catalog notification hook for bucket deletes.
func (s *SQLiteStore) SetOnDelete(fn func(types.BucketID) error) {
	s.onDelete = fn
}

// WriteCommit persists one prepared batch.
func (s *SQLiteStore) WriteCommit(ctx context.Context, p *CommitPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.IsInsert() {
		return s.insertBucket(ctx, p)
	}
	return s.updateBucket(ctx, p)
}

func (s *SQLiteStore) insertBucket(ctx context.Context, p *CommitPayload) error {
	data, err := encodeMeasurements(nil, p.Measurements)
	if err != nil {
		return err
	}
	names, err := json.Marshal(p.NewFieldNames)
	if err != nil {
		return fmt.Errorf("store: failed to encode field names: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO buckets (bucket_id, ns, num_measurements, control_min, control_max, field_names, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.BucketID.Bytes(), p.Namespace.String(), len(p.Measurements),
		[]byte(p.Min), []byte(p.Max), string(names), data,
	)
	if err != nil {
		return fmt.Errorf("store: failed to insert bucket %s: %w", p.BucketID, err)
	}
	return nil
}

func (s *SQLiteStore) updateBucket(ctx context.Context, p *CommitPayload) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin update: %w", err)
	}
	defer tx.Rollback()

	var (
		count    int
		min, max []byte
		namesRaw string
		data     []byte
	)
	err = tx.QueryRowContext(ctx,
		"SELECT num_measurements, control_min, control_max, field_names, data FROM buckets WHERE bucket_id = ?",
		p.BucketID.Bytes(),
	).Scan(&count, &min, &max, &namesRaw, &data)
	if err == sql.ErrNoRows {
		return fmt.Errorf("store: update of bucket %s: %w", p.BucketID, ErrBucketNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: failed to read bucket %s: %w", p.BucketID, err)
	}

	// The update payload carries structural diffs; fold them into the
	// stored control documents.
	mergedMin, err := bsonx.ApplyDiff(bsoncore.Document(min), p.Min)
	if err != nil {
		return fmt.Errorf("store: failed to apply min diff: %w", err)
	}
	mergedMax, err := bsonx.ApplyDiff(bsoncore.Document(max), p.Max)
	if err != nil {
		return fmt.Errorf("store: failed to apply max diff: %w", err)
	}

	var names []string
	if err := json.Unmarshal([]byte(namesRaw), &names); err != nil {
		return fmt.Errorf("store: corrupt field names for bucket %s: %w", p.BucketID, err)
	}
	names = mergeFieldNames(names, p.NewFieldNames)
	mergedNames, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("store: failed to encode field names: %w", err)
	}

	mergedData, err := encodeMeasurements(data, p.Measurements)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE buckets SET num_measurements = ?, control_min = ?, control_max = ?, field_names = ?, data = ?
		 WHERE bucket_id = ?`,
		count+len(p.Measurements), []byte(mergedMin), []byte(mergedMax),
		string(mergedNames), mergedData, p.BucketID.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("store: failed to update bucket %s: %w", p.BucketID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit update: %w", err)
	}
	return nil
}

// GetBucket reads a bucket document back.
func (s *SQLiteStore) GetBucket(ctx context.Context, id types.BucketID) (*StoredBucket, error) {
	var (
		nsRaw    string
		count    int
		min, max []byte
		namesRaw string
		data     []byte
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT ns, num_measurements, control_min, control_max, field_names, data FROM buckets WHERE bucket_id = ?",
		id.Bytes(),
	).Scan(&nsRaw, &count, &min, &max, &namesRaw, &data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: bucket %s: %w", id, ErrBucketNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to read bucket %s: %w", id, err)
	}

	ns, err := types.ParseNamespace(nsRaw)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt namespace %q: %w", nsRaw, err)
	}
	var names []string
	if err := json.Unmarshal([]byte(namesRaw), &names); err != nil {
		return nil, fmt.Errorf("store: corrupt field names for bucket %s: %w", id, err)
	}
	measurements, err := decodeMeasurements(data)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt measurements for bucket %s: %w", id, err)
	}

	return &StoredBucket{
		Namespace:       ns,
		BucketID:        id,
		NumMeasurements: count,
		Min:             bsoncore.Document(min),
		Max:             bsoncore.Document(max),
		FieldNames:      names,
		Measurements:    measurements,
	}, nil
}

// DeleteBucket removes a bucket document and notifies the catalog. A
// write-conflict error from the catalog propagates so the caller can retry
// its transaction.
func (s *SQLiteStore) DeleteBucket(ctx context.Context, id types.BucketID) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM buckets WHERE bucket_id = ?", id.Bytes())
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: failed to delete bucket %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: bucket %s: %w", id, ErrBucketNotFound)
	}

	if s.onDelete != nil {
		return s.onDelete(id)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeMeasurements appends new measurements to an existing (possibly nil)
// compressed measurement block. The block is a Snappy-compressed BSON array
// with positional keys.
func encodeMeasurements(existing []byte, docs []bsoncore.Document) ([]byte, error) {
	var base []bsoncore.Value
	if len(existing) > 0 {
		arr, err := decompressArray(existing)
		if err != nil {
			return nil, err
		}
		base, err = arr.Values()
		if err != nil {
			return nil, fmt.Errorf("store: corrupt measurement block: %w", err)
		}
	}

	idx, dst := bsoncore.AppendDocumentStart(nil)
	n := 0
	for _, v := range base {
		dst = bsoncore.AppendValueElement(dst, strconv.Itoa(n), v)
		n++
	}
	for _, doc := range docs {
		dst = bsoncore.AppendDocumentElement(dst, strconv.Itoa(n), doc)
		n++
	}
	dst, err := bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		return nil, fmt.Errorf("store: failed to build measurement block: %w", err)
	}

	return snappy.Encode(nil, dst), nil
}

func decodeMeasurements(data []byte) ([]bsoncore.Document, error) {
	arr, err := decompressArray(data)
	if err != nil {
		return nil, err
	}
	vals, err := arr.Values()
	if err != nil {
		return nil, fmt.Errorf("store: corrupt measurement block: %w", err)
	}

	out := make([]bsoncore.Document, 0, len(vals))
	for _, v := range vals {
		doc, ok := v.DocumentOK()
		if !ok {
			return nil, fmt.Errorf("store: measurement block holds a non-document entry")
		}
		out = append(out, doc)
	}
	return out, nil
}

func decompressArray(data []byte) (bsoncore.Document, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("store: failed to decompress measurement block: %w", err)
	}
	return bsoncore.Document(raw), nil
}

func mergeFieldNames(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	for _, n := range existing {
		seen[n] = struct{}{}
	}
	for _, n := range added {
		seen[n] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
