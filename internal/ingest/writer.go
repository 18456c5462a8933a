// Package ingest drives measurements through the bucket catalog's commit
// contract: insert, claim commit rights, prepare, write to the bucket
// store, finish.
package ingest

import (
	"context"
	"log"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/arroyodb/arroyo/internal/catalog"
	"github.com/arroyodb/arroyo/internal/errors"
	"github.com/arroyodb/arroyo/internal/store"
	"github.com/arroyodb/arroyo/pkg/types"
)

// defaultMaxRetries bounds how often cleared-bucket failures are retried by
// re-inserting the affected measurements.
const defaultMaxRetries = 3

// WriterConfig configures a Writer.
type WriterConfig struct {
	// Options are the catalog insert options (time field, meta field, span).
	Options catalog.Options
	// Combine controls batch sharing across sessions.
	Combine catalog.CombineMode
	// MaxRetries bounds cleared-bucket retries. Zero means the default.
	MaxRetries int
}

// WriteResult summarizes one Write call.
type WriteResult struct {
	// MeasurementsCommitted counts measurements this call drove through a
	// successful commit. Measurements committed by a concurrent winner on a
	// shared batch are not counted here.
	MeasurementsCommitted int
	// Commits counts the storage writes this call performed.
	Commits int
	// Retries counts cleared-bucket retry rounds.
	Retries int
}

// Writer commits measurements for one logical session. Writers for
// different sessions may run concurrently; the catalog serializes commits
// per bucket underneath them.
type Writer struct {
	catalog    *catalog.BucketCatalog
	store      store.BucketStore
	archiver   *store.Archiver
	opts       catalog.Options
	combine    catalog.CombineMode
	maxRetries int
	sessionID  uuid.UUID
}

// NewWriter creates a writer with its own session identity.
func NewWriter(c *catalog.BucketCatalog, s store.BucketStore, cfg WriterConfig) *Writer {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	return &Writer{
		catalog:    c,
		store:      s,
		opts:       cfg.Options,
		combine:    cfg.Combine,
		maxRetries: maxRetries,
		sessionID:  uuid.New(),
	}
}

// SetArchiver enables commit archival to object storage. Archival is best
// effort: failures are logged, not surfaced.
func (w *Writer) SetArchiver(a *store.Archiver) {
	w.archiver = a
}

// Write routes the measurements through the catalog and commits every batch
// they landed in. Measurements whose bucket is cleared mid-flight are
// re-inserted up to the retry bound.
func (w *Writer) Write(ctx context.Context, ns types.Namespace, docs []bsoncore.Document) (*WriteResult, error) {
	if len(docs) == 0 {
		return nil, errors.NewValidationError(errors.CodeEmptyBatch, "no measurements to write")
	}

	res := &WriteResult{}
	pending := docs

	for attempt := 0; attempt <= w.maxRetries && len(pending) > 0; attempt++ {
		if attempt > 0 {
			res.Retries++
		}

		batches := make([]*catalog.WriteBatch, 0, 1)
		seen := make(map[*catalog.WriteBatch]struct{})
		for _, doc := range pending {
			batch, err := w.catalog.Insert(ctx, ns, nil, w.opts, doc, w.sessionID, w.combine)
			if err != nil {
				// User errors leave the catalog unchanged; nothing to clean up.
				return res, err
			}
			if _, ok := seen[batch]; !ok {
				seen[batch] = struct{}{}
				batches = append(batches, batch)
			}
		}

		var failed []bsoncore.Document
		for _, batch := range batches {
			err := w.resolveBatch(ctx, batch, res)
			if err == nil {
				continue
			}
			if errors.IsBucketCleared(err) && w.combine == catalog.CombineDisallow {
				// Our session owns every measurement in the batch; put them
				// back through the catalog.
				failed = append(failed, batch.Measurements()...)
				continue
			}
			return res, err
		}
		pending = failed
	}

	if len(pending) > 0 {
		return res, errors.Newf(errors.ErrCategoryCatalog, errors.CodeBucketCleared,
			"%d measurements kept landing in cleared buckets", len(pending))
	}
	return res, nil
}

// resolveBatch either drives the batch's commit (if this writer wins the
// rights) or waits for the winner's outcome.
func (w *Writer) resolveBatch(ctx context.Context, batch *catalog.WriteBatch, res *WriteResult) error {
	if !batch.ClaimCommitRights() {
		info, err := batch.GetResult(ctx)
		if err != nil {
			return err
		}
		return info.Result
	}

	if !w.catalog.PrepareCommit(ctx, batch) {
		// The batch was aborted underneath us; its outcome says why.
		if _, err := batch.GetResult(ctx); err != nil {
			return err
		}
		return errors.NewBucketClearedError("batch aborted before prepare")
	}

	payload := &store.CommitPayload{
		Namespace:              batch.Namespace(),
		BucketID:               batch.BucketID(),
		Min:                    batch.Min(),
		Max:                    batch.Max(),
		NewFieldNames:          batch.NewFieldNames(),
		Measurements:           batch.Measurements(),
		NumPreviouslyCommitted: batch.NumPreviouslyCommittedMeasurements(),
	}

	writeErr := w.store.WriteCommit(ctx, payload)
	w.catalog.Finish(batch, catalog.CommitInfo{Result: writeErr})
	if writeErr != nil {
		return errors.NewStorageError(errors.CodeWriteFailed, "bucket write failed", writeErr)
	}

	if w.archiver != nil {
		if err := w.archiver.ArchiveCommit(ctx, payload); err != nil {
			log.Printf("ingest: commit archival failed for bucket %s: %v", payload.BucketID, err)
		}
	}

	res.Commits++
	res.MeasurementsCommitted += len(payload.Measurements)
	return nil
}
