package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	CategorySuccess    = "success"
	CategoryFailedDB   = "failed_db"
	CategoryFailedOCI  = "failed_oci"
	CategoryFailedBoth = "failed_both"
)

// DeleteEntry describes the outcome for one requested file ID.
type DeleteEntry struct {
	ID         string `json:"id"`
	ObjectName string `json:"object_name,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DeleteReport buckets every requested ID into exactly one list. Lists keep
// the order of the request.
type DeleteReport struct {
	Success    []DeleteEntry `json:"success"`
	FailedDB   []DeleteEntry `json:"failed_db"`
	FailedOCI  []DeleteEntry `json:"failed_oci"`
	FailedBoth []DeleteEntry `json:"failed_both"`
}

func newDeleteReport() DeleteReport {
	return DeleteReport{
		Success:    []DeleteEntry{},
		FailedDB:   []DeleteEntry{},
		FailedOCI:  []DeleteEntry{},
		FailedBoth: []DeleteEntry{},
	}
}

// Total is the number of IDs in the report.
func (r DeleteReport) Total() int {
	return len(r.Success) + len(r.FailedDB) + len(r.FailedOCI) + len(r.FailedBoth)
}

// Failed is the number of IDs outside the success list.
func (r DeleteReport) Failed() int {
	return r.Total() - len(r.Success)
}

func (r *DeleteReport) add(category string, e DeleteEntry) {
	switch category {
	case CategorySuccess:
		r.Success = append(r.Success, e)
	case CategoryFailedDB:
		r.FailedDB = append(r.FailedDB, e)
	case CategoryFailedOCI:
		r.FailedOCI = append(r.FailedOCI, e)
	default:
		r.FailedBoth = append(r.FailedBoth, e)
	}
}

// Merge appends other's lists to r.
func (r *DeleteReport) Merge(other DeleteReport) {
	r.Success = append(r.Success, other.Success...)
	r.FailedDB = append(r.FailedDB, other.FailedDB...)
	r.FailedOCI = append(r.FailedOCI, other.FailedOCI...)
	r.FailedBoth = append(r.FailedBoth, other.FailedBoth...)
}

// Reconciler deletes files from storage and the database, which fail
// independently, and reports the combined outcome per file.
type Reconciler struct {
	files       FileRepository
	store       ObjectStore
	log         *zap.Logger
	concurrency int
	timeout     time.Duration
}

func NewReconciler(files FileRepository, store ObjectStore, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		files:       files,
		store:       store,
		log:         log,
		concurrency: 4,
		timeout:     30 * time.Second,
	}
}

type deleteOutcome struct {
	category string
	entry    DeleteEntry
}

// dedupe drops repeated IDs, keeping the first occurrence.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Delete removes every file in ids. Storage and database deletes are both
// attempted for each file that exists; a storage "not found" counts as
// deleted.
func (rc *Reconciler) Delete(ctx context.Context, ids []string) DeleteReport {
	ids = dedupe(ids)
	outcomes := make([]deleteOutcome, len(ids))

	var g errgroup.Group
	g.SetLimit(rc.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			outcomes[i] = rc.deleteOne(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	report := newDeleteReport()
	for _, o := range outcomes {
		report.add(o.category, o.entry)
		deletionsTotal.WithLabelValues(o.category).Inc()
		if o.category != CategorySuccess {
			rc.log.Warn("delete_failed",
				zap.String("id", o.entry.ID),
				zap.String("object", o.entry.ObjectName),
				zap.String("category", o.category),
				zap.String("err", o.entry.Error),
			)
		}
	}
	return report
}

func (rc *Reconciler) deleteOne(ctx context.Context, rawID string) deleteOutcome {
	entry := DeleteEntry{ID: rawID}

	id, err := uuid.Parse(rawID)
	if err != nil {
		entry.Error = "invalid id"
		return deleteOutcome{CategoryFailedDB, entry}
	}

	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	f, err := rc.files.FileByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			entry.Error = "file not found"
		} else {
			entry.Error = err.Error()
		}
		return deleteOutcome{CategoryFailedDB, entry}
	}
	entry.ObjectName = f.ObjectName

	storeErr := rc.store.Delete(ctx, f.ObjectName)
	if errors.Is(storeErr, ErrObjectNotFound) {
		storeErr = nil
	}

	dbErr := rc.files.DeleteFile(ctx, id)
	if errors.Is(dbErr, ErrNotFound) {
		// Removed concurrently; the row is gone either way.
		dbErr = nil
	}

	switch {
	case storeErr == nil && dbErr == nil:
		return deleteOutcome{CategorySuccess, entry}
	case storeErr == nil:
		entry.Error = dbErr.Error()
		return deleteOutcome{CategoryFailedDB, entry}
	case dbErr == nil:
		entry.Error = storeErr.Error()
		return deleteOutcome{CategoryFailedOCI, entry}
	default:
		entry.Error = "storage: " + storeErr.Error() + "; database: " + dbErr.Error()
		return deleteOutcome{CategoryFailedBoth, entry}
	}
}
