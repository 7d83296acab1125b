package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"
)

// WriteFailure is a request dropped from a bulk write.
type WriteFailure struct {
	// Entry is the position of the dropped document in the caller's entries.
	// WriteError.Index is its position in the wave that rejected it.
	Entry int

	WriteError
}

// BulkOutcome is the result of UpsertMany or InsertMany.
type BulkOutcome struct {
	// Dropped is the number of requests the store rejected and that were removed.
	Dropped int

	// Failures lists the dropped requests in entry order.
	Failures []WriteFailure

	// Waves is the number of submissions made.
	Waves int

	// Result is the store's summary of the last, successful submission.
	// It covers only the requests that were not dropped.
	Result BulkResult
}

// UpsertMany replaces or inserts every entry keyed by uniqueField (default "_id")
// in one batch. Entries the store rejects are dropped and the rest resubmitted
// until a submission succeeds; see BulkOutcome.
func (t *Table) UpsertMany(ctx context.Context, entries []Document, uniqueField string) (BulkOutcome, error) {
	return t.bulkWrite(ctx, ReplaceOrInsert, entries, uniqueField)
}

// InsertMany inserts every entry whose uniqueField value is not yet present.
// Existing documents are left untouched and are not counted as failures.
// Rejected entries are dropped and retried as in UpsertMany.
func (t *Table) InsertMany(ctx context.Context, entries []Document, uniqueField string) (BulkOutcome, error) {
	return t.bulkWrite(ctx, InsertIfAbsent, entries, uniqueField)
}

// bulkWrite submits the batch, pruning rejected requests after each
// partial-failure wave. Any error other than *BulkWriteError aborts the call.
func (t *Table) bulkWrite(ctx context.Context, kind WriteKind, entries []Document, uniqueField string) (out BulkOutcome, err error) {
	start := time.Now()
	defer func() {
		t.observer.ObserveBulk(BulkEvent{
			Table:    t.name,
			Kind:     kind,
			Requests: len(entries),
			Dropped:  out.Dropped,
			Waves:    out.Waves,
			Duration: time.Since(start),
			Err:      err,
		})
	}()

	coll, err := t.collection()
	if err != nil {
		return BulkOutcome{}, err
	}

	models, err := buildWriteModels(kind, entries, uniqueField)
	if err != nil {
		return BulkOutcome{}, err
	}

	// origin[i] is the entry index of models[i].
	origin := make([]int, len(models))
	for i := range origin {
		origin[i] = i
	}

	for len(models) > 0 {
		out.Waves++
		res, err := coll.BulkWrite(ctx, models)
		if err == nil {
			out.Result = res
			sortFailures(out.Failures)
			return out, nil
		}

		var bwe *BulkWriteError
		if !errors.As(err, &bwe) || len(bwe.WriteErrors) == 0 {
			return out, err
		}

		var failures []WriteFailure
		models, origin, failures, err = pruneRejected(models, origin, bwe.WriteErrors)
		if err != nil {
			return out, err
		}
		out.Dropped += len(failures)
		out.Failures = append(out.Failures, failures...)

		t.logger.Warn("bulk write dropped rejected requests",
			"kind", kind.String(),
			"wave", out.Waves,
			"dropped", len(failures),
			"remaining", len(models),
			"firstError", failures[0].Message,
		)
	}

	sortFailures(out.Failures)
	return out, nil
}

func sortFailures(failures []WriteFailure) {
	sort.Slice(failures, func(i, j int) bool {
		return failures[i].Entry < failures[j].Entry
	})
}

// buildWriteModels creates one request per entry keyed by uniqueField.
func buildWriteModels(kind WriteKind, entries []Document, uniqueField string) ([]WriteModel, error) {
	models := make([]WriteModel, 0, len(entries))
	for i, entry := range entries {
		filter, err := uniqueFilter(entry, uniqueField)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		models = append(models, WriteModel{
			Kind:     kind,
			Filter:   filter,
			Document: entry,
		})
	}
	return models, nil
}

// pruneRejected removes the rejected requests from models and origin.
// Indices are removed in descending order so earlier positions stay valid
// within one wave. Returned failures are in entry order.
func pruneRejected(models []WriteModel, origin []int, rejected []WriteError) ([]WriteModel, []int, []WriteFailure, error) {
	byIndex := make(map[int]WriteError, len(rejected))
	indices := make([]int, 0, len(rejected))
	for _, we := range rejected {
		if we.Index < 0 || we.Index >= len(models) {
			return nil, nil, nil, fmt.Errorf("doctable: store rejected index %d of a %d-request batch", we.Index, len(models))
		}
		if _, dup := byIndex[we.Index]; dup {
			continue
		}
		byIndex[we.Index] = we
		indices = append(indices, we.Index)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(indices)))

	failures := make([]WriteFailure, 0, len(indices))
	for _, i := range indices {
		failures = append(failures, WriteFailure{Entry: origin[i], WriteError: byIndex[i]})
		models = slices.Delete(models, i, i+1)
		origin = slices.Delete(origin, i, i+1)
	}
	slices.Reverse(failures)
	return models, origin, failures, nil
}
