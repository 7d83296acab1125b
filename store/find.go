package store

import (
	"context"
	"iter"
)

// Query selects documents for Find. Zero values mean "store default":
// no filter restriction, store order, no skip, no cap.
type Query struct {
	Filter Filter
	Sort   Sort
	Offset int64
	Limit  int64
}

// Find returns a lazy sequence of the documents matching q.
// The cursor is opened when iteration starts and closed when it ends,
// including when the loop breaks early. An error is yielded once and ends
// the sequence. Ranging over the sequence again issues a new query.
func (t *Table) Find(ctx context.Context, q Query) iter.Seq2[Document, error] {
	return func(yield func(Document, error) bool) {
		coll, err := t.collection()
		if err != nil {
			yield(nil, err)
			return
		}
		t.scan(ctx, coll, q.Filter, FindOptions{
			Sort:  q.Sort,
			Skip:  q.Offset,
			Limit: q.Limit,
		}, yield)
	}
}

// FindWithPagination returns a lazy sequence of the documents matching filter,
// read as ceil(total/pageSize) bounded finds with increasing offsets instead
// of one long-lived cursor. pageSize <= 0 means DefaultPageSize.
//
// The total is counted once before the first page. Writes that happen during
// iteration can make pages overlap or skip documents; pass a sort on a stable
// unique field to keep page boundaries consistent.
func (t *Table) FindWithPagination(ctx context.Context, filter Filter, sort Sort, pageSize int) iter.Seq2[Document, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(Document, error) bool) {
		coll, err := t.collection()
		if err != nil {
			yield(nil, err)
			return
		}

		countFilter := filter
		if countFilter == nil {
			countFilter = Filter{}
		}
		total, err := coll.CountDocuments(ctx, countFilter)
		if err != nil {
			yield(nil, err)
			return
		}

		size := int64(pageSize)
		pages := pageCount(total, size)
		for i := int64(0); i < pages; i++ {
			if !t.scan(ctx, coll, filter, FindOptions{
				Sort:  sort,
				Skip:  i * size,
				Limit: size,
			}, yield) {
				return
			}
		}
	}
}

// scan streams one cursor into yield. It reports whether the caller should continue.
func (t *Table) scan(ctx context.Context, coll Collection, filter Filter, opts FindOptions, yield func(Document, error) bool) bool {
	if filter == nil {
		filter = Filter{}
	}
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		yield(nil, err)
		return false
	}
	defer func() {
		if err := cur.Close(ctx); err != nil {
			t.logger.Debug("failed to close cursor", "error", err)
		}
	}()

	for cur.Next(ctx) {
		doc, err := cur.Document()
		if err != nil {
			yield(nil, err)
			return false
		}
		if !yield(doc, nil) {
			return false
		}
	}
	if err := cur.Err(); err != nil {
		yield(nil, err)
		return false
	}
	return true
}

// pageCount returns ceil(total/size).
func pageCount(total, size int64) int64 {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Document, error]) ([]Document, error) {
	var docs []Document
	for doc, err := range seq {
		if err != nil {
			return docs, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
