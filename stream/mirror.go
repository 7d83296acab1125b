// Package stream provides a DynamoDB Streams handler that mirrors a source
// table into a store table.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/doctable/store"
)

// Stream event names.
const (
	eventInsert = "INSERT"
	eventModify = "MODIFY"
	eventRemove = "REMOVE"
)

// Mirror applies stream records to a table. The mirrored document's _id is
// the source item's key: the key value itself for a single-attribute key,
// a map of key attributes for a composite key.
//
// INSERT and MODIFY records need the NEW_IMAGE or NEW_AND_OLD_IMAGES view type.
// Consecutive writes are sent as one UpsertMany; a REMOVE flushes the pending
// writes first so records apply in stream order.
type Mirror struct {
	table  *store.Table
	logger *slog.Logger
}

// NewMirror creates a Mirror writing to table.
func NewMirror(table *store.Table, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		table:  table,
		logger: logger,
	}
}

// pending is a run of upserts waiting to be flushed.
type pending struct {
	docs []store.Document

	// sources[i] is the record docs[i] was built from.
	sources []events.DynamoDBEventRecord

	// covered counts the records consumed since the last flush, skipped ones included.
	covered int
}

// Handle applies every record of event. It returns the first transport
// error so Lambda retries the whole batch. Writes the store rejects are
// logged and skipped.
// This function is designed to be used as an AWS Lambda handler.
func (m *Mirror) Handle(ctx context.Context, event events.DynamoDBEvent) error {
	_, err := m.apply(ctx, event.Records)
	return err
}

// HandleBatch applies every record of event and reports partial batch
// failures: on a transport error, the records from the first unapplied one
// onwards are returned as failures so Lambda retries only those. Use it with
// ReportBatchItemFailures enabled on the event source mapping.
func (m *Mirror) HandleBatch(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var resp events.DynamoDBEventResponse
	applied, err := m.apply(ctx, event.Records)
	if err == nil {
		return resp, nil
	}

	m.logger.Error("mirror stopped, reporting remaining records",
		"applied", applied,
		"remaining", len(event.Records)-applied,
		"error", err,
	)
	for _, record := range event.Records[applied:] {
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
			ItemIdentifier: record.Change.SequenceNumber,
		})
	}
	return resp, nil
}

// apply processes records in order and returns how many were applied
// before the first error.
func (m *Mirror) apply(ctx context.Context, records []events.DynamoDBEventRecord) (int, error) {
	var batch pending
	applied := 0

	flush := func() error {
		if len(batch.docs) > 0 {
			if err := m.upsert(ctx, batch); err != nil {
				return err
			}
		}
		applied += batch.covered
		batch = pending{}
		return nil
	}

	for _, record := range records {
		switch record.EventName {
		case eventInsert, eventModify:
			if len(record.Change.NewImage) == 0 {
				m.logger.Warn("skipping record without new image",
					"eventID", record.EventID,
					"eventName", record.EventName,
				)
			} else {
				batch.docs = append(batch.docs, m.document(record))
				batch.sources = append(batch.sources, record)
			}
			batch.covered++

		case eventRemove:
			if err := flush(); err != nil {
				return applied, err
			}
			if err := m.remove(ctx, record); err != nil {
				return applied, err
			}
			applied++

		default:
			batch.covered++
		}
	}

	if err := flush(); err != nil {
		return applied, err
	}
	return applied, nil
}

// document converts a record's new image, keyed by the record's key.
func (m *Mirror) document(record events.DynamoDBEventRecord) store.Document {
	doc := ConvertImage(record.Change.NewImage)
	doc[store.IdentityField] = DocumentID(record.Change.Keys)
	return doc
}

func (m *Mirror) upsert(ctx context.Context, batch pending) error {
	out, err := m.table.UpsertMany(ctx, batch.docs, store.IdentityField)
	if err != nil {
		return fmt.Errorf("upsert %d documents: %w", len(batch.docs), err)
	}

	for _, f := range out.Failures {
		m.logger.Warn("mirror write rejected",
			"eventID", batch.sources[f.Entry].EventID,
			"code", f.Code,
			"error", f.Message,
		)
	}
	m.logger.Info("mirrored records",
		"table", m.table.Name(),
		"records", len(batch.docs),
		"dropped", out.Dropped,
		"waves", out.Waves,
	)
	return nil
}

func (m *Mirror) remove(ctx context.Context, record events.DynamoDBEventRecord) error {
	id := DocumentID(record.Change.Keys)
	n, err := m.table.DeleteOne(ctx, store.Filter{store.IdentityField: id})
	if err != nil {
		return fmt.Errorf("delete %v: %w", id, err)
	}
	if n == 0 {
		m.logger.Debug("removed document was not mirrored", "eventID", record.EventID)
	}
	return nil
}

// DocumentID derives a document identity from a stream record key.
func DocumentID(keys map[string]events.DynamoDBAttributeValue) any {
	if len(keys) == 1 {
		for _, v := range keys {
			return ConvertAttribute(v)
		}
	}
	id := make(map[string]any, len(keys))
	for k, v := range keys {
		id[k] = ConvertAttribute(v)
	}
	return id
}

// ConvertImage converts a stream image into a document.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) store.Document {
	doc := make(store.Document, len(image))
	for k, v := range image {
		doc[k] = ConvertAttribute(v)
	}
	return doc
}

// ConvertAttribute converts a stream attribute into a plain Go value.
// Numbers become int64 when integral and in range, float64 otherwise.
// Sets become slices.
func ConvertAttribute(v events.DynamoDBAttributeValue) any {
	switch v.DataType() {
	case events.DataTypeString:
		return v.String()
	case events.DataTypeNumber:
		return parseNumber(v.Number())
	case events.DataTypeBinary:
		return v.Binary()
	case events.DataTypeBoolean:
		return v.Boolean()
	case events.DataTypeNull:
		return nil
	case events.DataTypeList:
		list := v.List()
		out := make([]any, 0, len(list))
		for _, item := range list {
			out = append(out, ConvertAttribute(item))
		}
		return out
	case events.DataTypeMap:
		return map[string]any(ConvertImage(v.Map()))
	case events.DataTypeStringSet:
		return v.StringSet()
	case events.DataTypeNumberSet:
		set := v.NumberSet()
		out := make([]any, 0, len(set))
		for _, n := range set {
			out = append(out, parseNumber(n))
		}
		return out
	case events.DataTypeBinarySet:
		return v.BinarySet()
	}
	return nil
}

// parseNumber parses a stream number. Unparseable numbers are kept as strings.
func parseNumber(s string) any {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
