package dynamo

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/jacentio/doctable/store"
)

var (
	// ErrTableExists is returned by CreateCollection for an existing table.
	ErrTableExists = fmt.Errorf("dynamo: %w", store.ErrTableExists)

	// ErrImmutableID is the message of a write that would change a document's _id.
	ErrImmutableID = errors.New("dynamo: _id of an existing document cannot change")
)

func isNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	return errors.As(err, &nf)
}

func isConditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

// writeRejection maps a per-item failure of PutItem onto a store write error.
// Failures the service attributes to the request itself (bad attribute types,
// oversized items) are isolated rejections; anything else is returned as nil.
func writeRejection(err error) *store.WriteError {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return nil
	}
	switch apiErr.ErrorCode() {
	case "ValidationException":
		return &store.WriteError{Message: apiErr.ErrorMessage()}
	}

	var sizeErr *types.ItemCollectionSizeLimitExceededException
	if errors.As(err, &sizeErr) {
		return &store.WriteError{Message: sizeErr.ErrorMessage()}
	}
	return nil
}
