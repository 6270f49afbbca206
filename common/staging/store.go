package staging

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("object not found")

// ErrMalformedDocument is returned by Decode for bodies that are not a JSON object.
var ErrMalformedDocument = errors.New("malformed document")

// ObjectStore is the subset of an object store the pipeline needs. Put must
// be atomic: readers observe either the previous object or the new one.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
