// Package storage defines the object store used for the chat audit archive.
package storage

import (
	"context"
	"errors"
	"io"
)

var ErrBucketNotFound = errors.New("bucket not found")

type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

type PutOptions struct {
	ContentType string
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	// Check verifies the store is reachable and its bucket exists.
	Check(ctx context.Context) error
}
