// Package storage stores run snapshots in object storage: a local directory
// for development or an S3 bucket.
package storage

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned when downloading a missing object.
var ErrObjectNotFound = errors.New("object not found")

// Object describes a stored object.
type Object struct {
	Path string
	ETag string
	Size int64
}

// ObjectStorage abstracts the snapshot object store.
type ObjectStorage interface {
	// Upload copies the local file to objectPath, replacing any object
	// already there.
	Upload(ctx context.Context, localPath, objectPath string) (Object, error)

	// Download copies objectPath to the local file.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether the object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under prefix, sorted.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// PartSize is the size above which S3 uploads switch to multipart.
const PartSize = 8 * 1024 * 1024
