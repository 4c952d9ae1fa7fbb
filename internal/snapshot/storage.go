// Package snapshot copies the object store to object storage before an
// optimization run, so a run that goes wrong can be rolled back by hand.
package snapshot

import (
	"context"

	cerrors "github.com/arkilian/catalogopt/internal/errors"
)

// ErrNotFound is returned when a snapshot object does not exist.
var ErrNotFound = cerrors.New(cerrors.ErrCategorySnapshot, cerrors.CodeObjectNotFound, "snapshot object not found")

// ObjectStorage abstracts the object storage snapshots are written to.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Upload copies the local file at localPath to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies objectPath to the local file at localPath.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether objectPath exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under prefix.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

func uploadFailed(cause error) error {
	return cerrors.NewSnapshotError(cerrors.CodeUploadFailed, "upload failed", cause)
}

func downloadFailed(cause error) error {
	return cerrors.NewSnapshotError(cerrors.CodeDownloadFailed, "download failed", cause)
}
