// Package blob talks to the remote object store. It defines the Uploader
// surface the sync executor drives, the opaque handles that flow through
// upload tasks, and the S3 implementation.
package blob

import (
	"context"
	"errors"
	"io"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrCorruptHandle = errors.New("corrupt part handle")
)

// Uploader performs phased multipart uploads against the remote store.
// Handles returned by one phase are carried by the caller into the next;
// their contents are opaque above this package.
type Uploader interface {
	// CreateMultipart starts a multipart upload for key and returns the
	// upload handle subsequent calls must present.
	CreateMultipart(ctx context.Context, key string) ([]byte, error)

	// UploadPart streams one part and returns its part handle.
	UploadPart(ctx context.Context, key string, uploadHandle []byte, partNumber int, r io.Reader, size int64) ([]byte, error)

	// CompleteMultipart stitches the uploaded parts into the final object and
	// returns its ETag.
	CompleteMultipart(ctx context.Context, key string, uploadHandle []byte, partHandles map[int][]byte) (string, error)

	// AbortMultipart discards an in-flight upload and its parts.
	AbortMultipart(ctx context.Context, key string, uploadHandle []byte) error

	// DeleteObject removes one remote object.
	DeleteObject(ctx context.Context, key string) error

	// CopyObject copies a remote object to a new key in the same bucket.
	CopyObject(ctx context.Context, srcKey, dstKey string) error
}
