// Package blobstore provides content-addressed object storage for raw media.
//
// The retrieval hot path never streams blob bytes; its only use of this
// package is minting artifact URLs that callers fetch directly.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
)

// ErrBlobUnavailable indicates the object store could not be reached.
var ErrBlobUnavailable = errors.New("blob store unavailable")

// Store is the blob store contract.
type Store interface {
	// Put stores size bytes from r at the given path.
	Put(ctx context.Context, objectPath string, r io.Reader, size int64, contentType string) error

	// URLFor mints a URL the caller can GET to fetch the blob. Presigned and
	// time-limited for the S3 implementation.
	URLFor(ctx context.Context, objectPath string) (string, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, objectPath string) error
}

// HashPath builds the content-addressed storage path for raw bytes:
// sha256/<first two hex chars>/<hash><ext>.
func HashPath(data []byte, ext string) string {
	sum := sha256.Sum256(data)
	h := hex.EncodeToString(sum[:])
	return path.Join("sha256", h[:2], h+ext)
}

// HashHex returns the hex sha256 of data, the de-duplication key for
// documents.
func HashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidatePath rejects empty and traversal-bearing object paths.
func ValidatePath(objectPath string) error {
	if objectPath == "" {
		return fmt.Errorf("object path cannot be empty")
	}
	if path.Clean(objectPath) != objectPath || objectPath[0] == '/' {
		return fmt.Errorf("invalid object path %q", objectPath)
	}
	return nil
}
