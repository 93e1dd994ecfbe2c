// Package storage provides the object storage collaborator used to host
// output variant images.
package storage

import "context"

// Uploader persists a blob and returns the public URL it is served from.
type Uploader interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
}
