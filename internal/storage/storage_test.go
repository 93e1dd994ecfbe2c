package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryUploader(t *testing.T) {
	uploader := NewMemory()

	url, err := uploader.Put(context.Background(), "jobs/1/result.json", []byte(`{"cost_micros":1500}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, "memory://jobs/1/result.json", url)

	data, ok := uploader.Get("jobs/1/result.json")
	require.True(t, ok)
	assert.Equal(t, `{"cost_micros":1500}`, string(data))

	_, ok = uploader.Get("jobs/2/result.json")
	assert.False(t, ok)

	// Stored bytes are a copy, not an alias.
	original := []byte("abc")
	_, err = uploader.Put(context.Background(), "k", original, "text/plain")
	require.NoError(t, err)
	original[0] = 'z'
	data, _ = uploader.Get("k")
	assert.Equal(t, "abc", string(data))
}
