// Package objectstore defines the blob archive used for inbound media.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrInvalidKey is returned for empty bucket or object names.
var ErrInvalidKey = errors.New("invalid bucket or object key")

// Store archives binary payloads. EnsureBucket is idempotent; Put returns the
// identifier under which the object can be fetched again.
type Store interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Put(ctx context.Context, bucket, key string, data []byte, mimeType string) (string, error)
}

// ObjectName normalizes a storage path into an object name: leading slashes
// are dropped so "/image/a.jpg" and "image/a.jpg" address the same object.
func ObjectName(key string) string {
	return strings.TrimLeft(strings.TrimSpace(key), "/")
}

// Object is one entry of a Memory store.
type Object struct {
	Data     []byte
	MimeType string
}

// Memory is an in-process Store, used when no object storage is configured
// and in tests.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string]Object
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[string]Object)}
}

func (m *Memory) EnsureBucket(_ context.Context, bucket string) error {
	if strings.TrimSpace(bucket) == "" {
		return ErrInvalidKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string]Object)
	}
	return nil
}

func (m *Memory) Put(ctx context.Context, bucket, key string, data []byte, mimeType string) (string, error) {
	name := ObjectName(key)
	if name == "" {
		return "", ErrInvalidKey
	}
	if err := m.EnsureBucket(ctx, bucket); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[bucket][name] = Object{Data: append([]byte(nil), data...), MimeType: mimeType}
	return name, nil
}

// Get returns a stored object.
func (m *Memory) Get(bucket, key string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.buckets[bucket][ObjectName(key)]
	if !ok {
		return Object{}, fmt.Errorf("object %s/%s not found", bucket, ObjectName(key))
	}
	return obj, nil
}

// Len returns the number of objects in bucket.
func (m *Memory) Len(bucket string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buckets[bucket])
}
