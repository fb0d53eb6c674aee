/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package memory

import (
	"context"
	"strings"
	"sync"

	selfherrors "github.com/jordigilh/selfheal/pkg/shared/errors"
	"github.com/jordigilh/selfheal/pkg/store"
)

// ObjectStore is an in-memory store.ObjectStore used by correction
// engine tests in place of a real minio bucket.
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	meta    map[string]store.ObjectMetadata
}

func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string][]byte), meta: make(map[string]store.ObjectMetadata)}
}

func (o *ObjectStore) Upload(_ context.Context, key string, data []byte, contentType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	o.objects[key] = cp
	o.meta[key] = store.ObjectMetadata{Key: key, Size: int64(len(data)), ContentType: contentType, UserMeta: map[string]string{}}
	return nil
}

func (o *ObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, selfherrors.FailedTo("download object "+key, errNotFound)
	}
	return data, nil
}

func (o *ObjectStore) Delete(_ context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	delete(o.meta, key)
	return nil
}

func (o *ObjectStore) List(_ context.Context, prefix string) ([]store.ObjectMetadata, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []store.ObjectMetadata
	for key, m := range o.meta {
		if strings.HasPrefix(key, prefix) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (o *ObjectStore) Exists(_ context.Context, key string) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.objects[key]
	return ok, nil
}

func (o *ObjectStore) GetMetadata(_ context.Context, key string) (*store.ObjectMetadata, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.meta[key]
	if !ok {
		return nil, selfherrors.FailedTo("get metadata for object "+key, errNotFound)
	}
	return &m, nil
}

func (o *ObjectStore) UpdateMetadata(_ context.Context, key string, userMeta map[string]string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.meta[key]
	if !ok {
		return selfherrors.FailedTo("update metadata for object "+key, errNotFound)
	}
	m.UserMeta = userMeta
	o.meta[key] = m
	return nil
}

func (o *ObjectStore) Copy(_ context.Context, srcKey, dstKey string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[srcKey]
	if !ok {
		return selfherrors.FailedTo("copy object "+srcKey, errNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	o.objects[dstKey] = cp
	m := o.meta[srcKey]
	m.Key = dstKey
	o.meta[dstKey] = m
	return nil
}

func (o *ObjectStore) Move(ctx context.Context, srcKey, dstKey string) error {
	if err := o.Copy(ctx, srcKey, dstKey); err != nil {
		return err
	}
	return o.Delete(ctx, srcKey)
}

var errNotFound = objectNotFoundError{}

type objectNotFoundError struct{}

func (objectNotFoundError) Error() string { return "object not found" }
