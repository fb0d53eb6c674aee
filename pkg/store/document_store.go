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

// Package store declares the document, analytical, and object store
// contracts every higher-level component (the metadata store, the
// schema registry, the correction engines) persists through, plus the
// concrete Postgres/minio/in-memory backends.
package store

import "context"

// Criteria is a search_metadata-style filter map. Keys use dotted path
// syntax ("execution.status"); values are either a scalar (equality)
// or one of the comparison operators Gte/Lte/Regex.
type Criteria map[string]interface{}

// Gte, Lte and Regex wrap a comparison value so Criteria can express
// "$gte"/"$lte"/"$regex" semantics without a second map shape.
type Gte struct{ Value interface{} }
type Lte struct{ Value interface{} }
type Regex struct{ Pattern string }

// Record is one stored document: an opaque JSON-shaped payload keyed
// by collection and id, carrying its own lifecycle timestamps.
type Record struct {
	Collection string
	ID         string
	Doc        map[string]interface{}
	CreatedAt  int64 // unix seconds
	UpdatedAt  int64
}

// DocumentStore is the authoritative, read-your-writes store every
// metadata/schema/lineage record is persisted through. Analytical
// views are always derived from this store, never written to directly.
type DocumentStore interface {
	Set(ctx context.Context, collection, id string, doc map[string]interface{}) error
	Get(ctx context.Context, collection, id string) (*Record, error)
	Query(ctx context.Context, collection string, criteria Criteria, limit int) ([]*Record, error)
	Delete(ctx context.Context, collection, id string) error

	// Update performs an atomic read-modify-write of a single document:
	// fn receives the current document (nil if absent) and returns the
	// document to persist. Implementations must serialize concurrent
	// Update calls against the same (collection, id) so counter fields
	// (pattern/action success rates, healing-execution terminal state)
	// are never lost to a naive read-then-write race.
	Update(ctx context.Context, collection, id string, fn func(doc map[string]interface{}) (map[string]interface{}, error)) (*Record, error)

	// TransactUpdate performs every mutation's read-modify-write inside
	// one atomic unit: either all of them are durably applied, or (on
	// any mutation's fn returning an error) none are. Used by the
	// recovery orchestrator to keep a healing execution's terminal
	// state, its owning pattern's counters, and its owning action's
	// counters from ever diverging.
	TransactUpdate(ctx context.Context, mutations []Mutation) ([]*Record, error)
}

// Mutation is one (collection, id, fn) triple passed to TransactUpdate.
type Mutation struct {
	Collection string
	ID         string
	Fn         func(doc map[string]interface{}) (map[string]interface{}, error)
}

// AnalyticalStore is a read-mostly, eventually-consistent projection of
// the document store (e.g. a BigQuery-style export), used for
// aggregate/reporting queries the document store isn't shaped for.
type AnalyticalStore interface {
	Export(ctx context.Context, collection string, records []*Record) error
	Query(ctx context.Context, collection string, criteria Criteria, limit int) ([]*Record, error)
}

// ObjectMetadata describes one stored blob in an ObjectStore.
type ObjectMetadata struct {
	Key         string
	Size        int64
	ContentType string
	UserMeta    map[string]string
}

// ObjectStore is the staging-artifact blob store used by the data
// corrector and other components that need to persist large payloads
// outside the document store.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectMetadata, error)
	Exists(ctx context.Context, key string) (bool, error)
	GetMetadata(ctx context.Context, key string) (*ObjectMetadata, error)
	UpdateMetadata(ctx context.Context, key string, userMeta map[string]string) error
	Copy(ctx context.Context, srcKey, dstKey string) error
	Move(ctx context.Context, srcKey, dstKey string) error
}
