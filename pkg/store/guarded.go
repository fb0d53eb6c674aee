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

package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/jordigilh/selfheal/pkg/breaker"
	"github.com/jordigilh/selfheal/pkg/classifier"
	"github.com/jordigilh/selfheal/pkg/shared/logging"
)

// GuardedDocumentStore routes every DocumentStore operation through a
// named circuit breaker and classifies every failure before it
// propagates. While the breaker is open, calls fail fast with a
// *classifier.ClassifiedError whose recoverability is NON_RECOVERABLE,
// so callers stop retrying a dependency that is known to be down.
type GuardedDocumentStore struct {
	inner  DocumentStore
	br     *breaker.Breaker
	cls    *classifier.Classifier
	logger *zap.Logger
}

// NewGuardedDocumentStore wraps inner behind br. cls classifies
// failures (classifier.New() if nil); logger may be nil for silence.
func NewGuardedDocumentStore(inner DocumentStore, br *breaker.Breaker, cls *classifier.Classifier, logger *zap.Logger) *GuardedDocumentStore {
	if cls == nil {
		cls = classifier.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GuardedDocumentStore{inner: inner, br: br, cls: cls, logger: logger}
}

// guard runs fn through the breaker and, on failure, classifies the
// error as a connection-category failure of the guarded dependency.
func (g *GuardedDocumentStore) guard(op string, fn func() error) error {
	err := g.br.Call(fn)
	if err == nil {
		return nil
	}
	cl := g.cls.Classify(classifier.CategoryConnection, err, classifier.Context{})
	log := g.logger.Warn
	if cl.Recoverability == classifier.NonRecoverable {
		log = g.logger.Error
	}
	log("document store call failed", logging.NewFields().
		Component("store").
		Operation(op).
		Resource("service", g.br.GetName()).
		Custom("severity", cl.Severity.String()).
		Custom("recoverability", string(cl.Recoverability)).
		Custom("retryable", cl.Retryable).
		Error(err).
		ToZap()...)
	return &classifier.ClassifiedError{Classification: cl, Err: err}
}

func (g *GuardedDocumentStore) Set(ctx context.Context, collection, id string, doc map[string]interface{}) error {
	return g.guard("set "+collection, func() error {
		return g.inner.Set(ctx, collection, id, doc)
	})
}

func (g *GuardedDocumentStore) Get(ctx context.Context, collection, id string) (*Record, error) {
	var rec *Record
	err := g.guard("get "+collection, func() error {
		var callErr error
		rec, callErr = g.inner.Get(ctx, collection, id)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (g *GuardedDocumentStore) Query(ctx context.Context, collection string, criteria Criteria, limit int) ([]*Record, error) {
	var recs []*Record
	err := g.guard("query "+collection, func() error {
		var callErr error
		recs, callErr = g.inner.Query(ctx, collection, criteria, limit)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (g *GuardedDocumentStore) Delete(ctx context.Context, collection, id string) error {
	return g.guard("delete "+collection, func() error {
		return g.inner.Delete(ctx, collection, id)
	})
}

func (g *GuardedDocumentStore) Update(ctx context.Context, collection, id string, fn func(doc map[string]interface{}) (map[string]interface{}, error)) (*Record, error) {
	var rec *Record
	err := g.guard("update "+collection, func() error {
		var callErr error
		rec, callErr = g.inner.Update(ctx, collection, id, fn)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (g *GuardedDocumentStore) TransactUpdate(ctx context.Context, mutations []Mutation) ([]*Record, error) {
	var recs []*Record
	err := g.guard("transact_update", func() error {
		var callErr error
		recs, callErr = g.inner.TransactUpdate(ctx, mutations)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}
