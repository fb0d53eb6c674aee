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

package modelclient

import (
	"context"

	"go.uber.org/zap"

	"github.com/jordigilh/selfheal/pkg/breaker"
	"github.com/jordigilh/selfheal/pkg/classifier"
	"github.com/jordigilh/selfheal/pkg/shared/logging"
)

// GuardedPredictor routes Predict calls through a named circuit
// breaker and classifies every failure before it propagates, so a
// model endpoint that is down fails fast with a NON_RECOVERABLE
// *classifier.ClassifiedError instead of hammering the provider.
type GuardedPredictor struct {
	inner  ModelPredictor
	br     *breaker.Breaker
	cls    *classifier.Classifier
	logger *zap.Logger
}

// NewGuardedPredictor wraps inner behind br. cls classifies failures
// (classifier.New() if nil); logger may be nil for silence.
func NewGuardedPredictor(inner ModelPredictor, br *breaker.Breaker, cls *classifier.Classifier, logger *zap.Logger) *GuardedPredictor {
	if cls == nil {
		cls = classifier.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GuardedPredictor{inner: inner, br: br, cls: cls, logger: logger}
}

func (g *GuardedPredictor) Predict(ctx context.Context, endpoint string, features map[string]interface{}) (Prediction, error) {
	var pred Prediction
	err := g.br.Call(func() error {
		var callErr error
		pred, callErr = g.inner.Predict(ctx, endpoint, features)
		return callErr
	})
	if err == nil {
		return pred, nil
	}

	cl := g.cls.Classify(classifier.CategoryServiceUnavailable, err, classifier.Context{})
	log := g.logger.Warn
	if cl.Recoverability == classifier.NonRecoverable {
		log = g.logger.Error
	}
	log("model inference call failed", logging.NewFields().
		Component("modelclient").
		Operation("predict").
		Resource("service", g.br.GetName()).
		Custom("endpoint", endpoint).
		Custom("severity", cl.Severity.String()).
		Custom("recoverability", string(cl.Recoverability)).
		Custom("retryable", cl.Retryable).
		Error(err).
		ToZap()...)
	return Prediction{}, &classifier.ClassifiedError{Classification: cl, Err: err}
}
