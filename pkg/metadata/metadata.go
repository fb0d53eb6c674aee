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

// Package metadata is the metadata store that records every
// tracked pipeline event (source systems, pipeline/task executions,
// schema and data-quality snapshots, self-healing activity) as a typed
// document over pkg/store.DocumentStore.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jordigilh/selfheal/internal/validation"
	"github.com/jordigilh/selfheal/pkg/observability"
	selfherrors "github.com/jordigilh/selfheal/pkg/shared/errors"
	"github.com/jordigilh/selfheal/pkg/store"
)

// validate enforces the struct-tag rules on trackRequest/updateRequest
// below before any write reaches the document store. A single package-
// level instance is safe for concurrent use (validator's own contract).
var validate = validator.New()

// trackRequest is the validated DTO every Track* method funnels through
// track() as — the one write-path validation gate.
type trackRequest struct {
	ID          string     `validate:"required"`
	RecordType  RecordType `validate:"required"`
	Environment string     `validate:"required,oneof=production staging development test"`
}

// updateRequest is the validated DTO UpdatePipelineExecution and
// UpdateTaskExecution funnel through updateExecution as.
type updateRequest struct {
	ID     string `validate:"required"`
	Status string `validate:"required"`
}

// RecordType is the closed set of trackable metadata record kinds.
type RecordType string

const (
	RecordTypeSourceSystem     RecordType = "source_system"
	RecordTypePipelineDef      RecordType = "pipeline_definition"
	RecordTypePipelineExec     RecordType = "pipeline_execution"
	RecordTypeTaskExec         RecordType = "task_execution"
	RecordTypeSchema           RecordType = "schema_metadata"
	RecordTypeDataQuality      RecordType = "data_quality_metadata"
	RecordTypeSelfHealing      RecordType = "self_healing_metadata"
)

const collection = "metadata_records"

// terminal statuses trigger end_time/duration_seconds computation.
var terminalStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
}

// sensitiveKeyMarkers flags any key containing one of these substrings
// (case-insensitive) for masking before persistence.
var sensitiveKeyMarkers = []string{"password", "secret", "key", "token", "credential"}

// Store is the metadata store, backed by a document store and an
// analytical store that only ever receives exported (derived) copies —
// never written to directly by any tracking operation below.
type Store struct {
	docs       store.DocumentStore
	analytical store.AnalyticalStore
	now        func() time.Time
}

// New builds a Store. now supplies the clock (tests pass a fixed
// function; production passes time.Now).
func New(docs store.DocumentStore, analytical store.AnalyticalStore, now func() time.Time) *Store {
	return &Store{docs: docs, analytical: analytical, now: now}
}

func (s *Store) track(ctx context.Context, id string, recordType RecordType, environment string, fields map[string]interface{}) error {
	if err := validate.Struct(trackRequest{ID: id, RecordType: recordType, Environment: environment}); err != nil {
		return selfherrors.FailedTo("validate metadata track request", err)
	}

	ctx, end := observability.Span(ctx, "metadata.track", attribute.String("record_type", string(recordType)))
	now := s.now().UTC()
	doc := map[string]interface{}{
		"metadata_id": id,
		"record_type": string(recordType),
		"environment": environment,
		"created_at":  now.Format(time.RFC3339),
		"updated_at":  now.Format(time.RFC3339),
	}
	for k, v := range fields {
		doc[k] = v
	}
	maskSensitive(doc)
	err := s.docs.Set(ctx, collection, id, doc)
	end(err)
	return err
}

// TrackSourceSystem records a source system's connection metadata,
// masking sensitive connection fields before persistence.
func (s *Store) TrackSourceSystem(ctx context.Context, id, environment string, fields map[string]interface{}) error {
	return s.track(ctx, id, RecordTypeSourceSystem, environment, fields)
}

// TrackPipelineDefinition records a pipeline's static definition.
func (s *Store) TrackPipelineDefinition(ctx context.Context, pipelineID, environment string, fields map[string]interface{}) error {
	return s.track(ctx, pipelineID, RecordTypePipelineDef, environment, fields)
}

// TrackPipelineExecution records a new pipeline execution (status
// typically "running" at creation).
func (s *Store) TrackPipelineExecution(ctx context.Context, executionID, pipelineID, environment, status string, fields map[string]interface{}) error {
	merged := map[string]interface{}{"pipeline_id": pipelineID, "status": status}
	for k, v := range fields {
		merged[k] = v
	}
	return s.track(ctx, executionID, RecordTypePipelineExec, environment, merged)
}

// UpdatePipelineExecution advances an execution's status. When the new
// status is terminal, end_time and duration_seconds are computed from
// the record's existing created_at.
func (s *Store) UpdatePipelineExecution(ctx context.Context, executionID, status string, fields map[string]interface{}) error {
	return s.updateExecution(ctx, executionID, status, fields)
}

// TrackTaskExecution records a new task execution within a pipeline
// execution.
func (s *Store) TrackTaskExecution(ctx context.Context, taskID, executionID, environment, status string, fields map[string]interface{}) error {
	merged := map[string]interface{}{"execution_id": executionID, "status": status}
	for k, v := range fields {
		merged[k] = v
	}
	return s.track(ctx, taskID, RecordTypeTaskExec, environment, merged)
}

// UpdateTaskExecution advances a task's status, applying the same
// terminal-status end_time/duration_seconds rule as pipeline executions.
func (s *Store) UpdateTaskExecution(ctx context.Context, taskID, status string, fields map[string]interface{}) error {
	return s.updateExecution(ctx, taskID, status, fields)
}

func (s *Store) updateExecution(ctx context.Context, id, status string, fields map[string]interface{}) error {
	if err := validate.Struct(updateRequest{ID: id, Status: status}); err != nil {
		return selfherrors.FailedTo("validate metadata update request", err)
	}

	existing, err := s.docs.Get(ctx, collection, id)
	if err != nil {
		return selfherrors.DatabaseError("get record "+id+" for update", err)
	}
	if existing == nil {
		return selfherrors.FailedTo("update execution "+id, fmt.Errorf("record not found"))
	}

	doc := existing.Doc
	for k, v := range fields {
		doc[k] = v
	}
	doc["status"] = status

	if terminalStatuses[status] {
		now := s.now().UTC()
		doc["end_time"] = now.Format(time.RFC3339)
		if startRaw, ok := doc["start_time"].(string); ok {
			if start, err := time.Parse(time.RFC3339, startRaw); err == nil {
				doc["duration_seconds"] = now.Sub(start).Seconds()
			}
		}
	}
	maskSensitive(doc)
	return s.docs.Set(ctx, collection, id, doc)
}

// TrackSchemaMetadata records a schema snapshot associated with a
// dataset/table.
func (s *Store) TrackSchemaMetadata(ctx context.Context, id, environment string, fields map[string]interface{}) error {
	return s.track(ctx, id, RecordTypeSchema, environment, fields)
}

// TrackDataQualityMetadata records a data-quality check result.
func (s *Store) TrackDataQualityMetadata(ctx context.Context, id, environment string, fields map[string]interface{}) error {
	return s.track(ctx, id, RecordTypeDataQuality, environment, fields)
}

// TrackSelfHealingMetadata records a healing-activity event (the
// orchestrator's audit trail).
func (s *Store) TrackSelfHealingMetadata(ctx context.Context, id, environment string, fields map[string]interface{}) error {
	return s.track(ctx, id, RecordTypeSelfHealing, environment, fields)
}

// GetMetadataRecord fetches a single record by id, or nil if absent.
func (s *Store) GetMetadataRecord(ctx context.Context, id string) (map[string]interface{}, error) {
	rec, err := s.docs.Get(ctx, collection, id)
	if err != nil {
		return nil, selfherrors.DatabaseError("get metadata record "+id, err)
	}
	if rec == nil {
		return nil, nil
	}
	return rec.Doc, nil
}

// GetPipelineMetadata returns the pipeline's definition plus its most
// recent executions.
func (s *Store) GetPipelineMetadata(ctx context.Context, pipelineID string, recentLimit int) (definition map[string]interface{}, executions []map[string]interface{}, err error) {
	def, err := s.GetMetadataRecord(ctx, pipelineID)
	if err != nil {
		return nil, nil, err
	}

	recs, err := s.docs.Query(ctx, collection, store.Criteria{
		"record_type": string(RecordTypePipelineExec),
		"pipeline_id": pipelineID,
	}, recentLimit)
	if err != nil {
		return nil, nil, selfherrors.DatabaseError("query pipeline executions for "+pipelineID, err)
	}
	for _, r := range recs {
		executions = append(executions, r.Doc)
	}
	return def, executions, nil
}

// ExecutionMetadata bundles an execution record with its optionally
// requested task, quality, and healing children.
type ExecutionMetadata struct {
	Execution map[string]interface{}
	Tasks     []map[string]interface{}
	Quality   []map[string]interface{}
	Healing   []map[string]interface{}
}

// GetExecutionMetadata fetches an execution and, per the include flags,
// its related task/quality/healing records.
func (s *Store) GetExecutionMetadata(ctx context.Context, executionID string, includeTasks, includeQuality, includeHealing bool) (*ExecutionMetadata, error) {
	exec, err := s.GetMetadataRecord(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, nil
	}

	result := &ExecutionMetadata{Execution: exec}

	if includeTasks {
		recs, err := s.docs.Query(ctx, collection, store.Criteria{
			"record_type":  string(RecordTypeTaskExec),
			"execution_id": executionID,
		}, 0)
		if err != nil {
			return nil, selfherrors.DatabaseError("query tasks for "+executionID, err)
		}
		for _, r := range recs {
			result.Tasks = append(result.Tasks, r.Doc)
		}
	}

	if includeQuality {
		recs, err := s.docs.Query(ctx, collection, store.Criteria{
			"record_type":  string(RecordTypeDataQuality),
			"execution_id": executionID,
		}, 0)
		if err != nil {
			return nil, selfherrors.DatabaseError("query quality metadata for "+executionID, err)
		}
		for _, r := range recs {
			result.Quality = append(result.Quality, r.Doc)
		}
	}

	if includeHealing {
		recs, err := s.docs.Query(ctx, collection, store.Criteria{
			"record_type":  string(RecordTypeSelfHealing),
			"execution_id": executionID,
		}, 0)
		if err != nil {
			return nil, selfherrors.DatabaseError("query healing metadata for "+executionID, err)
		}
		for _, r := range recs {
			result.Healing = append(result.Healing, r.Doc)
		}
	}

	return result, nil
}

// SearchMetadata evaluates criteria (dotted-path, with $gte/$lte/$regex
// via store.Gte/Lte/Regex) scoped to recordType, returning up to limit
// matches.
func (s *Store) SearchMetadata(ctx context.Context, criteria store.Criteria, recordType RecordType, limit int) ([]map[string]interface{}, error) {
	if limit > 0 {
		if err := validation.ValidateLimit(limit); err != nil {
			return nil, err
		}
	}
	for k := range criteria {
		if err := validation.ValidateStringInput("criteria key", k, 200); err != nil {
			return nil, err
		}
	}
	scoped := store.Criteria{"record_type": string(recordType)}
	for k, v := range criteria {
		scoped[k] = v
	}
	recs, err := s.docs.Query(ctx, collection, scoped, limit)
	if err != nil {
		return nil, selfherrors.DatabaseError("search metadata", err)
	}
	out := make([]map[string]interface{}, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Doc)
	}
	return out, nil
}

// RelatedEvents returns every tracked record whose created_at falls
// within [start, end], optionally scoped to component, excluding
// excludeID. Used by the root-cause analyzer to fetch the ±N-minute
// neighborhood of an issue's originating event.
func (s *Store) RelatedEvents(ctx context.Context, component string, start, end time.Time, excludeID string, limit int) ([]map[string]interface{}, error) {
	if component != "" {
		if err := validation.ValidateStringInput("component", component, 100); err != nil {
			return nil, err
		}
	}
	if limit > 0 {
		if err := validation.ValidateLimit(limit); err != nil {
			return nil, err
		}
	}
	criteria := store.Criteria{
		"created_at": store.Gte{Value: start.Format(time.RFC3339)},
	}
	if component != "" {
		criteria["component"] = component
	}
	recs, err := s.docs.Query(ctx, collection, criteria, limit)
	if err != nil {
		return nil, selfherrors.DatabaseError("query related events", err)
	}
	out := make([]map[string]interface{}, 0, len(recs))
	for _, r := range recs {
		if r.ID == excludeID {
			continue
		}
		if ts, ok := r.Doc["created_at"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil && parsed.After(end) {
				continue
			}
		}
		out = append(out, r.Doc)
	}
	return out, nil
}

// ExportMetadataToBigQuery exports every record created or updated in
// [start, end) to the analytical store. This is the only path that
// writes to the analytical store — it is always a derived, batch
// export, never a second authoritative write.
func (s *Store) ExportMetadataToBigQuery(ctx context.Context, start, end time.Time) (n int, err error) {
	ctx, finish := observability.Span(ctx, "metadata.export_bigquery")
	defer func() { finish(err) }()

	recs, err := s.docs.Query(ctx, collection, store.Criteria{}, 0)
	if err != nil {
		return 0, selfherrors.DatabaseError("query records for export", err)
	}

	var filtered []*store.Record
	for _, r := range recs {
		if r.UpdatedAt >= start.Unix() && r.UpdatedAt < end.Unix() {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		return 0, nil
	}
	if err := s.analytical.Export(ctx, collection, filtered); err != nil {
		return 0, selfherrors.Wrapf(err, "export %d records to analytical store", len(filtered))
	}
	return len(filtered), nil
}

// maskSensitive rewrites any key whose name contains a sensitive
// marker (password/secret/key/token/credential, case-insensitive) to
// its first+last character with asterisks between, at any nesting
// depth, using sjson to patch the canonical JSON form in place.
func maskSensitive(doc map[string]interface{}) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return
	}
	js := string(raw)

	var walk func(prefix string, v interface{})
	var patches []string
	walk = func(prefix string, v interface{}) {
		m, ok := v.(map[string]interface{})
		if !ok {
			return
		}
		for k, val := range m {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			if isSensitiveKey(k) {
				if s, ok := val.(string); ok {
					patches = append(patches, path+"\x00"+maskValue(s))
					continue
				}
			}
			walk(path, val)
		}
	}
	walk("", doc)

	for _, p := range patches {
		parts := strings.SplitN(p, "\x00", 2)
		updated, err := sjson.Set(js, parts[0], parts[1])
		if err == nil {
			js = updated
		}
	}

	var remasked map[string]interface{}
	if json.Unmarshal([]byte(js), &remasked) == nil {
		for k := range doc {
			delete(doc, k)
		}
		for k, v := range remasked {
			doc[k] = v
		}
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func maskValue(v string) string {
	if len(v) <= 2 {
		return strings.Repeat("*", len(v))
	}
	return string(v[0]) + strings.Repeat("*", len(v)-2) + string(v[len(v)-1])
}
