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

// Package schema implements a versioned schema registry with
// fingerprint-based idempotent registration, compatibility checking,
// drift detection, and an evolution planner.
package schema

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	selfherrors "github.com/jordigilh/selfheal/pkg/shared/errors"
	"github.com/jordigilh/selfheal/pkg/store"
)

const collection = "schema_records"

// CompatibilityMode names the three compatibility checking strategies.
type CompatibilityMode string

const (
	Backward CompatibilityMode = "BACKWARD"
	Forward  CompatibilityMode = "FORWARD"
	Full     CompatibilityMode = "FULL"
)

// DriftSeverity classifies how far a sampled schema has drifted from
// its registered definition.
type DriftSeverity string

const (
	DriftLow    DriftSeverity = "LOW"
	DriftMedium DriftSeverity = "MEDIUM"
	DriftHigh   DriftSeverity = "HIGH"
)

// Field describes one column/field in a schema definition.
type Field struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Mode     string      `json:"mode"` // NULLABLE | REQUIRED | REPEATED
	Nullable bool        `json:"nullable"`
	Default  interface{} `json:"default,omitempty"`
}

// Definition is a schema's field list plus a format tag.
type Definition struct {
	Format string  `json:"format"`
	Fields []Field `json:"fields"`
}

// Record is an immutable versioned schema entry.
type Record struct {
	SchemaID    string     `json:"schema_id"`
	SchemaName  string     `json:"schema_name"`
	Definition  Definition `json:"definition"`
	Version     string     `json:"version"`
	Fingerprint string     `json:"fingerprint"`
	SourceID    string     `json:"source_id,omitempty"`
}

// Registry is the schema registry, backed by a document store.
type Registry struct {
	mu     sync.Mutex
	docs   store.DocumentStore
	nextID func() string
}

// New builds a Registry. nextID mints a fresh schema_id on registration.
func New(docs store.DocumentStore, nextID func() string) *Registry {
	return &Registry{docs: docs, nextID: nextID}
}

func fingerprint(def Definition) (string, error) {
	sorted := make([]Field, len(def.Fields))
	copy(sorted, def.Fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	canon := Definition{Format: def.Format, Fields: sorted}
	b, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func toDoc(r Record) map[string]interface{} {
	b, _ := json.Marshal(r)
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	return m
}

func fromDoc(doc map[string]interface{}) (Record, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

// latest returns the highest-versioned registered record for a schema
// name, or nil if none exists.
func (s *Registry) latest(ctx context.Context, schemaName string) (*Record, error) {
	recs, err := s.docs.Query(ctx, collection, store.Criteria{"schema_name": schemaName}, 0)
	if err != nil {
		return nil, selfherrors.DatabaseError("query schema records for "+schemaName, err)
	}
	var best *Record
	var bestVer *semver.Version
	for _, raw := range recs {
		r, err := fromDoc(raw.Doc)
		if err != nil {
			continue
		}
		v, err := semver.NewVersion(r.Version)
		if err != nil {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			bestVer = v
			rc := r
			best = &rc
		}
	}
	return best, nil
}

// findByFingerprint returns the existing record with a matching
// fingerprint for schemaName, if any (idempotent-registration check).
func (s *Registry) findByFingerprint(ctx context.Context, schemaName, fp string) (*Record, error) {
	recs, err := s.docs.Query(ctx, collection, store.Criteria{"schema_name": schemaName, "fingerprint": fp}, 1)
	if err != nil {
		return nil, selfherrors.DatabaseError("query schema by fingerprint", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	r, err := fromDoc(recs[0].Doc)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DiffResult enumerates how two schema definitions differ.
type DiffResult struct {
	Added    []string
	Removed  []string
	Modified []string
	Breaking bool
}

// diff compares a prior definition against a new one. A field is
// "breaking" when it is removed, or when an existing field's type
// changes, or when a new REQUIRED field with no default is added.
func diff(prior, next Definition) DiffResult {
	priorFields := map[string]Field{}
	for _, f := range prior.Fields {
		priorFields[f.Name] = f
	}
	nextFields := map[string]Field{}
	for _, f := range next.Fields {
		nextFields[f.Name] = f
	}

	var d DiffResult
	for name, nf := range nextFields {
		pf, existed := priorFields[name]
		if !existed {
			d.Added = append(d.Added, name)
			if nf.Mode == "REQUIRED" && nf.Default == nil {
				d.Breaking = true
			}
			continue
		}
		if pf.Type != nf.Type || pf.Mode != nf.Mode {
			d.Modified = append(d.Modified, name)
			if pf.Type != nf.Type {
				d.Breaking = true
			}
		}
	}
	for name := range priorFields {
		if _, stillPresent := nextFields[name]; !stillPresent {
			d.Removed = append(d.Removed, name)
			d.Breaking = true
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Modified)
	return d
}

func bumpVersion(prior *semver.Version, d DiffResult) semver.Version {
	if prior == nil {
		return *semver.MustParse("1.0.0")
	}
	switch {
	case d.Breaking:
		return prior.IncMajor()
	case len(d.Added) > 0 || len(d.Modified) > 0:
		return prior.IncMinor()
	default:
		return prior.IncPatch()
	}
}

// Register adds a new schema version for schemaName. If the
// definition's fingerprint matches the most recent registered
// version's fingerprint exactly, the prior schema_id is returned
// unchanged (idempotent). Otherwise the version is bumped according
// to the diff against the latest existing version (major for
// breaking changes, minor for additions/modifications, patch
// otherwise) and a new record is persisted.
func (s *Registry) Register(ctx context.Context, schemaName string, def Definition, sourceID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp, err := fingerprint(def)
	if err != nil {
		return Record{}, selfherrors.Wrapf(err, "compute fingerprint for schema %s", schemaName)
	}

	if existing, err := s.findByFingerprint(ctx, schemaName, fp); err != nil {
		return Record{}, err
	} else if existing != nil {
		return *existing, nil
	}

	prior, err := s.latest(ctx, schemaName)
	if err != nil {
		return Record{}, err
	}

	var priorVer *semver.Version
	var priorDef Definition
	if prior != nil {
		priorVer, err = semver.NewVersion(prior.Version)
		if err != nil {
			return Record{}, selfherrors.Wrapf(err, "parse prior version %s", prior.Version)
		}
		priorDef = prior.Definition
	}
	d := diff(priorDef, def)
	newVer := bumpVersion(priorVer, d)

	rec := Record{
		SchemaID:    s.nextID(),
		SchemaName:  schemaName,
		Definition:  def,
		Version:     newVer.String(),
		Fingerprint: fp,
		SourceID:    sourceID,
	}
	if err := s.docs.Set(ctx, collection, rec.SchemaID, toDoc(rec)); err != nil {
		return Record{}, selfherrors.DatabaseError("persist schema record "+rec.SchemaID, err)
	}
	return rec, nil
}

// GetVersion returns a specific registered version of a schema.
func (s *Registry) GetVersion(ctx context.Context, schemaName, version string) (*Record, error) {
	recs, err := s.docs.Query(ctx, collection, store.Criteria{"schema_name": schemaName, "version": version}, 1)
	if err != nil {
		return nil, selfherrors.DatabaseError("query schema version", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	r, err := fromDoc(recs[0].Doc)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetLatest returns the highest registered version of a schema, or
// nil if the name has never been registered.
func (s *Registry) GetLatest(ctx context.Context, schemaName string) (*Record, error) {
	return s.latest(ctx, schemaName)
}

// CompatibilityResult is the outcome of a compatibility check.
type CompatibilityResult struct {
	Compatible bool
	Reason     string
	Added      []string
	Removed    []string
	Modified   []string
	Breaking   []string
}

// CheckCompatibility evaluates whether moving from oldDef to newDef
// satisfies mode. BACKWARD requires the new schema to be able to read
// data written under the old schema (no removed fields, no
// newly-required fields without defaults). FORWARD requires the old
// schema to be able to read data written under the new schema (no
// added REQUIRED fields, since old readers won't know about them
// unless optional). FULL requires both.
func CheckCompatibility(oldDef, newDef Definition, mode CompatibilityMode) CompatibilityResult {
	d := diff(oldDef, newDef)

	backwardOK := true
	var backwardReasons []string
	for _, name := range d.Removed {
		backwardOK = false
		backwardReasons = append(backwardReasons, fmt.Sprintf("field %q removed", name))
	}

	forwardOK := true
	var forwardReasons []string
	nextFields := map[string]Field{}
	for _, f := range newDef.Fields {
		nextFields[f.Name] = f
	}
	for _, name := range d.Added {
		if nextFields[name].Mode == "REQUIRED" && nextFields[name].Default == nil {
			forwardOK = false
			forwardReasons = append(forwardReasons, fmt.Sprintf("field %q added as REQUIRED with no default", name))
		}
	}

	var compatible bool
	var reasons []string
	switch mode {
	case Backward:
		compatible = backwardOK
		reasons = backwardReasons
	case Forward:
		compatible = forwardOK
		reasons = forwardReasons
	case Full:
		compatible = backwardOK && forwardOK
		reasons = append(append([]string{}, backwardReasons...), forwardReasons...)
	}

	reason := "compatible"
	if !compatible {
		reason = fmt.Sprintf("incompatible under %s: %v", mode, reasons)
	}

	return CompatibilityResult{
		Compatible: compatible,
		Reason:     reason,
		Added:      d.Added,
		Removed:    d.Removed,
		Modified:   d.Modified,
		Breaking:   breakingFieldNames(d),
	}
}

func breakingFieldNames(d DiffResult) []string {
	if !d.Breaking {
		return nil
	}
	var out []string
	out = append(out, d.Removed...)
	return out
}

// DriftResult is the outcome of comparing a sampled definition against
// a registered one.
type DriftResult struct {
	DriftScore float64
	Severity   DriftSeverity
	Diff       DiffResult
}

// DetectDrift infers a definition from sample (a flat field-name ->
// value map) and diffs it against registered, classifying the
// severity of the drift by the fraction of fields that changed.
func DetectDrift(registered Definition, sample map[string]interface{}) DriftResult {
	inferred := inferDefinition(sample)
	// A sample carries no mode information, so a field the registered
	// definition already has keeps its registered mode and nullability.
	regByName := make(map[string]Field, len(registered.Fields))
	for _, f := range registered.Fields {
		regByName[f.Name] = f
	}
	for i, f := range inferred.Fields {
		if rf, ok := regByName[f.Name]; ok {
			inferred.Fields[i].Mode = rf.Mode
			inferred.Fields[i].Nullable = rf.Nullable
		}
	}
	d := diff(registered, inferred)

	total := len(registered.Fields)
	if total == 0 {
		total = len(inferred.Fields)
	}
	if total == 0 {
		return DriftResult{DriftScore: 0, Severity: DriftLow, Diff: d}
	}

	changed := len(d.Added) + len(d.Removed) + len(d.Modified)
	score := float64(changed) / float64(total)

	severity := DriftLow
	switch {
	case score >= 0.5:
		severity = DriftHigh
	case score >= 0.2:
		severity = DriftMedium
	}
	return DriftResult{DriftScore: score, Severity: severity, Diff: d}
}

func inferDefinition(sample map[string]interface{}) Definition {
	names := make([]string, 0, len(sample))
	for k := range sample {
		names = append(names, k)
	}
	sort.Strings(names)

	fields := make([]Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, Field{
			Name:     name,
			Type:     inferType(sample[name]),
			Mode:     "NULLABLE",
			Nullable: true,
		})
	}
	return Definition{Format: "inferred", Fields: fields}
}

func inferType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "NULL"
	case bool:
		return "BOOLEAN"
	case float64, float32, int, int32, int64:
		return "NUMERIC"
	case string:
		return "STRING"
	case map[string]interface{}:
		return "RECORD"
	case []interface{}:
		return "REPEATED"
	default:
		return "STRING"
	}
}

// ChangeSet is a requested set of field-level changes for an
// evolution plan.
type ChangeSet struct {
	Add    []Field
	Remove []string
	Modify []Field
}

// EvolutionPlan is the result of planning a schema evolution: the
// evolved definition plus a migration script template for external
// SQL systems, parameterized by the requested compatibility mode.
type EvolutionPlan struct {
	EvolvedDefinition Definition
	MigrationScript   string
	Compatibility     CompatibilityResult
}

// PlanEvolution applies changes to current, producing an evolved
// definition, a compatibility check of that evolution under mode, and
// a migration script template describing the SQL DDL an external
// system would need to apply.
func PlanEvolution(current Definition, changes ChangeSet, mode CompatibilityMode) EvolutionPlan {
	byName := map[string]Field{}
	order := []string{}
	for _, f := range current.Fields {
		byName[f.Name] = f
		order = append(order, f.Name)
	}
	removeSet := map[string]bool{}
	for _, name := range changes.Remove {
		removeSet[name] = true
	}
	for _, f := range changes.Modify {
		byName[f.Name] = f
	}
	for _, f := range changes.Add {
		if _, exists := byName[f.Name]; !exists {
			order = append(order, f.Name)
		}
		byName[f.Name] = f
	}

	var evolved []Field
	for _, name := range order {
		if removeSet[name] {
			continue
		}
		evolved = append(evolved, byName[name])
	}

	evolvedDef := Definition{Format: current.Format, Fields: evolved}
	compat := CheckCompatibility(current, evolvedDef, mode)
	script := buildMigrationScript(current.Format, changes, mode)

	return EvolutionPlan{
		EvolvedDefinition: evolvedDef,
		MigrationScript:   script,
		Compatibility:     compat,
	}
}

// ExecuteEvolution plans an evolution from current and then registers
// the resulting definition as a new version of schemaName. The prior
// version remains queryable via GetVersion.
func (s *Registry) ExecuteEvolution(ctx context.Context, schemaName string, changes ChangeSet, mode CompatibilityMode, sourceID string) (Record, EvolutionPlan, error) {
	current, err := s.GetLatest(ctx, schemaName)
	if err != nil {
		return Record{}, EvolutionPlan{}, err
	}
	var currentDef Definition
	if current != nil {
		currentDef = current.Definition
	}
	plan := PlanEvolution(currentDef, changes, mode)
	rec, err := s.Register(ctx, schemaName, plan.EvolvedDefinition, sourceID)
	if err != nil {
		return Record{}, EvolutionPlan{}, err
	}
	return rec, plan, nil
}

func buildMigrationScript(format string, changes ChangeSet, mode CompatibilityMode) string {
	var b []string
	b = append(b, fmt.Sprintf("-- migration plan (%s compatibility, format=%s)", mode, format))
	for _, f := range changes.Add {
		b = append(b, fmt.Sprintf("ALTER TABLE {{table}} ADD COLUMN %s %s;", f.Name, f.Type))
	}
	for _, f := range changes.Modify {
		b = append(b, fmt.Sprintf("ALTER TABLE {{table}} ALTER COLUMN %s TYPE %s;", f.Name, f.Type))
	}
	for _, name := range changes.Remove {
		b = append(b, fmt.Sprintf("ALTER TABLE {{table}} DROP COLUMN %s;", name))
	}
	out := ""
	for i, line := range b {
		if i > 0 {
			out += "\n"
		}
		out += line
	}
	return out
}
