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

package rootcause

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jordigilh/selfheal/pkg/metadata"
)

// MetadataEventSource adapts metadata.Store's RelatedEvents query to
// the EventSource contract the graph builder consumes.
type MetadataEventSource struct {
	Store *metadata.Store
}

func (m MetadataEventSource) RelatedEvents(ctx context.Context, component string, start, end time.Time, excludeID string) ([]Event, error) {
	docs, err := m.Store.RelatedEvents(ctx, component, start, end, excludeID, 50)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(docs))
	for _, doc := range docs {
		out = append(out, eventFromDoc(doc))
	}
	return out, nil
}

func eventFromDoc(doc map[string]interface{}) Event {
	ev := Event{Features: doc}
	if v, ok := doc["metadata_id"].(string); ok {
		ev.EventID = v
	}
	if v, ok := doc["record_type"].(string); ok {
		ev.Category = v
	}
	if v, ok := doc["status"].(string); ok {
		ev.Type = v
	}
	if v, ok := doc["component"].(string); ok {
		ev.Component = v
	}
	if v, ok := doc["created_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			ev.Timestamp = ts
		}
	}
	return ev
}

// GopsutilSnapshotter is the live ResourceSnapshotter backed by
// gopsutil host-wide CPU/memory sampling. Component is recorded in the
// snapshot's metadata but gopsutil has no per-process/per-component
// breakdown, so the snapshot reflects the host the analyzer runs on.
type GopsutilSnapshotter struct{}

func (GopsutilSnapshotter) Snapshot(ctx context.Context, component string) (map[string]float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sample memory: %w", err)
	}

	snap := map[string]float64{
		"memory_used_percent": vm.UsedPercent,
	}
	if len(percents) > 0 {
		snap["cpu_percent"] = percents[0]
	}
	return snap, nil
}
