package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/jordigilh/selfheal/pkg/store"
)

func fixedClock(t int64) func() int64 {
	return func() int64 { return t }
}

func TestSetGet_RoundTrips(t *testing.T) {
	s := New(fixedClock(100))
	ctx := context.Background()

	if err := s.Set(ctx, "pipelines", "p-1", map[string]interface{}{"name": "orders"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	rec, err := s.Get(ctx, "pipelines", "p-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec == nil || rec.Doc["name"] != "orders" {
		t.Fatalf("Get() = %+v, want doc.name=orders", rec)
	}
	if rec.CreatedAt != 100 || rec.UpdatedAt != 100 {
		t.Errorf("timestamps = %d/%d, want 100/100", rec.CreatedAt, rec.UpdatedAt)
	}
}

func TestSet_PreservesCreatedAtOnUpdate(t *testing.T) {
	clock := int64(100)
	s := New(func() int64 { return clock })
	ctx := context.Background()

	_ = s.Set(ctx, "pipelines", "p-1", map[string]interface{}{"name": "orders"})
	clock = 200
	_ = s.Set(ctx, "pipelines", "p-1", map[string]interface{}{"name": "orders-v2"})

	rec, _ := s.Get(ctx, "pipelines", "p-1")
	if rec.CreatedAt != 100 {
		t.Errorf("CreatedAt = %d, want preserved 100", rec.CreatedAt)
	}
	if rec.UpdatedAt != 200 {
		t.Errorf("UpdatedAt = %d, want advanced 200", rec.UpdatedAt)
	}
}

func TestGet_MissingReturnsNilNoError(t *testing.T) {
	s := New(fixedClock(0))
	rec, err := s.Get(context.Background(), "pipelines", "missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec != nil {
		t.Errorf("Get() = %+v, want nil", rec)
	}
}

func TestQuery_EqualityAndComparisonOperators(t *testing.T) {
	s := New(fixedClock(0))
	ctx := context.Background()

	_ = s.Set(ctx, "executions", "e-1", map[string]interface{}{"status": "completed", "duration_seconds": 12.0})
	_ = s.Set(ctx, "executions", "e-2", map[string]interface{}{"status": "failed", "duration_seconds": 40.0})
	_ = s.Set(ctx, "executions", "e-3", map[string]interface{}{"status": "completed", "duration_seconds": 90.0})

	results, err := s.Query(ctx, "executions", store.Criteria{"status": "completed"}, 0)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Query(status=completed) got %d results, want 2", len(results))
	}

	results, err = s.Query(ctx, "executions", store.Criteria{"duration_seconds": store.Gte{Value: 40.0}}, 0)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Query(duration>=40) got %d results, want 2", len(results))
	}
}

func TestQuery_RespectsLimit(t *testing.T) {
	s := New(fixedClock(0))
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_ = s.Set(ctx, "col", id, map[string]interface{}{"x": 1})
	}
	results, err := s.Query(ctx, "col", store.Criteria{}, 2)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Query() returned %d results, want limit 2", len(results))
	}
}

func TestDelete_RemovesRecord(t *testing.T) {
	s := New(fixedClock(0))
	ctx := context.Background()
	_ = s.Set(ctx, "col", "a", map[string]interface{}{"x": 1})
	if err := s.Delete(ctx, "col", "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	rec, _ := s.Get(ctx, "col", "a")
	if rec != nil {
		t.Errorf("Get() after Delete() = %+v, want nil", rec)
	}
}

func TestObjectStore_UploadDownloadRoundTrip(t *testing.T) {
	os := NewObjectStore()
	ctx := context.Background()

	if err := os.Upload(ctx, "staged/rec-1.json", []byte(`{"a":1}`), "application/json"); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	data, err := os.Download(ctx, "staged/rec-1.json")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("Download() = %s, want round-tripped payload", data)
	}

	exists, err := os.Exists(ctx, "staged/rec-1.json")
	if err != nil || !exists {
		t.Errorf("Exists() = %v, %v, want true, nil", exists, err)
	}

	if err := os.Move(ctx, "staged/rec-1.json", "archive/rec-1.json"); err != nil {
		t.Fatalf("Move() error = %v", err)
	}
	if exists, _ := os.Exists(ctx, "staged/rec-1.json"); exists {
		t.Error("source object still exists after Move()")
	}
	if exists, _ := os.Exists(ctx, "archive/rec-1.json"); !exists {
		t.Error("destination object missing after Move()")
	}
}

func TestUpdate_AtomicCounterIncrement(t *testing.T) {
	s := New(fixedClock(100))
	ctx := context.Background()

	_ = s.Set(ctx, "patterns", "p-1", map[string]interface{}{"occurrences": 1.0})

	wg := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, _ = s.Update(ctx, "patterns", "p-1", func(doc map[string]interface{}) (map[string]interface{}, error) {
				if doc == nil {
					doc = map[string]interface{}{"occurrences": 0.0}
				}
				doc["occurrences"] = doc["occurrences"].(float64) + 1
				return doc, nil
			})
			wg <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-wg
	}

	rec, err := s.Get(ctx, "patterns", "p-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Doc["occurrences"].(float64) != 11 {
		t.Errorf("occurrences = %v, want 11 (no lost updates)", rec.Doc["occurrences"])
	}
}

func TestUpdate_PreservesCreatedAt(t *testing.T) {
	clock := int64(100)
	s := New(func() int64 { return clock })
	ctx := context.Background()

	_ = s.Set(ctx, "patterns", "p-1", map[string]interface{}{"n": 1.0})
	clock = 200
	_, err := s.Update(ctx, "patterns", "p-1", func(doc map[string]interface{}) (map[string]interface{}, error) {
		doc["n"] = 2.0
		return doc, nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	rec, _ := s.Get(ctx, "patterns", "p-1")
	if rec.CreatedAt != 100 || rec.UpdatedAt != 200 {
		t.Errorf("timestamps = %d/%d, want 100/200", rec.CreatedAt, rec.UpdatedAt)
	}
}

func TestUpdate_PropagatesFnError(t *testing.T) {
	s := New(fixedClock(100))
	ctx := context.Background()

	wantErr := errors.New("rejected")
	_, err := s.Update(ctx, "patterns", "missing", func(doc map[string]interface{}) (map[string]interface{}, error) {
		return nil, wantErr
	})
	if err != wantErr {
		t.Errorf("Update() error = %v, want %v", err, wantErr)
	}
}

func TestTransactUpdate_CommitsAllMutationsTogether(t *testing.T) {
	s := New(fixedClock(100))
	ctx := context.Background()

	_ = s.Set(ctx, "issue_patterns", "pat-1", map[string]interface{}{"occurrences": 1.0})
	_ = s.Set(ctx, "healing_actions", "act-1", map[string]interface{}{"execution_count": 1.0})

	_, err := s.TransactUpdate(ctx, []store.Mutation{
		{Collection: "issue_patterns", ID: "pat-1", Fn: func(doc map[string]interface{}) (map[string]interface{}, error) {
			doc["occurrences"] = doc["occurrences"].(float64) + 1
			return doc, nil
		}},
		{Collection: "healing_actions", ID: "act-1", Fn: func(doc map[string]interface{}) (map[string]interface{}, error) {
			doc["execution_count"] = doc["execution_count"].(float64) + 1
			return doc, nil
		}},
	})
	if err != nil {
		t.Fatalf("TransactUpdate() error = %v", err)
	}

	pat, _ := s.Get(ctx, "issue_patterns", "pat-1")
	act, _ := s.Get(ctx, "healing_actions", "act-1")
	if pat.Doc["occurrences"] != 2.0 || act.Doc["execution_count"] != 2.0 {
		t.Errorf("pattern=%v action=%v, want both incremented", pat.Doc, act.Doc)
	}
}

func TestTransactUpdate_FailingMutationLeavesEveryCollectionUntouched(t *testing.T) {
	s := New(fixedClock(100))
	ctx := context.Background()

	_ = s.Set(ctx, "issue_patterns", "pat-1", map[string]interface{}{"occurrences": 1.0})
	_ = s.Set(ctx, "healing_actions", "act-1", map[string]interface{}{"execution_count": 1.0})

	wantErr := errors.New("rejected")
	_, err := s.TransactUpdate(ctx, []store.Mutation{
		{Collection: "issue_patterns", ID: "pat-1", Fn: func(doc map[string]interface{}) (map[string]interface{}, error) {
			doc["occurrences"] = doc["occurrences"].(float64) + 1
			return doc, nil
		}},
		{Collection: "healing_actions", ID: "act-1", Fn: func(doc map[string]interface{}) (map[string]interface{}, error) {
			return nil, wantErr
		}},
	})
	if err != wantErr {
		t.Fatalf("TransactUpdate() error = %v, want %v", err, wantErr)
	}

	pat, _ := s.Get(ctx, "issue_patterns", "pat-1")
	if pat.Doc["occurrences"] != 1.0 {
		t.Errorf("pattern occurrences = %v, want unchanged at 1.0 after the second mutation failed", pat.Doc["occurrences"])
	}
}
