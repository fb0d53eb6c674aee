package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/jordigilh/selfheal/pkg/store"
)

func TestSet_UpsertsRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS metadata_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := Open(context.Background(), db)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO metadata_records")).
		WithArgs("pipelines", "p-1", []byte(`{"name":"orders"}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Set(context.Background(), "pipelines", "p-1", map[string]interface{}{"name": "orders"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGet_ReturnsNilWhenNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS metadata_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := Open(context.Background(), db)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT collection, id, doc, created_at, updated_at FROM metadata_records WHERE collection=$1 AND id=$2")).
		WithArgs("pipelines", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"collection", "id", "doc", "created_at", "updated_at"}))

	rec, err := store.Get(context.Background(), "pipelines", "missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec != nil {
		t.Errorf("Get() = %+v, want nil for missing record", rec)
	}
}

func TestGet_ReturnsDecodedRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS metadata_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := Open(context.Background(), db)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT collection, id, doc, created_at, updated_at FROM metadata_records WHERE collection=$1 AND id=$2")).
		WithArgs("pipelines", "p-1").
		WillReturnRows(sqlmock.NewRows([]string{"collection", "id", "doc", "created_at", "updated_at"}).
			AddRow("pipelines", "p-1", []byte(`{"name":"orders"}`), now, now))

	rec, err := store.Get(context.Background(), "pipelines", "p-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec == nil || rec.Doc["name"] != "orders" {
		t.Errorf("Get() = %+v, want doc.name=orders", rec)
	}
}

func TestUpdate_AtomicReadModifyWriteInTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS metadata_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := Open(context.Background(), db)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT collection, id, doc, created_at, updated_at FROM metadata_records WHERE collection=$1 AND id=$2 FOR UPDATE")).
		WithArgs("patterns", "p-1").
		WillReturnRows(sqlmock.NewRows([]string{"collection", "id", "doc", "created_at", "updated_at"}).
			AddRow("patterns", "p-1", []byte(`{"occurrences":1}`), now, now))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO metadata_records")).
		WithArgs("patterns", "p-1", []byte(`{"occurrences":2}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT collection, id, doc, created_at, updated_at FROM metadata_records WHERE collection=$1 AND id=$2")).
		WithArgs("patterns", "p-1").
		WillReturnRows(sqlmock.NewRows([]string{"collection", "id", "doc", "created_at", "updated_at"}).
			AddRow("patterns", "p-1", []byte(`{"occurrences":2}`), now, now))

	rec, err := store.Update(context.Background(), "patterns", "p-1", func(doc map[string]interface{}) (map[string]interface{}, error) {
		doc["occurrences"] = doc["occurrences"].(float64) + 1
		return doc, nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if rec.Doc["occurrences"] != float64(2) {
		t.Errorf("Update() = %+v, want occurrences=2", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTransactUpdate_CommitsBothDocumentsInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS metadata_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ds, err := Open(context.Background(), db)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT collection, id, doc, created_at, updated_at FROM metadata_records WHERE collection=$1 AND id=$2 FOR UPDATE")).
		WithArgs("issue_patterns", "pat-1").
		WillReturnRows(sqlmock.NewRows([]string{"collection", "id", "doc", "created_at", "updated_at"}).
			AddRow("issue_patterns", "pat-1", []byte(`{"occurrences":1}`), now, now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT collection, id, doc, created_at, updated_at FROM metadata_records WHERE collection=$1 AND id=$2 FOR UPDATE")).
		WithArgs("healing_actions", "act-1").
		WillReturnRows(sqlmock.NewRows([]string{"collection", "id", "doc", "created_at", "updated_at"}).
			AddRow("healing_actions", "act-1", []byte(`{"execution_count":1}`), now, now))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO metadata_records")).
		WithArgs("issue_patterns", "pat-1", []byte(`{"occurrences":2}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO metadata_records")).
		WithArgs("healing_actions", "act-1", []byte(`{"execution_count":2}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT collection, id, doc, created_at, updated_at FROM metadata_records WHERE collection=$1 AND id=$2")).
		WithArgs("issue_patterns", "pat-1").
		WillReturnRows(sqlmock.NewRows([]string{"collection", "id", "doc", "created_at", "updated_at"}).
			AddRow("issue_patterns", "pat-1", []byte(`{"occurrences":2}`), now, now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT collection, id, doc, created_at, updated_at FROM metadata_records WHERE collection=$1 AND id=$2")).
		WithArgs("healing_actions", "act-1").
		WillReturnRows(sqlmock.NewRows([]string{"collection", "id", "doc", "created_at", "updated_at"}).
			AddRow("healing_actions", "act-1", []byte(`{"execution_count":2}`), now, now))

	recs, err := ds.TransactUpdate(context.Background(), []store.Mutation{
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
	if len(recs) != 2 || recs[0].Doc["occurrences"] != float64(2) || recs[1].Doc["execution_count"] != float64(2) {
		t.Errorf("TransactUpdate() = %+v, want both documents incremented", recs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestTransactUpdate_SecondMutationErrorRollsBackWithoutCommit(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS metadata_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ds, err := Open(context.Background(), db)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT collection, id, doc, created_at, updated_at FROM metadata_records WHERE collection=$1 AND id=$2 FOR UPDATE")).
		WithArgs("issue_patterns", "pat-1").
		WillReturnRows(sqlmock.NewRows([]string{"collection", "id", "doc", "created_at", "updated_at"}).
			AddRow("issue_patterns", "pat-1", []byte(`{"occurrences":1}`), now, now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT collection, id, doc, created_at, updated_at FROM metadata_records WHERE collection=$1 AND id=$2 FOR UPDATE")).
		WithArgs("healing_actions", "act-1").
		WillReturnRows(sqlmock.NewRows([]string{"collection", "id", "doc", "created_at", "updated_at"}).
			AddRow("healing_actions", "act-1", []byte(`{"execution_count":1}`), now, now))
	mock.ExpectRollback()

	wantErr := errors.New("rejected")
	_, err = ds.TransactUpdate(context.Background(), []store.Mutation{
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
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
