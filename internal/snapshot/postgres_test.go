package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestPostgresStoreSaveIssuesUpsert(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.db.Close()

	mock.ExpectExec("INSERT INTO session_summaries").
		WithArgs("sess-1", "abc", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := Summary{SessionID: "sess-1", ContextHash: "abc", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.Save(context.Background(), s))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLoadNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.db.Close()

	mock.ExpectQuery("SELECT session_id, context_hash, created_at, body").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "context_hash", "created_at", "body"}))

	_, err := store.Load(context.Background(), "missing")
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
