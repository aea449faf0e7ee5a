package auditledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreSaveAndLoadBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newPostgresStoreFromDB(db)

	batch := &Batch{ID: 1, Root: "root-hash", CommittedAt: time.Now().UTC()}
	entries := []*Entry{{ID: "e1", TenantID: "t1", Action: "allow"}}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger_batches").
		WithArgs(batch.ID, batch.Root, batch.CommittedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(batch.ID, "e1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveBatch(context.Background(), batch, entries))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreNextBatchID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newPostgresStoreFromDB(db)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO ledger_counter").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(int64(1)))
	mock.ExpectCommit()

	id, err := store.NextBatchID(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreListBatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newPostgresStoreFromDB(db)

	mock.ExpectQuery("SELECT id FROM ledger_batches").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))

	ids, err := store.ListBatches(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
