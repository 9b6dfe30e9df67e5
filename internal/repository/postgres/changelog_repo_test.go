package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/wishlane/wishlane/internal/errs"
	"github.com/wishlane/wishlane/internal/model"
)

func TestChangelogRepo_ChangesSince(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewChangelogRepo(db)

	ctx := context.Background()
	listID := uuid.Must(uuid.NewV4())
	e1, e2 := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	at := time.Now().UTC()

	mock.ExpectQuery(`SELECT COALESCE\(MIN\(seq\),0\) FROM changelog`).
		WithArgs(listID).
		WillReturnRows(pgxmock.NewRows([]string{"min"}).AddRow(int64(1)))
	mock.ExpectQuery(`SELECT seq, entity, entity_id, op, ver, created_at`).
		WithArgs(listID, int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "entity", "entity_id", "op", "ver", "created_at"}).
			AddRow(int64(4), "item", e1, "update", int64(2), at).
			AddRow(int64(5), "item", e2, "delete", int64(3), at))

	out, err := r.ChangesSince(ctx, listID, 3)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, int64(4), out[0].Seq)
	require.Equal(t, model.OpDelete, out[1].Op)
	require.Equal(t, listID, out[0].ListID)
}

func TestChangelogRepo_ChangesSince_PrunedCursor(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewChangelogRepo(db)

	listID := uuid.Must(uuid.NewV4())

	// Retained floor is 10; a cursor at 3 can no longer be caught up
	// without missing 4..8.
	mock.ExpectQuery(`SELECT COALESCE\(MIN\(seq\),0\) FROM changelog`).
		WithArgs(listID).
		WillReturnRows(pgxmock.NewRows([]string{"min"}).AddRow(int64(10)))

	_, err := r.ChangesSince(context.Background(), listID, 3)
	require.ErrorIs(t, err, errs.ErrResyncRequired)
}

func TestChangelogRepo_ChangesSince_FreshCursorNeverResyncs(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewChangelogRepo(db)

	listID := uuid.Must(uuid.NewV4())

	// since=0 is a brand new client; even with a pruned log it gets the
	// retained tail, not a resync error.
	mock.ExpectQuery(`SELECT COALESCE\(MIN\(seq\),0\) FROM changelog`).
		WithArgs(listID).
		WillReturnRows(pgxmock.NewRows([]string{"min"}).AddRow(int64(10)))
	mock.ExpectQuery(`SELECT seq, entity, entity_id, op, ver, created_at`).
		WithArgs(listID, int64(0)).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "entity", "entity_id", "op", "ver", "created_at"}))

	out, err := r.ChangesSince(context.Background(), listID, 0)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestChangelogRepo_Append(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewChangelogRepo(db)

	listID := uuid.Must(uuid.NewV4())
	shareID := uuid.Must(uuid.NewV4())
	at := time.Now().UTC()

	mock.ExpectBegin()
	expectAppendChange(mock, listID, 6, at)
	mock.ExpectCommit()

	ch, err := r.Append(context.Background(), listID, model.ResourceShare, shareID, model.OpCreate)
	require.NoError(t, err)
	require.Equal(t, int64(6), ch.Seq)
	require.Equal(t, model.ResourceShare, ch.Entity)
}

func TestChangelogRepo_Append_UnknownList(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewChangelogRepo(db)

	listID := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE lists SET change_seq = change_seq \+ 1`).
		WithArgs(listID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := r.Append(context.Background(), listID, model.ResourceShare, uuid.Must(uuid.NewV4()), model.OpCreate)
	require.ErrorIs(t, err, errs.ErrNotFound)
}
