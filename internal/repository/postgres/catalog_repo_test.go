package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/wishlane/wishlane/internal/errs"
	"github.com/wishlane/wishlane/internal/model"
)

var listColNames = []string{"id", "owner_id", "location_id", "name", "visibility", "guest_token", "active", "change_seq", "created_at", "updated_at"}

func TestLocationRepo_SetArchived_Missing(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLocationRepo(db)

	id := uuid.Must(uuid.NewV4())
	mock.ExpectExec(`UPDATE locations SET archived`).
		WithArgs(id, true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, r.SetArchived(context.Background(), id, true), errs.ErrNotFound)
}

func TestLocationRepo_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLocationRepo(db)

	id, owner := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	at := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, owner_id, name, archived, created_at, updated_at FROM locations`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "owner_id", "name", "archived", "created_at", "updated_at"}).
			AddRow(id, owner, "home", true, at, at))

	loc, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, owner, loc.OwnerID)
	require.True(t, loc.Archived)
}

func TestListRepo_GetByGuestToken(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewListRepo(db)

	id, owner := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	at := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM lists WHERE guest_token=\$1 AND active=true`).
		WithArgs("tok-1").
		WillReturnRows(pgxmock.NewRows(listColNames).
			AddRow(id, owner, nil, "gifts", "private", "tok-1", true, int64(4), at, at))

	l, err := r.GetByGuestToken(context.Background(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, id, l.ID)
	require.Equal(t, model.VisibilityPrivate, l.Visibility)
	require.Equal(t, int64(4), l.ChangeSeq)
}

func TestListRepo_GetByGuestToken_RotatedTokenStops(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewListRepo(db)

	mock.ExpectQuery(`SELECT .+ FROM lists WHERE guest_token=\$1 AND active=true`).
		WithArgs("tok-old").
		WillReturnRows(pgxmock.NewRows(listColNames))

	_, err := r.GetByGuestToken(context.Background(), "tok-old")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestListRepo_RotateGuestToken(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewListRepo(db)

	id := uuid.Must(uuid.NewV4())
	mock.ExpectExec(`UPDATE lists SET guest_token`).
		WithArgs(id, "tok-new").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, r.RotateGuestToken(context.Background(), id, "tok-new"))
	require.NoError(t, mock.ExpectationsWereMet())
}
