package database

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

func newMock(t *testing.T) (*Database, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Database{DB: db}, mock
}

func TestSetStreamAction(t *testing.T) {
	d, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO streams")).
		WithArgs("rtsp://cam/1", models.CommandStart, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stream_events")).
		WithArgs(sqlmock.AnyArg(), "rtsp://cam/1", models.CommandStart, "api", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, d.SetStreamAction(context.Background(), "rtsp://cam/1", models.CommandStart, "api"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStreamAction_RollsBack(t *testing.T) {
	d, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO streams")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stream_events")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := d.SetStreamAction(context.Background(), "cam1", models.CommandStop, "eof")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStream(t *testing.T) {
	d, mock := newMock(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, action, created_at, updated_at")).
		WithArgs("cam1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "action", "created_at", "updated_at"}).
			AddRow("cam1", "start", now, now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, action, created_at, updated_at")).
		WithArgs("cam2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "action", "created_at", "updated_at"}))

	s, err := d.GetStream(context.Background(), "cam1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, models.CommandStart, s.Action)

	s, err = d.GetStream(context.Background(), "cam2")
	require.NoError(t, err)
	assert.Nil(t, s)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStreamsByAction(t *testing.T) {
	d, mock := newMock(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM streams")).
		WithArgs(models.CommandStart).
		WillReturnRows(sqlmock.NewRows([]string{"id", "action", "created_at", "updated_at"}).
			AddRow("cam1", "start", now, now).
			AddRow("cam2", "start", now, now))

	streams, err := d.ListStreamsByAction(context.Background(), models.CommandStart)
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Equal(t, "cam2", streams[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchStreams(t *testing.T) {
	d, mock := newMock(t)

	require.NoError(t, d.TouchStreams(context.Background(), nil))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE streams SET updated_at")).
		WithArgs(sqlmock.AnyArg(), pq.Array([]string{"cam1", "cam2"})).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, d.TouchStreams(context.Background(), []string{"cam1", "cam2"}))
	require.NoError(t, mock.ExpectationsWereMet())
}
