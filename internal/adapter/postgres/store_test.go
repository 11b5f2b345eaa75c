package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = "mrms_data_for_cris_records_60min_statewide"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, testTable, 400, discardLogger()), mock
}

func TestListIncidents(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"incident_id", "incident_lat", "incident_lon", "mrms_timestamp", "data_value", "note"}).
		AddRow(int64(101), 41.59, -93.62, time.Date(2024, 6, 1, 12, 1, 30, 0, time.UTC), 1.25, []byte("hail")).
		AddRow(int64(102), "41.60", "-93.63", "2024-06-01 12:03:10 UTC", 0.5, nil).
		AddRow(int64(103), nil, -93.64, "2024-06-01 12:03:10 UTC", 2.0, nil)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "mrms_data_for_cris_records_60min_statewide" WHERE data_value > 0.0 LIMIT 400`)).
		WillReturnRows(rows)

	incidents, err := store.ListIncidents(context.Background(), false)
	require.NoError(t, err)

	// The row without a latitude is skipped, not fatal.
	require.Len(t, incidents, 2)

	assert.Equal(t, "101", incidents[0].ID)
	assert.InDelta(t, 41.59, incidents[0].Lat, 1e-9)
	assert.InDelta(t, -93.62, incidents[0].Lon, 1e-9)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 1, 30, 0, time.UTC), incidents[0].Timestamp)
	assert.Equal(t, 1.25, incidents[0].Row["data_value"])
	assert.Equal(t, "hail", incidents[0].Row["note"])

	assert.Equal(t, "102", incidents[1].ID)
	assert.InDelta(t, 41.60, incidents[1].Lat, 1e-9)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 3, 10, 0, time.UTC), incidents[1].Timestamp)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListIncidentsZeroValue(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"incident_id", "incident_lat", "incident_lon", "mrms_timestamp", "data_value"}).
		AddRow(int64(7), 40.0, -94.0, "2024-06-01 00:59:59 UTC", 0.0)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "mrms_data_for_cris_records_60min_statewide" WHERE data_value = 0.0 LIMIT 400`)).
		WillReturnRows(rows)

	incidents, err := store.ListIncidents(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "7", incidents[0].ID)
	assert.Equal(t, 0.0, incidents[0].Row["data_value"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListIncidentsQueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection refused"))

	_, err := store.ListIncidents(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query incidents")
}

func TestInspectSchema(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT column_name, data_type FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position`)).
		WithArgs(testTable).
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type"}).
			AddRow("incident_id", "bigint").
			AddRow("incident_lat", "double precision").
			AddRow("mrms_timestamp", "timestamp with time zone"))

	cols, err := store.InspectSchema(context.Background(), testTable)
	require.NoError(t, err)

	require.Len(t, cols, 3)
	assert.Equal(t, Column{Name: "incident_id", DataType: "bigint"}, cols[0])
	assert.Equal(t, Column{Name: "mrms_timestamp", DataType: "timestamp with time zone"}, cols[2])

	assert.NoError(t, mock.ExpectationsWereMet())
}
