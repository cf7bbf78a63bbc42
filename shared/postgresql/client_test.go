package postgresql

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewFromDB(sqlx.NewDb(db, "sqlmock"), logger), mock
}

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{Host: "db", Port: 5432, User: "app", Password: "pw", Database: "jobs"}
	assert.Equal(t, "host=db port=5432 user=app password=pw dbname=jobs sslmode=disable", cfg.DSN())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}

func TestClient_HealthCheck(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	require.NoError(t, client.HealthCheck(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClient_HealthCheckPingFails(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	err := client.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database health check failed")
}

func TestClient_Close(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectClose()

	require.NoError(t, client.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
