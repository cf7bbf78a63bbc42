package jobs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/jobworker/internal/appctx"
	"github.com/cuongbtq/jobworker/internal/worker"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/cuongbtq/jobworker/shared/postgresql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func argsOf(t *testing.T, payload string) *domain.Arguments {
	t.Helper()
	args, err := domain.DecodeArguments([]byte(payload))
	require.NoError(t, err)
	return args
}

func TestRegister(t *testing.T) {
	reg := worker.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Equal(t, []string{DBPing, Echo, Fail, Sleep}, reg.Names())

	assert.Error(t, Register(reg), "registering twice must fail")
}

func TestEcho(t *testing.T) {
	out, err := echo(context.Background(), nil, argsOf(t, `{"args":[1,"two"],"kwargs":{"k":true}}`))
	require.NoError(t, err)

	encoded, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"args":[1,"two"],"kwargs":{"k":true}}`, string(encoded))

	out, err = echo(context.Background(), nil, argsOf(t, ``))
	require.NoError(t, err)
	encoded, err = json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"args":[],"kwargs":{}}`, string(encoded))
}

func TestFail(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantMsg string
	}{
		{name: "default message", payload: `{"args":[]}`, wantMsg: "requested failure"},
		{name: "custom message", payload: `{"args":["disk full"]}`, wantMsg: "disk full"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fail(context.Background(), nil, argsOf(t, tt.payload))
			require.Error(t, err)
			assert.Equal(t, tt.wantMsg, err.Error())
		})
	}
}

func TestSleep(t *testing.T) {
	out, err := sleep(context.Background(), nil, argsOf(t, `{"args":[0.01]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"slept": 0.01}, out)

	_, err = sleep(context.Background(), nil, argsOf(t, `{"args":[-1]}`))
	assert.ErrorIs(t, err, domain.ErrSerialization)

	_, err = sleep(context.Background(), nil, argsOf(t, `{"args":[]}`))
	assert.ErrorIs(t, err, domain.ErrSerialization)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = sleep(ctx, nil, argsOf(t, `{"args":[60]}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDBPing(t *testing.T) {
	app := appctx.New(nil, testLogger())
	_, err := dbPing(context.Background(), app, argsOf(t, ``))
	assert.ErrorIs(t, err, ErrNoDatabase)

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	app.DB = postgresql.NewFromDB(sqlx.NewDb(db, "sqlmock"), testLogger())
	out, err := dbPing(context.Background(), app, argsOf(t, ``))
	require.NoError(t, err)
	assert.Equal(t, "ok", out.(map[string]string)["status"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
