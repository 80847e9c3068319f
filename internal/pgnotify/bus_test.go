package pgnotify

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyExecutesPgNotify(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SELECT pg_notify").
		WithArgs("kura_jobs", `{"user_id":"u1"}`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := &Bus{db: db, log: logrus.NewEntry(logrus.StandardLogger()), ctx: ctx, cancel: cancel}

	require.NoError(t, b.Notify(context.Background(), "kura_jobs", `{"user_id":"u1"}`))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOnNotifyRegistersHandlerInvokedByDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := &Bus{log: logrus.NewEntry(logrus.StandardLogger()), ctx: ctx, cancel: cancel}

	var received []Notification
	b.OnNotify(func(ctx context.Context, n Notification) {
		received = append(received, n)
	})

	b.dispatch(Notification{Channel: "kura_jobs", Payload: "hello"})
	require.Len(t, received, 1)
	assert.Equal(t, "hello", received[0].Payload)
}

func TestDispatchInvokesEveryRegisteredHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := &Bus{log: logrus.NewEntry(logrus.StandardLogger()), ctx: ctx, cancel: cancel}

	var calls int
	b.OnNotify(func(ctx context.Context, n Notification) { calls++ })
	b.OnNotify(func(ctx context.Context, n Notification) { calls++ })

	b.dispatch(Notification{Channel: "c", Payload: "p"})
	assert.Equal(t, 2, calls)
}
