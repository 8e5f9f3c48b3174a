package app

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/kilnkeeper/internal/clock"
	"github.com/and161185/kilnkeeper/internal/config"
	"github.com/and161185/kilnkeeper/internal/dispatch"
	"github.com/and161185/kilnkeeper/internal/limiter"
	"github.com/and161185/kilnkeeper/internal/params"
	"github.com/and161185/kilnkeeper/internal/repository/memory"
	"github.com/and161185/kilnkeeper/internal/repository/postgres"
)

func TestPostgres_LimiterKind(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	db := &postgres.DB{Pool: mock}

	_, isPG := Postgres(db, "postgres").Limiter.(*limiter.PG)
	require.True(t, isPG)
	_, isMem := Postgres(db, "memory").Limiter.(*limiter.Memory)
	require.True(t, isMem)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewDispatcher_Memory(t *testing.T) {
	cfg := config.Default()
	cfg.JWTKey = "app-test-key"
	cfg.Store, cfg.Limiter = "memory", "memory"
	clk := clock.NewFixed(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).UnixMilli())

	d, err := NewDispatcher(cfg, Memory(memory.New()), clk, &clock.SeqIDs{Prefix: "id"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, d.Table.Operations(), 18)

	resp := d.Handle(context.Background(), dispatch.Request{Path: "/v1/reservations.list", Params: params.Params{}})
	require.Equal(t, 401, resp.HTTPStatus)
	require.Equal(t, "UNAUTHENTICATED", resp.Envelope.Code)
	require.Equal(t, resp.RequestID, resp.Envelope.RequestID)
}

func TestSecret_FallsBackToJWTKey(t *testing.T) {
	cfg := config.Default()
	cfg.JWTKey = "jwt"
	require.Equal(t, "jwt", secret(cfg))
	cfg.SigningSecret = "sign"
	require.Equal(t, "sign", secret(cfg))
}
