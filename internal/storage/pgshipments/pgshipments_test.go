package pgshipments

import (
	"context"
	"testing"
	"time"

	"github.com/petalpouches/shipsync/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "shipsync_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/shipsync_test?sslmode=disable"

	// the port opens before postgres accepts connections
	var st *Storage
	require.Eventually(t, func() bool {
		st, err = New(dsn)
		return err == nil
	}, 30*time.Second, 500*time.Millisecond)
	t.Cleanup(st.Close)
	return st
}

func TestPGShipments_RepoFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	st := startPostgres(t)
	ctx := context.Background()

	created, err := st.CreateShipment(ctx, models.ShipmentCreateInput{OrderID: "order-1", AWB: "AWB123"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, models.StatusPlaced, created.Status)
	require.Empty(t, created.TrackingHistory)

	again, err := st.CreateShipment(ctx, models.ShipmentCreateInput{OrderID: "order-1", AWB: "AWB123"})
	require.NoError(t, err)
	require.Equal(t, created.ID, again.ID)

	_, err = st.FindByAWB(ctx, "NONEXISTENT")
	require.ErrorIs(t, err, ErrNotFound)

	sh, err := st.FindByAWB(ctx, "AWB123")
	require.NoError(t, err)
	require.Equal(t, int64(0), sh.Version)

	now := time.Now().UTC()
	edd := "2024-01-05"
	w := models.ShipmentWrite{
		ID:              sh.ID,
		ExpectedVersion: sh.Version,
		Status:          models.StatusPickedUp,
		TrackingHistory: []models.TrackingEvent{
			{Status: "Picked Up", MappedStatus: models.StatusPickedUp, Timestamp: "2024-01-01T10:00:00Z", Source: models.SourceWebhook},
		},
		ExpectedDeliveryDate: &edd,
		LastSyncAt:           now,
		NextResyncAt:         now.Add(time.Hour),
	}
	require.NoError(t, st.UpdateShipment(ctx, w))

	// stale version loses
	require.ErrorIs(t, st.UpdateShipment(ctx, w), ErrVersionConflict)

	sh, err = st.FindByAWB(ctx, "AWB123")
	require.NoError(t, err)
	require.Equal(t, models.StatusPickedUp, sh.Status)
	require.Equal(t, int64(1), sh.Version)
	require.Len(t, sh.TrackingHistory, 1)
	require.Equal(t, "Picked Up", sh.TrackingHistory[0].Status)
	require.NotNil(t, sh.ExpectedDeliveryDate)
	require.Equal(t, edd, *sh.ExpectedDeliveryDate)
	require.NotNil(t, sh.LastSyncAt)
	require.WithinDuration(t, now, *sh.LastSyncAt, time.Second)

	// nil expected date keeps the stored one
	w.ExpectedVersion = 1
	w.ExpectedDeliveryDate = nil
	require.NoError(t, st.UpdateShipment(ctx, w))
	sh, err = st.FindByAWB(ctx, "AWB123")
	require.NoError(t, err)
	require.Equal(t, edd, *sh.ExpectedDeliveryDate)

	recent, err := st.ListRecentSyncs(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "AWB123", recent[0].AWB)
	require.Equal(t, models.StatusPickedUp, recent[0].Status)
}

func TestPGShipments_ClaimDueShipments(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	st := startPostgres(t)
	ctx := context.Background()

	due, err := st.CreateShipment(ctx, models.ShipmentCreateInput{OrderID: "o1", AWB: "DUE"})
	require.NoError(t, err)
	later, err := st.CreateShipment(ctx, models.ShipmentCreateInput{OrderID: "o2", AWB: "LATER"})
	require.NoError(t, err)
	done, err := st.CreateShipment(ctx, models.ShipmentCreateInput{OrderID: "o3", AWB: "DONE", Status: models.StatusDelivered})
	require.NoError(t, err)

	_, err = st.db.Exec(ctx, `UPDATE shipments SET next_resync_at = now() - interval '1 minute' WHERE id = $1 OR id = $2`, due.ID, done.ID)
	require.NoError(t, err)
	_, err = st.db.Exec(ctx, `UPDATE shipments SET next_resync_at = now() + interval '1 hour' WHERE id = $1`, later.ID)
	require.NoError(t, err)

	now := time.Now().UTC()
	lease := 10 * time.Second
	picked, err := st.ClaimDueShipments(ctx, now, 10, lease)
	require.NoError(t, err)
	require.Len(t, picked, 1)
	require.Equal(t, due.ID, picked[0].ID)
	require.WithinDuration(t, now.Add(lease), picked[0].NextResyncAt, 2*time.Second)

	// leased rows are not handed out twice
	picked, err = st.ClaimDueShipments(ctx, now, 10, lease)
	require.NoError(t, err)
	require.Empty(t, picked)

	next := now.Add(5 * time.Minute)
	require.NoError(t, st.MarkResyncFailed(ctx, due.ID, next))
	sh, err := st.FindByAWB(ctx, "DUE")
	require.NoError(t, err)
	require.Equal(t, int32(1), sh.ResyncFailCount)
	require.WithinDuration(t, next, sh.NextResyncAt, time.Second)

	later2 := now.Add(2 * time.Hour)
	require.NoError(t, st.ScheduleResync(ctx, due.ID, later2))
	sh, err = st.FindByAWB(ctx, "DUE")
	require.NoError(t, err)
	require.Equal(t, int32(0), sh.ResyncFailCount)
	require.WithinDuration(t, later2, sh.NextResyncAt, time.Second)
}
