package repository

import (
	"context"
	"testing"
	"time"

	"flash_sale_engine/internal/database"
	"flash_sale_engine/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func TestSaleRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewSaleRepository(openDB(t))
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	active := &model.FlashSale{ProductID: "p1", Name: "active", TotalQuantity: 10, MaxPerReservation: 2,
		StartTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour)}
	later := &model.FlashSale{ProductID: "p2", Name: "later", TotalQuantity: 5, MaxPerReservation: 1,
		StartTime: now.Add(time.Hour), EndTime: now.Add(2 * time.Hour)}
	require.NoError(t, repo.Create(ctx, active))
	require.NoError(t, repo.Create(ctx, later))
	require.NotEmpty(t, active.ID)

	got, err := repo.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.TotalQuantity)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	ids, err := repo.ActiveSaleIDs(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{active.ID}, ids)

	require.NoError(t, repo.Cancel(ctx, active.ID))
	ids, err = repo.ActiveSaleIDs(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.ErrorIs(t, repo.Cancel(ctx, "missing"), ErrNotFound)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestOrderRepository_RecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(openDB(t))

	first := &model.Order{ReservationID: "r1", OrderNo: "FS-1", SaleID: "s1", ProductID: "p1", UserID: "u1", Quantity: 2}
	created, err := repo.Record(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	retry := &model.Order{ReservationID: "r1", OrderNo: "FS-2", SaleID: "s1", ProductID: "p1", UserID: "u1", Quantity: 2}
	created, err = repo.Record(ctx, retry)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "FS-1", retry.OrderNo)

	_, err = repo.Record(ctx, &model.Order{ReservationID: "r2", OrderNo: "FS-3", SaleID: "s1", ProductID: "p1", Quantity: 3})
	require.NoError(t, err)

	sum, err := repo.SumFinalized(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum)

	sum, err = repo.SumFinalized(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, sum)

	_, err = repo.FindByReservation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncLogRepository_Recent(t *testing.T) {
	ctx := context.Background()
	repo := NewSyncLogRepository(openDB(t))

	for i := int64(0); i < 3; i++ {
		require.NoError(t, repo.Append(ctx, &model.InventorySyncLog{SaleID: "s1", Kind: model.SyncCheck, Difference: i}))
	}
	require.NoError(t, repo.Append(ctx, &model.InventorySyncLog{SaleID: "s2", Kind: model.SyncRepair}))

	rows, err := repo.Recent(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[0].Difference)
	assert.Equal(t, int64(1), rows[1].Difference)
}

func TestEventRepository_SaveIgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepository(openDB(t))
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	ev := &model.SaleEvent{EventID: "e1", Type: "queue_joined", SaleID: "s1", UserID: "u1", OccurredAt: at}
	saved, err := repo.Save(ctx, ev)
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = repo.Save(ctx, &model.SaleEvent{EventID: "e1", Type: "queue_joined", SaleID: "s1", OccurredAt: at})
	require.NoError(t, err)
	assert.False(t, saved)

	rows, err := repo.Recent(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
