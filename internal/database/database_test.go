package database

import (
	"testing"

	"flash_sale_engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SQLiteMigrates(t *testing.T) {
	db, err := Open(DriverSQLite, "file::memory:")
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	for _, m := range []any{&model.FlashSale{}, &model.Order{}, &model.InventorySyncLog{}, &model.SaleEvent{}} {
		assert.True(t, db.Migrator().HasTable(m))
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("oracle", "x")
	assert.Error(t, err)
}
