package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "redis", cfg.StoreBackend)
	assert.Equal(t, 300*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, 5*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, int64(50), cfg.AdmitPerTick)
	assert.Equal(t, 10*time.Minute, cfg.AdmissionWindow)
	assert.Equal(t, "alert", cfg.ReconcileRepair)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.False(t, cfg.EventArchive)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("KAFKA_BROKERS", " k1:9092, k2:9092 ,")
	t.Setenv("RESERVATION_TTL_SEC", "30")
	t.Setenv("ADMISSION_WINDOW_SEC", "0")
	t.Setenv("EVENT_ARCHIVE", "true")
	t.Setenv("RECONCILE_REPAIR", "auto")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Second, cfg.ReservationTTL)
	assert.Zero(t, cfg.AdmissionWindow)
	assert.True(t, cfg.EventArchive)
	assert.Equal(t, "auto", cfg.ReconcileRepair)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	for key, val := range map[string]string{
		"RESERVE_RATE_LIMIT":  "0",
		"ADMIT_PER_TICK":      "x",
		"DB_DRIVER":           "oracle",
		"STORE_BACKEND":       "etcd",
		"RECONCILE_REPAIR":    "maybe",
		"RECONCILE_TOLERANCE": "-1",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestLoad_FileOverlayUnderEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash_sale.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9090"
db_driver: postgres
db_dsn: "host=db user=app"
admit_per_tick: 200
kafka_brokers:
  - a:9092
  - b:9092
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("ADMIT_PER_TICK", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "host=db user=app", cfg.DBDSN)
	assert.Equal(t, int64(5), cfg.AdmitPerTick, "environment wins over the file")
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
