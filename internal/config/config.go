package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string

	// 持久层：sqlite | mysql | postgres
	DBDriver string
	DBDSN    string

	// 计数/预占/排队状态：redis（多实例共享）| memory（单进程）
	StoreBackend string
	RedisAddr    string
	RedisDB      int
	StoreTimeout time.Duration

	// Kafka 集群地址（逗号分隔）、Topic、消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Redis Stream outbox（核心路径入流，Relay 异步转 Kafka）
	EventStream   string
	EventGroup    string
	EventConsumer string
	EventBuffer   int
	// 是否启动 Kafka 消费者把事件归档到 sale_events
	EventArchive bool

	// 预占接口限流
	ReserveRateLimit  int
	ReserveRateWindow time.Duration

	ReservationTTL time.Duration
	SweepInterval  time.Duration

	// 放行节奏：每个 tick 推进 AdmitPerTick 个位置
	AdmitPerTick    int64
	AdmitTick       time.Duration
	AdmissionWindow time.Duration

	ReconcileInterval  time.Duration
	ReconcileTolerance int64
	ReconcileRepair    string

	// 管理接口令牌
	AdminToken string
}

// Load 读取 CONFIG_FILE（可选）与环境变量并校验。环境变量优先于文件。
func Load() (AppConfig, error) {
	src := source{}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		overlay, err := readOverlay(path)
		if err != nil {
			return AppConfig{}, err
		}
		src = overlay
	}
	return src.load()
}

// readOverlay 读取扁平的 YAML 文件，键名与环境变量一致。
func readOverlay(path string) (source, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(source, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case []any:
			parts := make([]string, 0, len(x))
			for _, p := range x {
				parts = append(parts, fmt.Sprint(p))
			}
			out[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			out[strings.ToUpper(k)] = fmt.Sprint(x)
		}
	}
	return out, nil
}

// source 是配置文件中的默认值，环境变量缺失时才使用。
type source map[string]string

func (s source) load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:      s.getEnv("HTTP_ADDR", ":8080"),
		DBDriver:      s.getEnv("DB_DRIVER", "sqlite"),
		DBDSN:         s.getEnv("DB_DSN", "flash_sale.db"),
		StoreBackend:  s.getEnv("STORE_BACKEND", "redis"),
		RedisAddr:     s.getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:  splitCSV(s.getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:    s.getEnv("KAFKA_TOPIC", "flash-sale-events"),
		KafkaGroupID:  s.getEnv("KAFKA_GROUP_ID", "flash-sale-event-archive"),
		EventStream:   s.getEnv("EVENT_STREAM", "flash_sale:events"),
		EventGroup:    s.getEnv("EVENT_GROUP", "flash-sale-relay-group"),
		EventConsumer: s.getEnv("EVENT_CONSUMER", "flash-sale-relay-1"),
		AdminToken:    s.getEnv("ADMIN_TOKEN", "dev-admin-token"),
	}
	cfg.ReconcileRepair = s.getEnv("RECONCILE_REPAIR", "alert")

	var err error
	if cfg.RedisDB, err = s.getEnvInt("REDIS_DB", 0); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.EventArchive, err = s.getEnvBool("EVENT_ARCHIVE", false); err != nil {
		return AppConfig{}, fmt.Errorf("invalid EVENT_ARCHIVE: %w", err)
	}

	// 正整数配置项
	ints := []struct {
		key      string
		fallback int
		set      func(int)
	}{
		{"STORE_TIMEOUT_MS", 300, func(v int) { cfg.StoreTimeout = time.Duration(v) * time.Millisecond }},
		{"EVENT_BUFFER", 4096, func(v int) { cfg.EventBuffer = v }},
		{"RESERVE_RATE_LIMIT", 20, func(v int) { cfg.ReserveRateLimit = v }},
		{"RESERVE_RATE_WINDOW_SEC", 1, func(v int) { cfg.ReserveRateWindow = time.Duration(v) * time.Second }},
		{"RESERVATION_TTL_SEC", 300, func(v int) { cfg.ReservationTTL = time.Duration(v) * time.Second }},
		{"SWEEP_INTERVAL_MS", 1000, func(v int) { cfg.SweepInterval = time.Duration(v) * time.Millisecond }},
		{"ADMIT_PER_TICK", 50, func(v int) { cfg.AdmitPerTick = int64(v) }},
		{"ADMIT_TICK_MS", 1000, func(v int) { cfg.AdmitTick = time.Duration(v) * time.Millisecond }},
		{"RECONCILE_INTERVAL_SEC", 60, func(v int) { cfg.ReconcileInterval = time.Duration(v) * time.Second }},
	}
	for _, it := range ints {
		v, err := s.getEnvInt(it.key, it.fallback)
		if err != nil {
			return AppConfig{}, fmt.Errorf("invalid %s: %w", it.key, err)
		}
		if v <= 0 {
			return AppConfig{}, fmt.Errorf("%s must be > 0", it.key)
		}
		it.set(v)
	}

	// 0 表示关闭放行过期
	windowSec, err := s.getEnvInt("ADMISSION_WINDOW_SEC", 600)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid ADMISSION_WINDOW_SEC: %w", err)
	}
	if windowSec < 0 {
		return AppConfig{}, fmt.Errorf("ADMISSION_WINDOW_SEC must be >= 0")
	}
	cfg.AdmissionWindow = time.Duration(windowSec) * time.Second

	tolerance, err := s.getEnvInt("RECONCILE_TOLERANCE", 0)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RECONCILE_TOLERANCE: %w", err)
	}
	if tolerance < 0 {
		return AppConfig{}, fmt.Errorf("RECONCILE_TOLERANCE must be >= 0")
	}
	cfg.ReconcileTolerance = int64(tolerance)

	switch cfg.DBDriver {
	case "sqlite", "mysql", "postgres":
	default:
		return AppConfig{}, fmt.Errorf("DB_DRIVER must be sqlite, mysql or postgres")
	}
	switch cfg.StoreBackend {
	case "redis", "memory":
	default:
		return AppConfig{}, fmt.Errorf("STORE_BACKEND must be redis or memory")
	}
	switch cfg.ReconcileRepair {
	case "alert", "auto":
	default:
		return AppConfig{}, fmt.Errorf("RECONCILE_REPAIR must be alert or auto")
	}
	if cfg.DBDSN == "" {
		return AppConfig{}, fmt.Errorf("DB_DSN must not be empty")
	}
	if cfg.AdminToken == "" {
		return AppConfig{}, fmt.Errorf("ADMIN_TOKEN must not be empty")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if cfg.KafkaGroupID == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}
	if cfg.EventStream == "" {
		return AppConfig{}, fmt.Errorf("EVENT_STREAM must not be empty")
	}
	if cfg.EventGroup == "" {
		return AppConfig{}, fmt.Errorf("EVENT_GROUP must not be empty")
	}
	if cfg.EventConsumer == "" {
		return AppConfig{}, fmt.Errorf("EVENT_CONSUMER must not be empty")
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，为空时依次回退到配置文件与默认值。
func (s source) getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if v := strings.TrimSpace(s[key]); v != "" {
		return v
	}
	return fallback
}

// getEnvInt 读取整数配置，若为空则返回默认值。
func (s source) getEnvInt(key string, fallback int) (int, error) {
	v := s.getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func (s source) getEnvBool(key string, fallback bool) (bool, error) {
	v := s.getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
