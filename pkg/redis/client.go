package redis

import (
	"time"

	rd "github.com/redis/go-redis/v9"
)

// NewClient 创建 Redis 客户端，读写超时保持在毫秒级，超时即视为失败。
func NewClient(addr string, db int, timeout time.Duration) *rd.Client {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return rd.NewClient(&rd.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		PoolSize:     64,
	})
}

// IsNil 判断是否为 key 不存在 / 脚本返回 nil。
func IsNil(err error) bool {
	return err == rd.Nil
}
