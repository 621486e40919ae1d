package redis

import "errors"

// ErrUnexpectedReply 在脚本返回结构不符合约定时返回。
var ErrUnexpectedReply = errors.New("unexpected lua script reply")

// ErrStockMissing 表示库存 key 尚未预热。
var ErrStockMissing = errors.New("stock key missing")
