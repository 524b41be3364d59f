package utils

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheItem[T any] struct {
	Value     T
	ExpiredAt time.Time
}

// TTLCache 带过期时间的 LRU 缓存，并发安全
type TTLCache[T any] struct {
	storage *lru.Cache[string, cacheItem[T]]
	ttl     time.Duration
}

// NewTTLCache size 是最大缓存条数，ttl 是数据有效期
func NewTTLCache[T any](size int, ttl time.Duration) *TTLCache[T] {
	if size <= 0 {
		size = 1024
	}
	c, _ := lru.New[string, cacheItem[T]](size)
	return &TTLCache[T]{storage: c, ttl: ttl}
}

func (c *TTLCache[T]) Set(key string, value T) {
	c.storage.Add(key, cacheItem[T]{Value: value, ExpiredAt: time.Now().Add(c.ttl)})
}

// Get 过期条目视为不存在并被移除
func (c *TTLCache[T]) Get(key string) (T, bool) {
	var zero T
	item, ok := c.storage.Get(key)
	if !ok {
		return zero, false
	}
	if time.Now().After(item.ExpiredAt) {
		c.storage.Remove(key)
		return zero, false
	}
	return item.Value, true
}

func (c *TTLCache[T]) Len() int {
	return c.storage.Len()
}
