package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
)

// ResponseCache memoizes query responses in a fixed-size LRU.
type ResponseCache struct {
	inner *lru.Cache[string, domain.QueryResponse]
}

func NewResponseCache(size int) (*ResponseCache, error) {
	inner, err := lru.New[string, domain.QueryResponse](size)
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}
	return &ResponseCache{inner: inner}, nil
}

func (c *ResponseCache) Get(key string) (domain.QueryResponse, bool) {
	return c.inner.Get(key)
}

func (c *ResponseCache) Add(key string, resp domain.QueryResponse) {
	c.inner.Add(key, resp)
}
