package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// SourceResolver 根据触发源 ID 加载业务对象，不存在时返回 nil
type SourceResolver func(ctx context.Context, id string) (interface{}, error)

// SourceRef 触发源引用
type SourceRef struct {
	Type string `json:"source_type"`
	ID   string `json:"source_id"`
}

// Empty 是否未设置触发源
func (r SourceRef) Empty() bool {
	return strings.TrimSpace(r.Type) == "" && strings.TrimSpace(r.ID) == ""
}

// SourceRegistry 触发源类型到加载函数的映射
type SourceRegistry struct {
	mu        sync.RWMutex
	resolvers map[string]SourceResolver
}

// NewSourceRegistry 创建触发源注册表
func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{resolvers: make(map[string]SourceResolver)}
}

// Register 注册触发源类型
func (r *SourceRegistry) Register(sourceType string, resolver SourceResolver) {
	if r == nil || resolver == nil {
		return
	}
	key := normalizeSourceType(sourceType)
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[key] = resolver
}

// Types 已注册的触发源类型
func (r *SourceRegistry) Types() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.resolvers))
	for key := range r.resolvers {
		types = append(types, key)
	}
	return types
}

// Resolve 加载触发源
func (r *SourceRegistry) Resolve(ctx context.Context, ref SourceRef) (interface{}, error) {
	if ref.Empty() {
		return nil, ErrSourceNotFound
	}
	var resolver SourceResolver
	if r != nil {
		r.mu.RLock()
		resolver = r.resolvers[normalizeSourceType(ref.Type)]
		r.mu.RUnlock()
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceUnknown, ref.Type)
	}
	source, err := resolver(ctx, strings.TrimSpace(ref.ID))
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrSourceNotFound, ref.Type, ref.ID)
	}
	return source, nil
}

func normalizeSourceType(sourceType string) string {
	return strings.ToLower(strings.TrimSpace(sourceType))
}
