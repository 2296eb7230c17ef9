package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/cast"
)

// ActContext 原子执行上下文
type ActContext struct {
	RootID   string
	NodeID   string
	TicketID uint
	FlowID   uint
	Attempt  int
	// Inputs 已解析 ${trans_data} 的输入
	Inputs map[string]interface{}

	board *Blackboard
}

// Set 写入任务流上下文，供后续原子读取
func (a *ActContext) Set(key string, value interface{}) {
	a.board.Set(key, value)
}

// Get 读取任务流上下文
func (a *ActContext) Get(key string) (interface{}, bool) {
	return a.board.Get(key)
}

// InputString 读取字符串输入
func (a *ActContext) InputString(key string) string {
	return cast.ToString(a.Inputs[key])
}

// InputInt 读取整数输入
func (a *ActContext) InputInt(key string) int {
	return cast.ToInt(a.Inputs[key])
}

// InputStrings 读取字符串列表输入
func (a *ActContext) InputStrings(key string) []string {
	return cast.ToStringSlice(a.Inputs[key])
}

// Component 原子组件
type Component interface {
	Code() string
	Execute(ctx context.Context, act *ActContext) error
}

// ComponentRegistry 组件注册表
type ComponentRegistry struct {
	mu         sync.RWMutex
	components map[string]Component
}

// NewComponentRegistry 创建注册表
func NewComponentRegistry(components ...Component) *ComponentRegistry {
	r := &ComponentRegistry{components: make(map[string]Component)}
	for _, c := range components {
		r.Register(c)
	}
	return r
}

// Register 注册组件，同名覆盖
func (r *ComponentRegistry) Register(c Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[c.Code()] = c
}

// Get 获取组件
func (r *ComponentRegistry) Get(code string) (Component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[code]
	if !ok {
		return nil, fmt.Errorf("component %s not registered", code)
	}
	return c, nil
}

// Codes 已注册的组件
func (r *ComponentRegistry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.components))
	for code := range r.components {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
