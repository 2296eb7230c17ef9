package workflow

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

const transDataVar = "trans_data"

var varPattern = regexp.MustCompile(`\$\{trans_data(?:\.([A-Za-z0-9_\-]+))?\}`)

// Blackboard 同一任务流内原子共享的上下文
type Blackboard struct {
	mu    sync.RWMutex
	data  map[string]interface{}
	dirty bool
}

// NewBlackboard 创建上下文
func NewBlackboard(data map[string]interface{}) *Blackboard {
	copied := make(map[string]interface{}, len(data))
	for k, v := range data {
		copied[k] = v
	}
	return &Blackboard{data: copied}
}

// Get 读取变量
func (b *Blackboard) Get(key string) (interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	return v, ok
}

// Set 写入变量
func (b *Blackboard) Set(key string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
	b.dirty = true
}

// Snapshot 复制当前上下文
func (b *Blackboard) Snapshot() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]interface{}, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out
}

// TakeDirty 返回自上次调用以来是否有写入
func (b *Blackboard) TakeDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	dirty := b.dirty
	b.dirty = false
	return dirty
}

// Resolve 在派发时解析输入中的 ${trans_data} 和 ${trans_data.key}
func (b *Blackboard) Resolve(inputs map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		resolved, err := b.resolveValue(v)
		if err != nil {
			return nil, fmt.Errorf("resolve input %s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func (b *Blackboard) resolveValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return b.resolveString(val)
	case map[string]interface{}:
		return b.Resolve(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			resolved, err := b.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (b *Blackboard) resolveString(s string) (interface{}, error) {
	if !strings.Contains(s, "${"+transDataVar) {
		return s, nil
	}

	// 整个值就是变量引用时保留原始类型
	if m := varPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		return b.lookup(m[1])
	}

	var lookupErr error
	replaced := varPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := varPattern.FindStringSubmatch(ref)
		v, err := b.lookup(m[1])
		if err != nil {
			lookupErr = err
			return ref
		}
		return fmt.Sprint(v)
	})
	if lookupErr != nil {
		return nil, lookupErr
	}
	return replaced, nil
}

func (b *Blackboard) lookup(key string) (interface{}, error) {
	if key == "" {
		return b.Snapshot(), nil
	}
	v, ok := b.Get(key)
	if !ok {
		return nil, fmt.Errorf("trans_data.%s is not set", key)
	}
	return v, nil
}
