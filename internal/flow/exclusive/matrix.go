// Package exclusive 单据互斥：互斥矩阵与准入判断
package exclusive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Wildcard 与任意单据类型相容
const Wildcard = "*"

// MatrixFile 互斥矩阵文件格式
//
//	compatible:
//	  MYSQL_DATA_REPAIR: [MYSQL_MASTER_SLAVE_SWITCH]
//	  MYSQL_SINGLE_APPLY: ["*"]
//
// 关系是对称的，未列出的组合视为互斥
type MatrixFile struct {
	Compatible map[string][]string `yaml:"compatible"`
}

// Matrix 单据类型两两相容表
type Matrix struct {
	mu    sync.RWMutex
	pairs map[string]map[string]struct{}
}

// NewMatrix 创建空矩阵（任何组合都互斥）
func NewMatrix() *Matrix {
	return &Matrix{pairs: make(map[string]map[string]struct{})}
}

// ParseMatrix 解析 YAML
func ParseMatrix(data []byte) (*Matrix, error) {
	var file MatrixFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse exclusive matrix: %w", err)
	}
	m := NewMatrix()
	for a, list := range file.Compatible {
		for _, b := range list {
			m.Allow(a, b)
		}
	}
	return m, nil
}

// LoadMatrixFile 从文件加载
func LoadMatrixFile(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read exclusive matrix %s: %w", path, err)
	}
	return ParseMatrix(data)
}

// LoadMatrixFromRedis 从 Redis 读取矩阵，key 不存在时返回 (nil, nil)
func LoadMatrixFromRedis(ctx context.Context, client *redis.Client, key string) (*Matrix, error) {
	data, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get exclusive matrix from redis: %w", err)
	}
	return ParseMatrix(data)
}

// PushMatrix 将矩阵 YAML 写入 Redis
func PushMatrix(ctx context.Context, client *redis.Client, key string, m *Matrix) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	return client.Set(ctx, key, data, 0).Err()
}

// Load 启用 Redis 时优先读取 Redis，缺失时回退到文件
func Load(ctx context.Context, client *redis.Client, key, path string) (*Matrix, error) {
	if client != nil {
		m, err := LoadMatrixFromRedis(ctx, client, key)
		if err != nil {
			logger.Warn("[Exclusive] Failed to load matrix from redis, fallback to file", zap.Error(err))
		} else if m != nil {
			logger.Info("[Exclusive] Matrix loaded from redis", zap.String("key", key), zap.Int("pairs", m.Size()))
			return m, nil
		}
	}
	m, err := LoadMatrixFile(path)
	if err != nil {
		return nil, err
	}
	logger.Info("[Exclusive] Matrix loaded from file", zap.String("path", path), zap.Int("pairs", m.Size()))
	return m, nil
}

// Allow 声明两种单据类型相容
func (m *Matrix) Allow(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(a, b)
	m.add(b, a)
}

func (m *Matrix) add(a, b string) {
	row, ok := m.pairs[a]
	if !ok {
		row = make(map[string]struct{})
		m.pairs[a] = row
	}
	row[b] = struct{}{}
}

// Compatible 两种单据类型能否同时操作同一集群
func (m *Matrix) Compatible(a, b string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.has(a, b) || m.has(a, Wildcard) || m.has(b, Wildcard)
}

func (m *Matrix) has(a, b string) bool {
	row, ok := m.pairs[a]
	if !ok {
		return false
	}
	_, ok = row[b]
	return ok
}

// Replace 用另一个矩阵的内容原地替换
func (m *Matrix) Replace(other *Matrix) {
	other.mu.RLock()
	pairs := make(map[string]map[string]struct{}, len(other.pairs))
	for a, row := range other.pairs {
		cp := make(map[string]struct{}, len(row))
		for b := range row {
			cp[b] = struct{}{}
		}
		pairs[a] = cp
	}
	other.mu.RUnlock()

	m.mu.Lock()
	m.pairs = pairs
	m.mu.Unlock()
}

// Size 相容对数量（对称关系只计一次）
func (m *Matrix) Size() int {
	return len(m.Pairs())
}

// Pairs 排序后的相容对，每对只出现一次
func (m *Matrix) Pairs() [][2]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out [][2]string
	for a, row := range m.pairs {
		for b := range row {
			if a <= b {
				out = append(out, [2]string{a, b})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// Marshal 序列化为 YAML
func (m *Matrix) Marshal() ([]byte, error) {
	file := MatrixFile{Compatible: make(map[string][]string)}
	for _, p := range m.Pairs() {
		file.Compatible[p[0]] = append(file.Compatible[p[0]], p[1])
	}
	return yaml.Marshal(&file)
}

// UnknownTypes 矩阵中出现但不在 known 里的单据类型
func (m *Matrix) UnknownTypes(known []string) []string {
	set := make(map[string]struct{}, len(known))
	for _, k := range known {
		set[k] = struct{}{}
	}

	seen := make(map[string]struct{})
	for _, p := range m.Pairs() {
		for _, t := range p {
			if t == Wildcard {
				continue
			}
			if _, ok := set[t]; !ok {
				seen[t] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
