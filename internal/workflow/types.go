// Package workflow 内嵌任务流引擎：串行/并行子流程组合原子，支持重试、超时、撤销和断点续跑
package workflow

import (
	"context"

	"github.com/fisker/dbm-flow/internal/model"
)

// NodeKind 节点类型
type NodeKind string

const (
	KindAct      NodeKind = "act"
	KindSerial   NodeKind = "serial"
	KindParallel NodeKind = "parallel"
)

// RetryPolicy 原子重试策略
type RetryPolicy struct {
	MaxRetries int `json:"max_retries,omitempty"`
	Interval   int `json:"interval,omitempty"` // 秒
}

// Node 任务流节点，容器节点包含子节点，原子节点引用组件
type Node struct {
	ID        string                 `json:"id"`
	Kind      NodeKind               `json:"kind"`
	Name      string                 `json:"name,omitempty"`
	Component string                 `json:"component,omitempty"`
	Inputs    map[string]interface{} `json:"inputs,omitempty"`
	Retry     RetryPolicy            `json:"retry,omitempty"`
	Timeout   int                    `json:"timeout,omitempty"` // 秒，0 使用引擎默认值
	Children  []*Node                `json:"children,omitempty"`
}

// Walk 先序遍历
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, child := range n.Children {
		child.Walk(fn)
	}
}

// Acts 按执行顺序列出全部原子节点
func (n *Node) Acts() []*Node {
	var acts []*Node
	n.Walk(func(node *Node) {
		if node.Kind == KindAct {
			acts = append(acts, node)
		}
	})
	return acts
}

// Pipeline 待提交的任务流
type Pipeline struct {
	RootID   string
	TicketID uint
	FlowID   uint
	Root     *Node
	// Data 初始上下文，即 ${trans_data}
	Data map[string]interface{}
}

// Signal 节点状态变更信号，NodeID 等于 RootID 时为根节点信号
type Signal struct {
	RootID   string           `json:"root_id"`
	NodeID   string           `json:"node_id"`
	Status   model.NodeStatus `json:"status"`
	TicketID uint             `json:"ticket_id"`
	FlowID   uint             `json:"flow_id"`
	// FailedNodeID 根节点失败时首个失败的原子
	FailedNodeID string `json:"failed_node_id,omitempty"`
	ErrMsg       string `json:"err_msg,omitempty"`
}

// IsRoot 是否为根节点信号
func (s Signal) IsRoot() bool {
	return s.NodeID == s.RootID
}

// SignalPublisher 信号发布者
type SignalPublisher interface {
	Publish(ctx context.Context, sig Signal) error
}

// Executor 任务流执行器
type Executor interface {
	Submit(ctx context.Context, p *Pipeline) error
	Retry(ctx context.Context, rootID string) error
	Revoke(ctx context.Context, rootID string) error
	State(ctx context.Context, rootID string) (model.NodeStatus, error)
	SkipNode(ctx context.Context, rootID, nodeID string) error
	NodeStates(ctx context.Context, rootID string) ([]model.FlowNode, error)
}
