package workflow

import "fmt"

// Act 原子定义
type Act struct {
	Name      string
	Component string
	Inputs    map[string]interface{}
	Retry     RetryPolicy
	Timeout   int
}

// SubBuilder 组装一段串行子流程
type SubBuilder struct {
	node *Node
}

// NewSubBuilder 创建子流程
func NewSubBuilder(name string) *SubBuilder {
	return &SubBuilder{node: &Node{Kind: KindSerial, Name: name}}
}

// AddAct 追加原子
func (b *SubBuilder) AddAct(act Act) *SubBuilder {
	b.node.Children = append(b.node.Children, &Node{
		Kind:      KindAct,
		Name:      act.Name,
		Component: act.Component,
		Inputs:    act.Inputs,
		Retry:     act.Retry,
		Timeout:   act.Timeout,
	})
	return b
}

// AddParallelActs 追加一组并行原子，全部完成后继续
func (b *SubBuilder) AddParallelActs(acts []Act) *SubBuilder {
	if len(acts) == 0 {
		return b
	}
	parallel := &Node{Kind: KindParallel}
	for _, act := range acts {
		sub := NewSubBuilder(act.Name).AddAct(act)
		parallel.Children = append(parallel.Children, sub.node)
	}
	b.node.Children = append(b.node.Children, parallel)
	return b
}

// AddSubPipeline 追加串行子流程
func (b *SubBuilder) AddSubPipeline(sub *SubBuilder) *SubBuilder {
	b.node.Children = append(b.node.Children, sub.node)
	return b
}

// AddParallelSubPipeline 追加并行子流程，分支在下一个节点前汇合
func (b *SubBuilder) AddParallelSubPipeline(subs []*SubBuilder) *SubBuilder {
	if len(subs) == 0 {
		return b
	}
	parallel := &Node{Kind: KindParallel}
	for _, sub := range subs {
		parallel.Children = append(parallel.Children, sub.node)
	}
	b.node.Children = append(b.node.Children, parallel)
	return b
}

// Len 当前子流程包含的原子数
func (b *SubBuilder) Len() int {
	return len(b.node.Acts())
}

// Builder 任务流构建器
type Builder struct {
	SubBuilder
	rootID string
	data   map[string]interface{}
}

// NewBuilder 创建任务流构建器，data 为初始上下文
func NewBuilder(rootID string, data map[string]interface{}) *Builder {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &Builder{
		SubBuilder: SubBuilder{node: &Node{Kind: KindSerial, Name: "root"}},
		rootID:     rootID,
		data:       data,
	}
}

// Build 生成任务流并分配节点 ID：根节点使用 rootID，原子按先序编号 act_1..act_n
func (b *Builder) Build(ticketID, flowID uint) (*Pipeline, error) {
	if b.rootID == "" {
		return nil, fmt.Errorf("pipeline root id is empty")
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("pipeline %s has no act", b.rootID)
	}

	counters := map[NodeKind]int{}
	b.node.Walk(func(n *Node) {
		if n == b.node {
			n.ID = b.rootID
			return
		}
		counters[n.Kind]++
		n.ID = fmt.Sprintf("%s_%d", n.Kind, counters[n.Kind])
	})

	return &Pipeline{
		RootID:   b.rootID,
		TicketID: ticketID,
		FlowID:   flowID,
		Root:     b.node,
		Data:     b.data,
	}, nil
}
