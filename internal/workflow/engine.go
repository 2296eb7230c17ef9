package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/repository"
	"github.com/fisker/dbm-flow/pkg/logger"
	"github.com/fisker/dbm-flow/pkg/metrics"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const revokeWaitTimeout = 30 * time.Second

// Engine 内嵌任务流引擎
type Engine struct {
	repo       *repository.FlowNodeRepository
	components *ComponentRegistry
	publisher  SignalPublisher
	actTimeout time.Duration
	sem        chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	runs    map[string]*run
	wg      sync.WaitGroup
}

// run 一次执行（提交、重试或恢复各对应一次）
type run struct {
	rootID   string
	ticketID uint
	flowID   uint
	board    *Blackboard
	states   map[string]model.NodeStatus
	cancel   context.CancelFunc
	done     chan struct{}
	revoked  atomic.Bool

	mu         sync.Mutex
	failedNode string
	failedMsg  string
}

func (r *run) recordFailure(nodeID, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failedNode == "" {
		r.failedNode, r.failedMsg = nodeID, msg
	}
}

// NewEngine 创建引擎，workers 限制同时执行的原子数
func NewEngine(repo *repository.FlowNodeRepository, components *ComponentRegistry, workers int, actTimeout time.Duration) *Engine {
	if workers <= 0 {
		workers = 32
	}
	if actTimeout <= 0 {
		actTimeout = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		repo:       repo,
		components: components,
		actTimeout: actTimeout,
		sem:        make(chan struct{}, workers),
		baseCtx:    ctx,
		cancel:     cancel,
		runs:       make(map[string]*run),
	}
}

// SetPublisher 设置信号发布者
func (e *Engine) SetPublisher(p SignalPublisher) {
	e.publisher = p
}

// Submit 提交任务流，同一 rootID 重复提交不会重复执行
func (e *Engine) Submit(ctx context.Context, p *Pipeline) error {
	if p == nil || p.Root == nil || p.RootID == "" {
		return errors.New("invalid pipeline")
	}

	_, err := e.repo.GetPipeline(ctx, p.RootID)
	if err == nil {
		logger.Info("[Workflow] pipeline already submitted", zap.String("root_id", p.RootID))
		return nil
	}
	if errors.Cause(err) != errno.ErrPipelineNotFound {
		return errors.Trace(err)
	}

	treeJSON, err := json.Marshal(p.Root)
	if err != nil {
		return errors.Annotate(err, "marshal pipeline tree")
	}

	var nodes []model.FlowNode
	p.Root.Walk(func(n *Node) {
		nodes = append(nodes, model.FlowNode{
			RootID:        p.RootID,
			NodeID:        n.ID,
			TicketID:      p.TicketID,
			FlowID:        p.FlowID,
			Name:          n.Name,
			ComponentCode: n.Component,
			Status:        model.NodeStatusReady,
		})
	})

	tree := &model.PipelineTree{
		RootID:     p.RootID,
		TicketID:   p.TicketID,
		FlowID:     p.FlowID,
		Tree:       treeJSON,
		Blackboard: p.Data,
		Status:     model.NodeStatusRunning,
	}
	if err := e.repo.CreatePipeline(ctx, tree, nodes); err != nil {
		return errors.Annotatef(err, "persist pipeline %s", p.RootID)
	}

	logger.Info("[Workflow] pipeline submitted",
		zap.String("root_id", p.RootID),
		zap.Uint("ticket_id", p.TicketID),
		zap.Int("acts", len(p.Root.Acts())))
	return e.launch(ctx, p.RootID)
}

// launch 从持久化状态启动执行，已完成的节点会被跳过
func (e *Engine) launch(ctx context.Context, rootID string) error {
	tree, err := e.repo.GetPipeline(ctx, rootID)
	if err != nil {
		return errors.Trace(err)
	}
	var root Node
	if err := json.Unmarshal(tree.Tree, &root); err != nil {
		return errors.Annotatef(err, "decode pipeline %s", rootID)
	}
	nodes, err := e.repo.ListNodes(ctx, rootID)
	if err != nil {
		return errors.Trace(err)
	}
	states := make(map[string]model.NodeStatus, len(nodes))
	for _, n := range nodes {
		states[n.NodeID] = n.Status
	}

	e.mu.Lock()
	if _, running := e.runs[rootID]; running {
		e.mu.Unlock()
		return errors.Errorf("pipeline %s is already running", rootID)
	}
	runCtx, cancel := context.WithCancel(e.baseCtx)
	r := &run{
		rootID:   rootID,
		ticketID: tree.TicketID,
		flowID:   tree.FlowID,
		board:    NewBlackboard(tree.Blackboard),
		states:   states,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	e.runs[rootID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	e.publish(runCtx, r, rootID, model.NodeStatusRunning)
	go e.execute(runCtx, r, &root)
	return nil
}

func (e *Engine) execute(ctx context.Context, r *run, root *Node) {
	defer e.wg.Done()
	metrics.RunningPipelines.Inc()
	defer metrics.RunningPipelines.Dec()

	err := e.execNode(ctx, r, root)
	persistCtx := context.WithoutCancel(ctx)

	status := model.NodeStatusFinished
	switch {
	case r.revoked.Load():
		status = model.NodeStatusRevoked
	case ctx.Err() != nil:
		// 进程退出，保持 RUNNING 等待 Recover
		logger.Warn("[Workflow] pipeline interrupted", zap.String("root_id", r.rootID))
		e.finishRun(r)
		return
	case err != nil:
		status = model.NodeStatusFailed
	}

	if r.board.TakeDirty() {
		if err := e.repo.UpdateBlackboard(persistCtx, r.rootID, r.board.Snapshot()); err != nil {
			logger.Error("[Workflow] persist blackboard failed", zap.String("root_id", r.rootID), zap.Error(err))
		}
	}
	if status == model.NodeStatusRevoked {
		if err := e.repo.RevokeUnfinishedNodes(persistCtx, r.rootID); err != nil {
			logger.Error("[Workflow] revoke nodes failed", zap.String("root_id", r.rootID), zap.Error(err))
		}
	}
	if err := e.repo.UpdatePipelineStatus(persistCtx, r.rootID, status); err != nil {
		logger.Error("[Workflow] update pipeline status failed", zap.String("root_id", r.rootID), zap.Error(err))
	}
	e.finishRun(r)

	logger.Info("[Workflow] pipeline finished", zap.String("root_id", r.rootID), zap.String("status", string(status)))
	e.publish(persistCtx, r, r.rootID, status)
}

func (e *Engine) finishRun(r *run) {
	e.mu.Lock()
	delete(e.runs, r.rootID)
	e.mu.Unlock()
	r.cancel()
	close(r.done)
}

func (e *Engine) execNode(ctx context.Context, r *run, node *Node) error {
	if r.states[node.ID].IsDone() {
		return nil
	}
	if node.Kind == KindAct {
		return e.execAct(ctx, r, node)
	}

	e.updateNode(ctx, r, node.ID, map[string]interface{}{"status": model.NodeStatusRunning, "started_at": time.Now()})

	var err error
	if node.Kind == KindParallel {
		// 分支失败不取消其它分支，汇合时报告失败
		var g errgroup.Group
		for _, child := range node.Children {
			child := child
			g.Go(func() error {
				return e.execNode(ctx, r, child)
			})
		}
		err = g.Wait()
	} else {
		for _, child := range node.Children {
			if err = e.execNode(ctx, r, child); err != nil {
				break
			}
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		e.updateNode(ctx, r, node.ID, map[string]interface{}{"status": model.NodeStatusFailed, "finished_at": time.Now()})
		return err
	}
	e.updateNode(ctx, r, node.ID, map[string]interface{}{"status": model.NodeStatusFinished, "finished_at": time.Now()})
	return nil
}

func (e *Engine) execAct(ctx context.Context, r *run, node *Node) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	start := time.Now()
	e.updateNode(ctx, r, node.ID, map[string]interface{}{"status": model.NodeStatusRunning, "started_at": start, "err_msg": ""})
	e.publish(ctx, r, node.ID, model.NodeStatusRunning)

	comp, err := e.components.Get(node.Component)
	if err != nil {
		return e.failAct(ctx, r, node, 0, start, err)
	}
	inputs, err := r.board.Resolve(node.Inputs)
	if err != nil {
		return e.failAct(ctx, r, node, 0, start, err)
	}

	timeout := e.actTimeout
	if node.Timeout > 0 {
		timeout = time.Duration(node.Timeout) * time.Second
	}

	attempt := 0
	for ; ; attempt++ {
		actCtx, cancel := context.WithTimeout(ctx, timeout)
		err = safeExecute(actCtx, comp, &ActContext{
			RootID:   r.rootID,
			NodeID:   node.ID,
			TicketID: r.ticketID,
			FlowID:   r.flowID,
			Attempt:  attempt,
			Inputs:   inputs,
			board:    r.board,
		})
		cancel()
		if err == nil || ctx.Err() != nil || attempt >= node.Retry.MaxRetries {
			break
		}

		logger.Warn("[Workflow] act failed, retrying",
			zap.String("root_id", r.rootID),
			zap.String("node_id", node.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if !sleepCtx(ctx, time.Duration(node.Retry.Interval)*time.Second) {
			break
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return e.failAct(ctx, r, node, attempt, start, err)
	}

	if r.board.TakeDirty() {
		if err := e.repo.UpdateBlackboard(ctx, r.rootID, r.board.Snapshot()); err != nil {
			return e.failAct(ctx, r, node, attempt, start, errors.Annotate(err, "persist blackboard"))
		}
	}
	e.updateNode(ctx, r, node.ID, map[string]interface{}{
		"status":      model.NodeStatusFinished,
		"retry_count": attempt,
		"finished_at": time.Now(),
	})
	metrics.ActDuration.WithLabelValues(node.Component, "success").Observe(time.Since(start).Seconds())
	e.publish(ctx, r, node.ID, model.NodeStatusFinished)
	return nil
}

func (e *Engine) failAct(ctx context.Context, r *run, node *Node, attempt int, start time.Time, err error) error {
	msg := err.Error()
	e.updateNode(ctx, r, node.ID, map[string]interface{}{
		"status":      model.NodeStatusFailed,
		"retry_count": attempt,
		"err_msg":     msg,
		"finished_at": time.Now(),
	})
	metrics.ActDuration.WithLabelValues(node.Component, "failed").Observe(time.Since(start).Seconds())
	r.recordFailure(node.ID, msg)

	logger.Error("[Workflow] act failed",
		zap.String("root_id", r.rootID),
		zap.String("node_id", node.ID),
		zap.String("component", node.Component),
		zap.Error(err))
	e.publish(ctx, r, node.ID, model.NodeStatusFailed)
	return errors.Annotatef(err, "act %s", node.ID)
}

func (e *Engine) updateNode(ctx context.Context, r *run, nodeID string, updates map[string]interface{}) {
	if err := e.repo.UpdateNode(context.WithoutCancel(ctx), r.rootID, nodeID, updates); err != nil {
		logger.Error("[Workflow] update node failed", zap.String("root_id", r.rootID), zap.String("node_id", nodeID), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, r *run, nodeID string, status model.NodeStatus) {
	if e.publisher == nil {
		return
	}
	sig := Signal{
		RootID:   r.rootID,
		NodeID:   nodeID,
		Status:   status,
		TicketID: r.ticketID,
		FlowID:   r.flowID,
	}
	if sig.IsRoot() && status == model.NodeStatusFailed {
		r.mu.Lock()
		sig.FailedNodeID, sig.ErrMsg = r.failedNode, r.failedMsg
		r.mu.Unlock()
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), sig); err != nil {
		logger.Error("[Workflow] publish signal failed", zap.String("root_id", r.rootID), zap.String("node_id", nodeID), zap.Error(err))
	}
}

// Retry 从失败的原子开始重新执行，已完成的原子不会重复执行
func (e *Engine) Retry(ctx context.Context, rootID string) error {
	tree, err := e.repo.GetPipeline(ctx, rootID)
	if err != nil {
		return errors.Trace(err)
	}
	if e.isRunning(rootID) {
		return errors.Errorf("pipeline %s is still running", rootID)
	}
	if tree.Status != model.NodeStatusFailed {
		return errors.Annotatef(errno.ErrRetryNotAllowed, "pipeline %s is %s", rootID, tree.Status)
	}

	if _, err := e.repo.ResetFailedNodes(ctx, rootID); err != nil {
		return errors.Trace(err)
	}
	if err := e.repo.UpdatePipelineStatus(ctx, rootID, model.NodeStatusRunning); err != nil {
		return errors.Trace(err)
	}
	logger.Info("[Workflow] retry pipeline", zap.String("root_id", rootID))
	return e.launch(ctx, rootID)
}

// Revoke 撤销任务流：停止派发新原子，未完成节点置为 REVOKED
func (e *Engine) Revoke(ctx context.Context, rootID string) error {
	e.mu.Lock()
	r, running := e.runs[rootID]
	e.mu.Unlock()

	if running {
		r.revoked.Store(true)
		r.cancel()
		select {
		case <-r.done:
		case <-time.After(revokeWaitTimeout):
			logger.Warn("[Workflow] revoke timed out waiting for running acts", zap.String("root_id", rootID))
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	tree, err := e.repo.GetPipeline(ctx, rootID)
	if err != nil {
		return errors.Trace(err)
	}
	if tree.Status == model.NodeStatusFinished || tree.Status == model.NodeStatusRevoked {
		return nil
	}
	if err := e.repo.RevokeUnfinishedNodes(ctx, rootID); err != nil {
		return errors.Trace(err)
	}
	if err := e.repo.UpdatePipelineStatus(ctx, rootID, model.NodeStatusRevoked); err != nil {
		return errors.Trace(err)
	}
	e.publish(ctx, &run{rootID: rootID, ticketID: tree.TicketID, flowID: tree.FlowID}, rootID, model.NodeStatusRevoked)
	return nil
}

// State 任务流状态
func (e *Engine) State(ctx context.Context, rootID string) (model.NodeStatus, error) {
	tree, err := e.repo.GetPipeline(ctx, rootID)
	if err != nil {
		return "", errors.Trace(err)
	}
	return tree.Status, nil
}

// SkipNode 跳过失败的原子并继续执行
func (e *Engine) SkipNode(ctx context.Context, rootID, nodeID string) error {
	node, err := e.repo.GetNode(ctx, rootID, nodeID)
	if err != nil {
		return errors.Trace(err)
	}
	if node.ComponentCode == "" || node.Status != model.NodeStatusFailed {
		return errors.Annotatef(errno.ErrInvalidAction, "node %s is %s", nodeID, node.Status)
	}
	if err := e.repo.UpdateNode(ctx, rootID, nodeID, map[string]interface{}{"status": model.NodeStatusSkipped}); err != nil {
		return errors.Trace(err)
	}
	logger.Info("[Workflow] node skipped", zap.String("root_id", rootID), zap.String("node_id", nodeID))

	state, err := e.State(ctx, rootID)
	if err != nil {
		return err
	}
	if state == model.NodeStatusFailed {
		return e.Retry(ctx, rootID)
	}
	return nil
}

// NodeStates 全部节点状态
func (e *Engine) NodeStates(ctx context.Context, rootID string) ([]model.FlowNode, error) {
	nodes, err := e.repo.ListNodes(ctx, rootID)
	return nodes, errors.Trace(err)
}

// Recover 进程启动时继续执行中断的任务流
func (e *Engine) Recover(ctx context.Context) (int, error) {
	trees, err := e.repo.ListPipelinesByStatus(ctx, model.NodeStatusRunning)
	if err != nil {
		return 0, errors.Trace(err)
	}
	recovered := 0
	for _, tree := range trees {
		if e.isRunning(tree.RootID) {
			continue
		}
		if err := e.launch(ctx, tree.RootID); err != nil {
			logger.Error("[Workflow] recover pipeline failed", zap.String("root_id", tree.RootID), zap.Error(err))
			continue
		}
		recovered++
	}
	if recovered > 0 {
		logger.Info("[Workflow] ✅ pipelines recovered", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Close 停止全部执行并等待退出，中断的任务流保持 RUNNING
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) isRunning(rootID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[rootID]
	return ok
}

func safeExecute(ctx context.Context, comp Component, act *ActContext) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("component %s panic: %v", comp.Code(), rec)
		}
	}()
	return comp.Execute(ctx, act)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

var _ Executor = (*Engine)(nil)
