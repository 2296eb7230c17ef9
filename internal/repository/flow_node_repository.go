package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/model"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FlowNodeRepository 任务流节点与任务流结构的持久化
type FlowNodeRepository struct {
	db *gorm.DB
}

func NewFlowNodeRepository(db *gorm.DB) *FlowNodeRepository {
	return &FlowNodeRepository{db: db}
}

// CreatePipeline 保存任务流结构及其全部原子节点
func (r *FlowNodeRepository) CreatePipeline(ctx context.Context, tree *model.PipelineTree, nodes []model.FlowNode) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(tree).Error; err != nil {
			return err
		}
		if len(nodes) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&nodes).Error
	})
}

// GetPipeline 获取任务流结构
func (r *FlowNodeRepository) GetPipeline(ctx context.Context, rootID string) (*model.PipelineTree, error) {
	var tree model.PipelineTree
	if err := r.db.WithContext(ctx).Where("root_id = ?", rootID).First(&tree).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errno.ErrPipelineNotFound
		}
		return nil, err
	}
	return &tree, nil
}

// UpdatePipelineStatus 更新任务流状态
func (r *FlowNodeRepository) UpdatePipelineStatus(ctx context.Context, rootID string, status model.NodeStatus) error {
	return r.db.WithContext(ctx).Model(&model.PipelineTree{}).
		Where("root_id = ?", rootID).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()}).Error
}

// UpdateBlackboard 更新任务流上下文
func (r *FlowNodeRepository) UpdateBlackboard(ctx context.Context, rootID string, blackboard map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&model.PipelineTree{}).
		Where("root_id = ?", rootID).
		Updates(map[string]interface{}{"blackboard": datatypes.JSONMap(blackboard), "updated_at": time.Now()}).Error
}

// ListPipelinesByStatus 按状态查询任务流，用于进程重启后恢复
func (r *FlowNodeRepository) ListPipelinesByStatus(ctx context.Context, status model.NodeStatus) ([]model.PipelineTree, error) {
	var trees []model.PipelineTree
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC").Find(&trees).Error
	return trees, err
}

// ListNodes 获取任务流的全部节点
func (r *FlowNodeRepository) ListNodes(ctx context.Context, rootID string) ([]model.FlowNode, error) {
	var nodes []model.FlowNode
	err := r.db.WithContext(ctx).Where("root_id = ?", rootID).Order("id ASC").Find(&nodes).Error
	return nodes, err
}

// GetNode 获取单个节点
func (r *FlowNodeRepository) GetNode(ctx context.Context, rootID, nodeID string) (*model.FlowNode, error) {
	var node model.FlowNode
	err := r.db.WithContext(ctx).Where("root_id = ? AND node_id = ?", rootID, nodeID).First(&node).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errno.ErrPipelineNotFound
		}
		return nil, err
	}
	return &node, nil
}

// UpdateNode 按 (root_id, node_id) 更新节点字段
func (r *FlowNodeRepository) UpdateNode(ctx context.Context, rootID, nodeID string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return r.db.WithContext(ctx).Model(&model.FlowNode{}).
		Where("root_id = ? AND node_id = ?", rootID, nodeID).
		Updates(updates).Error
}

// ResetFailedNodes 重试前将失败和撤销的节点重置为 READY
func (r *FlowNodeRepository) ResetFailedNodes(ctx context.Context, rootID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.FlowNode{}).
		Where("root_id = ? AND status IN ?", rootID, []model.NodeStatus{model.NodeStatusFailed, model.NodeStatusRevoked, model.NodeStatusRunning}).
		Updates(map[string]interface{}{"status": model.NodeStatusReady, "err_msg": "", "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}

// RevokeUnfinishedNodes 撤销任务流时把未完成的节点置为 REVOKED
func (r *FlowNodeRepository) RevokeUnfinishedNodes(ctx context.Context, rootID string) error {
	return r.db.WithContext(ctx).Model(&model.FlowNode{}).
		Where("root_id = ? AND status IN ?", rootID, []model.NodeStatus{model.NodeStatusReady, model.NodeStatusRunning, model.NodeStatusFailed}).
		Updates(map[string]interface{}{"status": model.NodeStatusRevoked, "updated_at": time.Now()}).Error
}
