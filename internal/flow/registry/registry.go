package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/resourcepool"
	"github.com/go-playground/validator/v10"
)

// 资源申请流程 details 中的键
const (
	DetailResourceRequest = "resource_request"
	DetailResourceOutput  = "resource_output"
	DetailRecycleHosts    = "recycle_hosts"
	DetailDescribe        = "describe"
)

// Registry 单据类型注册表
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
	validate *validator.Validate
}

// New 创建注册表
func New() *Registry {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Registry{builders: make(map[string]Builder), validate: v}
}

// Register 注册单据类型，重复注册 panic
func (r *Registry) Register(builders ...Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range builders {
		if _, ok := r.builders[b.TicketType()]; ok {
			panic(fmt.Sprintf("ticket type %s registered twice", b.TicketType()))
		}
		r.builders[b.TicketType()] = b
	}
}

// Get 获取单据类型定义
func (r *Registry) Get(ticketType string) (Builder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[ticketType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errno.ErrUnknownTicketType, ticketType)
	}
	return b, nil
}

// Types 已注册的单据类型
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.builders))
	for t := range r.builders {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// DecodeDetails 解码并按结构体 tag 校验 details，字段路径以 details. 开头
func (r *Registry) DecodeDetails(b Builder, raw []byte) (interface{}, error) {
	details := b.NewDetails()
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(details); err != nil {
		return nil, errno.NewValidationError("details", "malformed json: %v", err)
	}
	if err := r.validate.Struct(details); err != nil {
		return nil, errno.FromValidator("details", err)
	}
	return details, nil
}

// Validate 解码、tag 校验、跨字段校验
func (r *Registry) Validate(ctx context.Context, b Builder, ticket *model.Ticket) (interface{}, error) {
	details, err := r.DecodeDetails(b, ticket.Details)
	if err != nil {
		return nil, err
	}
	if err := b.Validate(ctx, ticket, details); err != nil {
		return nil, err
	}
	return details, nil
}

// DefaultFlowsConfig 单据类型属性作为流程配置的基线，平台与业务配置在其上覆盖
func DefaultFlowsConfig(attrs Attrs) model.ResolvedFlowsConfig {
	return model.ResolvedFlowsConfig{
		NeedITSM:          attrs.NeedITSM,
		NeedManualConfirm: attrs.NeedManualConfirm,
		Expire:            model.DefaultExpireConfig,
	}
}

// PostCallbacks 单据类型的流程回调，按注册顺序执行
// 资源申请回调总在最前
func PostCallbacks(b Builder) []PostCallback {
	var callbacks []PostCallback
	if rb, ok := b.(ResourceApplyBuilder); ok {
		callbacks = append(callbacks, ResourcePostCallback(rb))
	}
	if pc, ok := b.(PostCallbacker); ok {
		callbacks = append(callbacks, pc.PostCallbacks()...)
	}
	return callbacks
}

// ResourcePostCallback 资源申请成功后，将申请结果写入下一个流程
func ResourcePostCallback(rb ResourceApplyBuilder) PostCallback {
	return func(_ context.Context, _ *model.Ticket, finished, next *model.Flow) error {
		if finished.FlowType != model.FlowTypeResourceApply || next == nil {
			return nil
		}
		var (
			input  resourcepool.ReserveRequest
			output resourcepool.ReserveResult
		)
		raw, ok := finished.Detail(DetailResourceRequest)
		if !ok {
			return fmt.Errorf("flow %d has no %s", finished.ID, DetailResourceRequest)
		}
		if err := model.DecodeJSON(raw, &input); err != nil {
			return err
		}
		raw, ok = finished.Detail(DetailResourceOutput)
		if !ok {
			return fmt.Errorf("flow %d has no %s", finished.ID, DetailResourceOutput)
		}
		if err := model.DecodeJSON(raw, &output); err != nil {
			return err
		}
		for k, v := range rb.PostApply(&input, &output) {
			next.SetDetail(k, v)
		}
		return nil
	}
}
