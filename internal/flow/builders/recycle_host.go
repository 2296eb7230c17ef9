package builders

import (
	"context"
	"fmt"

	"github.com/fisker/dbm-flow/internal/flow/errno"
	"github.com/fisker/dbm-flow/internal/flow/registry"
	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/resourcepool"
)

// RecycleHostDetails 主机回收参数，由父单据的 RECYCLE 流程生成
type RecycleHostDetails struct {
	ParentTicketID uint       `json:"parent_ticket_id"`
	Hosts          []HostInfo `json:"hosts" validate:"required,min=1,dive"`
}

// RecycleHost 主机回收单据，只包含一个资源回收流程
type RecycleHost struct {
	base
}

func NewRecycleHost(deps Deps) *RecycleHost {
	return &RecycleHost{base{
		ticketType: TicketRecycleHost,
		attrs:      registry.Attrs{Group: GroupCommon},
		deps:       deps,
	}}
}

func (b *RecycleHost) NewDetails() interface{} { return &RecycleHostDetails{} }

func (b *RecycleHost) Validate(_ context.Context, _ *model.Ticket, details interface{}) error {
	d := details.(*RecycleHostDetails)
	ve := &errno.ValidationError{}
	seen := make(map[string]int, len(d.Hosts))
	for i, h := range d.Hosts {
		if j, ok := seen[h.IP]; ok {
			ve.Add(fmt.Sprintf("details.hosts[%d].ip", i), "duplicates hosts[%d]", j)
			continue
		}
		seen[h.IP] = i
	}
	return ve.OrNil()
}

func (b *RecycleHost) Clusters(interface{}) []uint { return nil }

func (b *RecycleHost) FlowPlan(_ context.Context, _ *model.Ticket, details interface{}) ([]registry.FlowSpec, error) {
	d := details.(*RecycleHostDetails)
	hosts := make([]resourcepool.Host, 0, len(d.Hosts))
	for _, h := range d.Hosts {
		hosts = append(hosts, resourcepool.Host{BkHostID: h.BkHostID, IP: h.IP, BkCloudID: h.BkCloudID})
	}
	return []registry.FlowSpec{{
		FlowType: model.FlowTypeResourceDelivery,
		Alias:    "主机回收",
		Details:  map[string]interface{}{registry.DetailRecycleHosts: hosts},
	}}, nil
}
