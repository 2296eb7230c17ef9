package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/fisker/dbm-flow/internal/dnsclient"
	"github.com/fisker/dbm-flow/internal/jobexecutor"
	"github.com/pingcap/errors"
)

// 内置组件代码
const (
	ComponentNoop            = "noop"
	ComponentSleep           = "sleep"
	ComponentWritePayloadVar = "write_payload_var"
	ComponentRemoteJob       = "remote_job"
	ComponentDNSAddRecord    = "dns_add_record"
	ComponentDNSRemoveRecord = "dns_remove_record"
	ComponentCLBBind         = "clb_bind"
	ComponentCLBUnbind       = "clb_unbind"
)

// BuiltinComponents 内置组件集合
func BuiltinComponents(job jobexecutor.Client, dns dnsclient.Client) []Component {
	return []Component{
		NoopComponent{},
		SleepComponent{},
		WritePayloadVarComponent{},
		&RemoteJobComponent{Client: job, PollInterval: 2 * time.Second},
		&DNSComponent{Client: dns, Op: ComponentDNSAddRecord},
		&DNSComponent{Client: dns, Op: ComponentDNSRemoveRecord},
		&DNSComponent{Client: dns, Op: ComponentCLBBind},
		&DNSComponent{Client: dns, Op: ComponentCLBUnbind},
	}
}

// NoopComponent 空操作
type NoopComponent struct{}

func (NoopComponent) Code() string { return ComponentNoop }

func (NoopComponent) Execute(context.Context, *ActContext) error { return nil }

// SleepComponent 等待 seconds 秒，可被撤销打断
type SleepComponent struct{}

func (SleepComponent) Code() string { return ComponentSleep }

func (SleepComponent) Execute(ctx context.Context, act *ActContext) error {
	timer := time.NewTimer(time.Duration(act.InputInt("seconds")) * time.Second)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WritePayloadVarComponent 将 key/value 写入任务流上下文
type WritePayloadVarComponent struct{}

func (WritePayloadVarComponent) Code() string { return ComponentWritePayloadVar }

func (WritePayloadVarComponent) Execute(_ context.Context, act *ActContext) error {
	key := act.InputString("key")
	if key == "" {
		return errors.New("write_payload_var requires key")
	}
	act.Set(key, act.Inputs["value"])
	return nil
}

// RemoteJobComponent 通过作业平台下发脚本并等待结果
type RemoteJobComponent struct {
	Client       jobexecutor.Client
	PollInterval time.Duration
}

func (c *RemoteJobComponent) Code() string { return ComponentRemoteJob }

func (c *RemoteJobComponent) Execute(ctx context.Context, act *ActContext) error {
	if c.Client == nil {
		return errors.New("job executor is not configured")
	}

	ips := act.InputStrings("ips")
	if len(ips) == 0 {
		return errors.Errorf("remote_job %s has no target ips", act.NodeID)
	}
	cloudID := act.InputInt("bk_cloud_id")
	targets := make([]jobexecutor.Target, 0, len(ips))
	for _, ip := range ips {
		targets = append(targets, jobexecutor.Target{IP: ip, BkCloudID: cloudID})
	}

	bizID := int64(act.InputInt("bk_biz_id"))
	taskName := act.InputString("task_name")
	if taskName == "" {
		taskName = fmt.Sprintf("dbm_%d_%s", act.TicketID, act.NodeID)
	}
	payload, _ := act.Inputs["payload"].(map[string]interface{})

	jobID, err := c.Client.FastExecuteScript(ctx, &jobexecutor.ScriptRequest{
		BkBizID:       bizID,
		TaskName:      taskName,
		Targets:       targets,
		ScriptContent: act.InputString("script"),
		ScriptParam:   act.InputString("script_param"),
		Timeout:       act.InputInt("timeout"),
		Account:       "root",
		Payload:       payload,
	})
	if err != nil {
		return errors.Annotatef(err, "submit job for %s", act.NodeID)
	}
	act.Set(act.NodeID+"_job_instance_id", jobID)

	interval := c.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := c.Client.GetJobResult(ctx, bizID, jobID)
		if err != nil {
			return errors.Annotatef(err, "query job %d", jobID)
		}
		switch result.Status {
		case jobexecutor.JobStatusSuccess:
			return nil
		case jobexecutor.JobStatusFailed:
			return errors.Errorf("job %d failed: %s", jobID, result.Log)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DNSComponent 域名与负载均衡变更
type DNSComponent struct {
	Client dnsclient.Client
	Op     string
}

func (c *DNSComponent) Code() string { return c.Op }

func (c *DNSComponent) Execute(ctx context.Context, act *ActContext) error {
	if c.Client == nil {
		return errors.New("dns client is not configured")
	}
	domain := act.InputString("domain")
	instances := act.InputStrings("instances")
	if domain == "" || len(instances) == 0 {
		return errors.Errorf("%s requires domain and instances", c.Op)
	}
	cloudID := act.InputInt("bk_cloud_id")

	var err error
	switch c.Op {
	case ComponentDNSAddRecord:
		err = c.Client.AddRecord(ctx, domain, instances, cloudID)
	case ComponentDNSRemoveRecord:
		err = c.Client.RemoveRecord(ctx, domain, instances, cloudID)
	case ComponentCLBBind:
		err = c.Client.Bind(ctx, domain, instances, cloudID)
	case ComponentCLBUnbind:
		err = c.Client.Unbind(ctx, domain, instances, cloudID)
	default:
		return errors.Errorf("unknown dns op %s", c.Op)
	}
	return errors.Annotatef(err, "%s %s", c.Op, domain)
}
