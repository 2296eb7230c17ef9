package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fisker/dbm-flow/internal/approval"
	"github.com/fisker/dbm-flow/internal/jobexecutor"
	"github.com/fisker/dbm-flow/internal/metadata"
	"github.com/fisker/dbm-flow/internal/notification"
	"github.com/fisker/dbm-flow/internal/resourcepool"
)

// FakeMetadata 内存元数据
type FakeMetadata struct {
	mu       sync.RWMutex
	clusters map[uint]metadata.Cluster
	DBAs     map[string][]string
	Failures []metadata.ChecksumFailure
}

// NewFakeMetadata 创建内存元数据
func NewFakeMetadata(clusters ...metadata.Cluster) *FakeMetadata {
	f := &FakeMetadata{clusters: make(map[uint]metadata.Cluster), DBAs: make(map[string][]string)}
	for _, c := range clusters {
		f.clusters[c.ID] = c
	}
	return f
}

// PutCluster 写入集群
func (f *FakeMetadata) PutCluster(c metadata.Cluster) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clusters[c.ID] = c
}

func (f *FakeMetadata) GetCluster(_ context.Context, clusterID uint) (*metadata.Cluster, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.clusters[clusterID]
	if !ok {
		return nil, metadata.ErrClusterNotFound
	}
	return &c, nil
}

func (f *FakeMetadata) GetClusters(ctx context.Context, clusterIDs []uint) ([]metadata.Cluster, error) {
	out := make([]metadata.Cluster, 0, len(clusterIDs))
	for _, id := range clusterIDs {
		c, err := f.GetCluster(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (f *FakeMetadata) GetMachines(_ context.Context, bkCloudID int, ips []string) ([]metadata.Machine, error) {
	out := make([]metadata.Machine, 0, len(ips))
	for i, ip := range ips {
		out = append(out, metadata.Machine{IP: ip, BkCloudID: bkCloudID, BkHostID: int64(1000 + i)})
	}
	return out, nil
}

func (f *FakeMetadata) GetSpec(_ context.Context, specID int) (*metadata.Spec, error) {
	return &metadata.Spec{ID: specID, Name: fmt.Sprintf("spec-%d", specID), CPU: 4, Mem: 8, Disk: 100}, nil
}

func (f *FakeMetadata) GetDBModule(_ context.Context, bizID int64, moduleID int) (*metadata.DBModule, error) {
	return &metadata.DBModule{ID: moduleID, BkBizID: bizID, Name: "default", DBVersion: "MySQL-8.0", Charset: "utf8mb4"}, nil
}

func (f *FakeMetadata) ListDBAs(_ context.Context, _ int64, group string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.DBAs[group], nil
}

func (f *FakeMetadata) ListChecksumFailures(_ context.Context, since time.Time) ([]metadata.ChecksumFailure, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []metadata.ChecksumFailure
	for _, failure := range f.Failures {
		if !failure.FoundAt.Before(since) {
			out = append(out, failure)
		}
	}
	return out, nil
}

// FakeResourcePool 内存资源池，按剩余主机数判断是否缺货
type FakeResourcePool struct {
	mu        sync.Mutex
	available int
	nextHost  int
	reserved  map[string]*resourcepool.ReserveResult
	Recycled  []resourcepool.Host
	Imported  []resourcepool.Host
	Calls     int
}

// NewFakeResourcePool 创建资源池
func NewFakeResourcePool(available int) *FakeResourcePool {
	return &FakeResourcePool{available: available, reserved: make(map[string]*resourcepool.ReserveResult)}
}

// SetAvailable 设置剩余主机数
func (f *FakeResourcePool) SetAvailable(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = n
}

// RecycledCount 已归还主机数
func (f *FakeResourcePool) RecycledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Recycled)
}

func (f *FakeResourcePool) Reserve(_ context.Context, req *resourcepool.ReserveRequest) (*resourcepool.ReserveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++

	if res, ok := f.reserved[req.IdempotencyKey]; ok {
		return res, nil
	}

	need := 0
	for _, spec := range req.Specs {
		need += spec.Count
	}
	if need > f.available {
		return nil, resourcepool.ErrShortage
	}

	res := &resourcepool.ReserveResult{Groups: make(map[string][]resourcepool.Host)}
	for _, spec := range req.Specs {
		for i := 0; i < spec.Count; i++ {
			f.nextHost++
			res.Groups[spec.Group] = append(res.Groups[spec.Group], resourcepool.Host{
				BkHostID:  int64(f.nextHost),
				IP:        fmt.Sprintf("10.0.0.%d", f.nextHost),
				BkCloudID: req.BkCloudID,
				SpecID:    spec.SpecID,
			})
		}
	}
	f.available -= need
	f.reserved[req.IdempotencyKey] = res
	return res, nil
}

func (f *FakeResourcePool) Import(_ context.Context, _ int64, hosts []resourcepool.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Imported = append(f.Imported, hosts...)
	f.available += len(hosts)
	return nil
}

func (f *FakeResourcePool) Recycle(_ context.Context, _ int64, hosts []resourcepool.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Recycled = append(f.Recycled, hosts...)
	return nil
}

func (f *FakeResourcePool) Preview(_ context.Context, _ int64, _ resourcepool.SpecRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available, nil
}

// FakeJobExecutor 作业立即完成，目标 IP 在 FailIPs 中时失败
type FakeJobExecutor struct {
	mu      sync.Mutex
	nextID  int64
	results map[int64]jobexecutor.JobStatus
	FailIPs map[string]bool
	Scripts []*jobexecutor.ScriptRequest
}

// NewFakeJobExecutor 创建作业平台
func NewFakeJobExecutor() *FakeJobExecutor {
	return &FakeJobExecutor{results: make(map[int64]jobexecutor.JobStatus), FailIPs: make(map[string]bool)}
}

func (f *FakeJobExecutor) FastExecuteScript(_ context.Context, req *jobexecutor.ScriptRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	status := jobexecutor.JobStatusSuccess
	for _, target := range req.Targets {
		if f.FailIPs[target.IP] {
			status = jobexecutor.JobStatusFailed
		}
	}
	f.results[f.nextID] = status
	f.Scripts = append(f.Scripts, req)
	return f.nextID, nil
}

func (f *FakeJobExecutor) GetJobResult(_ context.Context, _ int64, jobInstanceID int64) (*jobexecutor.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.results[jobInstanceID]
	if !ok {
		return nil, fmt.Errorf("job %d not found", jobInstanceID)
	}
	return &jobexecutor.JobResult{Status: status}, nil
}

// DNSCall 一次 DNS/CLB 调用
type DNSCall struct {
	Op        string
	Domain    string
	Instances []string
}

// FakeDNS 记录调用
type FakeDNS struct {
	mu    sync.Mutex
	Calls []DNSCall
}

func (f *FakeDNS) record(op, domain string, instances []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, DNSCall{Op: op, Domain: domain, Instances: instances})
	return nil
}

func (f *FakeDNS) AddRecord(_ context.Context, domain string, instances []string, _ int) error {
	return f.record("add", domain, instances)
}

func (f *FakeDNS) RemoveRecord(_ context.Context, domain string, instances []string, _ int) error {
	return f.record("remove", domain, instances)
}

func (f *FakeDNS) Bind(_ context.Context, domain string, instances []string, _ int) error {
	return f.record("bind", domain, instances)
}

func (f *FakeDNS) Unbind(_ context.Context, domain string, instances []string, _ int) error {
	return f.record("unbind", domain, instances)
}

// FakeApproval 内存审批平台
type FakeApproval struct {
	mu       sync.Mutex
	next     int
	statuses map[string]approval.Status
	Opened   map[string]*approval.OpenRequest
	Canceled []string
}

// NewFakeApproval 创建审批平台
func NewFakeApproval() *FakeApproval {
	return &FakeApproval{statuses: make(map[string]approval.Status), Opened: make(map[string]*approval.OpenRequest)}
}

// SetStatus 模拟审批结果
func (f *FakeApproval) SetStatus(handle string, status approval.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[handle] = status
}

// Handles 已创建的审批单
func (f *FakeApproval) Handles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Opened))
	for i := 1; i <= f.next; i++ {
		out = append(out, fmt.Sprintf("SN%d", i))
	}
	return out
}

func (f *FakeApproval) GetName() string { return "itsm" }

func (f *FakeApproval) OpenTicket(_ context.Context, req *approval.OpenRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	handle := fmt.Sprintf("SN%d", f.next)
	f.Opened[handle] = req
	f.statuses[handle] = approval.StatusPending
	return handle, nil
}

func (f *FakeApproval) QueryStatus(_ context.Context, handle string) (*approval.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[handle]
	if !ok {
		return nil, fmt.Errorf("approval %s not found", handle)
	}
	return &approval.StatusResult{Handle: handle, Status: status, Operator: "leader"}, nil
}

func (f *FakeApproval) Cancel(_ context.Context, handle, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Canceled = append(f.Canceled, handle)
	f.statuses[handle] = approval.StatusCanceled
	return nil
}

func (f *FakeApproval) ProcessTodo(_ context.Context, handle string, action approval.Action, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if action == approval.ActionReject {
		f.statuses[handle] = approval.StatusRejected
	} else {
		f.statuses[handle] = approval.StatusApproved
	}
	return nil
}

func (f *FakeApproval) HandleCallback(_ context.Context, data map[string]interface{}) (*approval.StatusResult, error) {
	handle, _ := data["sn"].(string)
	status, _ := data["status"].(string)
	return &approval.StatusResult{Handle: handle, Status: approval.Status(status)}, nil
}

// RecordingNotifier 记录发送的消息
type RecordingNotifier struct {
	channel  string
	mu       sync.Mutex
	messages []notification.Message
}

// NewRecordingNotifier 创建记录渠道
func NewRecordingNotifier(channel string) *RecordingNotifier {
	return &RecordingNotifier{channel: channel}
}

func (n *RecordingNotifier) Channel() string { return n.channel }

func (n *RecordingNotifier) Send(_ context.Context, msg *notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, *msg)
	return nil
}

// Messages 已发送消息
func (n *RecordingNotifier) Messages() []notification.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notification.Message, len(n.messages))
	copy(out, n.messages)
	return out
}
