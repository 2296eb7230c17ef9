package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestRemoteJobAndDNSComponents(t *testing.T) {
	job := testutil.NewFakeJobExecutor()
	job.FailIPs["10.0.0.9"] = true
	dns := &testutil.FakeDNS{}

	registry := NewComponentRegistry(BuiltinComponents(job, dns)...)
	for _, code := range registry.Codes() {
		if c, _ := registry.Get(code); c != nil {
			if rj, ok := c.(*RemoteJobComponent); ok {
				rj.PollInterval = 10 * time.Millisecond
			}
		}
	}

	board := NewBlackboard(map[string]interface{}{"domain": "db.test.dbm"})
	act := func(inputs map[string]interface{}) *ActContext {
		resolved, err := board.Resolve(inputs)
		require.NoError(t, err)
		return &ActContext{RootID: "r", NodeID: "act_1", TicketID: 1, Inputs: resolved, board: board}
	}

	remote, err := registry.Get(ComponentRemoteJob)
	require.NoError(t, err)
	require.NoError(t, remote.Execute(context.Background(), act(map[string]interface{}{
		"ips": []interface{}{"10.0.0.1"}, "bk_biz_id": 3, "script": "echo ok",
	})))
	v, ok := board.Get("act_1_job_instance_id")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)

	err = remote.Execute(context.Background(), act(map[string]interface{}{"ips": []interface{}{"10.0.0.9"}}))
	assert.Error(t, err)
	assert.Error(t, remote.Execute(context.Background(), act(map[string]interface{}{})))

	add, err := registry.Get(ComponentDNSAddRecord)
	require.NoError(t, err)
	require.NoError(t, add.Execute(context.Background(), act(map[string]interface{}{
		"domain": "${trans_data.domain}", "instances": []interface{}{"10.0.0.1#3306"},
	})))
	unbind, err := registry.Get(ComponentCLBUnbind)
	require.NoError(t, err)
	require.NoError(t, unbind.Execute(context.Background(), act(map[string]interface{}{
		"domain": "db.test.dbm", "instances": []string{"10.0.0.1#3306"},
	})))

	require.Len(t, dns.Calls, 2)
	assert.Equal(t, testutil.DNSCall{Op: "add", Domain: "db.test.dbm", Instances: []string{"10.0.0.1#3306"}}, dns.Calls[0])
	assert.Equal(t, "unbind", dns.Calls[1].Op)
}

func TestSleepHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := SleepComponent{}.Execute(ctx, &ActContext{Inputs: map[string]interface{}{"seconds": 10}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNodeStatusIsDone(t *testing.T) {
	assert.True(t, model.NodeStatusSkipped.IsDone())
	assert.False(t, model.NodeStatusFailed.IsDone())
}
