package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Server Metrics

	// APIRequestsTotal API请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbm_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// APIRequestDuration API请求处理时长
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbm_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// APIPanicsTotal 处理请求时发生的 panic 次数
	APIPanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbm_api_panics_total",
			Help: "Total number of panics recovered while serving API requests",
		},
		[]string{"endpoint"},
	)

	// Ticket Metrics

	// TicketCreatedTotal 创建的单据数
	TicketCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbm_ticket_created_total",
			Help: "Total number of tickets created",
		},
		[]string{"ticket_type"},
	)

	// TicketFinishedTotal 进入终态的单据数
	TicketFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbm_ticket_finished_total",
			Help: "Total number of tickets reaching a terminal status",
		},
		[]string{"ticket_type", "status"},
	)

	// FlowTransitionTotal 流程状态变迁次数
	FlowTransitionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbm_flow_transition_total",
			Help: "Total number of flow status transitions",
		},
		[]string{"flow_type", "status"},
	)

	// ExclusionBlockedTotal 被互斥规则拦截的次数
	ExclusionBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbm_exclusion_blocked_total",
			Help: "Total number of flow admissions blocked by the exclusion matrix",
		},
		[]string{"ticket_type"},
	)

	// Workflow Metrics

	// ActDuration 原子执行时长
	ActDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbm_act_duration_seconds",
			Help:    "Workflow act execution duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800},
		},
		[]string{"component", "status"},
	)

	// RunningPipelines 正在执行的任务流数量
	RunningPipelines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbm_running_pipelines",
			Help: "Number of workflow pipelines currently executing",
		},
	)

	// SignalProcessedTotal 信号处理次数
	SignalProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbm_signal_processed_total",
			Help: "Total number of workflow signals consumed",
		},
		[]string{"status", "result"},
	)

	// Scheduler Metrics

	// PeriodicTaskRunsTotal 周期任务执行次数
	PeriodicTaskRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbm_periodic_task_runs_total",
			Help: "Total number of periodic task runs",
		},
		[]string{"task", "result"},
	)

	// NotificationSentTotal 通知发送次数
	NotificationSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbm_notification_sent_total",
			Help: "Total number of notifications sent",
		},
		[]string{"channel", "result"},
	)
)
