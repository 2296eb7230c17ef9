package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Logging      LoggingConfig      `yaml:"logging"`
	Engine       EngineConfig       `yaml:"engine"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Services     ServicesConfig     `yaml:"services"`
	Notification NotificationConfig `yaml:"notification"`
}

type ServerConfig struct {
	APIPort    int    `yaml:"api_port"`
	BackendURL string `yaml:"backend_url"` // 对外回调地址，用于审批回调
	Mode       string `yaml:"mode"`
}

// SetDefaults 设置默认值
func (c *ServerConfig) SetDefaults() {
	if c.APIPort == 0 {
		c.APIPort = 8080
	}
	if c.Mode == "" {
		c.Mode = "release"
	}
}

type DatabaseConfig struct {
	Driver          string `yaml:"driver"` // 数据库驱动: mysql, postgres, sqlite (默认: mysql)
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	DBName          string `yaml:"dbname"` // sqlite 时为文件路径
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	// Enabled 是否启用Redis
	// - true: 启用Redis，信号总线、分布式锁、互斥矩阵下发走Redis
	// - false: 单机模式，信号总线走内存队列，锁退化为进程内锁
	Enabled bool `yaml:"enabled"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// 超时时间（秒）
	ConnectTimeout int `yaml:"connect_timeout"`
	ReadTimeout    int `yaml:"read_timeout"`
	WriteTimeout   int `yaml:"write_timeout"`

	PoolSize     int `yaml:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns"`
}

// Validate 验证Redis配置
func (c *RedisConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Host == "" {
		return fmt.Errorf("redis host is required when enabled=true")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid redis port: %d", c.Port)
	}
	return nil
}

// SetDefaults 设置默认值
func (c *RedisConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = 5
	}
}

type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug / info / warn / error
	Output     string `yaml:"output"`      // console / file / both
	File       string `yaml:"file"`        // 日志文件路径
	MaxSize    int    `yaml:"max_size"`    // 单个文件最大大小（MB）
	MaxBackups int    `yaml:"max_backups"` // 保留的旧日志文件数量
	MaxAge     int    `yaml:"max_age"`     // 保留日志的最大天数
	Compress   bool   `yaml:"compress"`    // 是否压缩旧日志
}

// SetDefaults 设置默认值
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Output == "" {
		c.Output = "console"
	}
	if c.File == "" {
		c.File = "logs/dbm-flow.log"
	}
	if c.MaxSize == 0 {
		c.MaxSize = 100
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 7
	}
	if c.MaxAge == 0 {
		c.MaxAge = 30
	}
}

// EngineConfig 单据引擎配置
type EngineConfig struct {
	// PlatformBizID 平台业务ID，作为"无业务"哨兵值（默认0）
	PlatformBizID int64 `yaml:"platform_biz_id"`
	// SystemUser 系统用户，超时终止、例行任务建单时使用
	SystemUser string `yaml:"system_user"`
	// DefaultTenantID 默认租户
	DefaultTenantID string `yaml:"default_tenant_id"`
	// MultiTenant 多租户模式开关
	MultiTenant bool `yaml:"multi_tenant"`

	// WorkerPoolSize 任务流原子并发上限
	WorkerPoolSize int `yaml:"worker_pool_size"`
	// ActTimeout 原子默认超时（秒）
	ActTimeout int `yaml:"act_timeout"`
	// MaxAdvanceSteps 单次推进最多连续执行的同步流程数
	MaxAdvanceSteps int `yaml:"max_advance_steps"`

	// ApprovalPlatform 审批平台: itsm / feishu
	ApprovalPlatform string `yaml:"approval_platform"`

	// ExclusiveMatrixFile 互斥矩阵文件路径
	ExclusiveMatrixFile string `yaml:"exclusive_matrix_file"`
	// ExclusiveMatrixKey Redis 中互斥矩阵的 key，启用 Redis 时优先读取
	ExclusiveMatrixKey string `yaml:"exclusive_matrix_key"`

	// SignalQueueKey Redis 信号队列 key
	SignalQueueKey string `yaml:"signal_queue_key"`
}

// SetDefaults 设置默认值
func (c *EngineConfig) SetDefaults() {
	if c.SystemUser == "" {
		c.SystemUser = "system"
	}
	if c.DefaultTenantID == "" {
		c.DefaultTenantID = "default"
	}
	if c.WorkerPoolSize == 0 {
		c.WorkerPoolSize = 32
	}
	if c.ActTimeout == 0 {
		c.ActTimeout = 3600
	}
	if c.MaxAdvanceSteps == 0 {
		c.MaxAdvanceSteps = 32
	}
	if c.ApprovalPlatform == "" {
		c.ApprovalPlatform = "itsm"
	}
	if c.ExclusiveMatrixFile == "" {
		c.ExclusiveMatrixFile = "config/exclusive_matrix.yaml"
	}
	if c.ExclusiveMatrixKey == "" {
		c.ExclusiveMatrixKey = "dbm:flow:exclusive_matrix"
	}
	if c.SignalQueueKey == "" {
		c.SignalQueueKey = "dbm:flow:signals"
	}
}

// ActTimeoutDuration 原子默认超时
func (c *EngineConfig) ActTimeoutDuration() time.Duration {
	return time.Duration(c.ActTimeout) * time.Second
}

// SchedulerConfig 周期任务配置（间隔单位：秒）
type SchedulerConfig struct {
	Enabled             bool     `yaml:"enabled"`
	RetryExclusive      int      `yaml:"retry_exclusive_interval"`
	ExpireScan          int      `yaml:"expire_scan_interval"`
	TimerWake           int      `yaml:"timer_wake_interval"`
	ITSMSync            int      `yaml:"itsm_sync_interval"`
	DataRepair          int      `yaml:"data_repair_interval"`
	DataRepairEnabled   bool     `yaml:"data_repair_enabled"`
	DeadlineNoticeAhead []string `yaml:"deadline_notice_ahead"` // 如 ["72h", "3h"]
}

// SetDefaults 设置默认值
func (c *SchedulerConfig) SetDefaults() {
	if c.RetryExclusive == 0 {
		c.RetryExclusive = 60
	}
	if c.ExpireScan == 0 {
		c.ExpireScan = 60
	}
	if c.TimerWake == 0 {
		c.TimerWake = 60
	}
	if c.ITSMSync == 0 {
		c.ITSMSync = 60
	}
	if c.DataRepair == 0 {
		c.DataRepair = 86400
	}
	if len(c.DeadlineNoticeAhead) == 0 {
		c.DeadlineNoticeAhead = []string{"72h", "3h"}
	}
}

// Validate 验证周期任务配置
func (c *SchedulerConfig) Validate() error {
	for _, ahead := range c.DeadlineNoticeAhead {
		if _, err := time.ParseDuration(ahead); err != nil {
			return fmt.Errorf("invalid deadline_notice_ahead %q: %w", ahead, err)
		}
	}
	return nil
}

// NoticeOffsets 解析到期提醒提前量
func (c *SchedulerConfig) NoticeOffsets() []time.Duration {
	offsets := make([]time.Duration, 0, len(c.DeadlineNoticeAhead))
	for _, ahead := range c.DeadlineNoticeAhead {
		if d, err := time.ParseDuration(ahead); err == nil {
			offsets = append(offsets, d)
		}
	}
	return offsets
}

// ServiceEndpoint 外部服务地址
type ServiceEndpoint struct {
	BaseURL string `yaml:"base_url"`
	Timeout int    `yaml:"timeout"` // 秒
	AppCode string `yaml:"app_code"`
	Secret  string `yaml:"secret"`
}

// TimeoutDuration 请求超时
func (e ServiceEndpoint) TimeoutDuration() time.Duration {
	if e.Timeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(e.Timeout) * time.Second
}

type ServicesConfig struct {
	Metadata       ServiceEndpoint `yaml:"metadata"`
	ITSM           ServiceEndpoint `yaml:"itsm"`
	ResourcePool   ServiceEndpoint `yaml:"resource_pool"`
	JobExecutor    ServiceEndpoint `yaml:"job_executor"`
	DNS            ServiceEndpoint `yaml:"dns"`
	MessageGateway ServiceEndpoint `yaml:"message_gateway"`
	Feishu         FeishuConfig    `yaml:"feishu"`
	// MetadataCacheTTL 元数据缓存时间（秒）
	MetadataCacheTTL int `yaml:"metadata_cache_ttl"`
}

// FeishuConfig 飞书审批配置
type FeishuConfig struct {
	Enabled      bool   `yaml:"enabled"`
	APIBaseURL   string `yaml:"api_base_url"`
	AppID        string `yaml:"app_id"`
	AppSecret    string `yaml:"app_secret"`
	ApprovalCode string `yaml:"approval_code"`
}

// SetDefaults 设置默认值
func (c *ServicesConfig) SetDefaults() {
	if c.MetadataCacheTTL == 0 {
		c.MetadataCacheTTL = 60
	}
	if c.Feishu.APIBaseURL == "" {
		c.Feishu.APIBaseURL = "https://open.larksuite.com/open-apis"
	}
}

type NotificationConfig struct {
	// Channels 启用的通知渠道: mail/voice/weixin/rtx/sms/wecom_robot/feishu_robot/dingtalk_robot
	Channels []string `yaml:"channels"`
	// RateLimit 每秒最多发送消息数
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	// TicketURL 单据详情页地址模板，%d 替换为单据ID
	TicketURL string `yaml:"ticket_url"`

	WeComRobot    RobotConfig `yaml:"wecom_robot"`
	FeishuRobot   RobotConfig `yaml:"feishu_robot"`
	DingTalkRobot RobotConfig `yaml:"dingtalk_robot"`
}

// RobotConfig 群机器人配置
type RobotConfig struct {
	Webhook string `yaml:"webhook"`
	Secret  string `yaml:"secret"`
}

// SetDefaults 设置默认值
func (c *NotificationConfig) SetDefaults() {
	if len(c.Channels) == 0 {
		c.Channels = []string{"mail"}
	}
	if c.RateLimit == 0 {
		c.RateLimit = 20
	}
	if c.Burst == 0 {
		c.Burst = 40
	}
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析配置内容，设置默认值并应用环境变量覆盖
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.SetDefaults()

	if err := config.Redis.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}
	if err := config.Scheduler.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	GlobalConfig = &config
	return &config, nil
}

// SetDefaults 设置全部默认值
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Redis.SetDefaults()
	c.Logging.SetDefaults()
	c.Engine.SetDefaults()
	c.Scheduler.SetDefaults()
	c.Services.SetDefaults()
	c.Notification.SetDefaults()
}

// applyEnv 支持通过环境变量覆盖配置（容器部署时使用）
func (c *Config) applyEnv() {
	envString("DB_DRIVER", &c.Database.Driver)
	envString("DB_HOST", &c.Database.Host)
	envInt("DB_PORT", &c.Database.Port)
	envString("DB_USER", &c.Database.User)
	envString("DB_PASSWORD", &c.Database.Password)
	envString("DB_NAME", &c.Database.DBName)

	envBool("REDIS_ENABLED", &c.Redis.Enabled)
	envString("REDIS_HOST", &c.Redis.Host)
	envInt("REDIS_PORT", &c.Redis.Port)
	envString("REDIS_PASSWORD", &c.Redis.Password)
	envInt("REDIS_DB", &c.Redis.DB)

	if bizID := os.Getenv("DBM_PLATFORM_BIZ_ID"); bizID != "" {
		if v, err := strconv.ParseInt(bizID, 10, 64); err == nil {
			c.Engine.PlatformBizID = v
		}
	}
	envString("DBM_SYSTEM_USER", &c.Engine.SystemUser)
	envString("DBM_DEFAULT_TENANT_ID", &c.Engine.DefaultTenantID)
	envBool("DBM_MULTI_TENANT", &c.Engine.MultiTenant)
	if channels := os.Getenv("DBM_NOTIFY_CHANNELS"); channels != "" {
		c.Notification.Channels = strings.Split(channels, ",")
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case "postgres", "postgresql":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.DBName)
	case "sqlite", "sqlite3":
		return c.DBName
	}
	// 默认 MySQL
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// SetDefaults 设置默认值
func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "mysql"
	}
	if c.DBName == "" {
		c.DBName = "dbm_flow"
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 10
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 100
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 3600 // 1 hour
	}
}
