package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了网关在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	TaskQueue    TaskQueueConfig    `json:"task_queue" yaml:"task_queue"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Archive      ArchiveConfig      `json:"archive" yaml:"archive"`
	Assist       AssistConfig       `json:"assist" yaml:"assist"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Auth         AuthConfig         `json:"auth" yaml:"auth"`
	Alerting     AlertingConfig     `json:"alerting" yaml:"alerting"`
	Runtime      RuntimeConfig      `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

// StorageConfig 描述任务持久化后端的连接信息。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store" yaml:"task_store"`
}

// TaskStoreConfig 支持 memory、sqlite 与 mysql 三种驱动。
type TaskStoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	Path                   string `json:"path" yaml:"path"`
	Retries                int    `json:"retries" yaml:"retries"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// TaskQueueConfig 描述任务队列驱动及其参数。
type TaskQueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Worker   int            `json:"worker" yaml:"worker"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接参数。
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	Queue     string `json:"queue" yaml:"queue"`
	BlockWait int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// OrchestratorConfig 描述如何调用外部 Magentic-One 编排库。
type OrchestratorConfig struct {
	Provider          string       `json:"provider" yaml:"provider"`
	Python            PythonConfig `json:"python_bridge" yaml:"python_bridge"`
	DefaultModel      string       `json:"default_model" yaml:"default_model"`
	UseAzureOpenAI    bool         `json:"use_azure_openai" yaml:"use_azure_openai"`
	RunTimeoutSeconds int          `json:"run_timeout_seconds" yaml:"run_timeout_seconds"`
}

// PythonConfig 描述运行 Magentic-One 所需的 Python 进程信息。
type PythonConfig struct {
	PythonExecutable string `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string `json:"script_path" yaml:"script_path"`
	WorkingDir       string `json:"working_dir" yaml:"working_dir"`
}

// ArchiveConfig 描述 Azure Cosmos DB 与 Blob 存储的归档参数。
type ArchiveConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	CosmosEndpoint  string `json:"cosmos_endpoint" yaml:"cosmos_endpoint"`
	CosmosDatabase  string `json:"cosmos_database" yaml:"cosmos_database"`
	CosmosContainer string `json:"cosmos_container" yaml:"cosmos_container"`
	BlobAccountURL  string `json:"blob_account_url" yaml:"blob_account_url"`
	BlobContainer   string `json:"blob_container" yaml:"blob_container"`
}

// AssistConfig 描述数据库问答助手的连接参数。
type AssistConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn"`
}

// LoggingConfig 映射到 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志行为。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// AuthConfig 控制 API Key 鉴权。
type AuthConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	APIKeys   []string `json:"api_keys" yaml:"api_keys"`
	APIKeyEnv string   `json:"api_key_env" yaml:"api_key_env"`
}

// AlertingConfig 控制任务终态失败时的 Webhook 告警。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// RunTimeout 返回单次编排运行的超时时间，0 表示不限制。
func (c OrchestratorConfig) RunTimeout() time.Duration {
	if c.RunTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

// Load 负责解析指定路径的 JSON 或 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv()

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "sqlite"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 4
	}

	if c.Orchestrator.Provider == "" {
		c.Orchestrator.Provider = "python_bridge"
	}
	if c.Orchestrator.Python.PythonExecutable == "" {
		c.Orchestrator.Python.PythonExecutable = "python3"
	}
	if c.Orchestrator.Python.ScriptPath == "" {
		c.Orchestrator.Python.ScriptPath = filepath.Join("scripts", "magentic_runner.py")
	}
	if c.Orchestrator.Python.WorkingDir == "" {
		c.Orchestrator.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.Orchestrator.Python.WorkingDir) {
		c.Orchestrator.Python.WorkingDir = filepath.Join(baseDir, c.Orchestrator.Python.WorkingDir)
	}
	if c.Orchestrator.DefaultModel == "" {
		c.Orchestrator.DefaultModel = "gpt-4o"
	}

	if c.Archive.CosmosDatabase == "" {
		c.Archive.CosmosDatabase = "magentic_one_results"
	}
	if c.Archive.CosmosContainer == "" {
		c.Archive.CosmosContainer = "run_results"
	}
	if c.Archive.BlobContainer == "" {
		c.Archive.BlobContainer = "magentic-one-images"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Storage.TaskStore.Path == "" {
		c.Storage.TaskStore.Path = filepath.Join(c.Runtime.DataDir, "magentic_one_tasks.db")
	}
}

// applyEnv 允许通过环境变量覆盖部分配置，保持与原始部署的变量约定一致。
func (c *Config) applyEnv() {
	if v := os.Getenv("STORE_RUN_RESULT"); v != "" {
		c.Archive.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("COSMOS_ENDPOINT"); v != "" {
		c.Archive.CosmosEndpoint = v
	}
	if v := os.Getenv("COSMOS_DATABASE"); v != "" {
		c.Archive.CosmosDatabase = v
	}
	if v := os.Getenv("COSMOS_CONTAINER"); v != "" {
		c.Archive.CosmosContainer = v
	}
	if v := os.Getenv("AZURE_STORAGE_ACCOUNT_URL"); v != "" {
		c.Archive.BlobAccountURL = v
	}
	if v := os.Getenv("AZURE_STORAGE_CONTAINER"); v != "" {
		c.Archive.BlobContainer = v
	}
	if v := os.Getenv("TASK_QUEUE_WORKERS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			c.TaskQueue.Worker = parsed
		}
	}
}

// APIKeysWithEnv 合并配置文件与环境变量中的 API Key。
func (c AuthConfig) APIKeysWithEnv() []string {
	keys := make([]string, 0, len(c.APIKeys)+1)
	for _, key := range c.APIKeys {
		if strings.TrimSpace(key) != "" {
			keys = append(keys, strings.TrimSpace(key))
		}
	}
	if c.APIKeyEnv != "" {
		if key := strings.TrimSpace(os.Getenv(c.APIKeyEnv)); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
