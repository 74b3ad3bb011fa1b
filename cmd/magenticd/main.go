package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"Magentic-Gateway/internal/api"
	"Magentic-Gateway/internal/archive"
	"Magentic-Gateway/internal/assist"
	"Magentic-Gateway/internal/auth"
	"Magentic-Gateway/internal/config"
	"Magentic-Gateway/internal/llm/openai"
	"Magentic-Gateway/internal/observability/alerting"
	"Magentic-Gateway/internal/orchestrator"
	"Magentic-Gateway/internal/orchestrator/pythonbridge"
	"Magentic-Gateway/internal/stream"
	"Magentic-Gateway/internal/task"
	"Magentic-Gateway/internal/tools"
	"Magentic-Gateway/pkg/logger"
)

// main 是 Magentic Gateway 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("magenticd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 不存在时静默跳过，与容器内注入环境变量的部署方式兼容。
	_ = godotenv.Load()

	configPath := os.Getenv("MAGENTIC_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "magentic.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	orchClient, err := createOrchestratorClient(cfg)
	if err != nil {
		return err
	}

	taskStore, err := createTaskStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = taskStore.Close()
	}()

	taskQueue, err := createTaskQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.L().Error("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	hub := stream.NewHub()

	var archiver task.Archiver = archive.Noop{}
	var archiveManager *archive.Manager
	if cfg.Archive.Enabled {
		archiveManager, err = archive.NewManager(archive.Config{
			CosmosEndpoint:  cfg.Archive.CosmosEndpoint,
			CosmosDatabase:  cfg.Archive.CosmosDatabase,
			CosmosContainer: cfg.Archive.CosmosContainer,
			BlobAccountURL:  cfg.Archive.BlobAccountURL,
			BlobContainer:   cfg.Archive.BlobContainer,
		})
		if err != nil {
			return err
		}
		archiver = archiveManager
	}

	var alerter alerting.Dispatcher
	if cfg.Alerting.WebhookURL != "" {
		alerter = alerting.NewFanout(&alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	} else {
		alerter = alerting.NewFanout(&alerting.LogNotifier{})
	}

	taskService := task.NewService(taskStore, taskQueue, cfg.Storage.TaskStore.Retries, cfg.Orchestrator.DefaultModel)
	processor := task.NewProcessor(orchClient, taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithRunTimeout(cfg.Orchestrator.RunTimeout()),
		task.WithEventSink(hub),
		task.WithArchiver(archiver),
		task.WithAlertDispatcher(alerter),
		task.WithProcessorLogger(logger.Named("processor")),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	serverOpts := make([]api.Option, 0, 3)
	if archiveManager != nil {
		serverOpts = append(serverOpts, api.WithArchive(archiveManager))
	}
	if cfg.Assist.Enabled {
		assistService, closeAssist, err := createAssistService(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeAssist()
		serverOpts = append(serverOpts, api.WithAssist(assistService))
	}
	if cfg.Auth.Enabled {
		serverOpts = append(serverOpts, api.WithAuth(auth.NewMiddleware(cfg.Auth.APIKeysWithEnv())))
	}

	server := api.NewServer(cfg.Server.Address, taskService, hub, serverOpts...)

	logger.L().Info("服务启动",
		slog.String("address", cfg.Server.Address),
		slog.String("store", cfg.Storage.TaskStore.Driver),
		slog.String("queue", cfg.TaskQueue.Driver),
		slog.Bool("archive", cfg.Archive.Enabled),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createOrchestratorClient(cfg *config.Config) (orchestrator.Client, error) {
	switch cfg.Orchestrator.Provider {
	case "", "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.Orchestrator.Python.WorkingDir, cfg.Orchestrator.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.Orchestrator.Python.PythonExecutable, scriptPath, cfg.Orchestrator.Python.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的编排器 provider: %s", cfg.Orchestrator.Provider)
	}
}

func createTaskStore(cfg *config.Config) (task.Store, error) {
	switch cfg.Storage.TaskStore.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case "", "sqlite":
		return task.NewSQLiteStore(cfg.Storage.TaskStore.Path)
	case "mysql":
		return task.NewMySQLStore(cfg.Storage.TaskStore.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}
}

func createTaskQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
}

// createAssistService 为数据库助手准备模型客户端与查询工具。
func createAssistService(ctx context.Context, cfg *config.Config) (*assist.Service, func(), error) {
	useAzure := cfg.Orchestrator.UseAzureOpenAI
	apiKey := strings.TrimSpace(os.Getenv("OPEN_AI_API_KEY"))
	if useAzure {
		apiKey = strings.TrimSpace(os.Getenv("AZURE_OPEN_AI_KEY"))
	}
	llmClient, err := openai.NewClient(openai.Config{
		APIKey:        apiKey,
		Model:         cfg.Orchestrator.DefaultModel,
		UseAzure:      useAzure,
		AzureEndpoint: os.Getenv("AZURE_OPEN_AI_ENDPOINT"),
	})
	if err != nil {
		return nil, nil, err
	}
	pgTool, err := tools.NewPostgresTool(ctx, cfg.Assist.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	return assist.NewService(llmClient, pgTool), pgTool.Close, nil
}
