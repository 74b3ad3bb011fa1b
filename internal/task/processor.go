package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "Magentic-Gateway/internal/errors"
	"Magentic-Gateway/internal/observability/alerting"
	"Magentic-Gateway/internal/observability/metrics"
	"Magentic-Gateway/internal/orchestrator"
	"Magentic-Gateway/pkg/logger"
)

// EventSink 接收任务执行过程中的实时事件，供前端订阅。
type EventSink interface {
	// Publish 推送一条事件，实现必须保证不阻塞处理循环。
	Publish(taskID string, event orchestrator.Event)
	// Finish 通知该任务的事件流已结束。
	Finish(taskID string)
}

// Archiver 在任务完成后把执行记录归档到外部存储。
type Archiver interface {
	ArchiveRun(ctx context.Context, task *Task) error
}

// Processor 负责从队列消费任务并交给编排器执行。
type Processor struct {
	client      orchestrator.Client
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	runTimeout  time.Duration
	logger      *slog.Logger
	sink        EventSink
	archiver    Archiver
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRunTimeout 限制单个任务的最长执行时间。
func WithRunTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.runTimeout = timeout
		}
	}
}

// WithEventSink 配置实时事件的订阅出口。
func WithEventSink(sink EventSink) ProcessorOption {
	return func(p *Processor) {
		p.sink = sink
	}
}

// WithArchiver 配置任务完成后的归档器。
func WithArchiver(archiver Archiver) ProcessorOption {
	return func(p *Processor) {
		p.archiver = archiver
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(client orchestrator.Client, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		client:      client,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.client == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	runCtx := ctx
	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}

	started := time.Now()
	outcome, runErr := p.client.RunStream(runCtx, orchestrator.RunRequest{
		TaskID:         task.ID,
		Prompt:         task.Prompt,
		Model:          task.Model,
		UseAzureOpenAI: task.UseAzureOpenAI,
	}, func(event orchestrator.Event) {
		if p.sink != nil {
			p.sink.Publish(task.ID, event)
		}
	})
	if p.sink != nil {
		defer p.sink.Finish(task.ID)
	}
	if runErr != nil {
		if stdErrors.Is(runCtx.Err(), context.DeadlineExceeded) {
			runErr = xerrors.Wrap(xerrors.CodeTimeout, runErr, "任务执行超时")
		}
		metrics.ObserveTaskRun("failed", time.Since(started))
		return p.handleRunFailure(ctx, task, runErr)
	}

	record, usage := buildRunRecord(outcome, time.Since(started))
	if err := p.store.MarkCompleted(ctx, task.ID, record, usage); err != nil {
		logger.L().Error("标记任务完成状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 在标记完成失败后重投失败", task.ID))
		}
		logger.Audit().Warn("任务标记完成失败后重试",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	metrics.ObserveTaskRun("completed", time.Since(started))
	metrics.AddTokenUsage(usage.PromptTokens, usage.CompletionTokens)
	logger.Audit().Info("任务执行完成",
		slog.String("task_id", task.ID),
		slog.String("model", task.Model),
		slog.Int("messages", len(record.Messages)),
		slog.Int64("prompt_tokens", usage.PromptTokens),
		slog.Int64("completion_tokens", usage.CompletionTokens),
		slog.Float64("execution_seconds", record.ExecutionSeconds),
	)

	p.archive(ctx, task.ID)
	return nil
}

// buildRunRecord 把编排器输出汇总为可落库的执行记录。
// user 来源的消息不计入 token 用量，与编排器回显的原始提示词保持一致。
func buildRunRecord(outcome *orchestrator.Outcome, elapsed time.Duration) (RunResult, Usage) {
	record := RunResult{ExecutionSeconds: elapsed.Seconds()}
	var usage Usage
	if outcome == nil {
		return record, usage
	}
	if outcome.ExecutionSeconds > 0 {
		record.ExecutionSeconds = outcome.ExecutionSeconds
	}
	record.Messages = make([]Message, 0, len(outcome.Events))
	for _, event := range outcome.Events {
		record.Messages = append(record.Messages, Message{
			Source:  event.Source,
			Kind:    MessageKind(event.Kind),
			Content: event.Content,
		})
		if event.Source == "user" {
			continue
		}
		usage.PromptTokens += event.PromptTokens
		usage.CompletionTokens += event.CompletionTokens
	}
	if outcome.PromptTokens > 0 || outcome.CompletionTokens > 0 {
		usage.PromptTokens = outcome.PromptTokens
		usage.CompletionTokens = outcome.CompletionTokens
	}
	return record, usage
}

func (p *Processor) archive(ctx context.Context, taskID string) {
	if p.archiver == nil {
		return
	}
	task, err := p.store.Get(ctx, taskID)
	if err != nil {
		logger.L().Error("归档前读取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return
	}
	if err := p.archiver.ArchiveRun(ctx, task); err != nil {
		// 归档失败不影响任务结果，记录日志并告警。
		logger.L().Error("归档任务结果失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, task, xerrors.CodeArchiveFailure, err, "archive")
	}
}

func (p *Processor) handleRunFailure(ctx context.Context, task *Task, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(runErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, runErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, task, code, runErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
		}
		p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
