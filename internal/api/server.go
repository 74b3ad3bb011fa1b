// Package api 暴露任务管理的 REST 接口与浏览器控制台。
package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Magentic-Gateway/internal/archive"
	"Magentic-Gateway/internal/assist"
	"Magentic-Gateway/internal/auth"
	xerrors "Magentic-Gateway/internal/errors"
	"Magentic-Gateway/internal/observability/metrics"
	"Magentic-Gateway/internal/orchestrator"
	"Magentic-Gateway/internal/stream"
	"Magentic-Gateway/internal/task"
	"Magentic-Gateway/internal/web"
	"Magentic-Gateway/pkg/logger"
)

// Server 负责暴露 REST 接口，供浏览器与外部系统驱动任务执行。
type Server struct {
	addr    string
	tasks   *task.Service
	hub     *stream.Hub
	archive *archive.Manager
	assist  *assist.Service
	auth    *auth.Middleware
}

// Option 配置可选依赖。
type Option func(*Server)

// WithArchive 启用归档查询接口。
func WithArchive(manager *archive.Manager) Option {
	return func(s *Server) { s.archive = manager }
}

// WithAssist 启用数据库问答接口。
func WithAssist(service *assist.Service) Option {
	return func(s *Server) { s.assist = service }
}

// WithAuth 启用 API Key 鉴权。
func WithAuth(middleware *auth.Middleware) Option {
	return func(s *Server) { s.auth = middleware }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks *task.Service, hub *stream.Hub, opts ...Option) *Server {
	s := &Server{addr: addr, tasks: tasks, hub: hub}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回完整的路由，测试时可直接挂到 httptest.Server。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/tasks", s.api("create_task", s.handleCreateTask))
	mux.Handle("GET /api/v1/tasks", s.api("list_tasks", s.handleListTasks))
	mux.Handle("GET /api/v1/tasks/stats", s.api("task_stats", s.handleStats))
	mux.Handle("GET /api/v1/tasks/{id}", s.api("get_task", s.handleGetTask))
	mux.Handle("GET /api/v1/tasks/{id}/result", s.api("task_result", s.handleTaskResult))
	mux.Handle("GET /api/v1/tasks/{id}/events", s.api("task_events", s.handleTaskEvents))
	mux.Handle("GET /api/v1/archive/{id}", s.api("get_archive", s.handleGetArchive))
	mux.Handle("GET /api/v1/archive/{id}/image", s.api("archive_image", s.handleArchiveImage))
	mux.Handle("POST /api/v1/assist/query", s.api("assist_query", s.handleAssistQuery))

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("/", web.Handler())

	return mux
}

// api 为业务接口统一挂上指标采集与鉴权。
func (s *Server) api(name string, handler http.HandlerFunc) http.Handler {
	var wrapped http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	})
	if s.auth != nil {
		wrapped = s.auth.Wrap(wrapped)
	}
	return wrapped
}

type createTaskRequest struct {
	ID             string `json:"id,omitempty"`
	Prompt         string `json:"prompt"`
	Model          string `json:"model_name,omitempty"`
	UseAzureOpenAI bool   `json:"use_aoai,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		respondError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}

	created, err := s.tasks.Submit(r.Context(), task.SubmitRequest{
		ID:             req.ID,
		Prompt:         req.Prompt,
		Model:          req.Model,
		UseAzureOpenAI: req.UseAzureOpenAI,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	found, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, found)
}

// handleTaskResult 在任务未完成时返回 202，完成后返回完整任务记录。
func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	found, err := s.tasks.Result(r.Context(), r.PathValue("id"))
	if err != nil {
		if stdErrors.Is(err, task.ErrTaskInProgress) {
			respondJSON(w, http.StatusAccepted, map[string]any{
				"id":     found.ID,
				"status": found.Status,
			})
			return
		}
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, found)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := make([]task.ListOption, 0, 4)
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]task.Status, 0, 4)
		for _, value := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(value))
			if task.IsValidStatus(status) {
				statuses = append(statuses, status)
			}
		}
		if len(statuses) > 0 {
			opts = append(opts, task.WithStatuses(statuses...))
		}
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}

	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleTaskEvents 以 SSE 推送任务执行过程中的实时消息。
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.tasks.Get(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, xerrors.New(xerrors.CodeUnknown, "当前连接不支持流式输出"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.hub.Subscribe(id)
	defer cancel()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				_, _ = w.Write([]byte("event: done\ndata: {}\n\n"))
				flusher.Flush()
				return
			}
			encoded, err := json.Marshal(struct {
				orchestrator.Event
				DisplayName string `json:"display_name"`
			}{Event: event, DisplayName: orchestrator.DisplayName(event.Source)})
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(encoded) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleGetArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		respondError(w, xerrors.New(xerrors.CodeNotFound, "归档功能未启用"))
		return
	}
	doc, err := s.archive.LoadRun(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleArchiveImage(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		respondError(w, xerrors.New(xerrors.CodeNotFound, "归档功能未启用"))
		return
	}
	blobURL := r.URL.Query().Get("url")
	if blobURL == "" {
		respondError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 url 参数"))
		return
	}
	data, err := s.archive.DownloadImage(r.Context(), blobURL)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(data)
}

type assistQueryRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleAssistQuery(w http.ResponseWriter, r *http.Request) {
	if s.assist == nil {
		respondError(w, xerrors.New(xerrors.CodeNotFound, "数据库助手未启用"))
		return
	}
	var req assistQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	answer, err := s.assist.Query(r.Context(), req.Question)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, answer)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Error("写入响应失败", slog.Any("error", err))
	}
}

// respondError 根据错误码映射 HTTP 状态码并返回统一的错误结构。
func respondError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		status = http.StatusConflict
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  string(code),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush 透传给底层连接，SSE 需要。
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
