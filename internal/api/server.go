package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ChainChat/internal/agent"
	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/events"
	"ChainChat/internal/observability/metrics"
	"ChainChat/internal/tool"
	"ChainChat/pkg/logger"
)

const defaultHeartbeat = 15 * time.Second

// Server 负责暴露 REST 与 SSE 接口，供前端驱动会话。
type Server struct {
	addr        string
	agent       *agent.Agent
	bus         *events.Bus
	registry    *tool.Registry
	metrics     *metrics.Metrics
	metricsPath string
	heartbeat   time.Duration
	logger      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithEventBus 启用事件流接口。
func WithEventBus(bus *events.Bus) Option {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithToolRegistry 启用工具目录接口。
func WithToolRegistry(reg *tool.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithMetrics 采集请求指标，并在 path 上暴露 Prometheus 格式的指标。
func WithMetrics(m *metrics.Metrics, path string) Option {
	return func(s *Server) {
		s.metrics = m
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithHeartbeat 设置事件流的心跳间隔。
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ag *agent.Agent, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		agent:       ag,
		metricsPath: "/metrics",
		heartbeat:   defaultHeartbeat,
		logger:      logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", "healthz", s.handleHealth)
	s.route(mux, "GET /api/v1/tools", "tools", s.handleTools)
	s.route(mux, "POST /api/v1/conversations", "create_conversation", s.handleCreateConversation)
	s.route(mux, "GET /api/v1/conversations", "list_conversations", s.handleListConversations)
	s.route(mux, "GET /api/v1/conversations/{id}", "conversation", s.handleConversation)
	s.route(mux, "POST /api/v1/conversations/{id}/messages", "submit_message", s.handleSubmitMessage)
	s.route(mux, "POST /api/v1/conversations/{id}/invocations/{invocationID}/decision", "decision", s.handleDecision)
	s.route(mux, "GET /api/v1/conversations/{id}/events", "events", s.handleEvents)
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(name, h))
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
		s.logger.Info("HTTP 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, []tool.Declaration{})
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Declarations())
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
			return
		}
	}
	conv, err := s.agent.CreateConversation(r.Context(), req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	list, err := s.agent.ListConversations(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	view, err := s.agent.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type submitMessageRequest struct {
	Content string `json:"content"`
	Local   bool   `json:"is_local"`
}

type submitMessageResponse struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	id := r.PathValue("id")
	if err := s.agent.Start(r.Context(), agent.TurnRequest{ConversationID: id, Content: req.Content, Local: req.Local}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitMessageResponse{ConversationID: id, Status: "accepted"})
}

type decisionRequest struct {
	Approve *bool `json:"approve"`
}

type decisionResponse struct {
	InvocationID string `json:"invocation_id"`
	Applied      bool   `json:"applied"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if req.Approve == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 approve 字段"))
		return
	}
	invocationID := r.PathValue("invocationID")
	applied, err := s.agent.Decide(r.Context(), r.PathValue("id"), invocationID, *req.Approve)
	if err != nil && !applied {
		writeError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("确认结果已记录，但回写失败",
			slog.String("invocation_id", invocationID),
			slog.Any("error", err))
	}
	writeJSON(w, http.StatusOK, decisionResponse{InvocationID: invocationID, Applied: applied})
}

// handleEvents 以 SSE 推送会话事件。连接建立后先发送一次 snapshot 事件。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "未启用事件流"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "连接不支持流式输出"))
		return
	}
	id := r.PathValue("id")
	view, err := s.agent.Conversation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	stream, cancel := s.bus.Subscribe(id, 0)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "snapshot", view); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-stream:
			if !ok {
				return
			}
			if err := writeSSE(w, string(evt.Type), evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(name)
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	_, err = w.Write([]byte(b.String()))
	return err
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	msg := err.Error()
	if coded, ok := xerrors.From(err); ok {
		msg = coded.Message()
	}
	writeJSON(w, statusFor(code), errorBody{Error: errorDetail{Code: string(code), Message: msg}})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeConversationNotFound, xerrors.CodeInvocationNotFound, xerrors.CodeToolNotFound:
		return http.StatusNotFound
	case xerrors.CodeToolInProgress, xerrors.CodeConflict, xerrors.CodeInvalidTransition, xerrors.CodeDuplicateInvocation:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
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
