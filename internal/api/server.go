package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"Oracle-Relay/internal/auth"
	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/oracle"
	"Oracle-Relay/internal/relay"
	"Oracle-Relay/internal/scheduler"
	"Oracle-Relay/internal/task"
	"Oracle-Relay/pkg/logger"
)

// HeaderRequestID 回显在每个响应中，便于关联审计日志。
const HeaderRequestID = "X-Request-ID"

// Observer 记录 HTTP 请求指标。
type Observer interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// Deps 汇集 API 依赖的服务。
type Deps struct {
	Client *relay.Client
	// Invoker 用于以签名者身份投递预言机回调。
	Invoker oracle.Invoker
	Tasks   *task.Service
	Auth    *auth.Service
}

// Server 通过签名认证的 REST 接口暴露中继操作与任务查询。
type Server struct {
	addr          string
	client        *relay.Client
	invoker       oracle.Invoker
	tasks         *task.Service
	auth          *auth.Service
	oracleProgram common.Address
	observer      Observer
	metrics       http.Handler
	log           *slog.Logger
}

// Option 配置 Server。
type Option func(*Server)

// WithObserver 配置 HTTP 指标观察者。
func WithObserver(observer Observer) Option {
	return func(s *Server) { s.observer = observer }
}

// WithMetricsHandler 在 /metrics 上挂载指标处理器。
func WithMetricsHandler(handler http.Handler) Option {
	return func(s *Server) { s.metrics = handler }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps, opts ...Option) *Server {
	s := &Server{
		addr:          addr,
		client:        deps.Client,
		invoker:       deps.Invoker,
		tasks:         deps.Tasks,
		auth:          deps.Auth,
		oracleProgram: deps.Client.Config().OracleProgram,
		log:           logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	signed := func(event string, roles ...auth.Role) func(http.Handler) http.Handler {
		return s.auth.Middleware(auth.MiddlewareConfig{RequiredRoles: roles, AuditEvent: event})
	}
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, s.instrument(name, h))
	}

	route("POST /api/v1/initialize", "initialize", signed("initialize", auth.RoleAdmin)(http.HandlerFunc(s.handleInitialize)))
	route("POST /api/v1/contexts", "create_context", signed("create_context")(http.HandlerFunc(s.handleCreateContext)))
	route("POST /api/v1/treasury/fund", "fund_treasury", signed("fund_treasury")(http.HandlerFunc(s.handleFundTreasury)))
	route("POST /api/v1/schedule", "schedule", signed("schedule")(http.HandlerFunc(s.handleSchedule)))
	route("POST /api/v1/dispatch", "request_gpt", signed("request_gpt")(http.HandlerFunc(s.handleDispatch)))
	route("POST /api/v1/callbacks", "oracle_callback", signed("oracle_callback", auth.RoleOracle)(http.HandlerFunc(s.handleCallback)))
	route("GET /api/v1/state", "state", http.HandlerFunc(s.handleState))
	route("GET /api/v1/treasury", "treasury", http.HandlerFunc(s.handleTreasury))
	route("GET /api/v1/tasks", "tasks", http.HandlerFunc(s.handleListTasks))
	route("GET /api/v1/tasks/{id}", "task_detail", http.HandlerFunc(s.handleTaskDetail))
	route("GET /healthz", "healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

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

type initializeRequest struct {
	DefaultPrompt      string         `json:"default_prompt"`
	SchedulerAuthority common.Address `json:"scheduler_authority"`
}

type contextRequest struct {
	AgentDescription string `json:"agent_description"`
}

type fundRequest struct {
	Amount uint64 `json:"amount"`
}

type scheduleRequest struct {
	TaskID uint16 `json:"task_id"`
}

type callbackRequest struct {
	Interaction common.Address `json:"interaction"`
	Response    string         `json:"response"`
}

type stateResponse struct {
	Requests           uint64         `json:"requests"`
	LLMContext         common.Address `json:"llm_context"`
	HasContext         bool           `json:"has_context"`
	DefaultPrompt      string         `json:"default_prompt"`
	LastResponse       string         `json:"last_response"`
	TaskQueueAuthority common.Address `json:"task_queue_authority"`
	Interaction        common.Address `json:"interaction"`
	TreasuryBalance    uint64         `json:"treasury_balance"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	signer := signerOf(r)
	if err := s.client.Initialize(r.Context(), signer, req.DefaultPrompt, req.SchedulerAuthority); err != nil {
		writeError(w, err)
		return
	}
	s.writeState(w, r, http.StatusCreated)
}

func (s *Server) handleCreateContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if !decodeBody(w, r, &req) {
		return
	}
	addr, err := s.client.CreateContext(r.Context(), signerOf(r), req.AgentDescription)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]common.Address{"llm_context": addr})
}

func (s *Server) handleFundTreasury(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.client.FundTreasury(r.Context(), signerOf(r), req.Amount); err != nil {
		writeError(w, err)
		return
	}
	s.handleTreasury(w, r)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.client.Schedule(r.Context(), signerOf(r), req.TaskID); err != nil {
		writeError(w, err)
		return
	}
	taskAccount := scheduler.TaskAddress(s.client.Config().SchedulerProgram, s.client.Queue(), req.TaskID).Address
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":      req.TaskID,
		"queue":        s.client.Queue(),
		"task_account": taskAccount,
	})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if err := s.client.RequestGPT(r.Context(), signerOf(r)); err != nil {
		writeError(w, err)
		return
	}
	s.writeState(w, r, http.StatusOK)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Interaction == (common.Address{}) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "必须指定交互账户"))
		return
	}
	err := oracle.Deliver(r.Context(), s.invoker, s.oracleProgram, signerOf(r), req.Interaction, req.Response)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeState(w, r, http.StatusOK)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeState(w, r, http.StatusOK)
}

func (s *Server) writeState(w http.ResponseWriter, r *http.Request, status int) {
	state, err := s.client.State(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.client.TreasuryBalance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := stateResponse{
		Requests:           state.Requests,
		LLMContext:         state.LLMContext,
		HasContext:         state.HasContext(),
		DefaultPrompt:      state.DefaultPrompt,
		LastResponse:       state.LastResponse,
		TaskQueueAuthority: state.TaskQueueAuthority,
		TreasuryBalance:    balance,
	}
	if state.HasContext() {
		resp.Interaction = s.client.Interaction(state)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	balance, err := s.client.TreasuryBalance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"treasury": relay.TreasuryAddress(s.client.Config().ID).Address,
		"balance":  balance,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": records, "stats": stats})
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	record, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	for _, key := range []string{"limit", "offset"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须是非负整数")
		}
		if key == "limit" {
			opts = append(opts, task.WithLimit(n))
		} else {
			opts = append(opts, task.WithOffset(n))
		}
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态 "+string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if queue := q.Get("queue"); queue != "" {
		opts = append(opts, task.WithQueue(queue))
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	return opts, nil
}

func signerOf(r *http.Request) common.Address {
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		return subject.Address
	}
	return common.Address{}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

type errorResponse struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := xerrors.AttributesOf(code).HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// instrument 为请求分配 ID 并记录指标。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if s.observer != nil {
			s.observer.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
		}
		if sw.status >= http.StatusInternalServerError {
			s.log.Error("请求处理失败",
				slog.String("request_id", id),
				slog.String("handler", name),
				slog.Int("status", sw.status))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
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
