// Package chat runs agent turns against stored threads. It owns the
// request-scoped resources of a turn (store session, outbound HTTP client,
// accounting session) and the human-in-the-loop approval operations.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/agentloop/internal/agent"
	"github.com/haasonsaas/agentloop/internal/observability"
	"github.com/haasonsaas/agentloop/internal/ratelimit"
	"github.com/haasonsaas/agentloop/internal/threads"
	"github.com/haasonsaas/agentloop/internal/usage"
	"github.com/haasonsaas/agentloop/pkg/models"
)

// Route names used for rate limiting and metrics.
const (
	RouteChat     = "chat"
	RouteApproval = "tool_call"
)

// DefaultHTTPTimeout bounds the outbound client handed to tools.
const DefaultHTTPTimeout = 30 * time.Second

var (
	// ErrEmptyMessage is returned for a turn without user text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrMissingUser is returned when a request carries no user ID.
	ErrMissingUser = errors.New("user id is required")
)

// Config wires a Service.
type Config struct {
	Routine *agent.Routine
	Agent   *agent.Agent
	Opener  threads.Opener

	// Tools resolves calls on the approval path. Defaults to the agent's
	// registry.
	Tools *agent.ToolRegistry

	// Limiter may be nil to disable rate limiting.
	Limiter *ratelimit.Limiter

	// Accountant may be nil to skip spend accounting.
	Accountant *usage.Accountant

	// NewHTTPClient builds the per-request outbound client placed in Vars.
	NewHTTPClient func() *http.Client

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Service executes turns and approvals. It is safe for concurrent use; it
// holds no per-request state.
type Service struct {
	routine    *agent.Routine
	agent      *agent.Agent
	opener     threads.Opener
	tools      *agent.ToolRegistry
	limiter    *ratelimit.Limiter
	accountant *usage.Accountant
	newClient  func() *http.Client
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
}

// NewService validates cfg and builds a Service.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Routine == nil:
		return nil, errors.New("chat: routine is required")
	case cfg.Agent == nil:
		return nil, errors.New("chat: agent is required")
	case cfg.Opener == nil:
		return nil, errors.New("chat: store opener is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tools := cfg.Tools
	if tools == nil {
		tools = cfg.Agent.Registry()
	}
	accountant := cfg.Accountant
	if accountant == nil {
		accountant = usage.NewAccountant(nil, usage.Config{Logger: logger, Metrics: cfg.Metrics})
	}
	newClient := cfg.NewHTTPClient
	if newClient == nil {
		newClient = func() *http.Client { return &http.Client{Timeout: DefaultHTTPTimeout} }
	}
	return &Service{
		routine:    cfg.Routine,
		agent:      cfg.Agent,
		opener:     cfg.Opener,
		tools:      tools,
		limiter:    cfg.Limiter,
		accountant: accountant,
		newClient:  newClient,
		logger:     logger.With("component", "chat"),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
	}, nil
}

// Agent returns the default agent.
func (s *Service) Agent() *agent.Agent {
	return s.agent
}

// Tools returns the registry used on the approval path.
func (s *Service) Tools() *agent.ToolRegistry {
	return s.tools
}

// CreateThread stores a new thread for userID.
func (s *Service) CreateThread(ctx context.Context, thread *models.Thread) (*models.Thread, error) {
	if thread == nil || strings.TrimSpace(thread.UserID) == "" {
		return nil, ErrMissingUser
	}
	session, err := s.opener.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store session: %w", err)
	}
	defer session.Close()

	out := *thread
	if err := session.CreateThread(ctx, &out); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	s.logger.InfoContext(ctx, "thread created", "thread_id", out.ID, "user_id", out.UserID, "project_id", out.ProjectID)
	return &out, nil
}

// ListThreads returns the user's threads, most recently updated first.
func (s *Service) ListThreads(ctx context.Context, userID string, opts threads.ListOptions) ([]*models.Thread, error) {
	session, err := s.opener.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store session: %w", err)
	}
	defer session.Close()
	return session.ListThreads(ctx, userID, opts)
}

// History returns the stored messages of a thread owned by userID.
func (s *Service) History(ctx context.Context, userID, threadID string) ([]*models.Message, error) {
	session, err := s.opener.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store session: %w", err)
	}
	defer session.Close()
	if _, err := ownedThread(ctx, session, userID, threadID); err != nil {
		return nil, err
	}
	return session.ListMessages(ctx, threadID)
}

// PendingToolCalls lists the calls of a thread still awaiting approval.
func (s *Service) PendingToolCalls(ctx context.Context, userID, threadID string) ([]models.ToolCall, error) {
	session, err := s.opener.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("open store session: %w", err)
	}
	defer session.Close()
	if _, err := ownedThread(ctx, session, userID, threadID); err != nil {
		return nil, err
	}
	return session.PendingToolCalls(ctx, threadID)
}

// ownedThread loads the thread, hiding threads owned by someone else.
func ownedThread(ctx context.Context, store threads.Store, userID, threadID string) (*models.Thread, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	thread, err := store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.UserID != userID {
		return nil, threads.ErrThreadNotFound
	}
	return thread, nil
}

// requestVars builds the tool context for one request. The HTTP client is
// created here so that tools never share a client across requests.
func (s *Service) requestVars(extra agent.Vars, thread *models.Thread) (agent.Vars, *http.Client) {
	vars := agent.Vars{}
	if extra != nil {
		vars = extra.Clone()
	}
	client := s.newClient()
	vars[agent.VarUserID] = thread.UserID
	vars[agent.VarThreadID] = thread.ID
	vars[agent.VarHTTPClient] = client
	if thread.ProjectID != "" {
		vars[agent.VarProjectID] = thread.ProjectID
	}
	if thread.VlabID != "" {
		vars[agent.VarVlabID] = thread.VlabID
	}
	return vars, client
}

func (s *Service) checkRate(ctx context.Context, userID, route string) error {
	if userID == "" {
		return ErrMissingUser
	}
	if _, err := s.limiter.CheckRoute(ctx, userID, route); err != nil {
		s.metrics.RecordTurn(route, "rate_limited")
		return err
	}
	return nil
}
