package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/agentloop/internal/agent"
	"github.com/haasonsaas/agentloop/internal/chat"
	"github.com/haasonsaas/agentloop/internal/config"
	"github.com/haasonsaas/agentloop/internal/ratelimit"
	"github.com/haasonsaas/agentloop/internal/threads"
	"github.com/haasonsaas/agentloop/pkg/models"
)

type chatOptions struct {
	UserID      string
	ThreadID    string
	ProjectID   string
	VlabID      string
	Title       string
	AccessToken string

	// Interactive enables approval prompts on the input stream.
	Interactive bool
}

func (o chatOptions) vars() agent.Vars {
	vars := agent.Vars{}
	if o.AccessToken != "" {
		vars[agent.VarAccessToken] = o.AccessToken
	}
	return vars
}

// =============================================================================
// Chat
// =============================================================================

func runChat(ctx context.Context, svc *chat.Service, opts chatOptions, in io.Reader, out io.Writer) error {
	threadID := opts.ThreadID
	if threadID == "" {
		thread, err := svc.CreateThread(ctx, &models.Thread{
			UserID:    opts.UserID,
			ProjectID: opts.ProjectID,
			VlabID:    opts.VlabID,
			Title:     opts.Title,
		})
		if err != nil {
			return err
		}
		threadID = thread.ID
		fmt.Fprintf(out, "thread %s\n", threadID)
	} else if _, err := svc.History(ctx, opts.UserID, threadID); err != nil {
		return err
	}

	lines := bufio.NewScanner(in)
	for {
		if opts.Interactive {
			fmt.Fprint(out, "> ")
		}
		if !lines.Scan() {
			break
		}
		line := strings.TrimSpace(lines.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		err := streamTurn(ctx, svc, chat.TurnRequest{
			UserID:   opts.UserID,
			ThreadID: threadID,
			Message:  line,
			Vars:     opts.vars(),
		}, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			var exceeded *ratelimit.ExceededError
			if errors.As(err, &exceeded) {
				fmt.Fprintf(out, "rate limited, retry in %ds\n", exceeded.RetryAfterSeconds())
				continue
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
		if err := reviewPending(ctx, svc, opts, threadID, lines, out); err != nil {
			return err
		}
	}
	return lines.Err()
}

func streamTurn(ctx context.Context, svc *chat.Service, req chat.TurnRequest, out io.Writer) error {
	chunks, err := svc.StreamTurn(ctx, req)
	if err != nil {
		return err
	}
	wrote := false
	defer func() {
		if wrote {
			fmt.Fprintln(out)
		}
	}()
	for chunk := range chunks {
		if chunk.Err != nil {
			return chunk.Err
		}
		fmt.Fprint(out, chunk.Text)
		wrote = wrote || chunk.Text != ""
	}
	return nil
}

// reviewPending asks about each call awaiting approval. Without a terminal
// the calls are only listed.
func reviewPending(ctx context.Context, svc *chat.Service, opts chatOptions, threadID string, lines *bufio.Scanner, out io.Writer) error {
	pending, err := svc.PendingToolCalls(ctx, opts.UserID, threadID)
	if err != nil {
		return err
	}
	for _, call := range pending {
		fmt.Fprintf(out, "tool %s wants to run with %s\n", call.Name, string(call.Arguments))
		if !opts.Interactive {
			fmt.Fprintf(out, "  pending: agentloop calls accept|reject %s %s\n", threadID, call.ID)
			continue
		}
		if err := decide(ctx, svc, opts, threadID, call, lines, out); err != nil {
			return err
		}
	}
	return nil
}

func decide(ctx context.Context, svc *chat.Service, opts chatOptions, threadID string, call models.ToolCall, lines *bufio.Scanner, out io.Writer) error {
	req := chat.ApprovalRequest{UserID: opts.UserID, ThreadID: threadID, ToolCallID: call.ID, Vars: opts.vars()}
	for {
		fmt.Fprint(out, "  accept [a], edit arguments [e], reject [r]? ")
		if !lines.Scan() {
			return lines.Err()
		}
		switch strings.ToLower(strings.TrimSpace(lines.Text())) {
		case "a", "accept", "y", "yes":
			req.Arguments = nil
		case "e", "edit":
			fmt.Fprint(out, "  arguments (JSON): ")
			if !lines.Scan() {
				return lines.Err()
			}
			req.Arguments = json.RawMessage(strings.TrimSpace(lines.Text()))
		case "r", "reject", "n", "no":
			if _, err := svc.Reject(ctx, req); err != nil {
				return err
			}
			fmt.Fprintln(out, "  rejected")
			return nil
		default:
			continue
		}

		res, err := svc.Accept(ctx, req)
		if err != nil {
			fmt.Fprintf(out, "  error: %v\n", err)
			continue
		}
		if res.Status == chat.ApprovalValidationError {
			fmt.Fprintf(out, "  arguments rejected: %s\n", strings.Join(res.Errors, "; "))
			continue
		}
		fmt.Fprintf(out, "  result: %s\n", res.Content)
		return nil
	}
}

// =============================================================================
// Threads
// =============================================================================

func runThreadsList(ctx context.Context, svc *chat.Service, userID string, opts threads.ListOptions, out io.Writer) error {
	list, err := svc.ListThreads(ctx, userID, opts)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tTITLE\tUPDATED")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, dash(t.ProjectID), dash(t.Title), t.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runThreadsShow(ctx context.Context, svc *chat.Service, userID, threadID string, out io.Writer) error {
	history, err := svc.History(ctx, userID, threadID)
	if err != nil {
		return err
	}
	for _, msg := range history {
		switch msg.Role {
		case models.RoleTool:
			status := "ok"
			if msg.IsError {
				status = "error"
			}
			fmt.Fprintf(out, "[%d] tool %s (%s): %s\n", msg.Seq, msg.ToolName, status, msg.Content)
		default:
			if msg.Content != "" {
				fmt.Fprintf(out, "[%d] %s: %s\n", msg.Seq, msg.Role, msg.Content)
			}
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(out, "[%d] %s calls %s %s (%s)\n", msg.Seq, msg.Role, call.Name, string(call.Arguments), callState(call))
			}
		}
	}
	return nil
}

func callState(call models.ToolCall) string {
	switch {
	case call.Validated == nil:
		return "pending"
	case *call.Validated:
		return "accepted"
	default:
		return "rejected"
	}
}

// =============================================================================
// Tool Calls
// =============================================================================

type callTarget struct {
	UserID      string
	ThreadID    string
	CallID      string
	AccessToken string
}

func (c callTarget) request() chat.ApprovalRequest {
	vars := agent.Vars{}
	if c.AccessToken != "" {
		vars[agent.VarAccessToken] = c.AccessToken
	}
	return chat.ApprovalRequest{UserID: c.UserID, ThreadID: c.ThreadID, ToolCallID: c.CallID, Vars: vars}
}

func runCallsList(ctx context.Context, svc *chat.Service, userID, threadID string, out io.Writer) error {
	pending, err := svc.PendingToolCalls(ctx, userID, threadID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(out, "no pending tool calls")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CALL\tTOOL\tARGUMENTS")
	for _, call := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\n", call.ID, call.Name, string(call.Arguments))
	}
	return w.Flush()
}

func runCallsAccept(ctx context.Context, svc *chat.Service, target callTarget, revised string, out io.Writer) error {
	req := target.request()
	if revised = strings.TrimSpace(revised); revised != "" {
		req.Arguments = json.RawMessage(revised)
	}
	res, err := svc.Accept(ctx, req)
	if err != nil {
		return err
	}
	if res.Status == chat.ApprovalValidationError {
		return fmt.Errorf("arguments rejected: %s", strings.Join(res.Errors, "; "))
	}
	_, err = fmt.Fprintln(out, res.Content)
	return err
}

func runCallsReject(ctx context.Context, svc *chat.Service, target callTarget, out io.Writer) error {
	if _, err := svc.Reject(ctx, target.request()); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "rejected %s\n", target.CallID)
	return err
}

// =============================================================================
// Tools, Validate, Config
// =============================================================================

func runToolsList(ctx context.Context, registry *agent.ToolRegistry, checkHealth bool, timeout time.Duration, out io.Writer) error {
	var online map[string]bool
	if checkHealth {
		client := &http.Client{Timeout: timeout}
		defer client.CloseIdleConnections()
		online = registry.Online(ctx, agent.Vars{agent.VarHTTPClient: client})
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tAPPROVAL\tSTATUS\tDESCRIPTION")
	for _, t := range registry.List() {
		approval := "auto"
		if t.RequiresApproval {
			approval = "required"
		}
		status := "-"
		if checkHealth {
			status = "offline"
			if online[t.Name] {
				status = "online"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, approval, status, t.Description)
	}
	return w.Flush()
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		for _, issue := range verr.Issues {
			fmt.Fprintf(out, "  - %s\n", issue)
		}
		return fmt.Errorf("%s: %d problem(s)", path, len(verr.Issues))
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s: ok (%s %s, %d http tools)\n", path, cfg.LLM.Provider, cfg.LLM.Model, len(cfg.Tools.HTTP))
	return err
}

func runConfigDefaults(out io.Writer) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(config.Default()); err != nil {
		return err
	}
	return enc.Close()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
