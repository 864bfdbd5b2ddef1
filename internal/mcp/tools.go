package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/soudan-ai/soudan/internal/model"
	"github.com/soudan-ai/soudan/internal/service/requests"
	"github.com/soudan-ai/soudan/internal/storage"
)

func (s *Server) registerTools() {
	// soudan_ask — open a consultation request for a human.
	s.mcpServer.AddTool(
		mcplib.NewTool("soudan_ask",
			mcplib.WithDescription(`Ask a human reviewer for a decision you cannot or should not make alone.

WHEN TO USE: Before any irreversible or high-stakes action — deploying,
deleting data, spending money, contacting external parties — or whenever
your instructions say to get approval.

The request enters a review queue. Humans answer with approve, reject, or
request_changes plus an optional comment. Poll soudan_check with the
returned request id, or pass callback_webhook to be notified instead.

WHAT YOU GET BACK: the created request, including its id and timeout_at.
If nobody answers before timeout_at, the request expires and you should
treat it as a rejection.`),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("title",
				mcplib.Description("One-line summary of what you are asking, e.g. \"deploy v2.3 to production?\""),
				mcplib.Required(),
			),
			mcplib.WithString("description",
				mcplib.Description("Everything the reviewer needs to decide: what you want to do, why, and what happens if they refuse"),
			),
			mcplib.WithString("callback_webhook",
				mcplib.Description("Optional HTTPS URL to POST the response to instead of polling"),
			),
			mcplib.WithString("callback_secret",
				mcplib.Description("Optional shared secret; the callback body is then HMAC-SHA256 signed"),
			),
			mcplib.WithNumber("timeout_minutes",
				mcplib.Description("Minutes until the request expires unanswered"),
				mcplib.Min(1),
			),
		),
		s.handleAsk,
	)

	// soudan_check — poll a request for its state and response.
	s.mcpServer.AddTool(
		mcplib.NewTool("soudan_check",
			mcplib.WithDescription(`Check the state of a consultation request you opened with soudan_ask.

Returns the full request. When state is "responded", "callback_sent", or
"completed", the response field holds the human's decision and comment.
When state is "timeout", nobody answered in time — treat it as a rejection.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("request_id",
				mcplib.Description("The id returned by soudan_ask"),
				mcplib.Required(),
			),
		),
		s.handleCheck,
	)

	// soudan_list — browse the request queue.
	s.mcpServer.AddTool(
		mcplib.NewTool("soudan_list",
			mcplib.WithDescription(`List consultation requests, optionally filtered by lifecycle state.

Useful to see what is already waiting on a human before opening another
request about the same thing.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("state",
				mcplib.Description("Filter by state: pending, responded, callback_sent, callback_failed, completed, timeout"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(1000),
				mcplib.DefaultNumber(50),
			),
		),
		s.handleList,
	)

	// soudan_complete — acknowledge a delivered response.
	s.mcpServer.AddTool(
		mcplib.NewTool("soudan_complete",
			mcplib.WithDescription(`Mark a consultation request as completed after you have acted on the
human's response. Valid once the request is responded or callback_sent.`),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("request_id",
				mcplib.Description("The id of the request to complete"),
				mcplib.Required(),
			),
		),
		s.handleComplete,
	)
}

func (s *Server) handleAsk(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	input := model.CreateRequestInput{
		Title: request.GetString("title", ""),
	}
	if desc := request.GetString("description", ""); desc != "" {
		input.Description = &desc
	}
	if hook := request.GetString("callback_webhook", ""); hook != "" {
		input.CallbackWebhook = &hook
	}
	if secret := request.GetString("callback_secret", ""); secret != "" {
		input.CallbackSecret = &secret
	}
	if mins := request.GetInt("timeout_minutes", 0); mins > 0 {
		input.TimeoutMinutes = &mins
	}

	created, err := s.requests.Create(ctx, input)
	if err != nil {
		if requests.IsValidation(err) {
			return errorResult(err.Error()), nil
		}
		return errorResult(fmt.Sprintf("failed to create request: %v", err)), nil
	}

	s.logger.Info("mcp request created", "request_id", created.ID, "title", created.Title)
	return jsonResult(created), nil
}

func (s *Server) handleCheck(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("request_id", ""))
	if err != nil {
		return errorResult("request_id must be a UUID"), nil
	}

	req, err := s.requests.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("request not found"), nil
		}
		return errorResult(fmt.Sprintf("failed to get request: %v", err)), nil
	}

	return jsonResult(req), nil
}

func (s *Server) handleList(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filter := storage.RequestFilter{
		Limit: request.GetInt("limit", 50),
	}
	if raw := request.GetString("state", ""); raw != "" {
		state := model.RequestState(raw)
		if !model.IsValidState(state) {
			return errorResult(fmt.Sprintf("unknown state %q", raw)), nil
		}
		filter.State = &state
	}

	list, total, err := s.requests.List(ctx, filter)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list requests: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"requests": list,
		"total":    total,
	}), nil
}

func (s *Server) handleComplete(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("request_id", ""))
	if err != nil {
		return errorResult("request_id must be a UUID"), nil
	}

	done, err := s.requests.Complete(ctx, id)
	if err != nil {
		var conflict *requests.ConflictError
		switch {
		case errors.As(err, &conflict):
			return errorResult(fmt.Sprintf("request is in state %q and cannot be completed", conflict.Current)), nil
		case errors.Is(err, storage.ErrNotFound):
			return errorResult("request not found"), nil
		}
		return errorResult(fmt.Sprintf("failed to complete request: %v", err)), nil
	}

	return jsonResult(done), nil
}
