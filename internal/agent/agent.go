// Package agent implements the advisory agent hand-off. When the search
// policy prefers it, a search is first offered to an agent that proposes
// options; anything short of a usable response falls back to direct
// matching.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/motolink/waroute/internal/models"
)

const systemPrompt = `You are a transport assistant for a WhatsApp ride service.
Given a rider's request, propose up to 3 concrete options as JSON:
{"options":[{"id":"...","title":"...","description":"..."}],"message":"..."}
Titles must be short enough for a list row. Respond with JSON only.`

// maxOptions bounds how many agent options are rendered.
const maxOptions = 3

// Client routes a hand-off request to an advisory agent.
type Client interface {
	Route(ctx context.Context, req models.AgentRequest) (models.AgentResponse, error)
}

// completer is the generative surface the agent needs. *genai.Client
// satisfies it.
type completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GenAIClient implements Client on a generative completion backend.
type GenAIClient struct {
	gen completer
}

// NewGenAIClient wraps a completion backend.
func NewGenAIClient(gen completer) *GenAIClient {
	return &GenAIClient{gen: gen}
}

// Route asks the agent for options. A transport failure is returned as an
// error; an unusable reply comes back with Success false. Callers treat both
// the same way.
func (c *GenAIClient) Route(ctx context.Context, req models.AgentRequest) (models.AgentResponse, error) {
	userPrompt, err := renderRequest(req)
	if err != nil {
		return models.AgentResponse{}, err
	}

	raw, err := c.gen.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return models.AgentResponse{}, fmt.Errorf("agent completion failed: %w", err)
	}

	var parsed struct {
		Options []models.AgentOption `json:"options"`
		Message string               `json:"message"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		slog.Warn("Agent reply was not valid JSON", "agentType", req.AgentType, "error", err)
		return models.AgentResponse{Success: false}, nil
	}

	var options []models.AgentOption
	for _, opt := range parsed.Options {
		if strings.TrimSpace(opt.Title) == "" {
			continue
		}
		if opt.ID == "" {
			opt.ID = uuid.New().String()
		}
		options = append(options, opt)
		if len(options) == maxOptions {
			break
		}
	}
	if len(options) == 0 {
		return models.AgentResponse{Success: false, Message: parsed.Message}, nil
	}

	return models.AgentResponse{
		Success:   true,
		SessionID: uuid.New().String(),
		Options:   options,
		Message:   parsed.Message,
	}, nil
}

func renderRequest(req models.AgentRequest) (string, error) {
	payload := map[string]any{
		"agent_type": req.AgentType,
		"flow_type":  req.FlowType,
	}
	if req.Location != nil {
		payload["location"] = req.Location
	}
	for k, v := range req.RequestData {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode agent request: %w", err)
	}
	return string(raw), nil
}

// extractJSON strips markdown fences some models wrap around JSON replies.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
