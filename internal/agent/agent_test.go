package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/motolink/waroute/internal/models"
)

type fakeCompleter struct {
	reply string
	err   error
}

func (f *fakeCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.reply, f.err
}

func TestRouteParsesOptions(t *testing.T) {
	c := NewGenAIClient(&fakeCompleter{
		reply: `{"options":[{"id":"opt-1","title":"Moto now","description":"2 min away"},{"title":"Share a cab"}],"message":"Pick one"}`,
	})

	resp, err := c.Route(context.Background(), models.AgentRequest{
		UserID:    "u1",
		AgentType: "mobility",
		FlowType:  "nearby_drivers",
	})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected success")
	}
	if resp.SessionID == "" {
		t.Error("expected session id")
	}
	if len(resp.Options) != 2 {
		t.Fatalf("expected 2 options, got %d", len(resp.Options))
	}
	if resp.Options[0].ID != "opt-1" {
		t.Errorf("expected given id kept, got %q", resp.Options[0].ID)
	}
	if resp.Options[1].ID == "" {
		t.Error("expected missing id generated")
	}
}

func TestRouteStripsMarkdownFences(t *testing.T) {
	c := NewGenAIClient(&fakeCompleter{
		reply: "```json\n{\"options\":[{\"id\":\"a\",\"title\":\"Option A\"}]}\n```",
	})
	resp, err := c.Route(context.Background(), models.AgentRequest{AgentType: "mobility"})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if !resp.Success || len(resp.Options) != 1 {
		t.Errorf("expected 1 option, got %+v", resp)
	}
}

func TestRouteCapsOptions(t *testing.T) {
	c := NewGenAIClient(&fakeCompleter{
		reply: `{"options":[{"title":"a"},{"title":"b"},{"title":"c"},{"title":"d"},{"title":"e"}]}`,
	})
	resp, err := c.Route(context.Background(), models.AgentRequest{AgentType: "mobility"})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if len(resp.Options) != 3 {
		t.Errorf("expected options capped at 3, got %d", len(resp.Options))
	}
}

func TestRouteUnusableReply(t *testing.T) {
	cases := []struct {
		name  string
		reply string
	}{
		{"not json", "I think you should take a moto."},
		{"empty options", `{"options":[],"message":"nothing"}`},
		{"blank titles", `{"options":[{"id":"x","title":"  "}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewGenAIClient(&fakeCompleter{reply: tc.reply})
			resp, err := c.Route(context.Background(), models.AgentRequest{AgentType: "mobility"})
			if err != nil {
				t.Fatalf("Route failed: %v", err)
			}
			if resp.Success {
				t.Errorf("expected fallback for %s, got %+v", tc.name, resp)
			}
		})
	}
}

func TestRouteTransportError(t *testing.T) {
	c := NewGenAIClient(&fakeCompleter{err: errors.New("model unavailable")})
	_, err := c.Route(context.Background(), models.AgentRequest{AgentType: "mobility"})
	if err == nil {
		t.Error("expected error surfaced")
	}
}
