package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// MockClient is a deterministic ChatClient for MOCK mode and tests. Plan requests
// get a two step plan; every other request gets a canned summary.
type MockClient struct{}

var _ ChatClient = (*MockClient)(nil)

// NewMockClient creates a new mock chat client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// CreateChatCompletion returns a mock response.
func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	content := m.generateMockResponse(req)
	return &ChatCompletionResponse{
		Model: req.Model,
		Choices: []Choice{{
			Message:      &ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}, nil
}

func (m *MockClient) generateMockResponse(req *ChatCompletionRequest) string {
	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUser = req.Messages[i].Content
			break
		}
	}

	if req.ResponseFormat != nil {
		plan := map[string]interface{}{
			"steps": []map[string]interface{}{
				{
					"step_id":     "s1",
					"description": "Look up instruments mentioned in the goal",
					"tool_name":   "market.search",
					"parameters":  map[string]interface{}{"queries": []string{truncate(lastUser, 32)}},
				},
				{"step_id": "s2", "description": "Finish", "tool_name": "done"},
			},
		}
		data, _ := json.Marshal(plan)
		return string(data)
	}

	if lastUser == "" {
		return "[MOCK] Run finished."
	}
	return fmt.Sprintf("[MOCK] Summary of %d log lines.", strings.Count(lastUser, "\n"))
}

// NewChatClient returns a MockClient in MOCK mode and a real Client otherwise.
func NewChatClient(mock bool, baseURL, apiKey string, timeout time.Duration) ChatClient {
	if mock {
		slog.Info("AGENTRUN_MODE=MOCK detected, using mock chat client")
		return NewMockClient()
	}
	return NewClient(baseURL, apiKey, timeout)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
