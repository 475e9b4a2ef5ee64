package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xiaot623/agentrun/internal/domain"
)

const planSystemPrompt = `You are a planning engine. Break the user's goal into an ordered list of steps.
Respond with JSON only: {"steps":[{"step_id":"s1","description":"...","tool_name":"...","parameters":{...}}]}.
Available tools: %s.
Use "await_user" to ask the user a question and "done" to finish early.`

const summarySystemPrompt = `You summarize the execution of an agent run for the end user.
Be concise. Report the outcome of every step and the final answer to the goal.`

var fencePattern = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// Generator turns goals into plans and run logs into summaries.
type Generator struct {
	client ChatClient
	model  string
	tools  []string
}

// NewGenerator creates a generator. tools names the tools plans may reference.
func NewGenerator(client ChatClient, model string, tools []string) *Generator {
	return &Generator{client: client, model: model, tools: tools}
}

type planEnvelope struct {
	Steps []domain.PlanStep `json:"steps"`
}

// Plan asks the model for an ordered step list. A reply that is not a valid plan
// is a contract violation.
func (g *Generator) Plan(ctx context.Context, goal string, history []domain.Message) ([]domain.PlanStep, error) {
	messages := []ChatMessage{{Role: "system", Content: fmt.Sprintf(planSystemPrompt, strings.Join(g.tools, ", "))}}
	for _, m := range history {
		if m.Type == domain.MessageTypeSummary {
			continue
		}
		messages = append(messages, ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	if len(history) == 0 {
		messages = append(messages, ChatMessage{Role: "user", Content: goal})
	}

	content, err := g.complete(ctx, messages, map[string]interface{}{"type": "json_object"})
	if err != nil {
		return nil, err
	}
	return ParsePlan(content)
}

// Summarize asks the model to summarize the run's logs.
func (g *Generator) Summarize(ctx context.Context, goal string, events []domain.Event, messages []domain.Message) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nConversation:\n", goal)
	for _, m := range messages {
		fmt.Fprintf(&b, "[%d] %s: %s\n", m.Seq, m.Role, m.Content)
	}
	b.WriteString("\nEvents:\n")
	for _, e := range events {
		fmt.Fprintf(&b, "[%d] %s %s\n", e.Seq, e.Type, string(e.Payload))
	}

	content, err := g.complete(ctx, []ChatMessage{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: b.String()},
	}, nil)
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("empty summary: %w", domain.ErrTransient)
	}
	return content, nil
}

func (g *Generator) complete(ctx context.Context, messages []ChatMessage, format map[string]interface{}) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, &ChatCompletionRequest{
		Model:          g.model,
		Messages:       messages,
		ResponseFormat: format,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return "", fmt.Errorf("completion without choices: %w", domain.ErrTransient)
	}
	return resp.Choices[0].Message.Content, nil
}

// ParsePlan decodes a plan reply. It accepts a bare JSON object, a bare array of
// steps, or either wrapped in a markdown code fence.
func ParsePlan(content string) ([]domain.PlanStep, error) {
	content = strings.TrimSpace(content)
	if m := fencePattern.FindStringSubmatch(content); m != nil {
		content = m[1]
	}

	var steps []domain.PlanStep
	if strings.HasPrefix(content, "[") {
		if err := json.Unmarshal([]byte(content), &steps); err != nil {
			return nil, fmt.Errorf("malformed plan: %v: %w", err, domain.ErrContractViolation)
		}
	} else {
		var env planEnvelope
		if err := json.Unmarshal([]byte(content), &env); err != nil {
			return nil, fmt.Errorf("malformed plan: %v: %w", err, domain.ErrContractViolation)
		}
		steps = env.Steps
	}

	if len(steps) == 0 {
		return nil, fmt.Errorf("plan has no steps: %w", domain.ErrContractViolation)
	}
	seen := make(map[string]bool, len(steps))
	for i := range steps {
		if steps[i].ToolName == "" {
			return nil, fmt.Errorf("plan step %d has no tool: %w", i, domain.ErrContractViolation)
		}
		if steps[i].StepID == "" {
			steps[i].StepID = fmt.Sprintf("s%d", i+1)
		}
		if seen[steps[i].StepID] {
			return nil, fmt.Errorf("plan step id %q repeated: %w", steps[i].StepID, domain.ErrContractViolation)
		}
		seen[steps[i].StepID] = true
		if len(steps[i].Parameters) > 0 && !json.Valid(steps[i].Parameters) {
			return nil, fmt.Errorf("plan step %s has invalid parameters: %w", steps[i].StepID, domain.ErrContractViolation)
		}
	}
	return steps, nil
}
