package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Decision is the outcome of a step admission check.
type Decision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// Allowed reports whether the step may run.
func (d Decision) Allowed() bool { return d.Decision != DecisionBlock }

// StepInput is what the policy sees for one plan step.
type StepInput struct {
	RunID     string         `json:"run_id"`
	OwnerID   string         `json:"owner_id"`
	StepID    string         `json:"step_id"`
	StepIndex int            `json:"step_index"`
	ToolName  string         `json:"tool_name"`
	Params    map[string]any `json:"params"`
	Limits    Limits         `json:"limits"`
}

// Limits are engine settings exposed to the policy.
type Limits struct {
	MaxSandboxTimeoutSeconds int `json:"max_sandbox_timeout_seconds"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.step_policy.decision"),
		rego.Module("step_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Load reads the policy at path, or uses DefaultPolicy when path is empty.
func Load(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks whether a step may be dispatched.
func (e *Engine) Evaluate(ctx context.Context, input StepInput) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Decision: DecisionAllow, Reason: "default"}, nil
	}

	switch val := results[0].Expressions[0].Value.(type) {
	case string:
		return Decision{Decision: val}, nil
	case map[string]interface{}:
		d := Decision{}
		d.Decision, _ = val["decision"].(string)
		d.Reason, _ = val["reason"].(string)
		if d.Decision == "" {
			return Decision{}, fmt.Errorf("policy returned an object without decision")
		}
		return d, nil
	}
	return Decision{}, fmt.Errorf("policy returned unexpected type %T", results[0].Expressions[0].Value)
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package step_policy

default decision = {"decision": "allow"}

decision = {"decision": "block", "reason": concat("; ", sort(block_reasons))} {
	count(block_reasons) > 0
}

denied_libraries := {"paramiko", "pexpect", "subprocess32"}

block_reasons[msg] {
	input.tool_name == "sandbox.execute"
	input.limits.max_sandbox_timeout_seconds > 0
	input.params.timeout_seconds > input.limits.max_sandbox_timeout_seconds
	msg := sprintf("sandbox timeout %vs exceeds %vs", [input.params.timeout_seconds, input.limits.max_sandbox_timeout_seconds])
}

block_reasons[msg] {
	input.tool_name == "sandbox.execute"
	lib := input.params.libraries[_]
	denied_libraries[lib]
	msg := sprintf("library %s is not allowed", [lib])
}
`
