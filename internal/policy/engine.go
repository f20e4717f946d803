// Package policy evaluates run-admission policy with OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/flowlab/internal/config"
	"github.com/xiaot623/flowlab/internal/domain"
)

// Engine is the OPA policy engine deciding whether a run config is
// admitted.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.run_policy.decision"),
		rego.Module("run_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Input is the document the policy evaluates. Limits travel with the
// input so the rego stays free of deployment constants.
type Input struct {
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	Interface          string   `json:"interface"`
	WithholdSeconds    float64  `json:"withhold_seconds"`
	StartAfterBytes    int64    `json:"start_after_bytes"`
	MaxWithholdSeconds float64  `json:"max_withhold_seconds"`
	MaxStartAfterBytes int64    `json:"max_start_after_bytes"`
	AllowedInterfaces  []string `json:"allowed_interfaces"`
}

// NewInput builds the policy input for a run config under the configured
// limits.
func NewInput(cfg *domain.RunConfig, limits *config.Config) Input {
	allowed := limits.AllowedInterfaces
	if allowed == nil {
		allowed = []string{}
	}
	return Input{
		Host:               cfg.Host,
		Port:               cfg.Port,
		Interface:          cfg.Interface,
		WithholdSeconds:    cfg.WithholdSeconds,
		StartAfterBytes:    cfg.StartAfterBytes,
		MaxWithholdSeconds: limits.MaxWithholdSeconds,
		MaxStartAfterBytes: limits.MaxStartAfterBytes,
		AllowedInterfaces:  allowed,
	}
}

// Evaluate checks the run policy. Returns decision ("allow" or "block")
// plus an optional reason.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "allow", "default", nil
	}

	val := results[0].Expressions[0].Value
	switch v := val.(type) {
	case string:
		return v, "", nil
	case map[string]interface{}:
		decision, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		if decision == "" {
			decision = "allow"
		}
		return decision, reason, nil
	}
	return "allow", "unexpected return type", nil
}

// Admit evaluates the policy and maps a block to an invalid-config error.
func (e *Engine) Admit(ctx context.Context, cfg *domain.RunConfig, limits *config.Config) error {
	decision, reason, err := e.Evaluate(ctx, NewInput(cfg, limits))
	if err != nil {
		return err
	}
	if decision != "allow" {
		if reason == "" {
			reason = "blocked by run policy"
		}
		return domain.NewError(domain.CodeInvalidConfig, reason, nil)
	}
	return nil
}

// DefaultPolicy is the default run-admission policy content. Block rules
// share one value so overlapping matches cannot conflict.
const DefaultPolicy = `
package run_policy

default decision = "allow"

decision = "block" {
	input.withhold_seconds > input.max_withhold_seconds
}

decision = "block" {
	input.start_after_bytes > input.max_start_after_bytes
}

decision = "block" {
	count(input.allowed_interfaces) > 0
	not allowed_interface
}

allowed_interface {
	input.allowed_interfaces[_] == input.interface
}
`
