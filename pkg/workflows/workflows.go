// SPDX-FileCopyrightText: Copyright 2026 Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflows registers named multi-step operations that execute
// through the tool registry. Two synthesized tools expose the catalog to
// clients: execute_workflow, whose workflow_name argument is a closed set of
// the registered names, and get_schema_for_workflow.
package workflows

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	merrors "github.com/meridianmcp/meridian/pkg/errors"
	"github.com/meridianmcp/meridian/pkg/logger"
	"github.com/meridianmcp/meridian/pkg/registry"
)

// Step is one tool invocation inside a workflow. Argument values of the form
// "$params.<name>" are substituted from the workflow parameters at run time.
type Step struct {
	ID         string
	Tool       string
	Args       map[string]any
	MaxRetries int
	RetryDelay time.Duration
}

// Workflow is a named, versioned multi-step operation.
type Workflow struct {
	Name        string
	Version     string
	Description string
	// Params declares the workflow parameters; userId is always required
	// and is added when absent.
	Params *registry.Schema
	Steps  []Step
}

// StepResult records one executed step.
type StepResult struct {
	StepID  string
	Tool    string
	Result  *registry.Result
	Retries int
}

// ExecutionResult is the outcome of a workflow run.
type ExecutionResult struct {
	Workflow string
	Steps    []StepResult
	Failed   bool
	Error    string
}

// Registry maps workflow names to definitions and keeps the synthesized
// tools in sync with the catalog.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	tools     *registry.Registry
	// exposeTools controls whether the synthesized tools are registered.
	exposeTools bool
}

// New creates a workflow registry over the given tool registry. When
// exposeTools is set, execute_workflow and get_schema_for_workflow are
// registered and kept current.
func New(tools *registry.Registry, exposeTools bool) *Registry {
	return &Registry{
		workflows:   make(map[string]*Workflow),
		tools:       tools,
		exposeTools: exposeTools,
	}
}

// RegisterWorkflow validates and stores a workflow, then refreshes the
// synthesized tools so the workflow_name enum includes it.
func (r *Registry) RegisterWorkflow(workflow *Workflow) error {
	if workflow.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(workflow.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", workflow.Name)
	}
	for i, step := range workflow.Steps {
		if step.Tool == "" {
			return fmt.Errorf("workflow %s step %d names no tool", workflow.Name, i)
		}
	}
	if workflow.Params == nil {
		workflow.Params = &registry.Schema{}
	}
	if workflow.Params.Fields == nil {
		workflow.Params.Fields = make(map[string]registry.Field)
	}
	if _, ok := workflow.Params.Fields["userId"]; !ok {
		workflow.Params.Fields["userId"] = registry.Field{
			Kind: registry.FieldString, Required: true,
			Description: "User on whose behalf the workflow runs",
		}
	}

	r.mu.Lock()
	r.workflows[workflow.Name] = workflow
	r.mu.Unlock()

	logger.Infow("workflow registered",
		"workflow", workflow.Name, "version", workflow.Version, "steps", len(workflow.Steps))
	return r.refreshTools()
}

// Get returns a workflow, or nil.
func (r *Registry) Get(name string) *Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workflows[name]
}

// Names returns the registered workflow names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	return names
}

// Execute runs a workflow's steps in order through the tool registry. A step
// retries per its configuration; a step that still fails stops the run.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (*ExecutionResult, error) {
	workflow := r.Get(name)
	if workflow == nil {
		return nil, fmt.Errorf("unknown workflow: %s", name)
	}
	validator, err := registry.Compile(workflow.Params)
	if err != nil {
		return nil, fmt.Errorf("compiling workflow params: %w", err)
	}
	validated, err := validator.Validate(params)
	if err != nil {
		return nil, err
	}

	result := &ExecutionResult{Workflow: name}
	for _, step := range workflow.Steps {
		stepResult, err := r.runStep(ctx, &step, validated)
		if err != nil {
			// The failing step is reported through Error only; Steps
			// records completed steps.
			result.Failed = true
			result.Error = fmt.Sprintf("step %s: %v", step.ID, err)
			return result, nil
		}
		result.Steps = append(result.Steps, *stepResult)
	}
	return result, nil
}

// stepFailure carries an error-flagged tool result through the retry loop so
// it is retried like a handler error.
type stepFailure struct {
	message string
}

func (e *stepFailure) Error() string { return e.message }

// runStep invokes one tool with exponential-backoff retries.
func (r *Registry) runStep(ctx context.Context, step *Step, params map[string]any) (*StepResult, error) {
	args := resolveArgs(step.Args, params)

	delay := step.RetryDelay
	if delay == 0 {
		delay = time.Second
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = delay

	attempts := 0
	operation := func() (*registry.Result, error) {
		attempts++
		result, err := r.tools.Invoke(ctx, step.Tool, args, nil)
		if err != nil {
			logger.Warnw("workflow step failed",
				"step", step.ID, "tool", step.Tool, "attempt", attempts, "error", err)
			return nil, err
		}
		// Invoke never returns handler errors directly; they come back as
		// error-flagged results. Surface them as errors so the backoff loop
		// retries them too.
		if result.IsError {
			logger.Warnw("workflow step failed",
				"step", step.ID, "tool", step.Tool, "attempt", attempts, "error", result.Error)
			return nil, &stepFailure{message: result.Error}
		}
		return result, nil
	}
	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(step.MaxRetries+1)),
		backoff.WithNotify(func(_ error, duration time.Duration) {
			logger.Debugw("retrying workflow step", "step", step.ID, "after", duration)
		}),
	)
	if err != nil {
		return nil, merrors.NewWorkflowError(
			fmt.Sprintf("tool %s failed after %d attempts", step.Tool, attempts), err)
	}
	return &StepResult{StepID: step.ID, Tool: step.Tool, Result: result, Retries: attempts - 1}, nil
}

// resolveArgs substitutes "$params.<name>" argument values from the workflow
// parameters. Everything else passes through untouched.
func resolveArgs(args, params map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for key, value := range args {
		if ref, ok := value.(string); ok && strings.HasPrefix(ref, "$params.") {
			if resolved, present := params[strings.TrimPrefix(ref, "$params.")]; present {
				out[key] = resolved
				continue
			}
		}
		out[key] = value
	}
	return out
}

// refreshTools re-registers the synthesized tools so the workflow_name enum
// tracks the current catalog.
func (r *Registry) refreshTools() error {
	if !r.exposeTools || r.tools == nil {
		return nil
	}
	names := r.Names()
	if len(names) == 0 {
		return nil
	}

	executeDef := registry.Definition{
		Description: "Execute a registered workflow by name",
		Category:    "workflows",
		InputSchema: &registry.Schema{Fields: map[string]registry.Field{
			"workflow_name": registry.DynamicEnum(names),
			"userId":        {Kind: registry.FieldString, Required: true},
			"params":        {Kind: registry.FieldObject},
		}},
	}
	if err := r.tools.Register("execute_workflow", executeDef, r.executeWorkflowTool); err != nil {
		return err
	}

	schemaDef := registry.Definition{
		Description: "Return the parameter schema for a registered workflow",
		Category:    "workflows",
		InputSchema: &registry.Schema{Fields: map[string]registry.Field{
			"workflow_name": registry.DynamicEnum(names),
		}},
	}
	return r.tools.Register("get_schema_for_workflow", schemaDef, r.getSchemaTool)
}

func (r *Registry) executeWorkflowTool(ctx context.Context, args map[string]any, _ *registry.InvocationContext) (*registry.Result, error) {
	name, _ := args["workflow_name"].(string)
	params := map[string]any{}
	if nested, ok := args["params"].(map[string]any); ok {
		for k, v := range nested {
			params[k] = v
		}
	}
	if userID, ok := args["userId"].(string); ok {
		params["userId"] = userID
	}
	result, err := r.Execute(ctx, name, params)
	if err != nil {
		return nil, err
	}
	if result.Failed {
		return &registry.Result{IsError: true, Error: result.Error, Content: result}, nil
	}
	return &registry.Result{Content: result}, nil
}

func (r *Registry) getSchemaTool(_ context.Context, args map[string]any, _ *registry.InvocationContext) (*registry.Result, error) {
	name, _ := args["workflow_name"].(string)
	workflow := r.Get(name)
	if workflow == nil {
		return &registry.Result{IsError: true, Error: fmt.Sprintf("unknown workflow: %s", name)}, nil
	}
	return &registry.Result{Content: workflow.Params.JSONSchema()}, nil
}
