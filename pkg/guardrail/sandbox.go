package guardrail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tetratelabs/wazero"
)

// ToolCall is what the sandbox stage dispatches: a named tool with
// parameters to be validated against its registered schema before
// execution.
type ToolCall struct {
	Name   string         `json:"tool_name"`
	Params map[string]any `json:"params"`
}

// ResourceProfile bounds a sandboxed execution's wall-clock, memory and
// optional network access.
type ResourceProfile struct {
	Timeout          time.Duration
	MaxMemoryPages   uint32 // wazero memory pages, 64KiB each
	NetworkIsolated  bool
}

// Sandbox is the sandbox stage: enforces a strict tool allowlist with
// per-tool JSON Schema validation of parameters (the donor firewall's
// pattern), then executes the tool's compiled WASM module inside a
// resource-bounded wazero runtime.
type Sandbox struct {
	runtime      wazero.Runtime
	allowedTools map[string]bool
	schemas      map[string]*jsonschema.Schema
	modules      map[string][]byte // compiled WASM bytes per tool name
	profile      ResourceProfile
}

// NewSandbox constructs a sandbox stage backed by a fresh wazero runtime
// configured with the given resource profile.
func NewSandbox(ctx context.Context, profile ResourceProfile) (*Sandbox, error) {
	cfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(profile.MaxMemoryPages).WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	return &Sandbox{
		runtime:      rt,
		allowedTools: make(map[string]bool),
		schemas:      make(map[string]*jsonschema.Schema),
		modules:      make(map[string][]byte),
		profile:      profile,
	}, nil
}

// RegisterTool allowlists a tool, its parameter schema, and its compiled
// WASM module bytes.
func (s *Sandbox) RegisterTool(name string, schemaJSON string, wasmModule []byte) error {
	s.allowedTools[name] = true
	s.modules[name] = wasmModule
	if schemaJSON == "" {
		delete(s.schemas, name)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("cgr:sandbox/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("guardrail: sandbox schema load for %q failed: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("guardrail: sandbox schema compile for %q failed: %w", name, err)
	}
	s.schemas[name] = compiled
	return nil
}

func (s *Sandbox) Name() string { return "sandbox" }

func (s *Sandbox) Process(ctx context.Context, data map[string]any, pctx *Context) (StageResult, error) {
	res := StageResult{Allowed: true}

	toolName, _ := data["tool_name"].(string)
	if toolName == "" {
		return res, nil // no tool invocation requested, nothing to sandbox
	}

	if !s.allowedTools[toolName] {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Stage: s.Name(), Kind: "tool_not_allowlisted", Severity: SeverityCritical,
			Detail: "tool " + toolName + " is not in the sandbox allowlist",
		})
		return res, nil
	}

	params, _ := data["params"].(map[string]any)
	if schema, ok := s.schemas[toolName]; ok && schema != nil {
		if err := schema.Validate(params); err != nil {
			res.Allowed = false
			res.Violations = append(res.Violations, Violation{
				Stage: s.Name(), Kind: "invalid_tool_params", Severity: SeverityHigh,
				Detail: err.Error(),
			})
			return res, nil
		}
	}

	timeout := s.profile.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := s.run(execCtx, toolName); err != nil {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Stage: s.Name(), Kind: "sandbox_execution_failed", Severity: SeverityHigh,
			Detail: err.Error(),
		})
	}

	return res, nil
}

// run instantiates the tool's compiled module in its own module instance
// (no shared state across calls) and lets it run to completion or timeout.
func (s *Sandbox) run(ctx context.Context, toolName string) ([]byte, error) {
	wasmBytes, ok := s.modules[toolName]
	if !ok || len(wasmBytes) == 0 {
		return nil, fmt.Errorf("no compiled module registered for tool %q", toolName)
	}

	compiled, err := s.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}

	moduleCfg := wazero.NewModuleConfig().WithStartFunctions("_start")
	mod, err := s.runtime.InstantiateModule(ctx, compiled, moduleCfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	defer mod.Close(ctx)

	return nil, nil
}

// Close tears down the underlying wazero runtime.
func (s *Sandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}
