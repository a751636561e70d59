// CLAUDE:SUMMARY Registers quiesce MCP tools — decision queries, force save, capture reads, calibration, status.
package quiesce

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/quiesce/capture"
	"github.com/hazyhaar/quiesce/internal/calibration"
	"github.com/hazyhaar/quiesce/internal/kit"
)

// RegisterMCP registers quiesce tools on an MCP server.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	e.registerDecisionTool(srv)
	e.registerForceSaveTool(srv)
	e.registerListCapturesTool(srv)
	e.registerGetCaptureTool(srv)
	e.registerGetCalibrationTool(srv)
	e.registerSetCalibrationTool(srv)
	e.registerStatsTool(srv)
}

// --- decision ---

type decisionRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	AttemptID      string `json:"attempt_id,omitempty"`
}

func (e *Engine) registerDecisionTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "quiesce_decision",
		Description: "Ask whether a conversation or attempt is ready to capture. Returns the current phase, stabilization state, readiness, and content hash.",
		InputSchema: kit.InputSchema(map[string]any{
			"conversation_id": map[string]any{"type": "string", "description": "Platform conversation ID"},
			"attempt_id":      map[string]any{"type": "string", "description": "Attempt ID (overrides conversation_id)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*decisionRequest)
		switch {
		case r.AttemptID != "":
			dec, ok := e.AttemptDecision(r.AttemptID)
			if !ok {
				return nil, errors.New("attempt unknown")
			}
			return dec, nil
		case r.ConversationID != "":
			dec, ok := e.ResolveByConversation(r.ConversationID)
			if !ok {
				return nil, errors.New("conversation unknown")
			}
			return dec, nil
		default:
			return nil, errors.New("conversation_id or attempt_id required")
		}
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r decisionRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- force_save ---

type forceSaveRequest struct {
	AttemptID string `json:"attempt_id"`
}

func (e *Engine) registerForceSaveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "quiesce_force_save",
		Description: "Capture a degraded snapshot of an attempt whose confirmation timed out. Only valid while the attempt offers force_save_available.",
		InputSchema: kit.InputSchema(map[string]any{
			"attempt_id": map[string]any{"type": "string", "description": "Attempt to save"},
		}, []string{"attempt_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*forceSaveRequest)
		return e.ForceSave(ctx, r.AttemptID)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r forceSaveRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- list_captures ---

type listCapturesRequest struct {
	Limit int `json:"limit,omitempty"`
}

func (e *Engine) registerListCapturesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "quiesce_list_captures",
		Description: "List archived conversation captures, newest first.",
		InputSchema: kit.InputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max results (default 20)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*listCapturesRequest)
		limit := r.Limit
		if limit <= 0 {
			limit = 20
		}
		return e.Captures(ctx, limit)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r listCapturesRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- get_capture ---

type getCaptureRequest struct {
	AttemptID      string `json:"attempt_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (e *Engine) registerGetCaptureTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "quiesce_get_capture",
		Description: "Fetch one archived capture with its full conversation payload, by attempt ID or by conversation ID (newest).",
		InputSchema: kit.InputSchema(map[string]any{
			"attempt_id":      map[string]any{"type": "string", "description": "Attempt ID of the capture"},
			"conversation_id": map[string]any{"type": "string", "description": "Conversation ID; returns its newest capture"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*getCaptureRequest)
		switch {
		case r.AttemptID != "":
			res, err := e.Capture(ctx, r.AttemptID)
			if err != nil {
				return nil, err
			}
			if res == nil {
				return nil, errors.New("capture unknown")
			}
			return res, nil
		case r.ConversationID != "":
			res, err := e.LatestCapture(ctx, r.ConversationID)
			if err != nil {
				return nil, err
			}
			if res == nil {
				return nil, errors.New("no capture for conversation")
			}
			return res, nil
		default:
			return nil, errors.New("attempt_id or conversation_id required")
		}
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r getCaptureRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- get_calibration ---

type getCalibrationRequest struct {
	Platform string `json:"platform"`
}

func (e *Engine) registerGetCalibrationTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "quiesce_get_calibration",
		Description: "Read the effective calibration profile for a platform.",
		InputSchema: kit.InputSchema(map[string]any{
			"platform": map[string]any{"type": "string", "description": "Platform name (chatgpt, claude, gemini, ...)"},
		}, []string{"platform"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*getCalibrationRequest)
		return e.Profile(ctx, r.Platform), nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r getCalibrationRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- set_calibration ---

type setCalibrationRequest struct {
	Platform               string   `json:"platform"`
	Strategy               string   `json:"strategy,omitempty"`
	DisabledSources        []string `json:"disabled_sources,omitempty"`
	PassiveWaitMs          int      `json:"passive_wait_ms,omitempty"`
	DOMQuietWindowMs       int      `json:"dom_quiet_window_ms,omitempty"`
	MaxStabilizationWaitMs int      `json:"max_stabilization_wait_ms,omitempty"`
	RetryIntervalMs        int      `json:"retry_interval_ms,omitempty"`
	MaxAttempts            int      `json:"max_attempts,omitempty"`
	HardTimeoutMs          int      `json:"hard_timeout_ms,omitempty"`
}

func (e *Engine) registerSetCalibrationTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "quiesce_set_calibration",
		Description: "Adjust a platform's calibration. Unset fields keep their current values; out-of-range values are clamped.",
		InputSchema: kit.InputSchema(map[string]any{
			"platform":                  map[string]any{"type": "string", "description": "Platform name"},
			"strategy":                  map[string]any{"type": "string", "enum": []any{"aggressive", "balanced", "conservative", "snapshot"}, "description": "Probing strategy"},
			"disabled_sources":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Signal sources to ignore"},
			"passive_wait_ms":           map[string]any{"type": "integer", "description": "Wait after a completion hint before the first probe"},
			"dom_quiet_window_ms":       map[string]any{"type": "integer", "description": "Required quiet window between DOM reads"},
			"max_stabilization_wait_ms": map[string]any{"type": "integer", "description": "Ceiling for one stabilization run"},
			"retry_interval_ms":         map[string]any{"type": "integer", "description": "Delay before the confirming second probe"},
			"max_attempts":              map[string]any{"type": "integer", "description": "Probe retry ceiling"},
			"hard_timeout_ms":           map[string]any{"type": "integer", "description": "Hard stabilization timeout"},
		}, []string{"platform"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*setCalibrationRequest)
		p := e.Profile(ctx, r.Platform)
		if r.Strategy != "" {
			if !calibration.KnownStrategy(calibration.Strategy(r.Strategy)) {
				return nil, errors.New("unknown strategy " + r.Strategy)
			}
			p.Strategy = calibration.Strategy(r.Strategy)
		}
		if r.DisabledSources != nil {
			p.DisabledSources = p.DisabledSources[:0]
			for _, s := range r.DisabledSources {
				p.DisabledSources = append(p.DisabledSources, capture.Source(s))
			}
		}
		if r.PassiveWaitMs > 0 {
			p.Timings.PassiveWaitMs = r.PassiveWaitMs
		}
		if r.DOMQuietWindowMs > 0 {
			p.Timings.DOMQuietWindowMs = r.DOMQuietWindowMs
		}
		if r.MaxStabilizationWaitMs > 0 {
			p.Timings.MaxStabilizationWaitMs = r.MaxStabilizationWaitMs
		}
		if r.RetryIntervalMs > 0 {
			p.Timings.RetryIntervalMs = r.RetryIntervalMs
		}
		if r.MaxAttempts > 0 {
			p.Retry.MaxAttempts = r.MaxAttempts
		}
		if r.HardTimeoutMs > 0 {
			p.Retry.HardTimeoutMs = r.HardTimeoutMs
		}
		p.LastModifiedBy = "mcp:" + kit.SessionID(ctx)
		if err := e.SaveProfile(ctx, p); err != nil {
			return nil, err
		}
		return p, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r setCalibrationRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.Platform == "" {
			return nil, errors.New("platform required")
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- stats ---

type statsRequest struct{}

func (e *Engine) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "quiesce_stats",
		Description: "Engine counters: tracked attempts, fused signals, stabilization outcomes, bus traffic, leases, archived captures.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return e.Stats(ctx), nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &statsRequest{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
