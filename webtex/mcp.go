package webtex

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/webtex/kit"
	"github.com/hazyhaar/webtex/webtex/internal/toggle"
)

// RegisterMCP registers the webtex tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerToggleTool(srv)
	s.registerStatusTool(srv)
	s.registerRenderTool(srv)
}

func (s *Service) addTool(srv *mcp.Server, tool *mcp.Tool, ep kit.Endpoint, decode kit.MCPDecoder) {
	kit.RegisterMCPTool(srv, tool, ep, decode, kit.Logged(s.logger, tool.Name))
}

// decodeArgs unmarshals the call arguments into a new T.
func decodeArgs[T any](req *mcp.CallToolRequest) (*T, error) {
	v := new(T)
	if len(req.Params.Arguments) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(req.Params.Arguments, v); err != nil {
		return nil, err
	}
	return v, nil
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sc["required"] = required
	}
	return sc
}

type toggleToolReq struct {
	Enabled bool   `json:"enabled"`
	PageID  string `json:"page_id,omitempty"`
}

func (s *Service) registerToggleTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "webtex_toggle",
		Description: "Enable or disable math rendering, globally (persisted) or for one page.",
		InputSchema: inputSchema(map[string]any{
			"enabled": map[string]any{"type": "boolean", "description": "Render math when true, restore the raw sources when false"},
			"page_id": map[string]any{"type": "string", "description": "Limit the toggle to one page; omit to set the global flag"},
		}, []string{"enabled"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*toggleToolReq)
		var err error
		if id := kit.GetPageID(ctx); id != "" {
			err = s.Toggle(ctx, id, toggle.Message{Action: toggle.ActionToggle, Enabled: r.Enabled})
		} else {
			err = s.SetEnabled(ctx, r.Enabled)
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": "ok", "enabled": r.Enabled}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		r, err := decodeArgs[toggleToolReq](req)
		if err != nil {
			return nil, err
		}
		res := &kit.MCPDecodeResult{Request: r}
		if r.PageID != "" {
			res.EnrichCtx = func(ctx context.Context) context.Context { return kit.WithPageID(ctx, r.PageID) }
		}
		return res, nil
	}

	s.addTool(srv, tool, endpoint, decode)
}

func (s *Service) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "webtex_status",
		Description: "Report the global flag, site overrides and the state of every page.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.Status(ctx)
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	s.addTool(srv, tool, endpoint, decode)
}

type renderToolReq struct {
	HTML     string `json:"html"`
	Host     string `json:"host,omitempty"`
	Sanitize bool   `json:"sanitize,omitempty"`
}

type renderToolResp struct {
	RenderResult
	HTML string `json:"html"`
}

func (s *Service) registerRenderTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "webtex_render",
		Description: "Typeset the TeX math of an HTML document and return the rendered document.",
		InputSchema: inputSchema(map[string]any{
			"html":     map[string]any{"type": "string", "description": "HTML document or fragment"},
			"host":     map[string]any{"type": "string", "description": "Page host used for the preference lookup"},
			"sanitize": map[string]any{"type": "boolean", "description": "Return the sanitized body fragment"},
		}, []string{"html"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*renderToolReq)
		var out bytes.Buffer
		res, err := s.RenderHTML(ctx, strings.NewReader(r.HTML), &out, RenderHTMLOptions{
			Hostname: r.Host,
			Sanitize: r.Sanitize,
		})
		if err != nil {
			return nil, err
		}
		return renderToolResp{RenderResult: res, HTML: out.String()}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		r, err := decodeArgs[renderToolReq](req)
		if err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: r}, nil
	}

	s.addTool(srv, tool, endpoint, decode)
}
