package adminapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"toolgate/internal/invoke"
	"toolgate/internal/lifecycle"
	"toolgate/internal/registry"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"tool_count":     s.opts.Directory.Len(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"tool_count":     s.opts.Directory.Len(),
		"tools_by_kind":  s.opts.Directory.CountByKind(),
		"dispatch_stats": s.opts.Dispatcher.Stats(),
	}
	if s.opts.PoolStates != nil {
		status["connectors"] = s.opts.PoolStates()
	}
	if s.opts.Fanout != nil {
		status["event_subscribers"] = s.opts.Fanout.SubscriberCount()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleListTools(c *gin.Context) {
	var filter registry.Filter
	if kind := c.Query("kind"); kind != "" {
		k, err := registry.KindFromString(kind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Kind = registry.MustKind(k)
	}
	switch c.Query("enabled") {
	case "true":
		filter.Enabled = registry.MustBool(true)
	case "false":
		filter.Enabled = registry.MustBool(false)
	}
	if tag := c.Query("tag"); tag != "" {
		filter.Tags = []string{tag}
	}

	descs := s.opts.Directory.Enumerate(filter)
	tools := make([]registry.WireDescriptor, 0, len(descs))
	for _, d := range descs {
		tools = append(tools, d.ToWire())
	}
	c.JSON(http.StatusOK, gin.H{"tools": tools, "total_count": len(tools)})
}

func (s *Server) handleGetTool(c *gin.Context) {
	id := c.Param("id")
	desc, ok := s.opts.Directory.Lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "tool not found: " + id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tool": desc.ToWire()})
}

func (s *Server) handleRegisterTool(c *gin.Context) {
	var wire registry.WireDescriptor
	if err := c.ShouldBindJSON(&wire); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	desc, err := registry.FromWire(wire)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := s.opts.Registrar.RegisterTool(desc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"tool_id": desc.RegistryID,
		"status":  status.String(),
	})
}

func (s *Server) handleUnregisterTool(c *gin.Context) {
	id := c.Param("id")
	if !s.opts.Registrar.UnregisterTool(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "tool not found: " + id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tool_id": id})
}

func (s *Server) handleSetEnabled(c *gin.Context) {
	id := c.Param("id")
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry enabled: true|false"})
		return
	}
	if !s.opts.Registrar.SetToolEnabled(id, *body.Enabled) {
		c.JSON(http.StatusNotFound, gin.H{"error": "tool not found: " + id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tool_id": id, "enabled": *body.Enabled})
}

// mcpRegisterRequest covers both flavors: adopting a pre-running server
// (endpoint set) and spawning one under gateway management (command set).
type mcpRegisterRequest struct {
	ToolID       string                `json:"tool_id" binding:"required"`
	Name         string                `json:"name"`
	Description  string                `json:"description"`
	Endpoint     string                `json:"endpoint"`
	Command      string                `json:"command"`
	Args         []string              `json:"args"`
	Env          map[string]string     `json:"env"`
	Port         int                   `json:"port"`
	Capabilities []registry.Capability `json:"capabilities"`
	Tags         []string              `json:"tags"`
}

func (s *Server) handleRegisterMCP(c *gin.Context) {
	var req mcpRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}

	switch {
	case req.Command != "":
		desc, err := s.opts.Installer.InstallProvider(c.Request.Context(), lifecycle.InstallRequest{
			RegistryID:   req.ToolID,
			DisplayName:  req.Name,
			Description:  req.Description,
			Command:      req.Command,
			Args:         req.Args,
			Env:          req.Env,
			Port:         req.Port,
			Capabilities: req.Capabilities,
			Tags:         req.Tags,
		})
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "tool": desc.ToWire()})

	case req.Endpoint != "":
		desc := registry.Descriptor{
			RegistryID:   req.ToolID,
			DisplayName:  req.Name,
			Description:  req.Description,
			Kind:         registry.KindRemoteServer,
			Endpoint:     req.Endpoint,
			Enabled:      true,
			Capabilities: req.Capabilities,
			Tags:         req.Tags,
		}
		if err := s.opts.Installer.AdoptExternal(c.Request.Context(), desc); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "tool": desc.ToWire()})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "either endpoint or command is required"})
	}
}

func (s *Server) handleRemoveMCP(c *gin.Context) {
	id := c.Param("id")
	if !s.opts.Installer.RemoveProvider(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found: " + id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tool_id": id})
}

type executeRequest struct {
	ToolID     string         `json:"tool_id" binding:"required"`
	Action     string         `json:"action" binding:"required"`
	Parameters map[string]any `json:"parameters"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	res := s.opts.Dispatcher.Dispatch(c.Request.Context(), invoke.Invocation{
		ToolID:     req.ToolID,
		Action:     req.Action,
		Parameters: req.Parameters,
	})
	c.JSON(statusFor(res), resultBody(res))
}

func (s *Server) handleExecuteBatch(c *gin.Context) {
	var body struct {
		Invocations []executeRequest `json:"invocations" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	invs := make([]invoke.Invocation, len(body.Invocations))
	for i, r := range body.Invocations {
		invs[i] = invoke.Invocation{ToolID: r.ToolID, Action: r.Action, Parameters: r.Parameters}
	}
	results := s.opts.Dispatcher.DispatchBatch(c.Request.Context(), invs)
	out := make([]gin.H, len(results))
	for i, res := range results {
		out[i] = resultBody(res)
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func resultBody(res invoke.Result) gin.H {
	body := gin.H{
		"success":    res.Success,
		"elapsed_ms": float64(res.Elapsed.Microseconds()) / 1000.0,
	}
	if res.Data != nil {
		body["data"] = res.Data
	}
	if !res.Success {
		body["error_type"] = string(res.ErrorKind)
		body["error_message"] = res.ErrorMessage
	}
	return body
}

// statusFor maps the error taxonomy onto HTTP. Only this outermost layer
// translates; everything below speaks invoke.Result.
func statusFor(res invoke.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.ErrorKind {
	case invoke.ErrToolNotFound:
		return http.StatusNotFound
	case invoke.ErrActionNotSupported, invoke.ErrInvalidArgument:
		return http.StatusBadRequest
	case invoke.ErrDisabled:
		return http.StatusForbidden
	case invoke.ErrTimeout:
		return http.StatusGatewayTimeout
	case invoke.ErrProviderUnavailable, invoke.ErrProviderError:
		return http.StatusBadGateway
	case invoke.ErrRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
