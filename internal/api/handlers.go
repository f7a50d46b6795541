package api

import (
	"encoding/base64"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fcsandbox/fcsandbox/pkg/types"
)

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, s.manager.Health())
}

func (s *Server) createSandbox(c echo.Context) error {
	var cfg types.SandboxConfig
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	sb, err := s.manager.Create(c.Request().Context(), cfg)
	if err != nil {
		return fail(c, err)
	}

	if s.jwtIssuer != nil {
		if token, err := s.jwtIssuer.IssueSandboxToken(sb.ID, sandboxTokenTTL); err == nil {
			sb.Token = token
		}
	}
	return c.JSON(http.StatusCreated, sb)
}

func (s *Server) listSandboxes(c echo.Context) error {
	list, err := s.manager.List(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) getSandbox(c echo.Context) error {
	sb, err := s.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, sb)
}

// destroySandbox is idempotent: destroying an unknown sandbox is a success.
func (s *Server) destroySandbox(c echo.Context) error {
	if err := s.manager.Destroy(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "destroyed"})
}

func (s *Server) exec(c echo.Context) error {
	var cfg types.ProcessConfig
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}
	if cfg.Command == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "command is required"})
	}

	result, err := s.manager.Exec(c.Request().Context(), c.Param("id"), cfg)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) writeFile(c echo.Context) error {
	var req types.WriteFileRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}
	if req.Path == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "path is required"})
	}

	if err := s.manager.WriteFile(c.Request().Context(), c.Param("id"), req); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "written"})
}

// readFile returns the file content base64-encoded, matching the wire
// convention of the guest protocol.
func (s *Server) readFile(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "path query parameter is required"})
	}

	data, err := s.manager.ReadFile(c.Request().Context(), c.Param("id"), path)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"path":    path,
		"content": base64.StdEncoding.EncodeToString(data),
	})
}

func (s *Server) listFiles(c echo.Context) error {
	entries, err := s.manager.ListFiles(c.Request().Context(), c.Param("id"), c.QueryParam("path"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) makeDir(c echo.Context) error {
	var req struct {
		Path    string `json:"path"`
		Parents bool   `json:"parents"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}
	if req.Path == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "path is required"})
	}

	if err := s.manager.MakeDir(c.Request().Context(), c.Param("id"), req.Path, req.Parents); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "created"})
}

func (s *Server) removeFile(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "path query parameter is required"})
	}
	recursive := c.QueryParam("recursive") == "true"

	if err := s.manager.Remove(c.Request().Context(), c.Param("id"), path, recursive); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) statFile(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "path query parameter is required"})
	}

	info, err := s.manager.Stat(c.Request().Context(), c.Param("id"), path)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) pauseSandbox(c echo.Context) error {
	if err := s.manager.Pause(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resumeSandbox(c echo.Context) error {
	if err := s.manager.Resume(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "resumed"})
}
