package api

import (
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/devpanel/db"
	"github.com/xiaoyuanzhu-com/devpanel/log"
	"github.com/xiaoyuanzhu-com/devpanel/terminal"
)

// LinkTaskWorkspaceRequest is the body of PUT /api/task-workspaces
type LinkTaskWorkspaceRequest struct {
	Path              string  `json:"path" binding:"required"`
	TaskID            string  `json:"taskId" binding:"required"`
	TerminalSessionID *string `json:"terminalSessionId"`
}

// ListTaskWorkspaces handles GET /api/task-workspaces
func (h *Handlers) ListTaskWorkspaces(c *gin.Context) {
	workspaces, err := h.server.DB().ListWorkspaces()
	if err != nil {
		log.Error().Err(err).Msg("failed to list task workspaces")
		RespondInternalError(c, "Failed to list task workspaces")
		return
	}
	RespondList(c, workspaces)
}

// LinkTaskWorkspace handles PUT /api/task-workspaces. The path must be a
// direct child of the workspace root, since that is the directory the orphan
// sweep checks.
func (h *Handlers) LinkTaskWorkspace(c *gin.Context) {
	var req LinkTaskWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	path, ok := h.workspacePath(req.Path)
	if !ok {
		RespondBadRequest(c, "Path must be a directory directly under the workspace root")
		return
	}

	if req.TerminalSessionID != nil {
		rec, err := h.server.Manager().Get(*req.TerminalSessionID)
		if err != nil {
			RespondBadRequest(c, "Unknown terminal session")
			return
		}
		if rec.TabOwned() {
			RespondConflict(c, "Tab-owned sessions cannot be linked to a task workspace")
			return
		}
	}

	w := &db.TaskWorkspace{
		Path:              path,
		TaskID:            strings.TrimSpace(req.TaskID),
		TerminalSessionID: req.TerminalSessionID,
	}
	if err := h.server.DB().LinkWorkspace(w); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to link task workspace")
		RespondInternalError(c, "Failed to link task workspace")
		return
	}

	log.Info().Str("path", path).Str("taskId", w.TaskID).Msg("task workspace linked")
	RespondData(c, w)
}

// UnlinkTaskWorkspace handles DELETE /api/task-workspaces?path=...
// Sessions left inside the directory are swept on the next pass, which is
// triggered right away.
func (h *Handlers) UnlinkTaskWorkspace(c *gin.Context) {
	path, ok := h.workspacePath(c.Query("path"))
	if !ok {
		RespondBadRequest(c, "Path must be a directory directly under the workspace root")
		return
	}

	if err := h.server.DB().UnlinkWorkspace(path); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to unlink task workspace")
		RespondInternalError(c, "Failed to unlink task workspace")
		return
	}

	if sweeper := h.server.Sweeper(); sweeper != nil {
		sweeper.Trigger()
	}

	log.Info().Str("path", path).Msg("task workspace unlinked")
	RespondNoContent(c)
}

// workspacePath normalizes p and checks it names a workspace directory. With
// no workspace root configured any absolute path is accepted.
func (h *Handlers) workspacePath(p string) (string, bool) {
	if p == "" || !filepath.IsAbs(p) {
		return "", false
	}
	p = filepath.Clean(p)
	root := h.server.Config().WorkspaceRoot
	if root == "" {
		return p, true
	}
	dir, ok := terminal.WorkspaceDir(root, p)
	if !ok || dir != p {
		return "", false
	}
	return dir, true
}
