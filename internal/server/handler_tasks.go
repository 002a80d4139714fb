package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bromic007/llamafarm-sub004/internal/rag"
)

// handleGetTask is a single non-blocking status read; pollers call it in a
// loop from their side of the wire. Group ids report the derived group
// state plus per-child records.
func (s *Server) handleGetTask(c *gin.Context) {
	id := c.Param("task_id")
	task, err := s.deps.Broker.Get(id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if children, err := s.deps.Broker.GroupTasks(id); err == nil {
		c.JSON(http.StatusOK, gin.H{
			"task_id":      task.ID,
			"name":         task.Name,
			"state":        task.State,
			"created_at":   task.CreatedAt,
			"completed_at": task.CompletedAt,
			"result":       task.Result,
			"error":        task.Error,
			"children":     children,
		})
		return
	}
	c.JSON(http.StatusOK, task)
}

// handleRevokeTask cancels a pending or running task. For ingest groups the
// chunks written by already-finished children are cleaned up afterwards,
// per the cancellation contract.
func (s *Server) handleRevokeTask(c *gin.Context) {
	id := c.Param("task_id")
	if err := s.deps.Broker.Revoke(id); err != nil {
		s.respondError(c, err)
		return
	}

	var removed int
	if task, err := s.deps.Broker.Get(id); err == nil && task.Name == rag.TaskIngestFile && s.deps.Ingest != nil {
		// Cleanup only applies to ingest groups; single tasks have no
		// completed siblings to unwind.
		if _, gerr := s.deps.Broker.GroupTasks(id); gerr == nil {
			n, cerr := s.deps.Ingest.CleanupCancelled(c.Request.Context(), id)
			if cerr != nil {
				s.logger.Warn("cleanup after revoke of %s: %v", id, cerr)
			} else {
				removed = n
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"task_id":        id,
		"state":          "revoked",
		"chunks_removed": removed,
	})
}
