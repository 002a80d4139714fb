package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/events"
)

const defaultEventLimit = 50

func (s *Server) handleListEvents(c *gin.Context) {
	namespace := c.Param("namespace")
	projectName := c.Param("project")

	q := events.ListQuery{Type: c.Query("type"), Limit: defaultEventLimit}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.respondError(c, errors.InvalidArgumentf("invalid limit %q", raw))
			return
		}
		q.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.respondError(c, errors.InvalidArgumentf("invalid offset %q", raw))
			return
		}
		q.Offset = n
	}
	if raw := c.Query("start_time"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.respondError(c, errors.InvalidArgumentf("invalid start_time %q", raw))
			return
		}
		q.StartTime = t
	}
	if raw := c.Query("end_time"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.respondError(c, errors.InvalidArgumentf("invalid end_time %q", raw))
			return
		}
		q.EndTime = t
	}

	items, total, err := s.deps.Events.List(namespace, projectName, q)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if items == nil {
		items = []*events.Event{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events": items,
		"total":  total,
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}

func (s *Server) handleGetEvent(c *gin.Context) {
	ev, err := s.deps.Events.Get(c.Param("namespace"), c.Param("project"), c.Param("event_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}
