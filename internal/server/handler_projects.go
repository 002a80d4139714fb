package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/project"
)

func (s *Server) handleListProjects(c *gin.Context) {
	namespace := c.Param("namespace")
	summaries, err := s.deps.Projects.List(namespace)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"namespace": namespace,
		"projects":  summaries,
		"total":     len(summaries),
	})
}

func (s *Server) handleCreateProject(c *gin.Context) {
	namespace := c.Param("namespace")
	var cfg project.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		s.respondError(c, errors.InvalidArgumentf("parse project body: %v", err))
		return
	}
	cfg.Namespace = namespace
	created, err := s.deps.Projects.Create(namespace, &cfg)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetProject(c *gin.Context) {
	cfg, err := s.deps.Projects.Get(c.Param("namespace"), c.Param("project"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleUpdateProject(c *gin.Context) {
	namespace := c.Param("namespace")
	name := c.Param("project")
	var cfg project.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		s.respondError(c, errors.InvalidArgumentf("parse project body: %v", err))
		return
	}
	cfg.Namespace = namespace
	cfg.Name = name
	updated, err := s.deps.Projects.Update(namespace, name, &cfg)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	namespace := c.Param("namespace")
	name := c.Param("project")
	if err := s.deps.Projects.Delete(namespace, name); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": name, "namespace": namespace})
}
