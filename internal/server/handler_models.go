package server

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/identity"
	"github.com/bromic007/llamafarm-sub004/internal/models"
	"github.com/bromic007/llamafarm-sub004/internal/project"
)

type modelStatus struct {
	Name     string `json:"name"`
	Family   string `json:"family"`
	Model    string `json:"model"`
	CacheKey string `json:"cache_key,omitempty"`
	Loaded   bool   `json:"loaded"`
}

func (s *Server) handleListModels(c *gin.Context) {
	cfg, err := s.deps.Projects.Get(c.Param("namespace"), c.Param("project"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	cached := make(map[string]bool)
	for _, key := range s.deps.Manager.Cache().Keys() {
		cached[key] = true
	}

	statuses := make([]modelStatus, 0, len(cfg.Runtime.Models))
	for _, entry := range cfg.Runtime.Models {
		st := modelStatus{Name: entry.Name, Model: entry.Model}
		if spec, err := entry.Spec(); err == nil {
			st.Family = string(spec.Family)
			if key, err := s.deps.Manager.Key(spec); err == nil {
				st.CacheKey = key
				st.Loaded = cached[key]
			}
		}
		statuses = append(statuses, st)
	}
	c.JSON(http.StatusOK, gin.H{
		"models":  statuses,
		"default": cfg.Runtime.DefaultModel,
		"loaded":  s.deps.Manager.Cache().Len(),
	})
}

// handleLoadModel warms a runtime model into the cache. The manager owns
// the per-key load lock; this handler never takes it.
func (s *Server) handleLoadModel(c *gin.Context) {
	spec, entry, err := s.resolveSpec(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	switch spec.Family {
	case models.FamilyLanguage:
		_, err = s.deps.Manager.Language(ctx, spec)
	case models.FamilyEncoder:
		_, err = s.deps.Manager.Encoder(ctx, spec)
	case models.FamilySpeech:
		_, err = s.deps.Manager.Speech(ctx, spec)
	case models.FamilyVision:
		_, err = s.deps.Manager.Vision(ctx, spec)
	default:
		_, err = s.deps.Manager.Detector(ctx, spec)
	}
	if err != nil {
		s.respondError(c, err)
		return
	}

	key, _ := s.deps.Manager.Key(spec)
	c.JSON(http.StatusOK, gin.H{"loaded": entry.Name, "cache_key": key})
}

func (s *Server) handleUnloadModel(c *gin.Context) {
	spec, entry, err := s.resolveSpec(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.deps.Manager.Unload(c.Request.Context(), spec); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unloaded": entry.Name})
}

type fitRequest struct {
	Data     []float64          `json:"data"`
	Params   map[string]float64 `json:"params"`
	Autosave *bool              `json:"autosave"`
}

// handleFitModel fits one of the in-process statistical families on the
// posted series. Autosave defaults on: the fitted state must be on disk
// before success is reported.
func (s *Server) handleFitModel(c *gin.Context) {
	spec, entry, err := s.resolveSpec(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !spec.Family.IsStatistical() {
		s.respondError(c, errors.InvalidArgumentf("model %q is family %s; fit needs a statistical family", entry.Name, spec.Family))
		return
	}

	var req fitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errors.InvalidArgumentf("parse fit body: %v", err))
		return
	}
	if len(req.Data) == 0 {
		s.respondError(c, errors.InvalidArgumentError("data is required"))
		return
	}

	savePath, err := s.detectorStatePath(c.Param("namespace"), c.Param("project"), entry.Name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	spec.StatePath = savePath

	det, err := s.deps.Manager.Detector(c.Request.Context(), spec)
	if err != nil {
		s.respondError(c, err)
		return
	}

	autosave := true
	if req.Autosave != nil {
		autosave = *req.Autosave
	}
	err = det.Fit(c.Request.Context(), req.Data, models.FitOptions{
		Autosave: autosave,
		SavePath: savePath,
		Params:   req.Params,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": entry.Name, "status": det.Status()})
}

type predictRequest struct {
	Data []float64 `json:"data"`
}

func (s *Server) handlePredictModel(c *gin.Context) {
	spec, entry, err := s.resolveSpec(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !spec.Family.IsStatistical() {
		s.respondError(c, errors.InvalidArgumentf("model %q is family %s; predict needs a statistical family", entry.Name, spec.Family))
		return
	}

	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errors.InvalidArgumentf("parse predict body: %v", err))
		return
	}
	if len(req.Data) == 0 {
		s.respondError(c, errors.InvalidArgumentError("data is required"))
		return
	}

	statePath, err := s.detectorStatePath(c.Param("namespace"), c.Param("project"), entry.Name)
	if err != nil {
		s.respondError(c, err)
		return
	}
	spec.StatePath = statePath

	det, err := s.deps.Manager.Detector(c.Request.Context(), spec)
	if err != nil {
		s.respondError(c, err)
		return
	}
	result, err := det.Score(c.Request.Context(), req.Data)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": entry.Name, "result": result})
}

// resolveSpec maps the :model path param onto a runtime entry of the
// project.
func (s *Server) resolveSpec(c *gin.Context) (models.Spec, project.ModelEntry, error) {
	cfg, err := s.deps.Projects.Get(c.Param("namespace"), c.Param("project"))
	if err != nil {
		return models.Spec{}, project.ModelEntry{}, err
	}
	entry, err := resolveModelEntry(cfg, c.Param("model"))
	if err != nil {
		return models.Spec{}, project.ModelEntry{}, err
	}
	spec, err := entry.Spec()
	if err != nil {
		return models.Spec{}, project.ModelEntry{}, err
	}
	return spec, entry, nil
}

// detectorStatePath keeps fitted state under the project's models dir, one
// file per runtime entry, name-validated like every other external name.
func (s *Server) detectorStatePath(namespace, projectName, name string) (string, error) {
	dir, err := s.deps.Projects.Dir(namespace, projectName)
	if err != nil {
		return "", err
	}
	path, err := identity.SafeJoin(filepath.Join(dir, "models"), name+".json")
	if err != nil {
		return "", err
	}
	return path, nil
}
