package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/models"
	"github.com/bromic007/llamafarm-sub004/internal/project"
	"github.com/bromic007/llamafarm-sub004/internal/rag"
	"github.com/bromic007/llamafarm-sub004/internal/template"
	"github.com/bromic007/llamafarm-sub004/internal/voice"
)

// dispatchStreamRoutes matches the two websocket paths that live outside
// the /v1/projects tree: /v1/{ns}/{project}/voice/chat and
// /v1/{ns}/{project}/vision/stream.
func (s *Server) dispatchStreamRoutes(c *gin.Context) {
	segs := strings.Split(strings.Trim(c.Request.URL.Path, "/"), "/")
	if len(segs) == 5 && segs[0] == "v1" && c.Request.Method == http.MethodGet {
		switch segs[3] + "/" + segs[4] {
		case "voice/chat":
			s.handleVoiceChat(c, segs[1], segs[2])
			return
		case "vision/stream":
			s.handleVisionStream(c, segs[1], segs[2])
			return
		}
	}
	c.JSON(http.StatusNotFound, errorBody(http.StatusNotFound, "route not found"))
}

func (s *Server) handleVoiceChat(c *gin.Context, namespace, projectName string) {
	if s.deps.Voice == nil {
		s.respondError(c, errors.UnavailableError("voice service not configured"))
		return
	}
	cfg, err := s.deps.Projects.Get(namespace, projectName)
	if err != nil {
		s.respondError(c, err)
		return
	}

	opts, err := s.voiceOptions(c, cfg, namespace, projectName)
	if err != nil {
		s.respondError(c, err)
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote its own response.
		s.logger.Warn("voice upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	if err := s.deps.Voice.Serve(c.Request.Context(), ws, opts); err != nil {
		s.logger.Warn("voice session ended: %v", err)
	}
}

// voiceOptions assembles a turn configuration from query parameters: model
// selection, synthesis voice/format, endpointing window and the optional
// retrieval hook.
func (s *Server) voiceOptions(c *gin.Context, cfg *project.Config, namespace, projectName string) (voice.TurnOptions, error) {
	speechEntry, err := entryForFamily(cfg, c.Query("model"), models.FamilySpeech)
	if err != nil {
		return voice.TurnOptions{}, err
	}
	speechSpec, err := speechEntry.Spec()
	if err != nil {
		return voice.TurnOptions{}, err
	}

	langEntry, err := resolveModelEntry(cfg, c.Query("chat_model"))
	if err != nil {
		return voice.TurnOptions{}, err
	}
	langSpec, err := langEntry.Spec()
	if err != nil {
		return voice.TurnOptions{}, err
	}
	if langSpec.Family != models.FamilyLanguage {
		return voice.TurnOptions{}, errors.InvalidArgumentf("chat model %q is family %s, not language", langEntry.Name, langSpec.Family)
	}

	opts := voice.TurnOptions{
		SpeechSpec:   speechSpec,
		LanguageSpec: langSpec,
		Voice:        c.Query("voice"),
		Format:       c.DefaultQuery("format", "wav"),
	}
	if raw := c.Query("max_tokens"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			opts.MaxTokens = n
		}
	}
	if raw := c.Query("temperature"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f > 0 {
			opts.Temperature = f
		}
	}
	if raw := c.Query("silence_ms"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			opts.SilenceWindow = time.Duration(n) * time.Millisecond
		}
	}

	if name := c.Query("prompt_set"); name != "" {
		ps, err := cfg.PromptSetByName(name)
		if err != nil {
			return voice.TurnOptions{}, err
		}
		var parts []string
		for _, pm := range ps.Messages {
			if pm.Role != "system" {
				continue
			}
			content, err := template.Resolve(pm.Content, nil)
			if err != nil {
				return voice.TurnOptions{}, err
			}
			parts = append(parts, content)
		}
		opts.SystemPrompt = strings.Join(parts, "\n")
	}

	if database := c.Query("database"); database != "" && s.deps.Retriever != nil {
		topK := 0
		if raw := c.Query("rag_top_k"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				topK = n
			}
		}
		opts.RetrieveContext = s.voiceRetriever(namespace, projectName, database, topK)
	}
	return opts, nil
}

func (s *Server) voiceRetriever(namespace, projectName, database string, topK int) voice.ContextFunc {
	return func(ctx context.Context, query string) (string, error) {
		embedding, retrieval, err := s.deps.Projects.QueryStrategies(namespace, projectName, database, "")
		if err != nil {
			return "", err
		}
		chunks, err := s.deps.Retriever.Query(ctx, rag.QueryRequest{
			Namespace: namespace,
			Project:   projectName,
			Database:  database,
			Query:     query,
			Embedding: embedding,
			Retrieval: retrieval,
			TopK:      topK,
		})
		if err != nil {
			return "", err
		}
		return rag.FormatContext(chunks), nil
	}
}

func (s *Server) handleVisionStream(c *gin.Context, namespace, projectName string) {
	if s.deps.Vision == nil {
		s.respondError(c, errors.UnavailableError("vision service not configured"))
		return
	}
	cfg, err := s.deps.Projects.Get(namespace, projectName)
	if err != nil {
		s.respondError(c, err)
		return
	}

	resolve := func(name string) (models.Spec, error) {
		entry, err := entryForFamily(cfg, name, models.FamilyVision)
		if err != nil {
			return models.Spec{}, err
		}
		return entry.Spec()
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("vision upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if err := s.deps.Vision.Serve(c.Request.Context(), conn, resolve); err != nil {
		s.logger.Warn("vision session ended: %v", err)
	}
}

// entryForFamily resolves a named entry, or the project's first entry of
// the family when the name is empty.
func entryForFamily(cfg *project.Config, name string, family models.Family) (project.ModelEntry, error) {
	if name != "" {
		entry, err := cfg.ModelByName(name)
		if err != nil {
			return project.ModelEntry{}, err
		}
		got, err := entry.EffectiveFamily()
		if err != nil {
			return project.ModelEntry{}, err
		}
		if got != family {
			return project.ModelEntry{}, errors.InvalidArgumentf("model %q is family %s, not %s", name, got, family)
		}
		return entry, nil
	}
	for _, entry := range cfg.Runtime.Models {
		if got, err := entry.EffectiveFamily(); err == nil && got == family {
			return entry, nil
		}
	}
	return project.ModelEntry{}, errors.NotFoundf("project has no %s model", family)
}
