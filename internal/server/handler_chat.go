package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bromic007/llamafarm-sub004/internal/errors"
	"github.com/bromic007/llamafarm-sub004/internal/events"
	"github.com/bromic007/llamafarm-sub004/internal/models"
	"github.com/bromic007/llamafarm-sub004/internal/observability"
	"github.com/bromic007/llamafarm-sub004/internal/project"
	"github.com/bromic007/llamafarm-sub004/internal/rag"
	"github.com/bromic007/llamafarm-sub004/internal/session"
	"github.com/bromic007/llamafarm-sub004/internal/streaming"
	"github.com/bromic007/llamafarm-sub004/internal/template"
)

// chatRequest is the OpenAI-compatible completions body plus the platform
// extensions: reasoning budget, retrieval injection and prompt sets.
type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature"`
	TopP        float64              `json:"top_p"`
	Stop        []string             `json:"stop"`
	Stream      bool                 `json:"stream"`

	Think          bool `json:"think"`
	ThinkingBudget int  `json:"thinking_budget"`

	RAGEnabled        bool     `json:"rag_enabled"`
	Database          string   `json:"database"`
	RAGTopK           int      `json:"rag_top_k"`
	RAGScoreThreshold *float64 `json:"rag_score_threshold"`

	Tools      []map[string]any `json:"tools"`
	ToolChoice any              `json:"tool_choice"`

	PromptSet string         `json:"prompt_set"`
	Variables map[string]any `json:"variables"`
}

type chatResponseMessage struct {
	Role             string            `json:"role"`
	Content          string            `json:"content"`
	ReasoningContent string            `json:"reasoning_content,omitempty"`
	ToolCalls        []models.ToolCall `json:"tool_calls,omitempty"`
}

type chatChoice struct {
	Index        int                 `json:"index"`
	Message      chatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   models.Usage `json:"usage"`
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	namespace := c.Param("namespace")
	projectName := c.Param("project")

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errors.InvalidArgumentf("parse chat body: %v", err))
		return
	}
	if len(req.Messages) == 0 {
		s.respondError(c, errors.InvalidArgumentError("messages are required"))
		return
	}

	cfg, err := s.deps.Projects.Get(namespace, projectName)
	if err != nil {
		s.respondError(c, err)
		return
	}
	entry, err := resolveModelEntry(cfg, req.Model)
	if err != nil {
		s.respondError(c, err)
		return
	}
	spec, err := entry.Spec()
	if err != nil {
		s.respondError(c, err)
		return
	}
	if spec.Family != models.FamilyLanguage {
		s.respondError(c, errors.InvalidArgumentf("model %q is family %s, not language", entry.Name, spec.Family))
		return
	}

	sess, err := s.deps.Sessions.GetOrCreate(namespace, projectName, sessionID(c), func(se *session.Session) {
		se.SetModel(entry.Name)
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	// One turn per session at a time; a second request on the same session
	// waits here instead of interleaving history writes.
	sess.LockTurn()
	defer sess.UnlockTurn()

	recorder := s.deps.Events.Begin("chat_completion", requestID(c), namespace, projectName, cfg.Hash())

	msgs, err := s.assembleMessages(c.Request.Context(), cfg, sess, req, recorder)
	if err != nil {
		recorder.Fail(err)
		s.respondError(c, err)
		return
	}

	genReq := models.GenerateRequest{
		Messages:       msgs,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		Stop:           req.Stop,
		Tools:          req.Tools,
		ToolChoice:     req.ToolChoice,
		Think:          req.Think,
		ThinkingBudget: req.ThinkingBudget,
	}

	ctx, span := s.deps.Tracing.StartSpan(c.Request.Context(), observability.SpanGeneration,
		attribute.String(observability.AttrNamespace, namespace),
		attribute.String(observability.AttrProject, projectName),
		attribute.String(observability.AttrModel, entry.Name),
	)
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	lm, err := s.deps.Manager.Language(ctx, spec)
	if err != nil {
		recorder.Fail(err)
		s.respondError(c, err)
		return
	}

	completionID := "chatcmpl-" + uuid.NewString()
	if req.Stream {
		s.streamCompletion(c, recorder, sess, lm, genReq, completionID, entry.Name, req.Messages)
		return
	}
	s.syncCompletion(c, recorder, sess, lm, genReq, completionID, entry.Name, req.Messages)
}

// assembleMessages builds the effective prompt: resolved prompt set, stored
// history (compacted when the window is crowded), the request messages, and
// the retrieval context when asked for.
func (s *Server) assembleMessages(ctx context.Context, cfg *project.Config, sess *session.Session, req chatRequest, recorder *events.Recorder) ([]models.ChatMessage, error) {
	preamble, err := resolvePreamble(cfg, req)
	if err != nil {
		return nil, err
	}

	next := lastUserContent(req.Messages)
	hist := sess.History()
	if len(hist) > 0 {
		if sumEntry, err := cfg.SummaryModel(); err == nil {
			if sumSpec, err := sumEntry.Spec(); err == nil {
				if compacted, changed := s.deps.Summarizer.AutoCompact(ctx, sumSpec, hist, next); changed {
					sess.ReplaceHistory(compacted)
					hist = compacted
					recorder.Sub("history_compacted", map[string]any{"messages": len(compacted)})
				}
			}
		}
	}

	msgs := make([]models.ChatMessage, 0, len(preamble)+len(hist)+len(req.Messages)+1)
	msgs = append(msgs, preamble...)
	msgs = append(msgs, hist...)
	msgs = append(msgs, req.Messages...)

	if req.RAGEnabled && req.Database != "" {
		text, n, err := s.retrieveChatContext(ctx, sess.Namespace(), sess.Project(), req, next)
		if err != nil {
			// Retrieval trouble degrades to a plain completion rather than
			// failing the turn.
			s.logger.Warn("chat retrieval skipped: %v", err)
			recorder.Sub("rag_context", map[string]any{"error": err.Error()})
		} else if text != "" {
			msgs = insertContext(msgs, text)
			recorder.Sub("rag_context", map[string]any{"chunks": n})
		}
	}
	return msgs, nil
}

func (s *Server) syncCompletion(c *gin.Context, recorder *events.Recorder, sess *session.Session, lm models.LanguageModel, genReq models.GenerateRequest, id, modelName string, turn []models.ChatMessage) {
	started := time.Now()
	result, err := lm.Generate(c.Request.Context(), genReq)
	if err != nil {
		recorder.Fail(err)
		s.respondError(c, err)
		return
	}
	result.ToolCalls = s.repairToolCalls(result.ToolCalls)

	assistant := models.ChatMessage{Role: "assistant", Content: result.Content, ToolCalls: result.ToolCalls}
	sess.Append(append(append([]models.ChatMessage(nil), turn...), assistant)...)
	sess.SetModel(modelName)

	recorder.Complete(map[string]any{
		"model":             modelName,
		"prompt_tokens":     result.Usage.PromptTokens,
		"completion_tokens": result.Usage.CompletionTokens,
	})
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordGeneration(c.Request.Context(), modelName, false, result.Usage, time.Since(started))
	}

	c.JSON(http.StatusOK, chatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelName,
		Choices: []chatChoice{{
			Index: 0,
			Message: chatResponseMessage{
				Role:             "assistant",
				Content:          result.Content,
				ReasoningContent: result.Thinking,
				ToolCalls:        result.ToolCalls,
			},
			FinishReason: result.FinishReason,
		}},
		Usage: result.Usage,
	})
}

func (s *Server) streamCompletion(c *gin.Context, recorder *events.Recorder, sess *session.Session, lm models.LanguageModel, genReq models.GenerateRequest, id, modelName string, turn []models.ChatMessage) {
	started := time.Now()
	deltas, err := lm.GenerateStream(c.Request.Context(), genReq)
	if err != nil {
		recorder.Fail(err)
		s.respondError(c, err)
		return
	}

	sse, err := streaming.NewSSEWriter(c.Writer)
	if err != nil {
		recorder.Fail(err)
		s.respondError(c, err)
		return
	}

	dispatcher := &streaming.Dispatcher{
		ID:           id,
		Model:        modelName,
		Logger:       s.logger,
		OnFirstToken: recorder.TimeToFirstToken,
	}
	content, err := dispatcher.Run(sse, deltas)
	if err != nil {
		// Headers are gone; the error frame already went to the client.
		recorder.Fail(err)
		return
	}

	assistant := models.ChatMessage{Role: "assistant", Content: content}
	sess.Append(append(append([]models.ChatMessage(nil), turn...), assistant)...)
	sess.SetModel(modelName)

	recorder.Complete(map[string]any{"model": modelName, "streamed": true})
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordGeneration(c.Request.Context(), modelName, true, models.Usage{}, time.Since(started))
	}
}

// resolveModelEntry picks the runtime model the request names, or the
// project default when the body leaves model empty.
func resolveModelEntry(cfg *project.Config, name string) (project.ModelEntry, error) {
	if name == "" {
		return cfg.DefaultModel()
	}
	return cfg.ModelByName(name)
}

// resolvePreamble renders the requested prompt set (or the project's first
// one) against the request variables.
func resolvePreamble(cfg *project.Config, req chatRequest) ([]models.ChatMessage, error) {
	var ps project.PromptSet
	switch {
	case req.PromptSet != "":
		var err error
		ps, err = cfg.PromptSetByName(req.PromptSet)
		if err != nil {
			return nil, err
		}
	case len(cfg.Prompts) > 0:
		ps = cfg.Prompts[0]
	default:
		return nil, nil
	}

	out := make([]models.ChatMessage, 0, len(ps.Messages))
	for _, pm := range ps.Messages {
		content, err := template.Resolve(pm.Content, req.Variables)
		if err != nil {
			return nil, err
		}
		out = append(out, models.ChatMessage{Role: pm.Role, Content: content})
	}
	return out, nil
}

func (s *Server) retrieveChatContext(ctx context.Context, namespace, projectName string, req chatRequest, query string) (string, int, error) {
	if query == "" {
		return "", 0, nil
	}
	embedding, retrieval, err := s.deps.Projects.QueryStrategies(namespace, projectName, req.Database, "")
	if err != nil {
		return "", 0, err
	}
	chunks, err := s.deps.Retriever.Query(ctx, rag.QueryRequest{
		Namespace:      namespace,
		Project:        projectName,
		Database:       req.Database,
		Query:          query,
		Embedding:      embedding,
		Retrieval:      retrieval,
		TopK:           req.RAGTopK,
		ScoreThreshold: req.RAGScoreThreshold,
	})
	if err != nil {
		return "", 0, err
	}
	return rag.FormatContext(chunks), len(chunks), nil
}

// lastUserContent returns the trailing user message, the text retrieval and
// compaction key off.
func lastUserContent(msgs []models.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

// insertContext places the retrieval context just before the trailing user
// message so it reads as setup rather than an afterthought.
func insertContext(msgs []models.ChatMessage, text string) []models.ChatMessage {
	ctxMsg := models.ChatMessage{Role: "system", Content: "Use the following context to answer:\n" + text}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			out := make([]models.ChatMessage, 0, len(msgs)+1)
			out = append(out, msgs[:i]...)
			out = append(out, ctxMsg)
			out = append(out, msgs[i:]...)
			return out
		}
	}
	return append(msgs, ctxMsg)
}

// repairToolCalls fixes almost-JSON argument payloads the way models tend
// to produce them (single quotes, trailing commas). Unfixable arguments are
// passed through untouched for the client to deal with.
func (s *Server) repairToolCalls(calls []models.ToolCall) []models.ToolCall {
	for i := range calls {
		args := calls[i].Function.Arguments
		if args == "" || json.Valid([]byte(args)) {
			continue
		}
		fixed, err := jsonrepair.JSONRepair(args)
		if err != nil {
			s.logger.Warn("tool call %s arguments unrepairable: %v", calls[i].ID, err)
			continue
		}
		if json.Valid([]byte(fixed)) {
			calls[i].Function.Arguments = fixed
		}
	}
	return calls
}
