// Package history compacts long conversations so the next turn still fits
// the model's context window. Older messages are folded into an LLM-written
// summary; system prompts and the most recent exchanges survive verbatim.
package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/bromic007/llamafarm-sub004/internal/logging"
	"github.com/bromic007/llamafarm-sub004/internal/models"
	"github.com/bromic007/llamafarm-sub004/internal/token"
)

const (
	// SummaryPrefix marks the synthetic system message carrying the summary.
	SummaryPrefix = "[Conversation Summary]\n"

	defaultKeepRecent     = 2
	defaultThreshold      = 0.8
	defaultContextWindow  = 8192
	summaryMaxTokens      = 512
	perMessageTokenFudge  = 4
	summarizerTemperature = 0.3
)

const summarizerSystemPrompt = "You summarize conversations. Produce a concise third-person summary of the " +
	"transcript you are given: the user's goals, key facts established, and any decisions or unresolved points. " +
	"Reply with the summary only."

// LanguageSource yields the summarization model, shared through the model
// cache so concurrent compactions reuse one instance.
type LanguageSource interface {
	Language(ctx context.Context, spec models.Spec) (models.LanguageModel, error)
}

// Summarizer folds older history into a summary message.
type Summarizer struct {
	source     LanguageSource
	logger     logging.Logger
	keepRecent int
	threshold  float64
}

// Option configures a Summarizer.
type Option func(*Summarizer)

// WithKeepRecent sets how many recent exchanges (user+assistant pairs) are
// kept verbatim. Zero keeps nothing: everything non-system is summarized.
func WithKeepRecent(pairs int) Option {
	return func(s *Summarizer) {
		if pairs >= 0 {
			s.keepRecent = pairs
		}
	}
}

// WithThreshold sets the fraction of the context window that triggers
// compaction.
func WithThreshold(ratio float64) Option {
	return func(s *Summarizer) {
		if ratio > 0 && ratio <= 1 {
			s.threshold = ratio
		}
	}
}

// NewSummarizer creates a summarizer over the given model source.
func NewSummarizer(source LanguageSource, logger logging.Logger, opts ...Option) *Summarizer {
	s := &Summarizer{
		source:     source,
		logger:     logging.OrNop(logger),
		keepRecent: defaultKeepRecent,
		threshold:  defaultThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EstimateTokens approximates the prompt cost of a message slice.
func EstimateTokens(msgs []models.ChatMessage) int {
	total := 0
	for _, msg := range msgs {
		total += token.Count(msg.Content) + perMessageTokenFudge
	}
	return total
}

// NeedsCompaction reports whether history plus the next user message crowds
// the context window. contextWindow <= 0 assumes the default window.
func (s *Summarizer) NeedsCompaction(history []models.ChatMessage, next string, contextWindow int) bool {
	if contextWindow <= 0 {
		contextWindow = defaultContextWindow
	}
	used := EstimateTokens(history) + token.Count(next) + perMessageTokenFudge
	return float64(used) > float64(contextWindow)*s.threshold
}

// Compact summarizes older messages and returns the rewritten history. The
// boolean reports whether anything changed; on any summarization failure the
// original slice comes back untouched.
func (s *Summarizer) Compact(ctx context.Context, spec models.Spec, history []models.ChatMessage) ([]models.ChatMessage, bool) {
	system, rest := partitionSystem(history)
	toSummarize, toKeep := splitRecent(rest, s.keepRecent)
	if len(toSummarize) < 1 {
		return history, false
	}

	summary, err := s.summarize(ctx, spec, toSummarize)
	if err != nil {
		s.logger.Warn("history compaction skipped: %v", err)
		return history, false
	}

	out := make([]models.ChatMessage, 0, len(system)+1+len(toKeep))
	out = append(out, system...)
	out = append(out, models.ChatMessage{Role: "system", Content: SummaryPrefix + summary})
	out = append(out, toKeep...)
	return out, true
}

// AutoCompact compacts only when the window is crowded.
func (s *Summarizer) AutoCompact(ctx context.Context, spec models.Spec, history []models.ChatMessage, next string) ([]models.ChatMessage, bool) {
	window := defaultContextWindow
	if spec.ContextWindow != nil {
		window = *spec.ContextWindow
	}
	if !s.NeedsCompaction(history, next, window) {
		return history, false
	}
	return s.Compact(ctx, spec, history)
}

// partitionSystem splits system messages from the conversational rest,
// preserving order within each group.
func partitionSystem(msgs []models.ChatMessage) (system, rest []models.ChatMessage) {
	for _, msg := range msgs {
		if msg.Role == "system" {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}
	return system, rest
}

// splitRecent divides rest into the slice to summarize and the trailing
// keepRecent exchanges to keep verbatim. keepRecent == 0 is its own branch:
// everything is summarized and nothing kept, which naive slice arithmetic
// gets backwards.
func splitRecent(rest []models.ChatMessage, keepRecent int) (toSummarize, toKeep []models.ChatMessage) {
	if keepRecent == 0 {
		return rest, nil
	}
	boundary := len(rest) - keepRecent*2
	if boundary < 1 {
		return nil, rest
	}
	return rest[:boundary], rest[boundary:]
}

func (s *Summarizer) summarize(ctx context.Context, spec models.Spec, msgs []models.ChatMessage) (string, error) {
	model, err := s.source.Language(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("summarizer model: %w", err)
	}

	result, err := model.Generate(ctx, models.GenerateRequest{
		Messages: []models.ChatMessage{
			{Role: "system", Content: summarizerSystemPrompt},
			{Role: "user", Content: formatTranscript(msgs)},
		},
		MaxTokens:   summaryMaxTokens,
		Temperature: summarizerTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("summarize history: %w", err)
	}
	summary := strings.TrimSpace(result.Content)
	if summary == "" {
		return "", fmt.Errorf("summarizer returned empty content")
	}
	return summary, nil
}

// formatTranscript renders messages as "role: content" lines for the
// summarization prompt. Tool invocations are named so the summary can
// mention what was looked up.
func formatTranscript(msgs []models.ChatMessage) string {
	var b strings.Builder
	for _, msg := range msgs {
		content := strings.TrimSpace(msg.Content)
		if content == "" && len(msg.ToolCalls) == 0 {
			continue
		}
		b.WriteString(msg.Role)
		b.WriteString(": ")
		if content != "" {
			b.WriteString(content)
		}
		for _, call := range msg.ToolCalls {
			if content != "" || call.Function.Name != "" {
				b.WriteString(fmt.Sprintf(" [called %s]", call.Function.Name))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
