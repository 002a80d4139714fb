package models

// ChatMessage is one turn of a chat conversation in the OpenAI wire shape.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested function invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// GenerateRequest is the input to LanguageModel.Generate and GenerateStream.
type GenerateRequest struct {
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
	TopP        float64
	Stop        []string
	Tools       []map[string]any
	ToolChoice  any

	// Think enables reasoning output; ThinkingBudget caps the number of
	// tokens emitted inside a <think> block (0 means unlimited).
	Think          bool
	ThinkingBudget int
}

// GenerateResult is the completed output of a sync generation call.
type GenerateResult struct {
	Content      string
	Thinking     string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Usage mirrors the OpenAI usage accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RankedDocument is one reranker result. Index refers to the position of
// the document in the input slice.
type RankedDocument struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Classification is a predicted label for one input text.
type Classification struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Entity is a span extracted from one input text.
type Entity struct {
	Text  string  `json:"text"`
	Label string  `json:"label"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Score float64 `json:"score"`
}

// TranscribeOptions tune a speech-to-text call.
type TranscribeOptions struct {
	Language string
	Prompt   string
}

// Transcription is the output of SpeechModel.Transcribe.
type Transcription struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// SynthesizeOptions tune a text-to-speech call.
type SynthesizeOptions struct {
	Voice  string
	Format string
	Speed  float64
}

// Detection is one object located in an image.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}
