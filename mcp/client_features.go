package mcp

// SamplingMessage is one message of a sampling conversation.
type SamplingMessage struct {
	Role    Role         `json:"role"`
	Content ContentBlock `json:"content"`
}

// ModelPreferences weighs cost, speed and capability between 0 and 1.
type ModelPreferences struct {
	Hints                []ModelHint `json:"hints,omitempty"`
	CostPriority         float64     `json:"costPriority,omitzero"`
	SpeedPriority        float64     `json:"speedPriority,omitzero"`
	IntelligencePriority float64     `json:"intelligencePriority,omitzero"`
}

type ModelHint struct {
	Name string `json:"name,omitzero"`
}

// CreateMessageRequest is the params of sampling/createMessage.
type CreateMessageRequest struct {
	Messages         []SamplingMessage `json:"messages"`
	ModelPreferences *ModelPreferences `json:"modelPreferences,omitempty"`
	SystemPrompt     string            `json:"systemPrompt,omitzero"`
	IncludeContext   string            `json:"includeContext,omitzero"`
	Temperature      float64           `json:"temperature,omitzero"`
	MaxTokens        int               `json:"maxTokens,omitzero"`
	StopSequences    []string          `json:"stopSequences,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

type CreateMessageResult struct {
	Role       Role         `json:"role"`
	Content    ContentBlock `json:"content"`
	Model      string       `json:"model"`
	StopReason string       `json:"stopReason,omitzero"`
	BaseMetadata
}

// Root is a directory or file the client exposes to the server.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitzero"`
}

type ListRootsResult struct {
	Roots []Root `json:"roots"`
	BaseMetadata
}
