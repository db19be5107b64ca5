// Package envelope defines the response shape every answer path returns and
// the normalizer that flattens agent transcripts and RAG traces into it.
package envelope

import "github.com/RoboMaroof/ragserver/store"

// Step kinds.
const (
	StepHuman           = "human"
	StepAIToolCall      = "ai_tool_call"
	StepAIFinalResponse = "ai_final_response"
	StepToolResponse    = "tool_response"
	StepRetrieval       = "retrieval"
	StepGeneration      = "generation"
)

// Chunk kinds.
const (
	ChunkResult = "result"
	ChunkText   = "text"
)

// Envelope is the response returned to callers.
type Envelope struct {
	FinalOutput       *string  `json:"final_output"`
	ToolsUsed         []string `json:"tools_used"`
	RetrievedChunks   []Chunk  `json:"retrieved_chunks"`
	IntermediateSteps []Step   `json:"intermediate_steps"`
}

// Chunk is one piece of evidence. Tool is null for evidence that came from
// the RAG pipeline's own store lookup.
type Chunk struct {
	Tool *string `json:"tool"`
	Type string  `json:"type"`
	Data any     `json:"data"`
}

// Step is one entry of the chronological trace. Only the fields relevant to
// the step's Type are set.
type Step struct {
	Type     string  `json:"type"`
	Content  *string `json:"content,omitempty"`
	Tool     string  `json:"tool,omitempty"`
	Args     any     `json:"args,omitempty"`
	Error    string  `json:"error,omitempty"`
	Query    string  `json:"query,omitempty"`
	Count    *int    `json:"count,omitempty"`
	Reranked *bool   `json:"reranked,omitempty"`
}

// Retrieval is the flat trace the RAG pipeline produces.
type Retrieval struct {
	Query    string
	Passages []store.Passage
	Reranked bool
	// StoreError is set when retrieval failed and generation went ahead with
	// an empty context.
	StoreError string
	// Unavailable means no index existed; Answer holds the sentinel and the
	// envelope carries no trace.
	Unavailable bool
	Answer      string
	Generated   bool
}

// Empty returns an envelope with no output and non-nil slices.
func Empty() Envelope {
	return Envelope{
		ToolsUsed:         []string{},
		RetrievedChunks:   []Chunk{},
		IntermediateSteps: []Step{},
	}
}

// Final returns the final output or "".
func (e Envelope) Final() string {
	if e.FinalOutput == nil {
		return ""
	}
	return *e.FinalOutput
}

func strPtr(s string) *string { return &s }
