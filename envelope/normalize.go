package envelope

import (
	"github.com/RoboMaroof/ragserver/agent"
)

// Normalize converts a raw pipeline output into an Envelope. It accepts an
// agent transcript, a RAG Retrieval, or an Envelope; anything else is kept as
// a single text chunk. Normalize has no side effects and is deterministic.
func Normalize(raw any) Envelope {
	switch v := raw.(type) {
	case agent.Transcript:
		return fromTranscript(v)
	case []agent.Message:
		return fromTranscript(v)
	case Retrieval:
		return fromRetrieval(v)
	case *Retrieval:
		if v == nil {
			return Empty()
		}
		return fromRetrieval(*v)
	case Envelope:
		return withSlices(v)
	case *Envelope:
		if v == nil {
			return Empty()
		}
		return withSlices(*v)
	default:
		env := Empty()
		if raw != nil {
			env.RetrievedChunks = append(env.RetrievedChunks, Chunk{Type: ChunkText, Data: raw})
		}
		return env
	}
}

func fromTranscript(msgs []agent.Message) Envelope {
	env := Empty()
	for _, msg := range msgs {
		switch msg.Role {
		case agent.RoleHuman:
			env.IntermediateSteps = append(env.IntermediateSteps, Step{
				Type:    StepHuman,
				Content: strPtr(msg.Content),
			})

		case agent.RoleAI:
			if len(msg.ToolCalls) > 0 {
				for _, call := range msg.ToolCalls {
					env.ToolsUsed = append(env.ToolsUsed, call.Name)
					args := call.Args
					if args == nil {
						args = map[string]any{}
					}
					env.IntermediateSteps = append(env.IntermediateSteps, Step{
						Type: StepAIToolCall,
						Tool: call.Name,
						Args: args,
					})
				}
				continue
			}
			env.FinalOutput = strPtr(msg.Content)
			env.IntermediateSteps = append(env.IntermediateSteps, Step{
				Type:    StepAIFinalResponse,
				Content: strPtr(msg.Content),
			})

		case agent.RoleTool:
			env.IntermediateSteps = append(env.IntermediateSteps, Step{
				Type:    StepToolResponse,
				Tool:    msg.Name,
				Content: strPtr(msg.Content),
				Error:   msg.Error,
			})
			tool := strPtr(msg.Name)
			if msg.Results != nil {
				for _, r := range msg.Results {
					env.RetrievedChunks = append(env.RetrievedChunks, Chunk{Tool: tool, Type: ChunkResult, Data: r})
				}
			} else {
				env.RetrievedChunks = append(env.RetrievedChunks, Chunk{Tool: tool, Type: ChunkText, Data: msg.Content})
			}

		default:
			// Unknown turns are kept, not dropped.
			env.RetrievedChunks = append(env.RetrievedChunks, Chunk{Type: ChunkText, Data: msg})
		}
	}
	return env
}

func fromRetrieval(r Retrieval) Envelope {
	env := Empty()
	if r.Unavailable {
		env.FinalOutput = strPtr(r.Answer)
		return env
	}
	for _, p := range r.Passages {
		env.RetrievedChunks = append(env.RetrievedChunks, Chunk{Type: ChunkResult, Data: p})
	}

	count := len(r.Passages)
	reranked := r.Reranked
	env.IntermediateSteps = append(env.IntermediateSteps, Step{
		Type:     StepRetrieval,
		Query:    r.Query,
		Count:    &count,
		Reranked: &reranked,
		Error:    r.StoreError,
	})
	if r.Generated {
		env.IntermediateSteps = append(env.IntermediateSteps, Step{
			Type:    StepGeneration,
			Content: strPtr(r.Answer),
		})
	}
	env.FinalOutput = strPtr(r.Answer)
	return env
}

func withSlices(e Envelope) Envelope {
	if e.ToolsUsed == nil {
		e.ToolsUsed = []string{}
	}
	if e.RetrievedChunks == nil {
		e.RetrievedChunks = []Chunk{}
	}
	if e.IntermediateSteps == nil {
		e.IntermediateSteps = []Step{}
	}
	return e
}
