package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RoboMaroof/ragserver/agent"
	"github.com/RoboMaroof/ragserver/apperr"
	"github.com/RoboMaroof/ragserver/envelope"
	"github.com/RoboMaroof/ragserver/llm"
	"github.com/RoboMaroof/ragserver/metrics"
	"github.com/RoboMaroof/ragserver/sse"
	"github.com/RoboMaroof/ragserver/tracing"
)

// Answer modes.
const (
	ModeRAG   = "rag"
	ModeAgent = "agent"
)

const maxRequestBytes = 1 << 20

type invokeRequest struct {
	Input json.RawMessage `json:"input"`
	Model string          `json:"model"`
	Mode  string          `json:"mode"`
}

// invocation is a validated answer request with its generator resolved.
type invocation struct {
	Question string
	Mode     string
	Model    llm.ModelID
	Client   llm.Client
}

// parseInput accepts either a bare string or {"input": string}.
func parseInput(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var wrapped struct {
			Input *string `json:"input"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil || wrapped.Input == nil {
			return "", apperr.Invalid("Invalid input")
		}
		s = *wrapped.Input
	}
	if strings.TrimSpace(s) == "" {
		return "", apperr.Invalid("Invalid input")
	}
	return s, nil
}

// prepare validates req and resolves its generator. Nothing runs before it
// succeeds.
func (h *handler) prepare(req invokeRequest, forceMode string) (*invocation, error) {
	question, err := parseInput(req.Input)
	if err != nil {
		return nil, err
	}

	mode := forceMode
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(req.Mode))
	}
	switch mode {
	case "":
		mode = ModeAgent
	case ModeRAG, ModeAgent:
	default:
		return nil, apperr.Invalid("Invalid mode: %s", req.Mode)
	}

	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = h.deps.Config.DefaultModel
	}
	client, id, err := h.deps.Models.Client(model)
	if err != nil {
		return nil, err
	}
	return &invocation{Question: question, Mode: mode, Model: id, Client: client}, nil
}

func decodeInvoke(w http.ResponseWriter, r *http.Request) (invokeRequest, error) {
	var req invokeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		return req, apperr.Invalid("Invalid input")
	}
	return req, nil
}

func (h *handler) newAgent(inv *invocation) *agent.Agent {
	cfg := h.deps.Config
	return agent.New(agent.Options{
		Generator:    inv.Client,
		Model:        inv.Model.String(),
		Tools:        h.deps.Tools,
		Hooks:        []agent.Hook{tracing.NewHook(), metrics.NewHook(h.deps.Metrics)},
		MaxRounds:    cfg.MaxRounds,
		ToolTimeout:  cfg.ToolTimeout,
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.MaxTokens,
		Log:          h.log,
	})
}

// execute runs one answer request end to end and records its trace and
// metrics. A non-nil eventCh receives stream events; execute never closes it.
func (h *handler) execute(ctx context.Context, inv *invocation, method string, eventCh chan<- agent.StreamEvent) (envelope.Envelope, error) {
	start := time.Now()
	trace := tracing.NewTrace(inv.Mode, inv.Model.String(), method, inv.Question)
	h.deps.Traces.Put(trace)
	ctx = tracing.WithTrace(ctx, trace)

	log := h.log.With(
		zap.String("run_id", trace.TraceID),
		zap.String("mode", inv.Mode),
		zap.String("model", inv.Model.String()),
	)

	var (
		env envelope.Envelope
		err error
	)
	switch inv.Mode {
	case ModeRAG:
		p := h.deps.Pipeline.WithGenerator(inv.Client)
		if eventCh != nil {
			env, err = p.AnswerStream(ctx, inv.Question, h.deps.Config.K, eventCh)
		} else {
			env, err = p.Answer(ctx, inv.Question, h.deps.Config.K)
		}
	default:
		var tr agent.Transcript
		a := h.newAgent(inv)
		if eventCh != nil {
			tr, err = a.RunStream(ctx, inv.Question, eventCh)
		} else {
			tr, err = a.Run(ctx, inv.Question)
		}
		if err == nil {
			env = envelope.Normalize(tr)
		}
	}
	if err != nil {
		err = apperr.FromContext(ctx, err)
	}

	trace.Finish(err)
	elapsed := time.Since(start)
	h.deps.Metrics.ObserveRequest(inv.Mode, outcome(err), elapsed)
	if err != nil {
		log.Warn("answer failed", zap.Error(err), zap.Duration("duration", elapsed))
		return envelope.Envelope{}, err
	}
	log.Info("answer finished",
		zap.Strings("tools_used", env.ToolsUsed),
		zap.Int("chunks", len(env.RetrievedChunks)),
		zap.Duration("duration", elapsed))
	return env, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrCancelled):
		return "cancelled"
	case errors.Is(err, apperr.ErrGeneratorUnavailable):
		return "generator_unavailable"
	default:
		return "error"
	}
}

// --- Invoke ---

func (h *handler) invoke(forceMode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeInvoke(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		inv, err := h.prepare(req, forceMode)
		if err != nil {
			writeError(w, err)
			return
		}
		env, err := h.execute(r.Context(), inv, "invoke", nil)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, env)
	}
}

// --- Streaming ---

// pump runs inv and hands every event to send, finishing with a result or
// error event. send is only called from the calling goroutine.
func (h *handler) pump(ctx context.Context, inv *invocation, method string, send func(agent.StreamEvent)) {
	eventCh := make(chan agent.StreamEvent, 64)
	var (
		env envelope.Envelope
		err error
	)
	go func() {
		defer close(eventCh)
		env, err = h.execute(ctx, inv, method, eventCh)
	}()

	for ev := range eventCh {
		send(ev)
	}
	if err != nil {
		send(errorEvent(err))
		return
	}
	send(agent.StreamEvent{Event: agent.EventResult, Data: env})
}

func errorEvent(err error) agent.StreamEvent {
	return agent.StreamEvent{
		Event: agent.EventError,
		Data:  map[string]any{"error": err.Error(), "status": apperr.HTTPStatus(err)},
	}
}

func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeInvoke(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	// Validate before SSE headers are sent (NewWriter commits 200)
	inv, err := h.prepare(req, "")
	if err != nil {
		writeError(w, err)
		return
	}

	sw := sse.NewWriter(w)
	if sw == nil {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// The ticker goroutine must be gone before the handler returns and w is
	// reused.
	done := make(chan struct{})
	var wg sync.WaitGroup
	defer wg.Wait()
	defer close(done)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(h.deps.Config.KeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sw.SendComment("keepalive")
			case <-done:
				return
			}
		}
	}()

	h.pump(r.Context(), inv, "stream", func(ev agent.StreamEvent) {
		if err := sw.SendEvent(ev.Event, ev); err != nil {
			h.log.Debug("sse write failed", zap.Error(err))
		}
	})
}
