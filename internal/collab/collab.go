// Package collab coordinates multi-model chat requests: fan-out patterns
// (council, collaborate, race, metajudge) and sequential patterns (discuss,
// fallback) over calls that are each already bound to a model and provider.
package collab

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/catalog"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
	gwerrors "github.com/ThatsRight-ItsTJ/your-pal-moe/internal/errors"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/proxy"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/pkg/openai"
)

// Prober issues a buffered upstream call without a client writer
type Prober interface {
	Probe(ctx context.Context, req proxy.Request) ([]byte, error)
}

// Resolver maps a logical chat model to a serving provider
type Resolver func(model string) (*catalog.Provider, bool)

// Call is one upstream chat request, already bound to a model and provider
type Call struct {
	Model    string
	Provider *catalog.Provider
	Body     []byte
}

// CallResult is one settled call
type CallResult struct {
	Success bool   `json:"success"`
	Model   string `json:"model"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Outcome is the coordinator's response payload
type Outcome struct {
	Merged      bool         `json:"merged"`
	Results     []CallResult `json:"results"`
	MergedText  string       `json:"mergedText,omitempty"`
	JudgeOutput string       `json:"judgeOutput,omitempty"`
}

// Coordinator executes collaboration modes over a prober
type Coordinator struct {
	prober  Prober
	resolve Resolver
}

// New creates a Coordinator. resolve locates the judge model's provider.
func New(prober Prober, resolve Resolver) *Coordinator {
	return &Coordinator{prober: prober, resolve: resolve}
}

// Run dispatches the named mode over the calls
func (c *Coordinator) Run(ctx context.Context, mode string, calls []Call) (Outcome, error) {
	if len(calls) == 0 {
		return Outcome{}, gwerrors.Validation("models list is empty")
	}
	switch mode {
	case config.CollabModeCouncil:
		return c.council(ctx, calls), nil
	case config.CollabModeCollab:
		return c.collaborate(ctx, calls), nil
	case config.CollabModeRace:
		return c.race(ctx, calls), nil
	case config.CollabModeMeta:
		return c.metaJudge(ctx, calls), nil
	case config.CollabModeDiscuss:
		return c.discuss(ctx, calls), nil
	case config.CollabModeFallback:
		return c.sequentialFallback(ctx, calls), nil
	default:
		return Outcome{}, gwerrors.Validation("unknown collab_mode: " + mode)
	}
}

// callOne runs one upstream call under the per-call timeout and extracts
// the first choice's content.
func (c *Coordinator) callOne(ctx context.Context, call Call) CallResult {
	ctx, cancel := context.WithTimeout(ctx, config.CollabCallTimeout)
	defer cancel()

	body, err := c.prober.Probe(ctx, proxy.Request{
		Provider:   call.Provider,
		Path:       proxy.ChatDescriptor.Path,
		Body:       call.Body,
		Descriptor: proxy.ChatDescriptor,
	})
	if err != nil {
		return CallResult{Model: call.Model, Error: err.Error()}
	}

	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return CallResult{Model: call.Model, Error: "malformed upstream response"}
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return CallResult{Model: call.Model, Error: "upstream returned no choices"}
	}
	return CallResult{Success: true, Model: call.Model, Output: resp.Choices[0].Message.Content}
}

// fanOut runs every call in parallel and returns results in call order
func (c *Coordinator) fanOut(ctx context.Context, calls []Call) []CallResult {
	results := make([]CallResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			results[i] = c.callOne(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

// council returns every result separately
func (c *Coordinator) council(ctx context.Context, calls []Call) Outcome {
	return Outcome{Results: c.fanOut(ctx, calls)}
}

// collaborate concatenates successful outputs with a separator
func (c *Coordinator) collaborate(ctx context.Context, calls []Call) Outcome {
	results := c.fanOut(ctx, calls)
	var parts []string
	for _, r := range results {
		if r.Success {
			parts = append(parts, r.Output)
		}
	}
	return Outcome{Merged: true, Results: results, MergedText: strings.Join(parts, "\n---\n")}
}

// race resolves with the first success and cancels the rest. The safety
// timeout resolves empty when no call succeeds in time.
func (c *Coordinator) race(ctx context.Context, calls []Call) Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wins := make(chan CallResult, len(calls))
	var wg sync.WaitGroup
	for _, call := range calls {
		wg.Add(1)
		go func(call Call) {
			defer wg.Done()
			if r := c.callOne(ctx, call); r.Success {
				wins <- r
			}
		}(call)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(config.RaceSafetyTimeout)
	defer timer.Stop()
	select {
	case r := <-wins:
		cancel()
		return Outcome{Results: []CallResult{r}}
	case <-done:
		// Every call settled without a success
		return Outcome{Results: nil}
	case <-timer.C:
		utils.Warn("[Collab] Race safety timeout after %s", config.RaceSafetyTimeout)
		cancel()
		return Outcome{Results: nil}
	}
}

// metaJudge fans out, then asks the judge model to evaluate the candidates
func (c *Coordinator) metaJudge(ctx context.Context, calls []Call) Outcome {
	results := c.fanOut(ctx, calls)

	var candidates []string
	for _, r := range results {
		if r.Success {
			candidates = append(candidates, "["+r.Model+"]\n"+r.Output)
		}
	}
	if len(candidates) == 0 {
		return Outcome{Results: results}
	}

	judgeProvider, ok := c.resolve(config.DefaultJudgeModel)
	if !ok {
		utils.Warn("[Collab] Judge model %s has no provider, returning candidates only", config.DefaultJudgeModel)
		return Outcome{Results: results}
	}

	judgeBody, err := json.Marshal(map[string]interface{}{
		"model": config.DefaultJudgeModel,
		"messages": []openai.Message{
			openai.TextMessage("system", config.JudgeSystemPrompt),
			openai.TextMessage("user", strings.Join(candidates, "\n---\n")),
		},
	})
	if err != nil {
		return Outcome{Results: results}
	}

	judge := c.callOne(ctx, Call{Model: config.DefaultJudgeModel, Provider: judgeProvider, Body: judgeBody})
	return Outcome{Results: results, JudgeOutput: judge.Output}
}

// discuss runs sequentially: each call sees the previous winner's content
// appended as a refinement request. The final output is the last success.
func (c *Coordinator) discuss(ctx context.Context, calls []Call) Outcome {
	results := make([]CallResult, 0, len(calls))
	prev := ""
	for _, call := range calls {
		body := call.Body
		if prev != "" {
			body = appendUserMessage(body, "Refine the following:\n"+prev)
		}
		r := c.callOne(ctx, Call{Model: call.Model, Provider: call.Provider, Body: body})
		results = append(results, r)
		if r.Success {
			prev = r.Output
		}
	}
	return Outcome{Merged: true, Results: results, MergedText: prev}
}

// sequentialFallback tries calls in order and returns the first success
func (c *Coordinator) sequentialFallback(ctx context.Context, calls []Call) Outcome {
	var results []CallResult
	for _, call := range calls {
		r := c.callOne(ctx, call)
		results = append(results, r)
		if r.Success {
			return Outcome{Results: []CallResult{r}}
		}
	}
	return Outcome{Results: results}
}

// appendUserMessage adds a user message to a chat body, preserving every
// other field. A body that does not parse is returned unchanged.
func appendUserMessage(body []byte, text string) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return body
	}
	var messages []openai.Message
	if raw, ok := fields["messages"]; ok {
		if err := json.Unmarshal(raw, &messages); err != nil {
			return body
		}
	}
	messages = append(messages, openai.TextMessage("user", text))
	encoded, err := json.Marshal(messages)
	if err != nil {
		return body
	}
	fields["messages"] = encoded
	out, err := json.Marshal(fields)
	if err != nil {
		return body
	}
	return out
}
