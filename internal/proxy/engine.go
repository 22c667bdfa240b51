package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/catalog"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
	gwerrors "github.com/ThatsRight-ItsTJ/your-pal-moe/internal/errors"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
)

// legacyPathMarker identifies upstreams that mount the OpenAI surface
// under /api/openai and expect paths without the /v1/ prefix.
const legacyPathMarker = "/api/openai"

// userAgent sent on upstream requests
const userAgent = "your-pal-moe/" + config.Version

// Engine forwards requests to upstream providers
type Engine struct {
	client *http.Client
}

// NewEngine creates a proxy engine with the standard upstream timeout
func NewEngine() *Engine {
	return &Engine{
		client: &http.Client{Timeout: config.UpstreamTimeout},
	}
}

// NewEngineWithClient creates an engine over a custom client (tests)
func NewEngineWithClient(client *http.Client) *Engine {
	return &Engine{client: client}
}

// Request describes one upstream attempt
type Request struct {
	Provider *catalog.Provider
	Path     string
	Body     []byte
	// ContentType overrides application/json (multipart uploads)
	ContentType string
	// InputChars is the client request body length, for estimates
	InputChars int
	// SpeechInputLen is the len(input) of a speech request
	SpeechInputLen int
	Descriptor     Descriptor
}

// Result is a settled upstream attempt
type Result struct {
	Tokens   int
	Status   int
	Streamed bool
}

// TargetURL builds the upstream URL for a provider and request path.
// Upstreams mounted under /api/openai receive the path without the
// /v1/ prefix.
func TargetURL(p *catalog.Provider, path string) string {
	base := strings.TrimRight(p.BaseURL, "/")
	if strings.Contains(base, legacyPathMarker) {
		return base + strings.TrimPrefix(path, "/v1")
	}
	return base + path
}

// RewriteModel replaces the client's model field with the provider's
// upstream model id, preserving every other field.
func RewriteModel(body []byte, upstreamModel string) []byte {
	if upstreamModel == "" {
		return body
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return body
	}
	model, err := json.Marshal(upstreamModel)
	if err != nil {
		return body
	}
	fields["model"] = model
	out, err := json.Marshal(fields)
	if err != nil {
		return body
	}
	return out
}

// Forward sends the request upstream and relays the response to w.
// SSE responses are piped verbatim while usage is extracted concurrently;
// buffered responses are relayed with tokens extracted per the descriptor.
// Classified retryable errors let the caller fall back to another
// candidate.
func (e *Engine) Forward(ctx context.Context, w http.ResponseWriter, req Request) (Result, error) {
	p := req.Provider
	body := req.Body
	if req.ContentType == "" || strings.Contains(req.ContentType, "application/json") {
		body = RewriteModel(body, p.UpstreamModelID)
	}

	url := TargetURL(p, req.Path)
	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, gwerrors.Internal(err.Error())
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	upReq.Header.Set("Content-Type", contentType)
	upReq.Header.Set("Accept", "*/*")
	upReq.Header.Set("User-Agent", userAgent)
	if p.APIKey != "" && !strings.Contains(p.BaseURL, legacyPathMarker) {
		upReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := e.client.Do(upReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		utils.Warn("[Proxy] Network error reaching %s: %v", p.Name, err)
		return Result{}, gwerrors.Network(p.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Result{Status: resp.StatusCode}, classifyError(p.Name, resp)
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		tokens, err := e.relayStream(w, resp)
		if err != nil {
			return Result{Streamed: true}, err
		}
		return Result{Tokens: tokens, Status: resp.StatusCode, Streamed: true}, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, gwerrors.Network(p.Name, err)
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(respBody)))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		utils.Debug("[Proxy] Client write failed: %v", err)
	}

	tokens := ExtractTokens(req.Descriptor.Strategy, respBody, req.InputChars, req.SpeechInputLen)
	return Result{Tokens: tokens, Status: resp.StatusCode}, nil
}

// Probe sends the request upstream and returns the buffered body without a
// client writer; collaboration modes use it for fan-out calls.
func (e *Engine) Probe(ctx context.Context, req Request) ([]byte, error) {
	p := req.Provider
	body := RewriteModel(req.Body, p.UpstreamModelID)

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, TargetURL(p, req.Path), bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.Internal(err.Error())
	}
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("Accept", "*/*")
	upReq.Header.Set("User-Agent", userAgent)
	if p.APIKey != "" && !strings.Contains(p.BaseURL, legacyPathMarker) {
		upReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := e.client.Do(upReq)
	if err != nil {
		return nil, gwerrors.Network(p.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, classifyError(p.Name, resp)
	}
	return io.ReadAll(resp.Body)
}

// classifyError maps upstream failure statuses onto the gateway taxonomy.
// 403, 429 and token-related 402 responses are retryable via fallback.
func classifyError(provider string, resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	body := string(bodyBytes)

	switch resp.StatusCode {
	case http.StatusForbidden:
		return gwerrors.ProviderDenial(provider, body)
	case http.StatusTooManyRequests:
		return gwerrors.UpstreamRateLimit(provider, body)
	case http.StatusPaymentRequired:
		if strings.Contains(strings.ToLower(body), "token") {
			return gwerrors.TokenLimit(provider, body)
		}
		return gwerrors.Upstream(provider, resp.StatusCode, body)
	default:
		return gwerrors.Upstream(provider, resp.StatusCode, body)
	}
}

// hop-by-hop headers never forwarded to the client
var hopByHopHeaders = []string{"Transfer-Encoding", "Connection", "Content-Encoding", "Content-Length"}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

// IsRateLimitedStatus reports whether a status advances provider backoff
func IsRateLimitedStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// FormatAttemptError renders an attempt failure for logs
func FormatAttemptError(provider string, err error) string {
	return fmt.Sprintf("%s: %v", provider, err)
}
