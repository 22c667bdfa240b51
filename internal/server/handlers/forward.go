package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/catalog"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/decision"
	gwerrors "github.com/ThatsRight-ItsTJ/your-pal-moe/internal/errors"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/fallback"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/modules"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/proxy"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/quota"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/ratelimit"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/pkg/openai"
)

// target is one concrete (model, provider) attempt
type target struct {
	model    string
	provider *catalog.Provider
}

// Forward returns the handler for one OpenAI-compatible endpoint. The
// descriptor carries the endpoint path and token-extraction strategy; the
// routing loop is shared across all endpoints.
func (d *Deps) Forward(desc proxy.Descriptor) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, contentType, meta, err := readRequest(c, desc)
		if err != nil {
			WriteError(c, err)
			return
		}

		user := CurrentUser(c)

		// Multi-model chat requests go through the collaboration coordinator
		if desc.Path == proxy.ChatDescriptor.Path && len(meta.models) > 0 && meta.collabMode != "" {
			d.runCollab(c, body, meta)
			return
		}

		duser := d.decisionUser(user)
		dec := d.Decider.Decide(decision.Request{
			Endpoint:        desc.Path,
			Model:           meta.model,
			EstimatedTokens: utils.EstimateTokens(len(body)),
		}, duser)

		if dec.Kind == decision.KindNoCandidates {
			if dec.PlanGated {
				WriteError(c, gwerrors.Forbidden("Model not available on your plan", "model_not_available"))
				return
			}
			WriteError(c, gwerrors.New("No providers available for model "+meta.model,
				gwerrors.TypeServer, "no_candidates", http.StatusServiceUnavailable, false))
			return
		}

		targets := d.resolveTargets(dec)
		if len(targets) == 0 {
			WriteError(c, gwerrors.Configuration("Decision referenced unknown providers"))
			return
		}

		estTokens := utils.EstimateTokens(len(body))
		var lastErr error
		attempts := 0
		for _, t := range targets {
			if attempts >= config.MaxFallbackAttempts {
				break
			}
			attempts++
			done, err := d.tryTarget(c, t, desc, body, contentType, meta, user, estTokens)
			if done {
				return
			}
			lastErr = err
			if !gwerrors.IsRetryable(err) {
				break
			}
			utils.Warn("[Forward] Attempt on %s failed: %v", t.provider.Name, err)
		}

		// Primary candidates exhausted: hand the failure to the fallback
		// handler for a recovery route.
		if lastErr != nil && gwerrors.IsRetryable(lastErr) {
			if d.tryFallback(c, desc, body, contentType, meta, user, estTokens, lastErr, targets[0]) {
				return
			}
		}

		d.writeAllFailed(c, lastErr)
	}
}

// tryTarget runs one full attempt: balancer admission, rate-limit check,
// upstream forward, accounting. Returns done=true when a response has been
// written to the client (success or a streamed abort).
func (d *Deps) tryTarget(c *gin.Context, t target, desc proxy.Descriptor, body []byte,
	contentType string, meta requestMeta, user *quota.User, estTokens int) (bool, error) {

	adm, ok := d.Balancer.Admit([]string{t.provider.Name})
	if !ok {
		return false, gwerrors.New("Provider "+t.provider.Name+" is unavailable",
			gwerrors.TypeServer, "provider_unavailable", http.StatusBadGateway, true)
	}
	if adm.Queued {
		if err := d.Balancer.Wait(c.Request.Context(), adm); err != nil {
			return false, gwerrors.RateLimit("Request queue timeout for "+t.provider.Name, "queue_timeout", true)
		}
	}
	defer d.Balancer.Release(t.provider.Name)

	limits := ratelimit.Limits{RPM: t.provider.RPM, TPM: t.provider.TPM, Concurrent: t.provider.Concurrent}
	rl := d.Limiter.CanAdmit(t.provider.Name, limits, estTokens)
	if !rl.Allowed {
		return false, gwerrors.RateLimit("Provider "+t.provider.Name+" rate limit: "+rl.Reason, rl.Reason, true)
	}

	result, err := d.Engine.Forward(c.Request.Context(), c.Writer, proxy.Request{
		Provider:       t.provider,
		Path:           desc.Path,
		Body:           body,
		ContentType:    contentType,
		InputChars:     len(body),
		SpeechInputLen: meta.speechInputLen,
		Descriptor:     desc,
	})
	if err != nil {
		rateLimited := proxy.IsRateLimitedStatus(result.Status) || gwerrors.IsRateLimitError(err)
		d.Limiter.Record(t.provider.Name, false, 0, rateLimited)
		d.Catalog.UpdateHealth(t.provider.Name, catalog.HealthDegraded, err)
		if result.Streamed || c.Request.Context().Err() != nil {
			// Bytes already reached the client (or it went away); no
			// retry and no usage recorded.
			c.Abort()
			return true, err
		}
		return false, err
	}

	d.Limiter.Record(t.provider.Name, true, result.Tokens, false)
	d.Catalog.UpdateHealth(t.provider.Name, catalog.HealthHealthy, nil)
	if user != nil {
		d.Store.RecordUsage(user.APIKey, result.Tokens, t.provider.TokenMultiplier)
	}
	modules.TrackFromContext(c, t.model)
	utils.Info("[Forward] %s via %s: %d tokens", t.model, t.provider.Name, result.Tokens)
	return true, nil
}

// tryFallback asks the fallback handler for a recovery route and runs it.
// Returns true when a response was written.
func (d *Deps) tryFallback(c *gin.Context, desc proxy.Descriptor, body []byte, contentType string,
	meta requestMeta, user *quota.User, estTokens int, lastErr error, failed target) bool {

	fuser := fallback.UserContext{}
	if user != nil {
		fuser = fallback.UserContext{
			ID:       user.Username,
			FreePlan: quota.IsFreePlan(user.Plan),
			Premium:  !quota.IsFreePlan(user.Plan),
		}
	} else {
		fuser.Premium = true
	}

	outcome := d.Fallback.Resolve(c.Request.Context(), fallback.Failure{
		Class:    gwerrors.FailureClass(lastErr),
		Endpoint: desc.Path,
		Model:    failed.model,
		Provider: failed.provider.Name,
	}, fuser)
	if !outcome.Success {
		return false
	}

	attempt := outcome.Attempt
	snap := d.Catalog.Snapshot()
	provider, ok := snap.Provider(attempt.Provider)
	if !ok {
		d.Balancer.Release(attempt.Provider)
		return false
	}
	if attempt.Admission.Queued {
		if err := d.Balancer.Wait(c.Request.Context(), attempt.Admission); err != nil {
			return false
		}
	}
	defer d.Balancer.Release(attempt.Provider)

	limits := ratelimit.Limits{RPM: provider.RPM, TPM: provider.TPM, Concurrent: provider.Concurrent}
	rl := d.Limiter.CanAdmit(provider.Name, limits, estTokens)
	if !rl.Allowed {
		utils.Warn("[Forward] Fallback provider %s refused: %s", provider.Name, rl.Reason)
		return false
	}

	// The fallback route may serve a different logical model; rewrite so
	// the upstream sees its own id.
	fbBody := body
	if contentType == "" || strings.Contains(contentType, "application/json") {
		fbBody = proxy.RewriteModel(body, attempt.Model)
	}

	result, err := d.Engine.Forward(c.Request.Context(), c.Writer, proxy.Request{
		Provider:       provider,
		Path:           desc.Path,
		Body:           fbBody,
		ContentType:    contentType,
		InputChars:     len(body),
		SpeechInputLen: meta.speechInputLen,
		Descriptor:     desc,
	})
	if err != nil {
		d.Limiter.Record(provider.Name, false, 0, proxy.IsRateLimitedStatus(result.Status))
		if result.Streamed {
			c.Abort()
			return true
		}
		return false
	}

	d.Limiter.Record(provider.Name, true, result.Tokens, false)
	if user != nil {
		d.Store.RecordUsage(user.APIKey, result.Tokens, provider.TokenMultiplier)
	}
	modules.TrackFromContext(c, attempt.Model)
	utils.Info("[Forward] Fallback %s served %s via %s: %d tokens",
		attempt.Strategy, attempt.Model, provider.Name, result.Tokens)
	return true
}

// writeAllFailed renders the terminal 502 with the last error's detail
func (d *Deps) writeAllFailed(c *gin.Context, lastErr error) {
	details := ""
	lastBody := ""
	if ge := gwerrors.AsGateway(lastErr); ge != nil {
		details = ge.Message
		lastBody = ge.UpstreamBody
	}
	payload := gin.H{
		"error":   "All upstream providers failed",
		"details": details,
	}
	if lastBody != "" {
		payload["last_provider_error_body"] = lastBody
	}
	c.AbortWithStatusJSON(http.StatusBadGateway, payload)
}

// resolveTargets maps the decision's primary and alternatives onto provider
// records from the current snapshot.
func (d *Deps) resolveTargets(dec decision.Decision) []target {
	snap := d.Catalog.Snapshot()
	var out []target
	if p, ok := snap.Provider(dec.Provider); ok {
		out = append(out, target{model: dec.Model, provider: p})
	}
	for _, alt := range dec.Alternatives {
		if p, ok := snap.Provider(alt.Provider); ok {
			out = append(out, target{model: alt.Model, provider: p})
		}
	}
	return out
}

func (d *Deps) decisionUser(user *quota.User) decision.UserContext {
	if user == nil {
		return decision.UserContext{}
	}
	return decision.UserContext{ID: user.Username, FreePlan: quota.IsFreePlan(user.Plan)}
}

// requestMeta is what the forwarder needs to know about the parsed body
type requestMeta struct {
	model          string
	models         []string
	collabMode     string
	speechInputLen int
}

// readRequest reads and inspects the request body per endpoint shape.
// JSON endpoints extract the model (and collaboration fields); audio
// transcription validates the multipart upload instead.
func readRequest(c *gin.Context, desc proxy.Descriptor) ([]byte, string, requestMeta, error) {
	contentType := c.GetHeader("Content-Type")

	if desc.Path == proxy.TranscriptionDescriptor.Path {
		body, meta, err := readMultipart(c, contentType)
		return body, contentType, meta, err
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, "", requestMeta{}, gwerrors.Validation("failed to read request body")
	}
	if len(body) == 0 {
		return nil, "", requestMeta{}, gwerrors.Validation("request body is empty")
	}

	var meta requestMeta
	switch desc.Path {
	case proxy.SpeechDescriptor.Path:
		var req openai.SpeechRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, "", requestMeta{}, gwerrors.Validation("malformed JSON body")
		}
		if req.Input == "" {
			return nil, "", requestMeta{}, gwerrors.Validation("input is required")
		}
		meta = requestMeta{model: req.Model, speechInputLen: len(req.Input)}

	default:
		var req openai.ChatCompletionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, "", requestMeta{}, gwerrors.Validation("malformed JSON body")
		}
		if req.Model == "" && len(req.Models) == 0 {
			return nil, "", requestMeta{}, gwerrors.Validation("model is required")
		}
		meta = requestMeta{model: req.Model, models: req.Models, collabMode: req.CollabMode}
	}
	return body, "application/json", meta, nil
}

// readMultipart buffers a transcription upload, enforcing the size cap and
// the accepted audio content types, and extracts the model form value.
func readMultipart(c *gin.Context, contentType string) ([]byte, requestMeta, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, requestMeta{}, gwerrors.Validation("expected multipart/form-data")
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, requestMeta{}, gwerrors.Validation("multipart boundary missing")
	}

	limited := http.MaxBytesReader(c.Writer, c.Request.Body, config.MaxAudioFileBytes+1<<20)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, requestMeta{}, gwerrors.Validation("audio file exceeds the 25 MB limit")
	}

	var meta requestMeta
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	sawFile := false
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, requestMeta{}, gwerrors.Validation("malformed multipart body")
		}
		switch part.FormName() {
		case "model":
			value, _ := io.ReadAll(io.LimitReader(part, 256))
			meta.model = strings.TrimSpace(string(value))
		case "file":
			sawFile = true
			if ct := part.Header.Get("Content-Type"); ct != "" && !utils.ContainsAny(ct, config.AcceptedAudioTypes...) {
				return nil, requestMeta{}, gwerrors.Validation("unsupported audio content type: " + ct)
			}
		}
		part.Close()
	}
	if !sawFile {
		return nil, requestMeta{}, gwerrors.Validation("file is required")
	}
	if meta.model == "" {
		return nil, requestMeta{}, gwerrors.Validation("model is required")
	}
	return body, meta, nil
}
