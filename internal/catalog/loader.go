package catalog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
)

// Snapshot is an immutable view of the loaded catalog. Reloads build a new
// Snapshot and swap it in; readers never see partial state.
type Snapshot struct {
	endpoints map[string]map[string]*ModelEntry // path -> logical id -> entry
	providers map[string]*Provider              // by name
}

// Lookup returns the model entry for (endpoint, model)
func (s *Snapshot) Lookup(endpoint, model string) (*ModelEntry, bool) {
	models, ok := s.endpoints[endpoint]
	if !ok {
		return nil, false
	}
	entry, ok := models[model]
	return entry, ok
}

// Provider returns a provider by name
func (s *Snapshot) Provider(name string) (*Provider, bool) {
	p, ok := s.providers[name]
	return p, ok
}

// Providers returns all providers in the snapshot
func (s *Snapshot) Providers() []*Provider {
	out := make([]*Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	return out
}

// Models returns all model entries in the snapshot
func (s *Snapshot) Models() []*ModelEntry {
	var out []*ModelEntry
	for _, models := range s.endpoints {
		for _, entry := range models {
			out = append(out, entry)
		}
	}
	return out
}

// Endpoints returns the endpoint paths present in the snapshot
func (s *Snapshot) Endpoints() []string {
	out := make([]string, 0, len(s.endpoints))
	for path := range s.endpoints {
		out = append(out, path)
	}
	return out
}

// providersFile mirrors the JSON providers file layout:
// {endpoints:{"<path>":{models:{"<id>":[<provider>,...]}}}}
type providersFile struct {
	Endpoints map[string]struct {
		Models map[string][]json.RawMessage `json:"models"`
	} `json:"endpoints"`
}

// Load reads a providers file (JSON or CSV by extension), normalizes every
// record and returns the resulting snapshot.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return loadCSV(data)
	}
	return loadJSON(data)
}

func loadJSON(data []byte) (*Snapshot, error) {
	var file providersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	snap := &Snapshot{
		endpoints: make(map[string]map[string]*ModelEntry),
		providers: make(map[string]*Provider),
	}

	for path, endpoint := range file.Endpoints {
		models := make(map[string]*ModelEntry)
		for modelID, rawProviders := range endpoint.Models {
			entry := &ModelEntry{
				LogicalID:       modelID,
				EndpointPath:    path,
				TokenMultiplier: 1.0,
			}
			for _, raw := range rawProviders {
				var fields map[string]interface{}
				if err := json.Unmarshal(raw, &fields); err != nil {
					utils.Warn("[Catalog] Skipping malformed provider record for %s: %v", modelID, err)
					continue
				}
				p := normalizeProvider(fields)
				if caps := stringSlice(fields, "capabilities"); caps != nil {
					entry.Capabilities = mergeCapabilities(entry.Capabilities, caps)
				}
				if owner := stringField(fields, "owner", "owned_by"); owner != "" {
					entry.Owner = owner
				}
				entry.Providers = append(entry.Providers, p)
				snap.providers[p.Name] = p
			}
			// A model with no providers is absent from the catalog
			if len(entry.Providers) > 0 {
				models[modelID] = entry
			}
		}
		if len(models) > 0 {
			snap.endpoints[path] = models
		}
	}
	return snap, nil
}

// loadCSV parses the legacy CSV catalog. Expected headers include
// Name, Base_URL, APIKey and Model(s) list endpoint; an optional Models
// column carries pipe-separated logical model ids served on
// /v1/chat/completions.
func loadCSV(data []byte) (*Snapshot, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse providers CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("providers CSV is empty")
	}

	header := make(map[string]int)
	for i, name := range records[0] {
		key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", ""))
		key = strings.ReplaceAll(key, " ", "")
		header[key] = i
	}

	cell := func(row []string, keys ...string) string {
		for _, key := range keys {
			if idx, ok := header[key]; ok && idx < len(row) {
				return strings.TrimSpace(row[idx])
			}
		}
		return ""
	}

	snap := &Snapshot{
		endpoints: make(map[string]map[string]*ModelEntry),
		providers: make(map[string]*Provider),
	}
	const chatPath = "/v1/chat/completions"
	models := make(map[string]*ModelEntry)

	for _, row := range records[1:] {
		fields := map[string]interface{}{
			"name":     cell(row, "name"),
			"base_url": cell(row, "baseurl"),
			"api_key":  cell(row, "apikey"),
			"priority": cell(row, "priority"),
		}
		p := normalizeProvider(fields)
		if p.Name == "" {
			continue
		}
		snap.providers[p.Name] = p

		modelList := cell(row, "models", "model(s)listendpoint")
		for _, modelID := range strings.Split(modelList, "|") {
			modelID = strings.TrimSpace(modelID)
			if modelID == "" || strings.HasPrefix(modelID, "http") {
				// Model-list endpoint URLs are consumed by the external
				// model tracker, not by the catalog itself.
				continue
			}
			entry, ok := models[modelID]
			if !ok {
				entry = &ModelEntry{LogicalID: modelID, EndpointPath: chatPath, TokenMultiplier: 1.0}
				models[modelID] = entry
			}
			entry.Providers = append(entry.Providers, p)
		}
	}
	if len(models) > 0 {
		snap.endpoints[chatPath] = models
	}
	return snap, nil
}

// normalizeProvider maps a loosely-typed provider record (snake or camel
// case keys, numbers as strings) onto the canonical Provider form.
func normalizeProvider(fields map[string]interface{}) *Provider {
	p := &Provider{
		Name:            stringField(fields, "name"),
		BaseURL:         stringField(fields, "base_url", "baseUrl", "baseURL", "url"),
		APIKey:          stringField(fields, "api_key", "apiKey"),
		APIKeyEnvVar:    stringField(fields, "api_key_env_var", "apiKeyEnvVar"),
		UpstreamModelID: stringField(fields, "model", "upstream_model_id", "upstreamModelId"),
		Priority:        intField(fields, 1, "priority"),
		TokenMultiplier: floatField(fields, 1.0, "token_multiplier", "tokenMultiplier"),
		RPM:             intField(fields, 0, "rpm", "requests_per_minute"),
		TPM:             intField(fields, 0, "tpm", "tokens_per_minute"),
		Concurrent:      intField(fields, 0, "concurrent", "max_concurrent"),
	}

	if meta, ok := fields["metadata"].(map[string]interface{}); ok {
		p.Metadata = Metadata{
			IsFree:       boolField(meta, "is_free", "isFree"),
			PremiumModel: boolField(meta, "premium_model", "premiumModel"),
			PremiumOnly:  boolField(meta, "premium_only", "premiumOnly"),
			PaidModel:    boolField(meta, "paid_model", "paidModel"),
			Tier:         stringField(meta, "tier"),
			CostPerToken: floatField(meta, 0, "cost_per_token", "costPerToken"),
		}
	}

	p.BaseURL = normalizeURL(p.Name, p.BaseURL)

	if p.APIKey == "" && p.APIKeyEnvVar != "" {
		p.APIKey = os.Getenv(p.APIKeyEnvVar)
	}
	if p.TokenMultiplier < 0 {
		p.TokenMultiplier = 0
	}
	return p
}

// normalizeURL parses and reserializes the base URL. Invalid URLs produce a
// warning and the original string is preserved.
func normalizeURL(name, raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		utils.Warn("[Catalog] Provider %s has an unparseable base_url %q, keeping as-is", name, raw)
		return raw
	}
	return u.String()
}

// Validation

// ProviderErrors collects the validation failures of one provider
type ProviderErrors struct {
	Provider string   `json:"provider"`
	Errors   []string `json:"errors"`
}

// ValidationResult summarizes catalog validation
type ValidationResult struct {
	IsValid        bool             `json:"isValid"`
	ValidProviders int              `json:"validProviders"`
	Errors         []ProviderErrors `json:"errors"`
}

// Validate checks every provider in the snapshot: non-empty name and
// base_url, a parseable URL, a resolvable API key and non-negative rate
// limits.
func (s *Snapshot) Validate() ValidationResult {
	result := ValidationResult{IsValid: true}

	for _, p := range s.providers {
		var errs []string
		if p.Name == "" {
			errs = append(errs, "missing name")
		}
		if p.BaseURL == "" {
			errs = append(errs, "missing base_url")
		} else if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("invalid base_url %q", p.BaseURL))
		}
		if p.APIKey == "" {
			if p.APIKeyEnvVar != "" {
				errs = append(errs, fmt.Sprintf("api_key_env_var %s resolves to empty", p.APIKeyEnvVar))
			} else {
				errs = append(errs, "no api_key or api_key_env_var")
			}
		}
		if p.RPM < 0 || p.TPM < 0 || p.Concurrent < 0 {
			errs = append(errs, "rate limit values must be >= 0")
		}

		if len(errs) > 0 {
			result.IsValid = false
			result.Errors = append(result.Errors, ProviderErrors{Provider: p.Name, Errors: errs})
		} else {
			result.ValidProviders++
		}
	}
	return result
}

// field coercion helpers

func stringField(fields map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := fields[key]; ok {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func intField(fields map[string]interface{}, def int, keys ...string) int {
	for _, key := range keys {
		v, ok := fields[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n)
		case string:
			if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				return parsed
			}
		}
	}
	return def
}

func floatField(fields map[string]interface{}, def float64, keys ...string) float64 {
	for _, key := range keys {
		v, ok := fields[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n
		case string:
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return parsed
			}
		}
	}
	return def
}

func boolField(fields map[string]interface{}, keys ...string) bool {
	for _, key := range keys {
		v, ok := fields[key]
		if !ok {
			continue
		}
		switch b := v.(type) {
		case bool:
			return b
		case string:
			return strings.EqualFold(strings.TrimSpace(b), "true")
		}
	}
	return false
}

func stringSlice(fields map[string]interface{}, key string) []string {
	raw, ok := fields[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mergeCapabilities(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[c] = true
	}
	for _, c := range extra {
		if !seen[c] {
			existing = append(existing, c)
			seen[c] = true
		}
	}
	return existing
}
