package bootstrap

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/danmuck/lifeline/internal/transport"
	"github.com/danmuck/lifeline/internal/version"
)

const (
	fieldCurrentVersion     = "current_version"
	fieldRecommendedVersion = "recommended_version"
	fieldMinimumVersion     = "minimum_version"
)

func handshake(ctx context.Context, api *transport.API, path, installed string) (Result, error) {
	var body map[string]json.RawMessage
	if err := api.GetJSON(ctx, path, &body); err != nil {
		return Result{}, err
	}
	return interpret(body, installed), nil
}

// interpret splits the response into the version triple and passthrough config.
func interpret(body map[string]json.RawMessage, installed string) Result {
	info := version.Info{
		Current:     stringField(body, fieldCurrentVersion),
		Recommended: stringField(body, fieldRecommendedVersion),
		Minimum:     stringField(body, fieldMinimumVersion),
	}
	cfg := make(AppConfig, len(body))
	for k, v := range body {
		switch k {
		case fieldCurrentVersion, fieldRecommendedVersion, fieldMinimumVersion:
			continue
		}
		cfg[k] = v
	}
	return Result{
		Versions: info,
		Decision: info.Evaluate(installed),
		Config:   cfg,
	}
}

// stringField treats missing, null and non-string values as unknown.
func stringField(body map[string]json.RawMessage, key string) string {
	raw, ok := body[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
