// Package validate enforces per-model schema constraints on raw client
// requests before anything reaches a provider adapter. Validation failures
// are terminal: they never enter the retry engine.
package validate

import (
	"encoding/base64"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/forgeml/mediaflow/params"
	"github.com/forgeml/mediaflow/types"
)

// knownNumericKeys are the parameter keys the validator type-checks.
// Everything else passes through opaquely for the adapter to interpret.
var knownNumericKeys = []string{"seed", "duration", "safety_tolerance", "steps", "guidance", "fps"}

// Request checks a generation request against the model's declared
// capability schema. It returns nil when the request may be dispatched.
func Request(req *types.GenerationRequest, spec types.ModelSpec) error {
	if req == nil {
		return types.NewError(types.ErrInvalidRequest, "request is nil")
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return types.NewError(types.ErrInvalidRequest, "prompt must not be empty")
	}
	if n := utf8.RuneCountInString(req.Prompt); n > spec.PromptLimit() {
		return types.Errorf(types.ErrInvalidRequest, "prompt length %d exceeds model limit %d", n, spec.PromptLimit())
	}

	if len(req.InputImages) > spec.MaxInputImages {
		return types.Errorf(types.ErrInvalidRequest, "input image count %d exceeds model limit %d", len(req.InputImages), spec.MaxInputImages)
	}
	for i, img := range req.InputImages {
		if err := checkImageRef(img); err != nil {
			return types.Errorf(types.ErrInvalidRequest, "input image %d: %v", i, err)
		}
	}

	if req.NumOutputs < 1 || req.NumOutputs > spec.OutputLimit() {
		return types.Errorf(types.ErrInvalidRequest, "num_outputs %d outside [1, %d]", req.NumOutputs, spec.OutputLimit())
	}

	// Known keys must at least be numeric; range enforcement is the
	// normalizer's job (it clamps instead of rejecting).
	for _, key := range knownNumericKeys {
		if v, present := req.Parameters[key]; present {
			if _, ok := params.Number(req.Parameters, key); !ok {
				return types.Errorf(types.ErrInvalidParameters, "parameter %q: expected a number, got %T", key, v)
			}
		}
	}

	return nil
}

// checkImageRef accepts an absolute http(s) URL or a base64 image data URI.
func checkImageRef(ref string) error {
	if strings.HasPrefix(ref, "data:") {
		return checkDataURI(ref)
	}

	u, err := url.Parse(ref)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return types.NewError(types.ErrInvalidRequest, "not an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return types.Errorf(types.ErrInvalidRequest, "unsupported URL scheme %q", u.Scheme)
	}
	return nil
}

func checkDataURI(ref string) error {
	rest, ok := strings.CutPrefix(ref, "data:image/")
	if !ok {
		return types.NewError(types.ErrInvalidRequest, "data URI is not an image")
	}
	_, payload, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return types.NewError(types.ErrInvalidRequest, "data URI is not base64 encoded")
	}
	if payload == "" {
		return types.NewError(types.ErrInvalidRequest, "data URI payload is empty")
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return types.NewError(types.ErrInvalidRequest, "data URI payload is not valid base64")
	}
	return nil
}

// Normalize canonicalizes the request in place after validation: the size
// or ratio expression collapses into one aspect_ratio token and declared
// numeric parameters are clamped to their model ranges.
func Normalize(req *types.GenerationRequest, spec types.ModelSpec, normalizeAspect func(string) string) {
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}

	size, _ := req.Parameters["size"].(string)
	ratio, _ := req.Parameters["aspect_ratio"].(string)
	expr := ratio
	if expr == "" {
		expr = size
	}
	req.Parameters["aspect_ratio"] = normalizeAspect(expr)
	delete(req.Parameters, "size")

	req.Parameters = params.ClampParams(req.Parameters, spec.ParamRanges)
}
