// Package params normalizes heterogeneous client parameters into the
// canonical, provider-agnostic values all adapters consume.
package params

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
)

// Canonical aspect-ratio tokens. Every adapter maps from these, never from
// raw pixel dimensions.
const (
	RatioSquare    = "1:1"
	RatioLandscape = "4:3"
	RatioPortrait  = "3:4"
	RatioWide      = "16:9"
	RatioTall      = "9:16"
	RatioUltraWide = "21:9"
	RatioUltraTall = "9:21"
)

// canonicalRatios is the closed token set. Tokens are fixed points of
// NormalizeAspect.
var canonicalRatios = map[string]bool{
	RatioSquare:    true,
	RatioLandscape: true,
	RatioPortrait:  true,
	RatioWide:      true,
	RatioTall:      true,
	RatioUltraWide: true,
	RatioUltraTall: true,
}

// sizeTable maps common pixel dimensions directly to their ratio token.
// Checked before any arithmetic so the well-known sizes never drift into a
// neighboring bucket.
var sizeTable = map[string]string{
	"512x512":   RatioSquare,
	"768x768":   RatioSquare,
	"1024x1024": RatioSquare,
	"2048x2048": RatioSquare,
	"1024x768":  RatioLandscape,
	"1600x1200": RatioLandscape,
	"768x1024":  RatioPortrait,
	"1200x1600": RatioPortrait,
	"1280x720":  RatioWide,
	"1920x1080": RatioWide,
	"2560x1440": RatioWide,
	"720x1280":  RatioTall,
	"1080x1920": RatioTall,
	"1440x2560": RatioTall,
	"2560x1080": RatioUltraWide,
	"3440x1440": RatioUltraWide,
	"1080x2560": RatioUltraTall,
	"1440x3440": RatioUltraTall,
}

// ratioTargets are exact width/height values matched within ±tolerance
// before the ordered range fallback kicks in.
var ratioTargets = []struct {
	value float64
	token string
}{
	{1.0, RatioSquare},
	{4.0 / 3.0, RatioLandscape},
	{3.0 / 4.0, RatioPortrait},
	{16.0 / 9.0, RatioWide},
	{9.0 / 16.0, RatioTall},
	{21.0 / 9.0, RatioUltraWide},
	{9.0 / 21.0, RatioUltraTall},
}

const ratioTolerance = 0.1

// NormalizeAspect converts a client size expression into a canonical ratio
// token. Input is either a ratio token ("16:9") or a pixel string
// ("1024x768"). Unparseable input falls back to "1:1" with a warning
// instead of failing the request; generation at a guessed ratio beats a
// hard error here.
func NormalizeAspect(input string, logger *zap.Logger) string {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return RatioSquare
	}
	if canonicalRatios[s] {
		return s
	}
	if token, ok := sizeTable[s]; ok {
		return token
	}

	var width, height float64
	if n, err := fmt.Sscanf(s, "%fx%f", &width, &height); err != nil || n != 2 || width <= 0 || height <= 0 {
		logger.Warn("unparseable size expression, defaulting to square",
			zap.String("input", input),
			zap.String("ratio", RatioSquare))
		return RatioSquare
	}

	r := width / height
	for _, target := range ratioTargets {
		if math.Abs(r-target.value) <= ratioTolerance {
			return target.token
		}
	}

	// Ordered range fallback for dimensions far from any exact target.
	switch {
	case r >= 2.0:
		return RatioUltraWide
	case r >= 1.5:
		return RatioWide
	case r > 1.0:
		return RatioLandscape
	case r >= 0.7:
		return RatioPortrait
	case r >= 0.4:
		return RatioTall
	default:
		return RatioUltraTall
	}
}
