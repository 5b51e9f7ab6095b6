package l7

import (
	"math"
	"strings"

	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/models"
)

var traversalMarkers = []string{"../", "..\\", "/..", "%2e%2e", "%252e", "..%2f", "..%5c", "%c0%ae"}

const (
	randomSegmentMinLen  = 24
	randomSegmentEntropy = 4.2
)

// analyzePath checks the method against the route and the raw path for
// traversal, null bytes, excessive length and random-looking segments.
func analyzePath(method, rawPath, rawQuery string, route config.Route, matched bool, maxLen int) []models.Signal {
	var out []models.Signal

	if matched && !route.MethodAllowed(method) {
		out = append(out, signal("method_not_allowed", 0.6, "", method+" not allowed on route"))
	}
	switch method {
	case "TRACE", "TRACK", "CONNECT":
		out = append(out, signal("method_abuse", 0.7, models.VerdictDeny, method+" is never served"))
	}

	lower := strings.ToLower(rawPath + "?" + rawQuery)
	for _, m := range traversalMarkers {
		if strings.Contains(lower, m) {
			out = append(out, signal("path_traversal", 0.9, models.VerdictDeny, "traversal sequence "+m))
			break
		}
	}
	if strings.Contains(lower, "%00") || strings.ContainsRune(lower, 0) {
		out = append(out, signal("null_byte", 0.9, models.VerdictDeny, "null byte in path"))
	}
	if maxLen > 0 && len(rawPath) > maxLen {
		out = append(out, signal("path_too_long", 0.6, "", "path exceeds limit"))
	}
	for _, seg := range strings.Split(rawPath, "/") {
		if len(seg) >= randomSegmentMinLen && entropy(seg) >= randomSegmentEntropy {
			out = append(out, signal("random_path", 0.4, "", "high-entropy path segment"))
			break
		}
	}
	return out
}

// entropy is the Shannon entropy of s in bits per byte.
func entropy(s string) float64 {
	if s == "" {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	h := 0.0
	n := float64(len(s))
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
