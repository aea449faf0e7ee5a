package guardrail

import (
	"context"
	"regexp"

	"golang.org/x/text/unicode/norm"
)

var (
	injectionPattern = regexp.MustCompile(`(?i)<script[^>]*>|javascript:|on\w+\s*=\s*["']`)
	piiPattern       = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b|\b[\w.+-]+@[\w-]+\.[\w.-]+\b`)
	dangerousTag     = regexp.MustCompile(`(?i)</?(script|iframe|object|embed)[^>]*>`)
)

// Sanitizer is the input sanitizer stage: size limit, content-type
// allowlist, injection/PII detection, dangerous-tag stripping, optional PII
// redaction.
type Sanitizer struct {
	maxPayloadBytes  int
	allowedContentTypes map[string]bool
	redactPII        bool
}

// NewSanitizer constructs the input sanitizer stage. An empty
// allowedContentTypes allows every content type.
func NewSanitizer(maxPayloadBytes int, allowedContentTypes []string, redactPII bool) *Sanitizer {
	allowed := make(map[string]bool, len(allowedContentTypes))
	for _, ct := range allowedContentTypes {
		allowed[ct] = true
	}
	return &Sanitizer{maxPayloadBytes: maxPayloadBytes, allowedContentTypes: allowed, redactPII: redactPII}
}

func (s *Sanitizer) Name() string { return "sanitize" }

func (s *Sanitizer) Process(ctx context.Context, data map[string]any, pctx *Context) (StageResult, error) {
	res := StageResult{Allowed: true}

	original, _ := data["text"].(string)
	// Normalize to NFC first: combining-character sequences that spell the
	// same text as a precomposed form would otherwise slip past the
	// injection/PII patterns below.
	text := original
	if !norm.NFC.IsNormalString(text) {
		text = norm.NFC.String(text)
	}
	if s.maxPayloadBytes > 0 && len(text) > s.maxPayloadBytes {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Stage: s.Name(), Kind: "payload_too_large", Severity: SeverityHigh,
			Detail: "payload exceeds configured size limit",
		})
		return res, nil
	}

	if ct, ok := data["content_type"].(string); ok && len(s.allowedContentTypes) > 0 && !s.allowedContentTypes[ct] {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Stage: s.Name(), Kind: "content_type_not_allowed", Severity: SeverityHigh,
			Detail: "content type " + ct + " is not in the allowlist",
		})
		return res, nil
	}

	if injectionPattern.MatchString(text) {
		res.Allowed = false
		res.Violations = append(res.Violations, Violation{
			Stage: s.Name(), Kind: "injection_attack", Severity: SeverityCritical,
			Detail: "input matched an injection pattern",
		})
	}

	modified := text
	stripped := dangerousTag.ReplaceAllString(modified, "")
	if stripped != modified {
		modified = stripped
	}

	if s.redactPII && piiPattern.MatchString(modified) {
		modified = piiPattern.ReplaceAllString(modified, "[REDACTED]")
		res.Violations = append(res.Violations, Violation{
			Stage: s.Name(), Kind: "pii_detected", Severity: SeverityLow,
			Detail: "PII pattern found and redacted",
		})
	} else if piiPattern.MatchString(modified) {
		res.Violations = append(res.Violations, Violation{
			Stage: s.Name(), Kind: "pii_detected", Severity: SeverityLow,
			Detail: "PII pattern found (informational, not redacted)",
		})
	}

	if modified != original {
		out := make(map[string]any, len(data))
		for k, v := range data {
			out[k] = v
		}
		out["text"] = modified
		res.ModifiedData = out
	}

	return res, nil
}
