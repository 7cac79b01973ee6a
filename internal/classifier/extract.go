package classifier

import (
	"encoding/json"
	"fmt"
)

// ParseError reports that model output could not be decoded into a
// Classification. It keeps the offending text for diagnostics; callers are
// expected to absorb it via the fallback path, not surface it to users.
type ParseError struct {
	Reason    string
	RawOutput string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("classifier output unparsable: %s", e.Reason)
}

type classificationPayload struct {
	Detected      *bool   `json:"detected"`
	CookstoveType *string `json:"cookstove_type"`
	Confidence    *int    `json:"confidence"`
	InUse         *bool   `json:"in_use"`
}

// Extract locates the first balanced JSON object in raw model output and
// decodes it. The model is prompted for bare JSON but frequently wraps it
// in prose or markdown fences, so the scan ignores everything outside the
// first {...} block. Pure: no I/O, never panics.
func Extract(rawOutput string) (Classification, error) {
	candidate, ok := firstJSONObject(rawOutput)
	if !ok {
		return Classification{}, &ParseError{Reason: "no JSON object found", RawOutput: rawOutput}
	}

	var payload classificationPayload
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		return Classification{}, &ParseError{Reason: err.Error(), RawOutput: rawOutput}
	}

	if payload.Detected == nil {
		return Classification{}, &ParseError{Reason: "missing field: detected", RawOutput: rawOutput}
	}
	if payload.CookstoveType == nil {
		return Classification{}, &ParseError{Reason: "missing field: cookstove_type", RawOutput: rawOutput}
	}
	if payload.Confidence == nil {
		return Classification{}, &ParseError{Reason: "missing field: confidence", RawOutput: rawOutput}
	}
	if *payload.Confidence < 0 || *payload.Confidence > 100 {
		return Classification{}, &ParseError{
			Reason:    fmt.Sprintf("confidence out of range: %d", *payload.Confidence),
			RawOutput: rawOutput,
		}
	}

	cl := Classification{
		Detected:      *payload.Detected,
		CookstoveType: *payload.CookstoveType,
		Confidence:    *payload.Confidence,
	}
	if payload.InUse != nil {
		cl.InUse = *payload.InUse
	}
	return cl, nil
}

// firstJSONObject returns the first balanced {...} substring, tracking
// string literals and escapes so braces inside values do not miscount.
func firstJSONObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if start == -1 {
			if c == '{' {
				start = i
				depth = 1
			}
			continue
		}

		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}
