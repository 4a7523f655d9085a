package sanitize

import (
	"encoding/json"

	"github.com/kaptinlin/jsonrepair"

	"smartquery/internal/logging"
	"smartquery/internal/types"
)

// DecodeObject extracts the first JSON object from raw model output, repairs
// minor syntax damage, and decodes it into out. On structural mismatch beyond
// repair it fails with INTERPRETATION_INVALID; nothing unvalidated ever
// reaches the caller.
func DecodeObject(raw string, out interface{}) error {
	return DecodeObjectWithAliases(raw, nil, out)
}

// DecodeObjectWithAliases additionally maps top-level field aliases onto
// their canonical names before the typed decode (bounded best-effort
// coercion: a known alias is renamed, everything else is left alone).
func DecodeObjectWithAliases(raw string, aliases map[string]string, out interface{}) error {
	candidates := scanObjects(raw)
	if len(candidates) == 0 {
		// The whole response may be JSON that the scanner cannot see as a
		// balanced object (truncation, stray quote). Let the repairer try.
		candidates = []string{raw}
	}

	var lastErr error
	for _, candidate := range candidates {
		obj, err := decodeLoose(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		applyAliases(obj, aliases)

		normalized, err := json.Marshal(obj)
		if err != nil {
			lastErr = err
			continue
		}
		if err := json.Unmarshal(normalized, out); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	logging.Get(logging.CategorySanitize).Error("model output failed decode: %v", lastErr)
	return types.Wrap(types.KindInterpretationInvalid, lastErr,
		"model output is not a valid structured response")
}

// decodeLoose parses candidate as a JSON object, falling back to jsonrepair
// for almost-JSON (trailing commas, single quotes, unquoted keys).
func decodeLoose(candidate string) (map[string]interface{}, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
		return obj, nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, err
	}
	logging.SanitizeDebug("repaired model JSON (%d -> %d chars)", len(candidate), len(repaired))
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func applyAliases(obj map[string]interface{}, aliases map[string]string) {
	for alias, canonical := range aliases {
		v, ok := obj[alias]
		if !ok {
			continue
		}
		if _, exists := obj[canonical]; !exists {
			obj[canonical] = v
		}
		delete(obj, alias)
	}
}

// scanObjects finds top-level JSON object candidates in s using a byte-level
// state machine that tracks brace depth and string escaping. ASCII delimiters
// are safe to scan bytewise: UTF-8 continuation bytes never collide with them.
func scanObjects(s string) []string {
	var candidates []string
	depth := 0
	start := -1
	inString := false
	escape := false

	for i := 0; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}
		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					candidates = append(candidates, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return candidates
}
