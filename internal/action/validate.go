package action

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/microcosm-cc/bluemonday"

	"github.com/seantiz/anvil/internal/model"
)

var (
	pathTraversalPattern = regexp.MustCompile(`(^|[\\/])\.\.([\\/]|$)`)
	sqlInjectionPattern  = regexp.MustCompile(`(?i)(\bunion\s+(all\s+)?select\b|;\s*(drop|delete|truncate|alter)\s+(table|database)\b|'\s*or\s+'?1'?\s*=\s*'?1|\bexec\s*\(\s*xp_)`)
	markupPattern        = regexp.MustCompile(`</?[a-zA-Z!]`)

	htmlPolicy = bluemonday.UGCPolicy()
)

// Validate runs the two validation passes over params: schema validation
// (when the definition carries a schema) then security validation. Both
// produce sanitized params; security-sanitized values take final precedence.
// Keys with the internal prefix are passed through untouched.
func (d *Definition) Validate(params map[string]any) (map[string]any, error) {
	schemaOut, err := d.validateSchema(params)
	if err != nil {
		return nil, err
	}
	securityOut, err := validateSecurity(d.Name, params)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(schemaOut))
	for k, v := range schemaOut {
		out[k] = v
	}
	for k, v := range securityOut {
		out[k] = v
	}
	return out, nil
}

// validateSchema checks params against the definition's schema. The
// sanitized result is the JSON-normalized form of the params.
func (d *Definition) validateSchema(params map[string]any) (map[string]any, error) {
	if d.resolved == nil {
		return params, nil
	}
	raw, err := json.Marshal(model.DomainParams(params))
	if err != nil {
		return nil, &ValidationError{Action: d.Name, Pass: "schema", Reason: fmt.Sprintf("params are not serializable: %v", err)}
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, &ValidationError{Action: d.Name, Pass: "schema", Reason: err.Error()}
	}
	if err := d.resolved.Validate(normalized); err != nil {
		return nil, &ValidationError{Action: d.Name, Pass: "schema", Reason: err.Error()}
	}
	for k, v := range params {
		if model.IsInternalKey(k) {
			normalized[k] = v
		}
	}
	return normalized, nil
}

// validateSecurity rejects path traversal and SQL injection patterns in any
// string value and strips unsafe markup from strings that contain tags.
func validateSecurity(name string, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if model.IsInternalKey(k) {
			out[k] = v
			continue
		}
		clean, err := sanitizeValue(v)
		if err != nil {
			return nil, &ValidationError{Action: name, Pass: "security", Reason: fmt.Sprintf("param %q: %v", k, err)}
		}
		out[k] = clean
	}
	return out, nil
}

func sanitizeValue(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return sanitizeString(t)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			clean, err := sanitizeValue(vv)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = clean
		}
		return m, nil
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			clean, err := sanitizeValue(vv)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			s[i] = clean
		}
		return s, nil
	case []string:
		s := make([]string, len(t))
		for i, vv := range t {
			clean, err := sanitizeString(vv)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			s[i] = clean.(string)
		}
		return s, nil
	default:
		return v, nil
	}
}

func sanitizeString(s string) (any, error) {
	if pathTraversalPattern.MatchString(s) {
		return nil, fmt.Errorf("path traversal sequence")
	}
	if sqlInjectionPattern.MatchString(s) {
		return nil, fmt.Errorf("sql injection pattern")
	}
	if markupPattern.MatchString(s) {
		return htmlPolicy.Sanitize(s), nil
	}
	return s, nil
}
