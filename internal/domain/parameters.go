package domain

import (
	"fmt"
	"strings"
)

// ParameterDelimiter separates key=value pairs in a job parameter string
const ParameterDelimiter = " "

// NormalizeParameters converts comma separators into the canonical delimiter.
// A nil parameter string becomes empty. Nothing else is rewritten.
func NormalizeParameters(params *string) string {
	if params == nil {
		return ""
	}
	return strings.ReplaceAll(*params, ",", ParameterDelimiter)
}

// ParseParameters splits a normalized parameter string into key/value pairs
func ParseParameters(params string) (map[string]string, error) {
	result := make(map[string]string)
	for _, token := range strings.Fields(params) {
		key, value, ok := strings.Cut(token, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: malformed parameter %q (expected key=value)", ErrInvalidParameters, token)
		}
		if _, dup := result[key]; dup {
			return nil, fmt.Errorf("%w: duplicate parameter %q", ErrInvalidParameters, key)
		}
		result[key] = value
	}
	return result, nil
}
