package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// toJSON re-encodes a YAML document as JSON so both formats go through the
// same strict decoder. JSON input is returned untouched.
func toJSON(name string, data []byte) ([]byte, error) {
	if !isYAML(name) {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	v, err := jsonValue("", doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return json.Marshal(v)
}

// jsonValue rewrites YAML maps into string-keyed maps. Non-string keys are
// rejected since no config field could match them.
func jsonValue(path string, in any) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			jv, err := jsonValue(join(path, k), v)
			if err != nil {
				return nil, err
			}
			x[k] = jv
		}
		return x, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%s: non-string key %v", orRoot(path), k)
			}
			jv, err := jsonValue(join(path, ks), v)
			if err != nil {
				return nil, err
			}
			out[ks] = jv
		}
		return out, nil
	case []any:
		for i, v := range x {
			jv, err := jsonValue(fmt.Sprintf("%s[%d]", path, i), v)
			if err != nil {
				return nil, err
			}
			x[i] = jv
		}
		return x, nil
	}
	return in, nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func orRoot(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}

// ParseDurationField parses a Go duration string. Empty means 0; negative
// values are rejected. path is only used in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
