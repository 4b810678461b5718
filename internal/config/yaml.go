package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// configToStrictJSON re-encodes a YAML config file as JSON so both formats go
// through the same strict decoder in Parse (DisallowUnknownFields).
//
// The daemon's schema is nested objects with string keys only, so a
// non-string YAML key (for example a bare number used as a section name) is
// reported with its key path instead of being silently stringified.
//
// Returns (jsonBytes, format, err) where format is "json" or "yaml".
func configToStrictJSON(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}

	v, err := jsonShape("", v)
	if err != nil {
		return nil, "yaml", err
	}

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// jsonShape rewrites a decoded YAML tree into the shape encoding/json
// accepts, tracking the key path for error messages.
func jsonShape(at string, in any) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			nv, err := jsonShape(keyPath(at, k), v)
			if err != nil {
				return nil, err
			}
			x[k] = nv
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%s: non-string key %v", keyPathOrRoot(at), k)
			}
			nv, err := jsonShape(keyPath(at, ks), v)
			if err != nil {
				return nil, err
			}
			m[ks] = nv
		}
		return m, nil
	case []any:
		for i := range x {
			nv, err := jsonShape(fmt.Sprintf("%s[%d]", at, i), x[i])
			if err != nil {
				return nil, err
			}
			x[i] = nv
		}
		return x, nil
	default:
		return in, nil
	}
}

func keyPath(at, k string) string {
	if at == "" {
		return k
	}
	return at + "." + k
}

func keyPathOrRoot(at string) string {
	if at == "" {
		return "config root"
	}
	return at
}
