// Package browserflags merges the browser's baseline command line with
// a runtime overlay file, so flags can be adjusted between restarts
// without rebuilding the image.
package browserflags

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// overlayFile is the JSON document stored at the overlay path:
// {"flags": ["--foo", "--bar=1"]}
type overlayFile struct {
	Flags []string `json:"flags"`
}

// ReadOverlay loads the runtime overlay. A missing or empty file is an
// empty overlay, not an error.
func ReadOverlay(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}

	var overlay overlayFile
	if err := json.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse overlay %s: %w", path, err)
	}
	if overlay.Flags == nil {
		return nil, fmt.Errorf("overlay %s missing 'flags' array", path)
	}
	return normalize(overlay.Flags), nil
}

// WriteOverlay persists tokens as the runtime overlay document.
func WriteOverlay(path string, tokens []string) error {
	data, err := json.Marshal(overlayFile{Flags: normalize(tokens)})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Merge combines the baseline flag string (space separated, typically
// from the environment) with overlay tokens. Later occurrences of a
// flag win, --load-extension values are merged as a CSV union, and
// duplicates are dropped.
func Merge(baseline string, overlay []string) []string {
	tokens := append(strings.Fields(baseline), overlay...)

	var loadExtensions []string
	byName := make(map[string]int)
	merged := make([]string, 0, len(tokens))

	for _, tok := range tokens {
		if val, ok := strings.CutPrefix(tok, "--load-extension="); ok {
			loadExtensions = appendCSV(loadExtensions, val)
			continue
		}
		name, _, _ := strings.Cut(tok, "=")
		if idx, seen := byName[name]; seen {
			merged[idx] = tok
			continue
		}
		byName[name] = len(merged)
		merged = append(merged, tok)
	}

	if len(loadExtensions) > 0 {
		merged = append(merged, "--load-extension="+strings.Join(loadExtensions, ","))
	}
	return merged
}

func appendCSV(dst []string, csv string) []string {
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		duplicate := false
		for _, existing := range dst {
			if existing == part {
				duplicate = true
				break
			}
		}
		if !duplicate {
			dst = append(dst, part)
		}
	}
	return dst
}

func normalize(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if t := strings.TrimSpace(tok); t != "" {
			out = append(out, t)
		}
	}
	return out
}
