package correlation

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadDir reads every YAML rule file under dir (recursively) and returns the
// parsed rules. Each rule is validated; the first invalid rule fails the
// whole load so a bad deploy is caught at startup rather than silently
// dropping detections.
func LoadDir(dir string) ([]*Rule, error) {
	var rules []*Rule

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read rule file %s: %w", path, err)
		}

		parsed, err := ParseRules(data)
		if err != nil {
			return fmt.Errorf("failed to parse rule file %s: %w", path, err)
		}

		for _, rule := range parsed {
			if err := rule.Validate(); err != nil {
				return fmt.Errorf("invalid rule %q in %s: %w", rule.ID, path, err)
			}
			rules = append(rules, rule)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return rules, nil
}
