// Package repos reads the list of repositories that may be scanned.
//
// Two formats are accepted. A .yaml/.yml file holds a list of {name, url}
// entries. Anything else is read as plain text with one clone URL per line;
// blank lines and lines starting with # are skipped.
package repos

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/leak-scanner/internal/model"
)

// File loads repositories from Path on every call so edits take effect
// without a restart.
type File struct {
	Path string
}

func (f File) Load() ([]model.RepoConfig, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read repos file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseText(data), nil
	}
}

// Find returns the repository called name.
func (f File) Find(name string) (model.RepoConfig, bool, error) {
	list, err := f.Load()
	if err != nil {
		return model.RepoConfig{}, false, err
	}
	for _, r := range list {
		if r.Name == name {
			return r, true, nil
		}
	}
	return model.RepoConfig{}, false, nil
}

func ParseText(data []byte) []model.RepoConfig {
	out := []model.RepoConfig{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if r, ok := FromURL(line); ok {
			out = append(out, r)
		}
	}
	return out
}

func ParseYAML(data []byte) ([]model.RepoConfig, error) {
	var entries []model.RepoConfig
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse repos yaml: %w", err)
	}
	out := make([]model.RepoConfig, 0, len(entries))
	for i, e := range entries {
		url := strings.TrimSpace(e.URL)
		if url == "" {
			return nil, fmt.Errorf("repos yaml entry %d: url is required", i)
		}
		r, ok := FromURL(url)
		if !ok {
			return nil, fmt.Errorf("repos yaml entry %d: cannot derive a name from %q", i, url)
		}
		if name := strings.TrimSpace(e.Name); name != "" {
			if !ValidName(name) {
				return nil, fmt.Errorf("repos yaml entry %d: name %q must not contain path separators or ..", i, name)
			}
			r.Name = name
		}
		out = append(out, r)
	}
	return out, nil
}

// ValidName reports whether name can prefix a scan id. Scan ids become file
// and directory names, so separators and .. are refused.
func ValidName(name string) bool {
	return name != "" && !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

// FromURL names a repository after the last path segment of url without
// its .git suffix. The returned URL always ends in .git.
func FromURL(url string) (model.RepoConfig, bool) {
	trimmed := strings.TrimSuffix(url, ".git")
	name := trimmed[strings.LastIndex(trimmed, "/")+1:]
	if !ValidName(name) {
		return model.RepoConfig{}, false
	}
	if !strings.HasSuffix(url, ".git") {
		url += ".git"
	}
	return model.RepoConfig{Name: name, URL: url}, true
}
