// Package metadata reads the description of the viewer package that the
// installer is allowed to fetch: its display name, the artifact file name,
// the expected hashes and the dependency list passed to the install script.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PackageInfo describes the single artifact managed by the installer.
// It is immutable once returned by Load.
type PackageInfo struct {
	Name         string
	FileName     string
	MD5          string
	SHA256       string
	Dependencies []string
}

// ParseError reports why a metadata document could not be used.
type ParseError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("metadata %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("metadata %s: %s", e.Path, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Load reads the document at path. Files ending in .yaml or .yml are decoded
// as YAML, anything else as JSON. The document must contain a "package"
// object with non-empty "name" and "file-name" strings; "MD5", "SHA256" and
// "dependency" are optional. No partially filled PackageInfo is ever returned.
func Load(path string) (PackageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PackageInfo{}, &ParseError{Path: path, Reason: "cannot open file", Err: err}
	}

	var root any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &root)
	default:
		err = json.Unmarshal(data, &root)
	}
	if err != nil {
		return PackageInfo{}, &ParseError{Path: path, Reason: "invalid document", Err: err}
	}

	return fromDocument(path, root)
}

func fromDocument(path string, root any) (PackageInfo, error) {
	top, ok := root.(map[string]any)
	if !ok {
		return PackageInfo{}, &ParseError{Path: path, Reason: "root is not an object"}
	}
	raw, ok := top["package"]
	if !ok {
		return PackageInfo{}, &ParseError{Path: path, Reason: `missing "package" section`}
	}
	pkg, ok := raw.(map[string]any)
	if !ok {
		return PackageInfo{}, &ParseError{Path: path, Reason: `"package" is not an object`}
	}

	info := PackageInfo{
		Name:     stringField(pkg, "name"),
		FileName: stringField(pkg, "file-name"),
		MD5:      stringField(pkg, "MD5"),
		SHA256:   stringField(pkg, "SHA256"),
	}
	if info.Name == "" {
		return PackageInfo{}, &ParseError{Path: path, Reason: `"package.name" is required`}
	}
	if info.FileName == "" {
		return PackageInfo{}, &ParseError{Path: path, Reason: `"package.file-name" is required`}
	}
	if info.FileName != filepath.Base(info.FileName) || info.FileName == ".." {
		return PackageInfo{}, &ParseError{Path: path, Reason: fmt.Sprintf("file-name %q must not contain path separators", info.FileName)}
	}

	if deps, ok := pkg["dependency"].([]any); ok {
		for _, d := range deps {
			if s, ok := d.(string); ok && s != "" {
				info.Dependencies = append(info.Dependencies, s)
			}
		}
	}

	return info, nil
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}
