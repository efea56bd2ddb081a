// Package bindings describes where JSON Schema sources and their generated bindings live.
package bindings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ubuntu/bindwatch/internal/constants"
)

// ErrInvalidIdentifier is returned for schema identifiers which can't name a file in the bindings directory.
var ErrInvalidIdentifier = errors.New("invalid schema identifier")

// Layout locates schema sources and bindings of a project.
type Layout struct {
	// Root is the project root, and the working directory of generation jobs.
	Root string
	// Dir is the bindings directory, relative to Root.
	Dir string
}

// NewLayout returns a layout rooted at root, with the default bindings directory if dir is empty.
func NewLayout(root, dir string) Layout {
	if root == "" {
		root = "."
	}
	if dir == "" {
		dir = constants.DefaultBindingsDir
	}
	return Layout{Root: root, Dir: dir}
}

// Validate checks that id can be used as a schema identifier.
//
// Only the shape of the identifier is checked: the schema file does not need to exist.
func Validate(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidIdentifier, id)
	}
	return nil
}

// SourcePath is the path of the JSON Schema of id, relative to the project root.
func (l Layout) SourcePath(id string) string {
	return filepath.Join(l.Dir, id+constants.SchemaExtension)
}

// BindingPath is the path of the generated binding of id, relative to the project root.
func (l Layout) BindingPath(id string) string {
	return filepath.Join(l.Dir, id+constants.BindingExtension)
}

// AbsSourcePath is the absolute path of the JSON Schema of id.
func (l Layout) AbsSourcePath(id string) (string, error) {
	return filepath.Abs(filepath.Join(l.Root, l.SourcePath(id)))
}

// AbsBindingPath is the absolute path of the generated binding of id.
func (l Layout) AbsBindingPath(id string) (string, error) {
	return filepath.Abs(filepath.Join(l.Root, l.BindingPath(id)))
}

// Discover returns the sorted identifiers of every JSON Schema in the bindings directory.
// A missing bindings directory holds no schema.
func (l Layout) Discover() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.Root, l.Dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not list bindings directory: %v", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := strings.CutSuffix(e.Name(), constants.SchemaExtension)
		if !ok || Validate(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids, nil
}
