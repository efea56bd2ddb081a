// Package schemagen writes the JSON Schema documents of the backend models into the bindings directory.
package schemagen

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"

	"github.com/invopop/jsonschema"
	"github.com/ubuntu/bindwatch/internal/bindings"
	"github.com/ubuntu/bindwatch/internal/fileutils"
	"github.com/ubuntu/bindwatch/internal/models"
	"github.com/ubuntu/decorate"
)

// registry maps schema identifiers to the model they describe.
var registry = map[string]any{
	"user": models.User{},
}

// Names returns the sorted identifiers of the exportable models.
func Names() []string {
	return slices.Sorted(maps.Keys(registry))
}

// Schema returns the JSON Schema of the model name.
func Schema(name string) (*jsonschema.Schema, error) {
	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q, expected one of %v", name, Names())
	}

	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	return r.Reflect(m), nil
}

// Export writes the schema of each named model, or of every model if none is given, to the bindings directory of layout.
// It returns the written paths.
func Export(layout bindings.Layout, names ...string) (paths []string, err error) {
	defer decorate.OnError(&err, "could not export model schemas")

	if len(names) == 0 {
		names = Names()
	}

	schemas := make([]*jsonschema.Schema, 0, len(names))
	for _, name := range names {
		s, err := Schema(name)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}

	for i, name := range names {
		data, err := json.MarshalIndent(schemas[i], "", "  ")
		if err != nil {
			return paths, fmt.Errorf("could not marshal schema of %q: %v", name, err)
		}

		path := filepath.Join(layout.Root, layout.SourcePath(name))
		if err := fileutils.AtomicWrite(path, append(data, '\n'), 0644); err != nil {
			return paths, err
		}
		slog.Info("Exported model schema", "model", name, "path", path)
		paths = append(paths, path)
	}

	return paths, nil
}
