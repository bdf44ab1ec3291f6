package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/workflow-core/types"
)

// document is the on-disk layout of a definitions file. A file may hold a
// single definition or a list under "workflows".
type document struct {
	Workflows []types.Definition `yaml:"workflows"`
}

// LoadDefinitions reads every definition from the YAML file at path.
func LoadDefinitions(path string) ([]types.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions %s: %w", path, err)
	}
	defs, err := DecodeDefinitions(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse definitions %s: %w", path, err)
	}
	return defs, nil
}

// DecodeDefinitions reads definitions from a YAML stream. Multiple documents
// separated by "---" are concatenated.
func DecodeDefinitions(r io.Reader) ([]types.Definition, error) {
	dec := yaml.NewDecoder(r)
	var out []types.Definition
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		var doc document
		if err := node.Decode(&doc); err != nil {
			return nil, err
		}
		if len(doc.Workflows) > 0 {
			out = append(out, doc.Workflows...)
			continue
		}
		var def types.Definition
		if err := node.Decode(&def); err != nil {
			return nil, err
		}
		if def.Name != "" {
			out = append(out, def)
		}
	}
	return out, nil
}
