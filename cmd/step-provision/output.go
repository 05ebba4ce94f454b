package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// print writes v in the configured output format. table renders the
// tabular form; commands without one fall back to YAML for "table".
func (a *app) print(v any, table func(w io.Writer) error) error {
	switch a.cfg.Output {
	case "yaml":
		return writeYAML(a.stdout, v)
	case "table":
		if table == nil {
			return writeYAML(a.stdout, v)
		}
		w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
		if err := table(w); err != nil {
			return err
		}
		return w.Flush()
	default:
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}

// writeYAML renders v through its JSON encoding so field names and custom
// marshalers match the JSON output, then re-emits it in block style.
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	blockStyle(&node)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return enc.Close()
}

func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}
