// Package output renders command results as YAML or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Format is a structured output encoding.
type Format string

const (
	YAML Format = "yaml"
	JSON Format = "json"
)

// Current is the format Print uses, set from the root command's --output
// flag.
var Current = YAML

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case YAML, JSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want yaml or json)", s)
	}
}

// SetFormat sets Current. Unknown names select YAML.
func SetFormat(s string) {
	f, err := ParseFormat(s)
	if err != nil {
		f = YAML
	}
	Current = f
}

// Print writes data to stdout in the Current format.
func Print(data any) error {
	return Current.Write(os.Stdout, data)
}

// Write encodes data to w, indented by two spaces.
func (f Format) Write(w io.Writer, data any) error {
	switch f {
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format: %s", f)
	}
}
