package cli

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Response is the JSON envelope of every command result.
type Response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// textWriter is implemented by results with a human-readable form.
type textWriter interface {
	WriteText(w io.Writer) error
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(Response{Status: "ok", Data: data})
	}
	if tw, ok := data.(textWriter); ok {
		return tw.WriteText(f.Writer)
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}
