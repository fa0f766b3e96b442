package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/371-Minds/credvault/internal/expressions"
)

// outputOptions selects how command results are rendered. JQ implies JSON.
type outputOptions struct {
	JSON bool
	JQ   string
}

// render writes v to w: through the jq filter when set, as indented JSON
// when requested, otherwise with the command's human formatter.
func render(ctx context.Context, w io.Writer, opts outputOptions, v any, human func(io.Writer) error) error {
	switch {
	case opts.JQ != "":
		results, err := expressions.NewGoJQEngine().Query(ctx, opts.JQ, v)
		if err != nil {
			return err
		}
		for _, r := range results {
			if s, ok := r.(string); ok {
				fmt.Fprintln(w, s)
				continue
			}
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode jq result: %w", err)
			}
			fmt.Fprintln(w, string(data))
		}
		return nil
	case opts.JSON || human == nil:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return human(w)
	}
}
