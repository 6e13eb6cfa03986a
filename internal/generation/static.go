package generation

import "context"

// DefaultStaticOutput is returned by a static backend with no configured output.
const DefaultStaticOutput = "```sql\nSELECT 1;\n```"

// Static returns the same output for every prompt. It is meant for local
// development and demos without a model server.
type Static struct {
	output string
}

// NewStatic creates a static backend.
func NewStatic(output string) *Static {
	if output == "" {
		output = DefaultStaticOutput
	}
	return &Static{output: output}
}

// Generate implements Backend.
func (s *Static) Generate(ctx context.Context, _ string, _ Params) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.output, nil
}

// Ping implements Pinger.
func (s *Static) Ping(context.Context) error { return nil }
