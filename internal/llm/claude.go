package llm

import (
	"strings"

	"github.com/Andyyyy64/openTiger/internal/stream"
)

// claudeAdapter drives `claude --print` with stream-json output. The prompt is
// passed as the final argument after "--" so prompts starting with dashes are
// not read as flags.
type claudeAdapter struct {
	cfg BackendConfig
}

func (claudeAdapter) kind() Backend { return BackendClaudeCode }

func (claudeAdapter) quotaAware() bool { return false }

func (a claudeAdapter) model(requested string) string {
	return resolveModel(stripProviderPrefix(requested, "anthropic"), a.cfg.Model, DefaultClaudeCodeModel)
}

func (a claudeAdapter) invocation(prompt, model string) (*invocation, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
		"--model", model,
	}
	args = append(args, a.cfg.ExtraArgs...)
	args = append(args, "--", prompt)

	dec := stream.NewClaudeDecoder()
	return &invocation{
		path: binOr(a.cfg.Bin, "claude"),
		args: args,
		view: func(line string) lineView {
			got := dec.Line(line)
			return lineView{echo: got.Delta, text: splitLines(got.Delta), tools: got.ToolCalls}
		},
		parse: stream.ParseClaudeStream,
	}, nil
}

// splitLines breaks assistant text into the lines a detector should judge.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(text, "\n"), "\n")
}
