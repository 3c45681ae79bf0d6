package llm

import (
	"strings"

	"github.com/Andyyyy64/openTiger/internal/stream"
)

// codexAdapter drives `codex exec --json` with the prompt on stdin.
type codexAdapter struct {
	cfg BackendConfig
}

func (codexAdapter) kind() Backend { return BackendCodex }

func (codexAdapter) quotaAware() bool { return false }

func (a codexAdapter) model(requested string) string {
	return resolveModel(stripProviderPrefix(requested, "openai"), a.cfg.Model, DefaultCodexModel)
}

func (a codexAdapter) invocation(prompt, model string) (*invocation, error) {
	args := []string{
		"exec",
		"--json",
		"--dangerously-bypass-approvals-and-sandbox",
		"--skip-git-repo-check",
		"--model", model,
	}
	args = append(args, a.cfg.ExtraArgs...)
	args = append(args, "-")

	dec := stream.NewCodexDecoder()
	return &invocation{
		path:  binOr(a.cfg.Bin, "codex"),
		args:  args,
		stdin: strings.NewReader(prompt),
		view: func(line string) lineView {
			got := dec.Line(line)
			v := lineView{text: splitLines(got.Text), tools: got.ToolCalls}
			if got.Text != "" {
				v.echo = got.Text + "\n\n"
			}
			return v
		},
		parse: stream.ParseCodexExec,
	}, nil
}
