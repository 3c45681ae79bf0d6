package llm

import (
	"github.com/Andyyyy64/openTiger/internal/stream"
)

// openCodeDirective is the message passed alongside the attached prompt file.
const openCodeDirective = "Carry out the task described in the attached file."

// openCodeAdapter drives `opencode run`. The prompt travels in a temporary
// file attached with --file; output is plain text.
type openCodeAdapter struct {
	cfg BackendConfig
}

func (openCodeAdapter) kind() Backend { return BackendOpenCode }

func (openCodeAdapter) quotaAware() bool { return true }

func (a openCodeAdapter) model(requested string) string {
	return resolveModel(requested, a.cfg.Model, DefaultOpenCodeModel)
}

func (a openCodeAdapter) invocation(prompt, model string) (*invocation, error) {
	path, remove, err := writePromptFile(prompt)
	if err != nil {
		return nil, err
	}

	args := []string{"run", "--model", model, "--file", path}
	args = append(args, a.cfg.ExtraArgs...)
	args = append(args, openCodeDirective)

	return &invocation{
		path: binOr(a.cfg.Bin, "opencode"),
		args: args,
		view: func(line string) lineView {
			return lineView{echo: line + "\n", text: []string{line}}
		},
		parse:     stream.ParsePlain,
		cleanupFn: remove,
	}, nil
}
