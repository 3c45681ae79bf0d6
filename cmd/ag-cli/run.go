package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Andyyyy64/openTiger/internal/config"
	"github.com/Andyyyy64/openTiger/internal/detect"
	"github.com/Andyyyy64/openTiger/internal/llm"
	"github.com/Andyyyy64/openTiger/internal/logging"
)

type runOptions struct {
	configPath   string
	backend      string
	workdir      string
	prompt       string
	promptFile   string
	instructions string
	timeout      time.Duration
	model        string
	maxRetries   int
	env          []string
	isolateEnv   bool
	echo         bool
	quiet        bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [flags] [prompt]",
		Short: "Run an agent CLI locally under supervision",
		Long: `Run one execution through the engine and print the result as JSON.

The prompt comes from --prompt, --prompt-file, the positional argument, or
stdin when it is not a terminal. The exit status is 0 when the execution
succeeded and the child's exit code (or 1) otherwise.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocal(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "Path to config file")
	f.StringVarP(&opts.backend, "backend", "b", "", "Backend: opencode, claude_code or codex (default from config)")
	f.StringVarP(&opts.workdir, "workdir", "C", "", "Working directory for the agent")
	f.StringVarP(&opts.prompt, "prompt", "p", "", "Prompt text")
	f.StringVar(&opts.promptFile, "prompt-file", "", "Read the prompt from a file")
	f.StringVar(&opts.instructions, "instructions", "", "Instructions file prefixed to the prompt")
	f.DurationVar(&opts.timeout, "timeout", 0, "Hard timeout per attempt (default from config)")
	f.StringVarP(&opts.model, "model", "m", "", "Model override")
	f.IntVar(&opts.maxRetries, "max-retries", 0, "Retries after a failed attempt (default from config)")
	f.StringArrayVarP(&opts.env, "env", "e", nil, "Child environment override KEY=VALUE (repeatable)")
	f.BoolVar(&opts.isolateEnv, "isolate-env", false, "Pass only --env values to the child")
	f.BoolVar(&opts.echo, "echo", false, "Echo live assistant text to stderr (default when stderr is a terminal)")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress the summary on stderr")

	return cmd
}

func runLocal(cmd *cobra.Command, opts runOptions, args []string) error {
	prompt, err := readPrompt(opts, args, os.Stdin)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if opts.configPath != "" {
		if cfg, err = config.Load(opts.configPath); err != nil {
			return err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}

	backend, err := llm.ParseBackend(opts.backend)
	if err != nil {
		return err
	}
	env, err := parseEnv(opts.env)
	if err != nil {
		return err
	}

	echo := term.IsTerminal(int(os.Stderr.Fd()))
	if cmd.Flags().Changed("echo") {
		echo = opts.echo
	}

	ec := cfg.LLM()
	ec.EchoWriter = os.Stderr
	if echo {
		ec.OpenCode.Echo = true
		ec.ClaudeCode.Echo = true
		ec.Codex.Echo = true
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logging.New(logging.Config{Output: os.Stderr, Level: level, Component: "cli"})

	engine, err := llm.New(ec, llm.WithLogger(log))
	if err != nil {
		return err
	}

	req := llm.Request{
		WorkDir:          opts.workdir,
		Prompt:           prompt,
		InstructionsPath: opts.instructions,
		Timeout:          opts.timeout,
		Env:              env,
		IsolateEnv:       opts.isolateEnv,
		Model:            opts.model,
		Backend:          backend,
	}
	if req.Timeout <= 0 {
		req.Timeout = cfg.DefaultTimeout
	}
	if req.InstructionsPath == "" {
		req.InstructionsPath = cfg.InstructionsFile
	}
	if cmd.Flags().Changed("max-retries") {
		req.MaxRetries = &opts.maxRetries
	}

	// Signals reach the engine directly; it terminates the child and marks
	// the result.
	res, err := engine.Execute(context.Background(), req)
	if errors.Is(err, llm.ErrInvalidRequest) || errors.Is(err, llm.ErrUnknownBackend) {
		return err
	}

	out, merr := json.MarshalIndent(res, "", "  ")
	if merr != nil {
		return merr
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !opts.quiet {
		printSummary(cmd.ErrOrStderr(), res)
	}

	if code := exitCode(res); code != 0 {
		return exitError{code: code}
	}
	return nil
}

// readPrompt picks the prompt from flags, the positional argument or a piped
// stdin, in that order.
func readPrompt(opts runOptions, args []string, stdin *os.File) (string, error) {
	var prompt string
	switch {
	case opts.prompt != "":
		prompt = opts.prompt
	case opts.promptFile != "":
		data, err := os.ReadFile(opts.promptFile)
		if err != nil {
			return "", fmt.Errorf("reading prompt file: %w", err)
		}
		prompt = string(data)
	case len(args) > 0:
		prompt = args[0]
	case stdin != nil && !term.IsTerminal(int(stdin.Fd())):
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading prompt from stdin: %w", err)
		}
		prompt = string(data)
	}

	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("a prompt is required (--prompt, --prompt-file, argument or stdin)")
	}
	return prompt, nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

func exitCode(res llm.Result) int {
	switch {
	case res.Success:
		return 0
	case res.ExitCode > 0:
		return res.ExitCode
	default:
		return 1
	}
}

func printSummary(w io.Writer, res llm.Result) {
	state := green("succeeded")
	if !res.Success {
		state = red("failed")
	}
	fmt.Fprintf(w, "\n%s %s %s\n", bold("==="), state, gray(fmt.Sprintf("(%s, %s)", res.Backend, res.Model)))
	fmt.Fprintf(w, "Duration: %.2fs  Exit code: %d  Retries: %d\n",
		float64(res.DurationMs)/1000, res.ExitCode, res.RetryCount)

	if u := res.TokenUsage; u != nil {
		fmt.Fprintf(w, "Tokens: %d input, %d output, %d total\n", u.InputTokens, u.OutputTokens, u.TotalTokens)
	}
	for _, r := range detect.Markers(res.Stderr) {
		fmt.Fprintf(w, "Abort: %s\n", red(string(r)))
	}
	for _, d := range res.PermissionDenials {
		fmt.Fprintf(w, "Permission denied: %s\n", d.ToolName)
	}
}
