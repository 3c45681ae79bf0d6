package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Andyyyy64/openTiger/internal/tlsutil"
)

const defaultAgentURL = "http://localhost:9000"

// agentClient talks to a running agent server.
type agentClient struct {
	url   string
	token string
	http  *http.Client
}

func newAgentClient(url, token string, timeout time.Duration) *agentClient {
	if token == "" {
		token = os.Getenv("OPENTIGER_TOKEN")
	}
	return &agentClient{
		url:   strings.TrimRight(url, "/"),
		token: token,
		http:  tlsutil.NewHTTPClient(timeout),
	}
}

// do sends a request and decodes a JSON response into out. Responses with a
// status other than want are returned as errors carrying the body.
func (c *agentClient) do(method, path string, body any, want int, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.url+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// copy writes a response body through verbatim.
func (c *agentClient) copy(path string, w io.Writer) error {
	req, err := http.NewRequest("GET", c.url+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func addClientFlags(cmd *cobra.Command, url, token *string) {
	cmd.Flags().StringVar(url, "agent", defaultAgentURL, "Agent URL")
	cmd.Flags().StringVar(token, "token", "", "API token (default $OPENTIGER_TOKEN)")
}

type runStatus struct {
	RunID           string         `json:"run_id"`
	State           string         `json:"state"`
	Backend         string         `json:"backend"`
	DurationSeconds float64        `json:"duration_seconds"`
	AbortReasons    []string       `json:"abort_reasons"`
	Result          *runResult     `json:"result"`
	Error           map[string]any `json:"error"`
}

type runResult struct {
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	RetryCount int    `json:"retry_count"`
	Model      string `json:"model"`
}

func (s runStatus) done() bool {
	return s.State == "succeeded" || s.State == "failed" || s.State == "cancelled"
}

func newSubmitCmd() *cobra.Command {
	var (
		url, token, backend, workdir, model string
		timeout                             time.Duration
		wait                                bool
	)

	cmd := &cobra.Command{
		Use:   "submit [flags] <prompt>",
		Short: "Submit an execution to an agent server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAgentClient(url, token, time.Minute)

			body := map[string]any{"prompt": args[0]}
			if backend != "" {
				body["backend"] = backend
			}
			if workdir != "" {
				body["workdir"] = workdir
			}
			if model != "" {
				body["model"] = model
			}
			if timeout > 0 {
				body["timeout_seconds"] = int(timeout.Seconds())
			}

			var created struct {
				RunID   string `json:"run_id"`
				Backend string `json:"backend"`
			}
			if err := client.do("POST", "/executions", body, http.StatusCreated, &created); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Run submitted: %s %s\n", created.RunID, gray("("+created.Backend+")"))

			if !wait {
				fmt.Fprintln(cmd.OutOrStdout(), created.RunID)
				return nil
			}

			status, err := pollForCompletion(client, created.RunID, timeout+5*time.Minute)
			if err != nil {
				return err
			}
			printRunStatus(cmd, status)
			if status.State != "succeeded" {
				return exitError{code: 1}
			}
			return nil
		},
	}

	addClientFlags(cmd, &url, &token)
	cmd.Flags().StringVarP(&backend, "backend", "b", "", "Backend (default from agent)")
	cmd.Flags().StringVarP(&workdir, "workdir", "C", "", "Absolute working directory on the agent host")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model override")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Execution timeout")
	cmd.Flags().BoolVar(&wait, "wait", true, "Wait for the run to finish")
	return cmd
}

func pollForCompletion(client *agentClient, runID string, timeout time.Duration) (runStatus, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.After(timeout)

	for {
		select {
		case <-deadline:
			return runStatus{}, fmt.Errorf("polling timeout for run %s", runID)
		case <-ticker.C:
			var status runStatus
			if err := client.do("GET", "/executions/"+runID, nil, http.StatusOK, &status); err != nil {
				return runStatus{}, err
			}
			if status.done() {
				return status, nil
			}
		}
	}
}

func printRunStatus(cmd *cobra.Command, s runStatus) {
	w := cmd.ErrOrStderr()
	state := green(s.State)
	if s.State != "succeeded" {
		state = red(s.State)
	}
	fmt.Fprintf(w, "\n%s Run %s %s\n", bold("==="), s.RunID, state)
	fmt.Fprintf(w, "Backend: %s  Duration: %.2fs\n", s.Backend, s.DurationSeconds)
	if s.Result != nil {
		fmt.Fprintf(w, "Exit code: %d  Retries: %d  Model: %s\n", s.Result.ExitCode, s.Result.RetryCount, s.Result.Model)
	}
	for _, r := range s.AbortReasons {
		fmt.Fprintf(w, "Abort: %s\n", red(r))
	}
	if s.Error != nil {
		fmt.Fprintf(w, "Error: [%v] %v\n", s.Error["type"], s.Error["message"])
	}
	if s.Result != nil && s.Result.Stdout != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", s.Result.Stdout)
	}
}

// printJSON pretty prints a decoded response.
func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func newStatusCmd() *cobra.Command {
	var url, token string

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show agent status, or a run's status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAgentClient(url, token, 5*time.Second)
			path := "/status"
			if len(args) == 1 {
				path = "/executions/" + args[0]
			}
			var status map[string]any
			if err := client.do("GET", path, nil, http.StatusOK, &status); err != nil {
				return err
			}
			return printJSON(cmd, status)
		},
	}
	addClientFlags(cmd, &url, &token)
	return cmd
}

func newCancelCmd() *cobra.Command {
	var url, token string

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAgentClient(url, token, 5*time.Second)
			var resp map[string]any
			if err := client.do("POST", "/executions/"+args[0]+"/cancel", nil, http.StatusOK, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Run %s: %v\n", args[0], resp["state"])
			return nil
		},
	}
	addClientFlags(cmd, &url, &token)
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var (
		url, token  string
		page, limit int
		debug       bool
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List run history, or show one run's outline",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAgentClient(url, token, 10*time.Second)
			if len(args) == 0 {
				var list map[string]any
				path := fmt.Sprintf("/history?page=%d&limit=%d", page, limit)
				if err := client.do("GET", path, nil, http.StatusOK, &list); err != nil {
					return err
				}
				return printJSON(cmd, list)
			}

			if debug {
				return client.copy("/history/"+args[0]+"/debug", cmd.OutOrStdout())
			}

			var entry map[string]any
			if err := client.do("GET", "/history/"+args[0], nil, http.StatusOK, &entry); err != nil {
				return err
			}
			return printJSON(cmd, entry)
		},
	}
	addClientFlags(cmd, &url, &token)
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "Entries per page")
	cmd.Flags().BoolVar(&debug, "debug", false, "Print the raw transcript of the run")
	return cmd
}
