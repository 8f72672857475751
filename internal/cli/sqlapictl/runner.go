package sqlapictl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const logHeader = "X-Sqlapi-Log"

type Options struct {
	BaseURL    string
	APIKey     string
	User       string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

// exitError carries a non-default exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

type client struct {
	opts    *Options
	baseURL string
	apiKey  string
	user    string
	timeout time.Duration
	showLog bool
}

// Run executes one sqlapictl command and returns the process exit code: 0 on
// success, 1 for request or server failures and 2 for usage errors.
func Run(ctx context.Context, args []string, defaults Options) int {
	if defaults.Stdout == nil {
		defaults.Stdout = io.Discard
	}
	if defaults.Stderr == nil {
		defaults.Stderr = io.Discard
	}
	if defaults.Stdin == nil {
		defaults.Stdin = os.Stdin
	}

	root := newRootCommand(&defaults)
	root.SetArgs(args)
	root.SetOut(defaults.Stdout)
	root.SetErr(defaults.Stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintln(defaults.Stderr, err)
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return 2
}

func newRootCommand(opts *Options) *cobra.Command {
	c := &client{opts: opts}

	cmd := &cobra.Command{
		Use:           "sqlapictl",
		Short:         "Command line client for the SQL query API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&c.baseURL, "base-url", firstNonEmpty(opts.BaseURL, "http://localhost:8080"), "API base URL")
	cmd.PersistentFlags().StringVar(&c.apiKey, "api-key", opts.APIKey, "API key for authenticated requests")
	cmd.PersistentFlags().StringVar(&c.user, "user", opts.User, "job owner header (used when auth is disabled)")
	cmd.PersistentFlags().DurationVar(&c.timeout, "timeout", durationOr(opts.Timeout, 30*time.Second), "HTTP timeout (e.g. 10s)")
	cmd.PersistentFlags().BoolVar(&c.showLog, "show-log", false, "print the request log header to stderr")

	cmd.AddCommand(
		c.simpleCommand("health", "Check service liveness", http.MethodGet, "/v1/health"),
		c.simpleCommand("ready", "Check service readiness", http.MethodGet, "/v1/ready"),
		c.queryCommand(),
		c.jobCommand(),
	)
	return cmd
}

func (c *client) simpleCommand(use, short, method, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.print(cmd, method, path, nil)
		},
	}
}

func (c *client) queryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a statement and print its rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.print(cmd, http.MethodGet, "/api/v1/sql?q="+url.QueryEscape(args[0]), nil)
		},
	}
}

func (c *client) jobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Create and inspect batch jobs",
	}

	create := &cobra.Command{
		Use:   "create <query-json | @file | ->",
		Short: "Submit a batch job",
		Long: `Submit a batch job. The argument is the job's query node as JSON: a
statement string, an array of nodes, or an object with query, onsuccess,
onerror and timeout keys. A bare statement that is not valid JSON is sent as
a single statement.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := c.readPayload(args[0])
			if err != nil {
				return err
			}
			body, err := json.Marshal(map[string]json.RawMessage{"query": payload})
			if err != nil {
				return err
			}
			return c.print(cmd, http.MethodPost, "/api/v1/sql/job", body)
		},
	}

	get := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job's state and results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.print(cmd, http.MethodGet, "/api/v1/sql/job/"+url.PathEscape(args[0]), nil)
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.print(cmd, http.MethodDelete, "/api/v1/sql/job/"+url.PathEscape(args[0]), nil)
		},
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List your jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.print(cmd, http.MethodGet, "/api/v1/sql/job?limit="+strconv.Itoa(limit), nil)
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum number of jobs")

	var interval time.Duration
	wait := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Poll a job until it is terminal and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.wait(cmd, args[0], interval)
		},
	}
	wait.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "poll interval")

	cmd.AddCommand(create, get, cancel, list, wait)
	return cmd
}

func (c *client) wait(cmd *cobra.Command, id string, interval time.Duration) error {
	path := "/api/v1/sql/job/" + url.PathEscape(id)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		code, _, body, err := c.do(cmd.Context(), http.MethodGet, path, nil)
		if err != nil {
			return &exitError{code: 1, err: fmt.Errorf("request failed: %w", err)}
		}
		if code >= 400 {
			return &exitError{code: 1, err: fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(body)))}
		}
		var status struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &status); err != nil {
			return &exitError{code: 1, err: fmt.Errorf("decode job: %w", err)}
		}
		switch status.Status {
		case "succeeded", "failed", "cancelled":
			writeBody(cmd.OutOrStdout(), body)
			if status.Status != "succeeded" {
				return &exitError{code: 1, err: fmt.Errorf("job %s %s", id, status.Status)}
			}
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return &exitError{code: 1, err: cmd.Context().Err()}
		case <-ticker.C:
		}
	}
}

func (c *client) readPayload(arg string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case arg == "-":
		data, err := io.ReadAll(c.opts.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = data
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		raw = data
	default:
		raw = []byte(arg)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("job payload is empty")
	}
	if json.Valid(raw) {
		return raw, nil
	}
	return json.Marshal(string(raw))
}

func (c *client) print(cmd *cobra.Command, method, path string, body []byte) error {
	code, logValue, responseBody, err := c.do(cmd.Context(), method, path, body)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("request failed: %w", err)}
	}
	if c.showLog && logValue != "" {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", logHeader, logValue)
	}
	if code >= 400 {
		return &exitError{code: 1, err: fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(responseBody)))}
	}
	writeBody(cmd.OutOrStdout(), responseBody)
	return nil
}

func (c *client) do(ctx context.Context, method, path string, body []byte) (int, string, []byte, error) {
	httpClient := c.opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.timeout}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, reader)
	if err != nil {
		return 0, "", nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(c.apiKey); key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if user := strings.TrimSpace(c.user); user != "" {
		req.Header.Set("X-Sqlapi-User", user)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", nil, err
	}
	return resp.StatusCode, resp.Header.Get(logHeader), responseBody, nil
}

func writeBody(w io.Writer, raw []byte) {
	if pretty, ok := prettyJSON(raw); ok {
		_, _ = fmt.Fprintln(w, pretty)
		return
	}
	if len(raw) > 0 {
		_, _ = fmt.Fprintln(w, string(raw))
	}
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
