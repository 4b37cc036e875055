package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	serverURL string
	authToken string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "foundryctl",
		Short: "Foundry CLI - interact with a Foundry engine",
		Long: `foundryctl is a command-line interface for the Foundry orchestration
engine: submit jobs, follow their decision logs, and inspect sandbox
sessions. Output is structured JSON (pipe through jq for formatting).`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "Foundry server URL")
	rootCmd.PersistentFlags().StringVarP(&authToken, "token", "t", os.Getenv("FOUNDRY_TOKEN"), "Bearer token for the status API")

	rootCmd.AddCommand(newJobCommand())
	rootCmd.AddCommand(newSessionCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newKeyCommand())
	rootCmd.AddCommand(newLoginCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getDefaultServer() string {
	if server := os.Getenv("FOUNDRY_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8080"
}

// --- HTTP client ---

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func newClient() *Client {
	return &Client{
		BaseURL: serverURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, params url.Values, data interface{}) ([]byte, error) {
	u := fmt.Sprintf("%s%s", c.BaseURL, path)
	if params != nil {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		body = strings.NewReader(string(jsonData))
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

func (c *Client) get(path string) ([]byte, error) {
	return c.do("GET", path, nil, nil)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	return c.do("POST", path, nil, data)
}

func printJSON(raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}

// --- job commands ---

func newJobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and inspect orchestration jobs",
	}
	cmd.AddCommand(newJobSubmitCommand())
	cmd.AddCommand(newJobStatusCommand())
	cmd.AddCommand(newJobDecisionsCommand())
	cmd.AddCommand(newJobCouncilCommand())
	return cmd
}

func newJobSubmitCommand() *cobra.Command {
	var (
		projectID   string
		instruction string
		mode        string
		priority    string
		framework   string
		sandboxID   string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new orchestration job",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{
				"project_id":  projectID,
				"instruction": instruction,
				"mode":        mode,
				"priority":    priority,
				"framework":   framework,
				"sandbox_id":  sandboxID,
			}
			resp, err := newClient().post("/api/v1/jobs", body)
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "Project id (required)")
	cmd.Flags().StringVarP(&instruction, "instruction", "i", "", "Task instruction (required)")
	cmd.Flags().StringVarP(&mode, "mode", "m", "network", "Execution mode: network, council")
	cmd.Flags().StringVar(&priority, "priority", "normal", "Queue priority: high, normal, low")
	cmd.Flags().StringVar(&framework, "framework", "", "Sandbox framework template")
	cmd.Flags().StringVar(&sandboxID, "sandbox", "", "Reconnect to an existing sandbox")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("instruction")
	return cmd
}

func newJobStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().get("/api/v1/jobs/" + args[0])
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}

func newJobDecisionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decisions <job-id>",
		Short: "Show a job's ordered decision log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().get("/api/v1/jobs/" + args[0] + "/decisions")
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}

func newJobCouncilCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "council <job-id>",
		Short: "Show a job's council verdict and votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().get("/api/v1/jobs/" + args[0] + "/council")
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}

// --- session commands ---

func newSessionCommand() *cobra.Command {
	var (
		projectID string
		state     string
	)
	cmd := &cobra.Command{
		Use:   "session [sandbox-id]",
		Short: "List and inspect sandbox sessions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			switch {
			case len(args) == 1:
				path = "/api/v1/sessions/" + args[0]
			case projectID != "":
				path = "/api/v1/projects/" + projectID + "/sandbox"
			default:
				path = "/api/v1/sessions"
				if state != "" {
					path += "?state=" + url.QueryEscape(state)
				}
			}
			resp, err := newClient().get(path)
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "Look up the project's active sandbox")
	cmd.Flags().StringVar(&state, "state", "", "Filter the listing: running, paused, killed")
	return cmd
}

// --- status commands ---

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Engine health, queue depth, and breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			for _, path := range []string{"/api/v1/health", "/api/v1/queue/stats", "/api/v1/breaker"} {
				resp, err := client.get(path)
				if err != nil {
					return err
				}
				printJSON(resp)
			}
			return nil
		},
	}
	return cmd
}
