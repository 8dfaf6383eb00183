package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"signet/internal/config"
)

// apiClient talks to a running daemon over loopback.
type apiClient struct {
	base string
	http *http.Client
}

func newClient() (*apiClient, error) {
	p := port
	if p == 0 {
		path := configPath
		if path == "" {
			path = filepath.Join(config.DefaultConfig().Daemon.AgentsDir, "config.yaml")
		}
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		p = cfg.Daemon.Port
	}
	return &apiClient{
		base: fmt.Sprintf("http://127.0.0.1:%d", p),
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(method, path string, body interface{}) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-signet-actor", "cli")
	req.Header.Set("x-signet-actor-type", "user")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s (is it running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("bad response from daemon: %w", err)
	}
	if resp.StatusCode >= 400 {
		if detail, ok := out["error"].(map[string]interface{}); ok {
			return nil, fmt.Errorf("%v: %v", detail["code"], detail["message"])
		}
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}
	return out, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status, store stats, and job counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		out, err := client.do(http.MethodGet, "/api/status", nil)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var (
	rememberType       string
	rememberProject    string
	rememberTags       []string
	rememberImportance float64
	rememberPinned     bool
	rememberSync       bool
)

var rememberCmd = &cobra.Command{
	Use:   "remember [content]",
	Short: "Store a memory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		body := map[string]interface{}{
			"content": strings.Join(args, " "),
		}
		if rememberType != "" {
			body["type"] = rememberType
		}
		if rememberProject != "" {
			body["project"] = rememberProject
		}
		if len(rememberTags) > 0 {
			body["tags"] = rememberTags
		}
		if cmd.Flags().Changed("importance") {
			body["importance"] = rememberImportance
		}
		if rememberPinned {
			body["pinned"] = true
		}
		if rememberSync {
			body["mode"] = "sync"
		}

		out, err := client.do(http.MethodPost, "/api/memory/remember", body)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var (
	recallProject string
	recallType    string
	recallLimit   int
)

var recallCmd = &cobra.Command{
	Use:   "recall [query]",
	Short: "Search memories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		body := map[string]interface{}{
			"query": strings.Join(args, " "),
		}
		if recallProject != "" {
			body["project"] = recallProject
		}
		if recallType != "" {
			body["type"] = recallType
		}
		if recallLimit > 0 {
			body["limit"] = recallLimit
		}

		out, err := client.do(http.MethodPost, "/api/memory/recall", body)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var (
	forgetReason string
	forgetForce  bool
)

var forgetCmd = &cobra.Command{
	Use:   "forget [id]",
	Short: "Soft-delete a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		if forgetReason != "" {
			q.Set("reason", forgetReason)
		}
		if forgetForce {
			q.Set("force", "true")
		}
		path := "/api/memory/" + url.PathEscape(args[0])
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		out, err := client.do(http.MethodDelete, path, nil)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var jobCmd = &cobra.Command{
	Use:   "job [id]",
	Short: "Show the status of a pipeline job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		out, err := client.do(http.MethodGet, "/api/memory/jobs/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

func init() {
	rememberCmd.Flags().StringVar(&rememberType, "type", "", "memory type (fact, decision, preference, ...)")
	rememberCmd.Flags().StringVar(&rememberProject, "project", "", "project scope")
	rememberCmd.Flags().StringSliceVar(&rememberTags, "tag", nil, "tag (repeatable)")
	rememberCmd.Flags().Float64Var(&rememberImportance, "importance", 0.5, "importance in [0,1]")
	rememberCmd.Flags().BoolVar(&rememberPinned, "pin", false, "pin the memory")
	rememberCmd.Flags().BoolVar(&rememberSync, "sync", false, "embed inline before returning")

	recallCmd.Flags().StringVar(&recallProject, "project", "", "project scope")
	recallCmd.Flags().StringVar(&recallType, "type", "", "memory type filter")
	recallCmd.Flags().IntVar(&recallLimit, "limit", 0, "maximum results")

	forgetCmd.Flags().StringVar(&forgetReason, "reason", "", "reason recorded in history")
	forgetCmd.Flags().BoolVar(&forgetForce, "force", false, "delete even if pinned")
}

var ingestProject string

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest a markdown document as chunked memories",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		abs, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		body := map[string]interface{}{"path": abs}
		if ingestProject != "" {
			body["project"] = ingestProject
		}
		out, err := client.do(http.MethodPost, "/api/memory/ingest-document", body)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestProject, "project", "", "project scope")
	rootCmd.AddCommand(ingestCmd)
}
