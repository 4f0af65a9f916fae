package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const requestTimeout = 5 * time.Minute

var runsLimit int

var agentsCmd = &cobra.Command{
	Use:   "agents [name]",
	Short: "List the agents of a running server, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/agents"
		if len(args) == 1 {
			path += "/" + url.PathEscape(args[0])
		}
		return call(cmd, http.MethodGet, path, nil)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs <agent>",
	Short: "Show the recent runs of an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodGet, fmt.Sprintf("/agents/%s/runs?limit=%d", url.PathEscape(args[0]), runsLimit), nil)
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List scheduled jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodGet, "/jobs", nil)
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <agent>",
	Short: "Run an agent now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/agents/"+url.PathEscape(args[0])+"/trigger", nil)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <agent>",
	Short: "Pause an agent's scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/agents/"+url.PathEscape(args[0])+"/pause", nil)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <agent>",
	Short: "Resume an agent's scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodPost, "/agents/"+url.PathEscape(args[0])+"/resume", nil)
	},
}

var (
	recStatus   string
	recAgent    string
	recPriority string
)

var recommendationsCmd = &cobra.Command{
	Use:     "recommendations",
	Aliases: []string{"recs"},
	Short:   "List recommendations, pending ones by default",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for key, v := range map[string]string{"status": recStatus, "agent": recAgent, "priority": recPriority} {
			if v != "" {
				q.Set(key, v)
			}
		}
		return call(cmd, http.MethodGet, withQuery("/recommendations", q), nil)
	},
}

var recStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count pending recommendations by priority and agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodGet, "/recommendations/stats", nil)
	},
}

var recShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one recommendation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodGet, "/recommendations/"+url.PathEscape(args[0]), nil)
	},
}

// recStatusCmd builds a subcommand that moves a recommendation to a new status.
func recStatusCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/recommendations/"+url.PathEscape(args[0])+"/"+action, nil)
		},
	}
}

var recDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a recommendation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodDelete, "/recommendations/"+url.PathEscape(args[0]), nil)
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 10, "number of runs to show")

	recommendationsCmd.Flags().StringVar(&recStatus, "status", "pending", "filter by status (empty for all)")
	recommendationsCmd.Flags().StringVar(&recAgent, "agent", "", "filter by agent")
	recommendationsCmd.Flags().StringVar(&recPriority, "priority", "", "filter by priority")
	recommendationsCmd.AddCommand(
		recStatsCmd,
		recShowCmd,
		recStatusCmd("view", "Mark a recommendation as viewed"),
		recStatusCmd("action", "Mark a recommendation as acted on"),
		recStatusCmd("dismiss", "Dismiss a recommendation"),
		recDeleteCmd,
	)

	rootCmd.AddCommand(agentsCmd, runsCmd, jobsCmd, triggerCmd, pauseCmd, resumeCmd, recommendationsCmd)
}

// call sends a request to the control API and prints the indented response.
// A non-nil body is sent as JSON.
func call(cmd *cobra.Command, method, path string, body any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(serverAddr, "/")+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		out.Reset()
		out.Write(data)
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(cmd.OutOrStdout())
	return err
}
