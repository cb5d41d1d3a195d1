// Package main implements the meetctl CLI for manual operations against the meetingd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the meetingd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "meetctl",
	Short: "CLI for meetingd HTTP server operations",
	Long: `meetctl is a command-line interface for the meetingd HTTP server.
It triggers transcript syncs, runs vectorization passes, and searches the index.`,
	Version: version,
}

var (
	syncLimit    int
	syncFrom     string
	processLimit int
	searchLimit  int
	listLimit    int
	listOffset   int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9180", "meetingd server URL")

	syncCmd.Flags().IntVar(&syncLimit, "limit", 0, "max transcripts to pull (0 uses the server default)")
	syncCmd.Flags().StringVar(&syncFrom, "from", "", "pull transcripts since this RFC3339 time instead of the watermark")
	processCmd.Flags().IntVar(&processLimit, "limit", 0, "max meetings to vectorize (0 uses the server default)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "max results")
	vectorSearchCmd.Flags().IntVar(&searchLimit, "limit", 10, "max results")
	meetingsCmd.Flags().IntVar(&listLimit, "limit", 50, "max meetings to list")
	meetingsCmd.Flags().IntVar(&listOffset, "offset", 0, "listing offset")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(vectorSearchCmd)
	rootCmd.AddCommand(meetingsCmd)
	rootCmd.AddCommand(healthCmd)
}

// syncCmd triggers a batch pull from the transcript provider
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull recent transcripts into the index",
	Long: `Trigger a batch pull of recent transcripts from the provider.

Examples:
  # Pull with the server default batch size
  meetctl sync

  # Pull up to 10 transcripts recorded since March 1st
  meetctl sync --limit 10 --from 2026-03-01T00:00:00Z`,
	RunE: runSync,
}

// processCmd triggers a vectorization pass
var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Vectorize downloaded meetings",
	RunE:  runProcess,
}

// searchCmd performs lexical search
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search transcripts by keyword",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSearch("/search", args[0])
	},
}

// vectorSearchCmd performs semantic search
var vectorSearchCmd = &cobra.Command{
	Use:   "vector-search <query>",
	Short: "Search transcripts by semantic similarity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSearch("/vector-search", args[0])
	},
}

// meetingsCmd lists indexed meetings
var meetingsCmd = &cobra.Command{
	Use:   "meetings",
	Short: "List indexed meetings",
	RunE:  runMeetings,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check meetingd server health",
	RunE:  runHealth,
}

func runSync(cmd *cobra.Command, args []string) error {
	body := map[string]any{"limit": syncLimit}
	if syncFrom != "" {
		from, err := time.Parse(time.RFC3339, syncFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value %q: %w", syncFrom, err)
		}
		body["from_date"] = from
	}
	return postJSON("/sync", body)
}

func runProcess(cmd *cobra.Command, args []string) error {
	return postJSON("/process", map[string]any{"limit": processLimit})
}

func runSearch(path, query string) error {
	return postJSON(path, map[string]any{"query": query, "limit": searchLimit})
}

func runMeetings(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/meetings?limit=%d&offset=%d", serverURL, listLimit, listOffset)
	resp, err := httpClient().Get(url)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func runHealth(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/health", serverURL)
	resp, err := httpClient().Get(url)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

// postJSON posts the body to the server and prints the indented response.
func postJSON(path string, body any) error {
	reqJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := serverURL + path
	resp, err := httpClient().Post(url, "application/json", bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Minute}
}
