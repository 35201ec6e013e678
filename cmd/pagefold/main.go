// Package main implements the pagefold CLI for manual operations against
// the pagefoldd HTTP server.
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
	// serverURL is the base URL for the pagefoldd HTTP server
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
	Use:   "pagefold",
	Short: "CLI for pagefoldd HTTP server operations",
	Long: `pagefold is a command-line interface for interacting with the pagefoldd
HTTP server. It provides commands for folding remote page content into
text, inspecting server statistics, and managing the stored API token.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9190", "pagefoldd server URL")
	rootCmd.AddCommand(foldCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenSetCmd)
	tokenCmd.AddCommand(tokenClearCmd)
}

// foldCmd folds page links in a file or stdin
var foldCmd = &cobra.Command{
	Use:   "fold [file]",
	Short: "Fold remote page content into a file or stdin",
	Long: `Fold remote page content into a file or stdin using the pagefoldd server.
Links to pages under the configured base URL are replaced with the page
content wrapped in embedding markers.

Examples:
  # Fold a file
  pagefold fold notes.md

  # Fold from stdin
  cat draft.txt | pagefold fold -

  # Use a different server
  pagefold fold --server http://localhost:8080 notes.md`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFold,
}

// statsCmd shows server cache and debounce statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pagefoldd cache and debounce statistics",
	RunE:  runStats,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check pagefoldd server health",
	RunE:  runHealth,
}

// tokenCmd groups token management subcommands
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the stored Confluence API token",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store an API token (read from stdin)",
	Long: `Store an API token on the server. The token is read from stdin so it
never appears in shell history or process listings.

Examples:
  # Store a token
  echo -n "$CONFLUENCE_TOKEN" | pagefold token set`,
	RunE: runTokenSet,
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored API token and key material",
	RunE:  runTokenClear,
}

// FoldRequest matches internal/httpapi/server.go FoldRequest
type FoldRequest struct {
	Text                string `json:"text"`
	Debounce            bool   `json:"debounce"`
	DebounceKey         string `json:"debounceKey,omitempty"`
	EnableOptimizations bool   `json:"enableOptimizations"`
}

// FoldResponse matches internal/httpapi/server.go FoldResponse
type FoldResponse struct {
	Text       string `json:"text"`
	Superseded bool   `json:"superseded,omitempty"`
}

// HealthResponse matches internal/httpapi/server.go HealthResponse
type HealthResponse struct {
	Status string `json:"status"`
}

// TokenRequest matches internal/httpapi/server.go TokenRequest
type TokenRequest struct {
	Token string `json:"token"`
}

// runFold handles the fold command
func runFold(cmd *cobra.Command, args []string) error {
	var content []byte
	var err error

	// Read input from file or stdin
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}

	if len(content) == 0 {
		return fmt.Errorf("no content to fold")
	}

	reqBody := FoldRequest{
		Text:                string(content),
		EnableOptimizations: true,
	}

	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/fold", serverURL)
	httpReq, err := http.NewRequest("POST", url, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout: 60 * time.Second,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var foldResp FoldResponse
	if err := json.NewDecoder(resp.Body).Decode(&foldResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Print(foldResp.Text)
	return nil
}

// runStats handles the stats command
func runStats(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/api/v1/stats", serverURL)

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	// Pretty-print the raw stats document rather than binding to the
	// server's struct shapes.
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/health", serverURL)

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to %s: %v\n", url, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var healthResp HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Server Status: %s\n", healthResp.Status)
	return nil
}

// runTokenSet handles the token set command
func runTokenSet(cmd *cobra.Command, args []string) error {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to read token from stdin: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("no token provided on stdin")
	}

	reqJSON, err := json.Marshal(TokenRequest{Token: string(raw)})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/token", serverURL)
	httpReq, err := http.NewRequest("PUT", url, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	fmt.Fprintln(os.Stderr, "Token stored")
	return nil
}

// runTokenClear handles the token clear command
func runTokenClear(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/api/v1/token", serverURL)
	httpReq, err := http.NewRequest("DELETE", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	fmt.Fprintln(os.Stderr, "Token cleared")
	return nil
}
