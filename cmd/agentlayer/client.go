package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	agenttls "github.com/polisai/agentlayer/internal/tls"
	"github.com/polisai/agentlayer/pkg/domain"
	"github.com/polisai/agentlayer/pkg/events"
)

// maxFollowReconnects bounds reconnects of trace --follow after the stream
// drops before the run finished.
const maxFollowReconnects = 5

func newTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <run-id>",
		Short: "Show a recorded run from a running server",
		Long: `Show a recorded run. With --follow, stream the run's events as they happen,
one JSON object per line, until the run finishes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if follow, _ := cmd.Flags().GetBool("follow"); follow {
				return followRun(cmd, args[0])
			}
			return fetchAndPrint(cmd, "/runs/"+url.PathEscape(args[0]))
		},
	}
	cmd.Flags().BoolP("follow", "f", false, "Stream run events until the run finishes")
	addAPIFlag(cmd)
	return cmd
}

func newScoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Show the compliance score across recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return fetchAndPrint(cmd, "/score")
		},
	}
	addAPIFlag(cmd)
	return cmd
}

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write the HTML compliance report of recorded runs to a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := fetch(cmd, "/report")
			if err != nil {
				return err
			}
			output, _ := cmd.Flags().GetString("output")
			if err := os.WriteFile(output, body, 0o600); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			path, err := filepath.Abs(output)
			if err != nil {
				path = output
			}
			fmt.Fprintf(cmd.OutOrStdout(), "report written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "agentlayer_report.html", "File the report is written to")
	addAPIFlag(cmd)
	return cmd
}

func addAPIFlag(cmd *cobra.Command) {
	cmd.Flags().String("api", defaultAPIURL, "Base URL of the agentlayer API")
	cmd.Flags().Duration("request-timeout", 30*time.Second, "HTTP request timeout")
	cmd.Flags().String("ca-file", "", "PEM bundle trusted for an https API instead of the system roots")
}

// apiClient honours --ca-file. Timeouts come from the request context.
func apiClient(cmd *cobra.Command) (*http.Client, error) {
	caFile, _ := cmd.Flags().GetString("ca-file")
	if caFile == "" {
		return http.DefaultClient, nil
	}
	tlsConfig, err := agenttls.BuildClient(agenttls.Config{RootCAFile: caFile})
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return &http.Client{Transport: transport}, nil
}

func apiURL(cmd *cobra.Command, path string) string {
	base, _ := cmd.Flags().GetString("api")
	return strings.TrimRight(base, "/") + path
}

func fetchAndPrint(cmd *cobra.Command, path string) error {
	body, err := fetch(cmd, path)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), v)
}

// fetch GETs path from the API and returns the body of a 200 response.
func fetch(cmd *cobra.Command, path string) ([]byte, error) {
	timeout, _ := cmd.Flags().GetDuration("request-timeout")
	client, err := apiClient(cmd)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL(cmd, path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp, body)
	}
	return body, nil
}

func apiError(resp *http.Response, body []byte) error {
	var apiErr domain.ErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return fmt.Errorf("%s: %s (%s)", resp.Status, apiErr.Message, apiErr.Code)
	}
	return fmt.Errorf("%s", resp.Status)
}

// followRun prints run events as JSON lines. A dropped stream is resumed from
// the last event seen.
func followRun(cmd *cobra.Command, runID string) error {
	client, err := apiClient(cmd)
	if err != nil {
		return err
	}
	path := "/runs/" + url.PathEscape(runID) + "/events"
	enc := json.NewEncoder(cmd.OutOrStdout())

	var lastSeq uint64
	for attempt := 0; attempt <= maxFollowReconnects; attempt++ {
		finished, seq, err := followOnce(cmd.Context(), client, apiURL(cmd, path), lastSeq, enc)
		if err != nil {
			return err
		}
		if finished {
			return nil
		}
		if seq > lastSeq {
			lastSeq = seq
			attempt = 0
		}
		if cmd.Context().Err() != nil {
			return cmd.Context().Err()
		}
	}
	return fmt.Errorf("event stream for run %s kept dropping", runID)
}

func followOnce(ctx context.Context, client *http.Client, target string, after uint64, enc *json.Encoder) (bool, uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, after, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if after > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(after, 10))
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, after, fmt.Errorf("request %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return false, after, apiError(resp, body)
	}

	dec := events.NewSSEDecoder(resp.Body)
	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return false, after, nil
		}
		if err != nil {
			// A broken connection is resumed by the caller.
			return false, after, nil //nolint:nilerr
		}
		ev, err := msg.Decode()
		if err != nil {
			return false, after, err
		}
		after = ev.Seq
		if err := enc.Encode(ev.Event); err != nil {
			return false, after, fmt.Errorf("encode output: %w", err)
		}
		if ev.Event.Type == events.RunFinished {
			return true, after, nil
		}
	}
}
