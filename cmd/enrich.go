package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadops/internal/coordinator"
	"github.com/sells-group/leadops/internal/resilience"
)

var (
	enrichFile   string
	enrichSource string
	enrichRetry  bool
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich a single lead payload",
	Long:  "Reads one JSON payload from --file or stdin, runs it through the coordinator, and prints the enrichment result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate(); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		coord, err := initCoordinator(st)
		if err != nil {
			return err
		}

		raw, err := readPayload(enrichFile)
		if err != nil {
			return err
		}
		payload, err := parsePayload(raw)
		if err != nil {
			return err
		}

		req := coordinator.Request{Source: enrichSource, Payload: payload, Raw: raw}

		handle := func(ctx context.Context) (*coordinator.Outcome, error) {
			return coord.Handle(ctx, req)
		}

		var out *coordinator.Outcome
		if enrichRetry {
			// Retry lost claim races: the winner usually settles within its
			// RetryAfter hint.
			out, err = resilience.DoVal(ctx, resilience.RetryConfig{
				MaxAttempts:    5,
				InitialBackoff: coordinator.DefaultRetryAfter,
				ShouldRetry:    coordinator.IsConflict,
				OnRetry: func(attempt int, err error) {
					zap.L().Info("enrichment in flight elsewhere, retrying",
						zap.Int("attempt", attempt))
				},
			}, handle)
		} else {
			out, err = handle(ctx)
		}
		if err != nil {
			return err
		}

		if out.Cached {
			fmt.Fprintln(os.Stderr, "Result served from a previous run.")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out.Result)
	},
}

// -- enrich batch --

var (
	batchConcurrency int
	batchSource      string
)

var enrichBatchCmd = &cobra.Command{
	Use:   "batch <file.jsonl>",
	Short: "Enrich leads from a JSONL file",
	Long:  "Reads one JSON payload per line and enriches them with bounded concurrency. Conflicts and failures are logged; the batch keeps going.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		began := time.Now()

		if err := cfg.Validate(); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		coord, err := initCoordinator(st)
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrapf(err, "open %s", args[0])
		}
		defer f.Close() //nolint:errcheck

		var enriched, cached, conflicts, failed atomic.Int64

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(batchConcurrency)

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			raw := make(json.RawMessage, len(line))
			copy(raw, line)
			no := lineNo

			g.Go(func() error {
				payload, err := parsePayload(raw)
				if err != nil {
					failed.Add(1)
					zap.L().Warn("skipping malformed line", zap.Int("line", no), zap.Error(err))
					return nil
				}

				out, err := coord.Handle(gctx, coordinator.Request{
					Source:  batchSource,
					Payload: payload,
					Raw:     raw,
				})
				switch {
				case err == nil && out.Cached:
					cached.Add(1)
				case err == nil:
					enriched.Add(1)
				case coordinator.IsConflict(err):
					conflicts.Add(1)
					zap.L().Info("line in flight elsewhere", zap.Int("line", no))
				default:
					failed.Add(1)
					zap.L().Warn("enrichment failed", zap.Int("line", no), zap.Error(err))
				}
				return nil
			})
		}
		if err := scanner.Err(); err != nil {
			return eris.Wrap(err, "read batch file")
		}
		if err := g.Wait(); err != nil {
			return err
		}

		fmt.Printf("Enriched %d, cached %d, conflicts %d, failed %d (of %d lines) in %s\n",
			enriched.Load(), cached.Load(), conflicts.Load(), failed.Load(), lineNo,
			time.Since(began).Round(time.Millisecond))
		return nil
	},
}

func readPayload(path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, eris.Wrap(err, "read payload")
	}
	return data, nil
}

// parsePayload decodes a single JSON object, keeping numbers as
// json.Number so fingerprints are stable across formatting.
func parsePayload(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, eris.Wrap(err, "parse payload")
	}
	payload, ok := v.(map[string]any)
	if !ok {
		return nil, eris.New("payload must be a JSON object")
	}
	return payload, nil
}

func init() {
	enrichCmd.Flags().StringVarP(&enrichFile, "file", "f", "", "payload file (default stdin)")
	enrichCmd.Flags().StringVar(&enrichSource, "source", "", "source label override")
	enrichCmd.Flags().BoolVar(&enrichRetry, "retry", false, "retry while another request holds the claim")

	enrichBatchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 5, "max concurrent enrichments")
	enrichBatchCmd.Flags().StringVar(&batchSource, "source", "", "source label override")

	enrichCmd.AddCommand(enrichBatchCmd)
	rootCmd.AddCommand(enrichCmd)
}
