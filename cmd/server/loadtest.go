package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/digit-api/internal/loadtest"
)

func loadtestCmd() *cobra.Command {
	var (
		url         string
		requests    int
		concurrency int
		timeout     time.Duration
		quiet       bool
	)

	c := &cobra.Command{
		Use:   "loadtest",
		Short: "POST random 28x28 arrays to /predict and report latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			opts := loadtest.Options{
				URL:         url,
				Requests:    requests,
				Concurrency: concurrency,
				Timeout:     timeout,
			}

			var bar *pb.ProgressBar
			if !quiet {
				bar = pb.StartNew(requests)
				opts.Progress = func() { bar.Increment() }
			}

			rep, err := loadtest.Run(ctx, opts)
			if bar != nil {
				bar.Finish()
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Requests:        %d (%d failed)\n", rep.Requests, rep.Errors)
			fmt.Fprintf(out, "Total time:      %s\n", rep.Total)
			fmt.Fprintf(out, "Average latency: %.2f ms\n", ms(rep.Average))
			fmt.Fprintf(out, "p50 latency:     %.2f ms\n", ms(rep.P50))
			fmt.Fprintf(out, "p95 latency:     %.2f ms\n", ms(rep.P95))
			fmt.Fprintf(out, "Max latency:     %.2f ms\n", ms(rep.Max))
			return err
		},
	}

	c.Flags().StringVar(&url, "url", "http://127.0.0.1:8000/predict", "Prediction endpoint")
	c.Flags().IntVarP(&requests, "requests", "n", 200, "Number of requests")
	c.Flags().IntVarP(&concurrency, "concurrency", "j", 1, "Concurrent workers")
	c.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Per-request timeout")
	c.Flags().BoolVarP(&quiet, "quiet", "q", false, "Disable the progress bar")
	return c
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
