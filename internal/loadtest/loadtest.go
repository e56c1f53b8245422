package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"time"
)

type Options struct {
	URL         string
	Requests    int
	Concurrency int
	Timeout     time.Duration
	Client      *http.Client
	// Progress, when set, is called once per finished request.
	Progress func()
}

type Report struct {
	Requests int
	Errors   int
	Total    time.Duration
	Average  time.Duration
	P50      time.Duration
	P95      time.Duration
	Max      time.Duration
}

func (r Report) String() string {
	return fmt.Sprintf("requests=%d errors=%d total=%s avg=%s p50=%s p95=%s max=%s",
		r.Requests, r.Errors, r.Total, r.Average, r.P50, r.P95, r.Max)
}

// RandomImage returns a 28x28 grid of uniform values in [0, 1).
func RandomImage(r *rand.Rand) [][]float64 {
	img := make([][]float64, 28)
	for i := range img {
		img[i] = make([]float64, 28)
		for j := range img[i] {
			img[i][j] = r.Float64()
		}
	}
	return img
}

// Run POSTs the same random image Requests times to opts.URL from
// Concurrency workers and summarizes the observed latencies.
func Run(ctx context.Context, opts Options) (Report, error) {
	if opts.URL == "" {
		return Report{}, errors.New("loadtest: url is required")
	}
	if opts.Requests <= 0 {
		return Report{}, errors.New("loadtest: requests must be positive")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Concurrency > opts.Requests {
		opts.Concurrency = opts.Requests
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	body, err := json.Marshal(RandomImage(rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))))
	if err != nil {
		return Report{}, err
	}

	jobs := make(chan struct{})
	var (
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, opts.Requests)
		failures  int
		wg        sync.WaitGroup
	)

	start := time.Now()
	for w := 0; w < opts.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				d, err := post(ctx, client, opts.URL, body)
				mu.Lock()
				if err != nil {
					failures++
				} else {
					latencies = append(latencies, d)
				}
				mu.Unlock()
				if opts.Progress != nil {
					opts.Progress()
				}
			}
		}()
	}

feed:
	for i := 0; i < opts.Requests; i++ {
		select {
		case jobs <- struct{}{}:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	rep := summarize(latencies)
	rep.Requests = len(latencies) + failures
	rep.Errors = failures
	rep.Total = time.Since(start)
	return rep, ctx.Err()
}

func post(ctx context.Context, client *http.Client, url string, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	d := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return d, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return d, nil
}

func summarize(latencies []time.Duration) Report {
	var rep Report
	if len(latencies) == 0 {
		return rep
	}

	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	rep.Average = sum / time.Duration(len(sorted))
	rep.P50 = percentile(sorted, 50)
	rep.P95 = percentile(sorted, 95)
	rep.Max = sorted[len(sorted)-1]
	return rep
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
