package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"
)

const (
	totalRequests = 100
	ratePerSecond = 5
	pollInterval  = 500 * time.Millisecond
	pollTimeout   = 5 * time.Minute
)

type outcome struct {
	n       int
	status  string
	latency time.Duration
	err     error
}

func main() {
	base := os.Getenv("KMERQ_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	db := os.Getenv("KMERQ_DB")

	ticker := time.NewTicker(time.Second / time.Duration(ratePerSecond))
	defer ticker.Stop()

	var wg sync.WaitGroup
	client := &http.Client{Timeout: 30 * time.Second}
	results := make(chan outcome, totalRequests)

	for i := 1; i <= totalRequests; i++ {
		<-ticker.C // enforce rate limit

		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results <- runOne(client, base, db, n)
		}(i)
	}

	wg.Wait()
	close(results)

	byStatus := map[string]int{}
	var latencies []time.Duration
	for o := range results {
		if o.err != nil {
			fmt.Printf("Request %d: %v\n", o.n, o.err)
			byStatus["error"]++
			continue
		}
		byStatus[o.status]++
		latencies = append(latencies, o.latency)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Println("All requests completed")
	for status, count := range byStatus {
		fmt.Printf("  %-10s %d\n", status, count)
	}
	if len(latencies) > 0 {
		fmt.Printf("  p50 %v  p95 %v  max %v\n",
			latencies[len(latencies)/2],
			latencies[len(latencies)*95/100],
			latencies[len(latencies)-1])
	}
}

// runOne submits a query and polls /result until the job leaves running.
func runOne(client *http.Client, base, db string, n int) outcome {
	start := time.Now()
	payload := map[string]any{
		"querylabel": fmt.Sprintf("load%d", n),
		"queryseq":   randomSequence(n, 200),
	}
	if db != "" {
		payload["db"] = db
	}

	var submitted struct {
		JobID string `json:"job_id"`
	}
	code, err := post(client, base+"/search", payload, &submitted)
	if err != nil {
		return outcome{n: n, err: err}
	}
	if code != http.StatusOK {
		return outcome{n: n, status: fmt.Sprintf("rejected_%d", code), latency: time.Since(start)}
	}

	deadline := time.Now().Add(pollTimeout)
	for time.Now().Before(deadline) {
		var res struct {
			Status string `json:"status"`
		}
		code, err := post(client, base+"/result", map[string]string{"job_id": submitted.JobID}, &res)
		if err != nil {
			return outcome{n: n, err: err}
		}
		if code != http.StatusOK {
			return outcome{n: n, err: fmt.Errorf("result for %s returned %d", submitted.JobID, code)}
		}
		if res.Status != "running" {
			return outcome{n: n, status: res.Status, latency: time.Since(start)}
		}
		time.Sleep(pollInterval)
	}
	return outcome{n: n, err: fmt.Errorf("job %s still running after %v", submitted.JobID, pollTimeout)}
}

func post(client *http.Client, url string, body, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.Unmarshal(b, out); err != nil {
			return 0, fmt.Errorf("bad response %s: %w", string(b), err)
		}
	}
	return resp.StatusCode, nil
}

func randomSequence(seed, n int) string {
	const bases = "ACGT"
	b := make([]byte, n)
	x := uint32(seed*2654435761 + 1)
	for i := range b {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		b[i] = bases[x%4]
	}
	return string(b)
}
