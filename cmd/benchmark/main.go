// Benchmark replays labelled transactions against a running Kestrel.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/transactions.csv -url http://localhost:8080
//
// This tool:
//  1. Reads labelled transactions from CSV (see readCSV for the columns)
//  2. Creates a profile for every user it has not seen
//  3. Sends each transaction to POST /score, in file order per user
//  4. Compares final_prediction with the label and reports precision,
//     recall, F1 and latency percentiles
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

func main() {
	csvPath := flag.String("csv", "", "Path to labelled transactions CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent users replayed")
	rps := flag.Float64("rps", 0, "Request rate limit (0 = unlimited)")
	txLimit := flag.String("tx-limit", "", "Transaction limit set on created profiles (empty = none)")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║               KESTREL BENCHMARK - Fraud Replay                ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Rate:        %.0f req/s\n", *rps)
	fmt.Println()

	client := &http.Client{Timeout: 10 * time.Second}
	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	rows, err := readCSV(f, *limit)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transactions\n", len(rows))

	r := &Replayer{
		Client:  client,
		BaseURL: *baseURL,
		Workers: *workers,
		RPS:     *rps,
		TxLimit: *txLimit,
		Verbose: *verbose,
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	start := time.Now()
	result, err := r.Run(context.Background(), rows)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	printResults(result, time.Since(start))
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func printResults(r *Result, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", r.Processed)
	fmt.Printf("   Total Fraud:      %d\n", r.TP+r.FN)
	fmt.Printf("   Total Non-Fraud:  %d\n", r.FP+r.TN)
	fmt.Printf("   Errors:           %d\n", r.Errors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    FRAUD       LEGIT")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", r.TP, r.FN)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", r.FP, r.TN)
	fmt.Println("              └──────────┴──────────┘")

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f\n", r.Precision())
	fmt.Printf("   Recall:     %.4f\n", r.Recall())
	fmt.Printf("   F1-Score:   %.4f\n", r.F1())
	fmt.Printf("   Accuracy:   %.4f\n", r.Accuracy())

	fmt.Printf("\nLAYER TRIGGERS\n")
	fmt.Printf("   Heuristic suspicious:  %d\n", r.Suspicious)
	fmt.Printf("   Behavioral anomaly:    %d\n", r.Anomalies)
	fmt.Printf("   Global degraded:       %d\n", r.Degraded)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if r.Processed > 0 {
		p50, p95, p99 := r.LatencyPercentiles()
		fmt.Printf("   Latency p50:      %.2f ms\n", p50)
		fmt.Printf("   Latency p95:      %.2f ms\n", p95)
		fmt.Printf("   Latency p99:      %.2f ms\n", p99)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(r.Processed)/duration.Seconds())
	}
	fmt.Println()
}
