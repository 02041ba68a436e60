package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/profiler"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Row is one labelled transaction.
type Row struct {
	Request domain.ScoreRequest
	IsFraud bool
}

var requiredColumns = []string{"user_id", "amount", "transaction_type", "payment_method", "beneficiary_id", "is_fraud"}

// readCSV parses labelled transactions. Required columns are user_id,
// amount, transaction_type, payment_method, beneficiary_id and is_fraud;
// device_id, ip_address, latitude and longitude are optional. Malformed
// rows are skipped.
func readCSV(r io.Reader, limit int) ([]Row, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	get := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		amount, err := decimal.NewFromString(get(record, "amount"))
		if err != nil {
			continue
		}

		req := domain.ScoreRequest{
			UserID:          get(record, "user_id"),
			Amount:          amount,
			TransactionType: get(record, "transaction_type"),
			PaymentMethod:   get(record, "payment_method"),
			BeneficiaryID:   get(record, "beneficiary_id"),
			DeviceID:        get(record, "device_id"),
			IPAddress:       get(record, "ip_address"),
		}
		lat, latErr := strconv.ParseFloat(get(record, "latitude"), 64)
		lon, lonErr := strconv.ParseFloat(get(record, "longitude"), 64)
		if latErr == nil && lonErr == nil {
			req.Latitude, req.Longitude = &lat, &lon
		}

		label := get(record, "is_fraud")
		rows = append(rows, Row{Request: req, IsFraud: label == "1" || strings.EqualFold(label, "true")})

		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

// Replayer sends rows to a Kestrel server.
type Replayer struct {
	Client  *http.Client
	BaseURL string
	Workers int
	RPS     float64
	TxLimit string
	Verbose bool
}

// Result aggregates a replay.
type Result struct {
	mu sync.Mutex

	TP, FP, TN, FN int
	Processed      int
	Errors         int
	Suspicious     int
	Anomalies      int
	Degraded       int

	latenciesMs []float64
}

// Precision is TP / (TP + FP).
func (r *Result) Precision() float64 { return ratio(r.TP, r.TP+r.FP) }

// Recall is TP / (TP + FN).
func (r *Result) Recall() float64 { return ratio(r.TP, r.TP+r.FN) }

// F1 is the harmonic mean of precision and recall.
func (r *Result) F1() float64 {
	p, rc := r.Precision(), r.Recall()
	if p+rc == 0 {
		return 0
	}
	return 2 * p * rc / (p + rc)
}

// Accuracy is the share of correct predictions.
func (r *Result) Accuracy() float64 { return ratio(r.TP+r.TN, r.TP+r.TN+r.FP+r.FN) }

// LatencyPercentiles returns p50, p95 and p99 in milliseconds.
func (r *Result) LatencyPercentiles() (float64, float64, float64) {
	return profiler.Percentile(r.latenciesMs, 50),
		profiler.Percentile(r.latenciesMs, 95),
		profiler.Percentile(r.latenciesMs, 99)
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func (r *Result) record(row Row, v *domain.FraudVerdict, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Processed++
	r.latenciesMs = append(r.latenciesMs, float64(elapsed.Microseconds())/1000)
	if err != nil {
		r.Errors++
		return
	}

	switch {
	case v.Prediction && row.IsFraud:
		r.TP++
	case v.Prediction && !row.IsFraud:
		r.FP++
	case !v.Prediction && !row.IsFraud:
		r.TN++
	default:
		r.FN++
	}
	if v.Suspicious {
		r.Suspicious++
	}
	if v.Anomaly {
		r.Anomalies++
	}
	if v.GlobalDegraded {
		r.Degraded++
	}
}

// Run replays rows. Rows of one user are sent sequentially so each sees the
// previous ones as history; distinct users run concurrently.
func (p *Replayer) Run(ctx context.Context, rows []Row) (*Result, error) {
	byUser := make(map[string][]Row)
	var order []string
	for _, row := range rows {
		uid := row.Request.UserID
		if _, seen := byUser[uid]; !seen {
			order = append(order, uid)
		}
		byUser[uid] = append(byUser[uid], row)
	}

	var limiter *rate.Limiter
	if p.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.RPS), 1)
	}

	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}

	result := &Result{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, uid := range order {
		userRows := byUser[uid]
		g.Go(func() error {
			if err := p.putProfile(gctx, uid); err != nil {
				return fmt.Errorf("create profile %s: %w", uid, err)
			}
			for _, row := range userRows {
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return err
					}
				}
				start := time.Now()
				v, err := p.score(gctx, row.Request)
				result.record(row, v, time.Since(start), err)
				if p.Verbose {
					printRow(row, v, err)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

func (p *Replayer) putProfile(ctx context.Context, userID string) error {
	body := map[string]any{"payerId": userID + "@kestrel"}
	if p.TxLimit != "" {
		body["transactionLimit"] = p.TxLimit
	}
	_, err := p.do(ctx, http.MethodPut, "/profiles/"+userID, body, http.StatusOK)
	return err
}

func (p *Replayer) score(ctx context.Context, req domain.ScoreRequest) (*domain.FraudVerdict, error) {
	data, err := p.do(ctx, http.MethodPost, "/score", req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var v domain.FraudVerdict
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *Replayer) do(ctx context.Context, method, path string, body any, want int) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, p.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != want {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func printRow(row Row, v *domain.FraudVerdict, err error) {
	if err != nil {
		fmt.Printf("ERROR: %s -> %v\n", row.Request.UserID, err)
		return
	}
	status := "✓"
	if v.Prediction != row.IsFraud {
		status = "✗"
	}
	fmt.Printf("%s %-12s | Amount: %12s | Fraud: %-5v | Kestrel: %-5v (%.2f) | %v %v\n",
		status,
		row.Request.UserID,
		row.Request.Amount.StringFixed(2),
		row.IsFraud,
		v.Prediction,
		v.FinalScore,
		v.HeuristicRules,
		v.BehaviorRules,
	)
}
