package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	numWorkers       = 5
	tradesPerWorker  = 4
	approvalRate     = 0.75
	defaultServerURL = "http://localhost:8080"

	// chatInterval keeps every worker together under the server's per-user
	// chat limit.
	chatInterval = 2500 * time.Millisecond
)

var companies = []struct {
	name  string
	price int64
}{
	{"Apple", 190},
	{"Microsoft", 410},
	{"Nvidia", 150},
	{"Tesla", 240},
	{"Amazon", 180},
	{"Meta", 500},
}

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks latency for one API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sorted := append([]time.Duration(nil), rs.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = sum / time.Duration(len(sorted))
	median = sorted[len(sorted)/2]

	p95 = sorted[int(math.Ceil(float64(len(sorted))*0.95))-1]
	p99 = sorted[int(math.Ceil(float64(len(sorted))*0.99))-1]
	return
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type chatResult struct {
	ThreadID         string `json:"thread_id"`
	Response         string `json:"response"`
	RequiresApproval bool   `json:"requires_approval"`
	ApprovalDetails  *struct {
		Awaiting        string `json:"awaiting"`
		ApprovalDetails struct {
			OrderDetails string `json:"order_details"`
		} `json:"approval_details"`
	} `json:"approval_details"`
	ApprovalOutcome string `json:"approval_outcome"`
	LoopDetected    bool   `json:"loop_detected"`
}

type position struct {
	Symbol       string          `json:"symbol"`
	Shares       int64           `json:"shares"`
	AveragePrice decimal.Decimal `json:"average_price"`
}

// simulationClient drives the chat and approval endpoints over HTTP
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	pace      *rate.Limiter

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		pace:    rate.NewLimiter(rate.Every(chatInterval), 1),
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"chat":      {name: "Chat"},
			"approval":  {name: "Get Approval"},
			"approve":   {name: "Approve"},
			"portfolio": {name: "Portfolio"},
			"trades":    {name: "Trade History"},
		},
	}

	token, err := sc.authenticate(envOr("API_KEY", "test-api-key"), envOr("API_SECRET", "test-api-secret"))
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token
	return sc, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (sc *simulationClient) record(route string, d time.Duration, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs := sc.stats[route]
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if err != nil {
		rs.failures++
	}
}

// call sends a JSON request and decodes the data field of the response
// envelope into out.
func (sc *simulationClient) call(route, method, path string, payload, out any) (err error) {
	start := time.Now()
	defer func() { sc.record(route, time.Since(start), err) }()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Int("status", resp.StatusCode).Str("response", string(respBody)).Msg("response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("%s %s failed with status %d: %s: %s", method, path, resp.StatusCode, env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	var token struct {
		Token  string `json:"jwt_token"`
		UserID string `json:"user_id"`
	}
	err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}, &token)
	if err != nil {
		return "", err
	}
	log.Info().Str("user_id", token.UserID).Msg("Authenticated")
	return token.Token, nil
}

func (sc *simulationClient) chat(threadID, message string) (*chatResult, error) {
	if err := sc.pace.Wait(context.Background()); err != nil {
		return nil, err
	}
	var res chatResult
	err := sc.call("chat", http.MethodPost, "/api/v1/chat", map[string]string{
		"thread_id": threadID,
		"message":   message,
	}, &res)
	return &res, err
}

func (sc *simulationClient) pendingApproval(threadID string) error {
	return sc.call("approval", http.MethodGet, "/api/v1/threads/"+threadID+"/approval", nil, nil)
}

func (sc *simulationClient) approve(threadID string, approved bool) (*chatResult, error) {
	var res chatResult
	err := sc.call("approve", http.MethodPost, "/api/v1/approve", map[string]any{
		"thread_id": threadID,
		"approved":  approved,
	}, &res)
	return &res, err
}

func (sc *simulationClient) portfolio() ([]position, error) {
	var p struct {
		Positions []position `json:"positions"`
	}
	err := sc.call("portfolio", http.MethodGet, "/api/v1/portfolio", nil, &p)
	return p.Positions, err
}

func (sc *simulationClient) tradeCount() (int, error) {
	var history struct {
		Count int `json:"count"`
	}
	err := sc.call("trades", http.MethodGet, "/api/v1/trades", nil, &history)
	return history.Count, err
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	routes := make([]string, 0, len(sc.stats))
	for route := range sc.stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	for _, route := range routes {
		stats := sc.stats[route]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

type tally struct {
	mu        sync.Mutex
	suspended int
	approved  int
	rejected  int
	failed    int
}

func (t *tally) add(f func(*tally)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f(t)
}

// runTrade asks for one trade in a fresh thread and answers the approval
// prompt.
func runTrade(sc *simulationClient, workerID int, rng *rand.Rand, results *tally) {
	company := companies[rng.Intn(len(companies))]
	shares := rng.Intn(20) + 1
	threadID := uuid.New().String()
	logger := log.With().Int("worker_id", workerID).Str("thread_id", threadID).Logger()

	res, err := sc.chat(threadID, fmt.Sprintf("buy %d shares of %s at $%d", shares, company.name, company.price))
	if err != nil {
		logger.Error().Err(err).Msg("Chat failed")
		results.add(func(t *tally) { t.failed++ })
		return
	}
	if !res.RequiresApproval || res.ApprovalDetails == nil {
		logger.Warn().Str("response", res.Response).Msg("Trade did not suspend for approval")
		results.add(func(t *tally) { t.failed++ })
		return
	}
	results.add(func(t *tally) { t.suspended++ })
	logger.Info().Str("order", res.ApprovalDetails.ApprovalDetails.OrderDetails).Msg("Awaiting approval")

	if err := sc.pendingApproval(threadID); err != nil {
		logger.Error().Err(err).Msg("Failed to read pending approval")
	}

	decision := rng.Float64() < approvalRate
	res, err = sc.approve(threadID, decision)
	if err != nil {
		logger.Error().Err(err).Msg("Approve failed")
		results.add(func(t *tally) { t.failed++ })
		return
	}
	logger.Info().Str("outcome", res.ApprovalOutcome).Str("response", res.Response).Msg("Approval resolved")

	if decision {
		results.add(func(t *tally) { t.approved++ })
	} else {
		results.add(func(t *tally) { t.rejected++ })
	}
}

func main() {
	if os.Getenv("DEBUG") != "true" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	sc, err := newSimulationClient(envOr("SIMULATION_SERVER", defaultServerURL))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	start := time.Now()
	log.Info().Int("workers", numWorkers).Int("trades_per_worker", tradesPerWorker).Msg("Starting simulation")

	var results tally
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
			for n := 0; n < tradesPerWorker; n++ {
				runTrade(sc, workerID, rng, &results)
			}
		}(i)
	}
	wg.Wait()

	positions, err := sc.portfolio()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch portfolio")
	}
	trades, err := sc.tradeCount()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch trade history")
	}

	fmt.Println("\nSimulation Summary")
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Duration:            %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("Suspended for review: %d\n", results.suspended)
	fmt.Printf("Approved:            %d\n", results.approved)
	fmt.Printf("Rejected:            %d\n", results.rejected)
	fmt.Printf("Failed:              %d\n", results.failed)
	fmt.Printf("Trades in ledger:    %d\n", trades)
	fmt.Println("\nPositions")
	for _, p := range positions {
		fmt.Printf("  %-6s %6d @ %s\n", p.Symbol, p.Shares, p.AveragePrice.StringFixed(2))
	}

	sc.printPerformanceStats()
}
