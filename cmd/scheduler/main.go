// The scheduler is the off-chain companion of the admission engine: it polls
// the preview surface for a registered order, waits for the reported
// next-eligible time, and drives admission + completion pairs against the
// internal hooks until the order finishes. It collects per-endpoint latency
// statistics the same way the engine's operators do in load tests.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/twap-gate/internal/auth"
)

const (
	defaultServerAddress = "http://localhost:8080"
	taker                = "0xschedule-bot"
	totalChunks          = 5
	pollInterval         = 2 * time.Second
)

// init configures the logger for the scheduler with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// schedulerClient handles HTTP communication with the admission engine
type schedulerClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

type previewResult struct {
	CanExecute    bool   `json:"can_execute"`
	Reason        string `json:"reason"`
	NextEligible  int64  `json:"next_eligible"`
	VolatilityBps uint64 `json:"volatility_bps"`
	ExpectedChunk string `json:"expected_chunk"`
}

// newSchedulerClient creates and authenticates a new scheduler client
func newSchedulerClient() (*schedulerClient, error) {
	baseURL := os.Getenv("SERVER_ADDRESS")
	if baseURL == "" {
		baseURL = defaultServerAddress
	}

	sc := &schedulerClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"register": {name: "Register Order"},
			"preview":  {name: "Preview"},
			"admit":    {name: "Admission"},
			"complete": {name: "Completion"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *schedulerClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
		Token string `json:"jwt_token"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", err
	}
	if result.Data.Token != "" {
		return result.Data.Token, nil
	}
	return result.Token, nil
}

// post performs an authenticated POST of a JSON payload and decodes the data
// portion of the response envelope into out when it is non-nil.
func (sc *schedulerClient) post(statKey, path string, payload, out interface{}) error {
	return sc.do(statKey, http.MethodPost, path, payload, out)
}

func (sc *schedulerClient) do(statKey, method, path string, payload, out interface{}) error {
	start := time.Now()
	defer func() {
		sc.stats[statKey].addDuration(time.Since(start))
	}()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[statKey].failures++
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Str("path", path).Msg("POST response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats[statKey].failures++
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, string(respBody))
	}

	if out != nil {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w, body: %s", err, string(respBody))
		}
	}
	return nil
}

// registerOrder submits a new TWAP order and returns its identifier
func (sc *schedulerClient) registerOrder() (string, error) {
	orderID := "0x" + strings.ReplaceAll(uuid.New().String(), "-", "")
	now := time.Now().Unix()

	params := map[string]interface{}{
		"order_id":            orderID,
		"maker":               taker,
		"making_amount":       "10000000000000000000", // 10e18
		"taking_amount":       "20000000000000000000000",
		"total_chunks":        totalChunks,
		"start_time":          now - 1,
		"end_time":            now + 3600,
		"min_chunk_size":      "1000000000000000000",
		"max_price_impact_bps": 500,
		"volatility_gated":    true,
		"min_volatility_bps":  0,
		"max_volatility_bps":  5_000_000,
		"lookback_window":     86400,
		"price_feed_id":       "ETH-USD",
		"sequencer_feed_id":   "sequencer-uptime",
		"max_price_staleness": 3600,
		"adaptive_chunk_size": true,
		"continuous_mode":     true,
	}

	if err := sc.post("register", "/api/v1/orders", params, nil); err != nil {
		return "", err
	}
	return orderID, nil
}

// preview asks whether the order can execute right now
func (sc *schedulerClient) preview(orderID string) (*previewResult, error) {
	start := time.Now()
	defer func() {
		sc.stats["preview"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest("GET", fmt.Sprintf("%s/api/v1/orders/%s/preview", sc.baseURL, orderID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats["preview"].failures++
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Preview response")

	if resp.StatusCode != http.StatusOK {
		sc.stats["preview"].failures++
		return nil, fmt.Errorf("preview failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Data previewResult `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return &result.Data, nil
}

// admit submits the pre-fill hook for one chunk
func (sc *schedulerClient) admit(orderID, soldAmount string) error {
	payload := map[string]interface{}{
		"taker":          taker,
		"selling_amount": soldAmount,
		"buying_amount":  "0", // defer to the maker's quoted rate
	}
	return sc.post("admit", fmt.Sprintf("/api/v1/internal/admission/%s", orderID), payload, nil)
}

// complete submits the post-fill hook after a simulated settlement
func (sc *schedulerClient) complete(orderID, soldAmount, boughtAmount string) (bool, error) {
	payload := map[string]interface{}{
		"selling_amount": soldAmount,
		"buying_amount":  boughtAmount,
	}
	var result struct {
		Completed bool `json:"completed"`
	}
	if err := sc.post("complete", fmt.Sprintf("/api/v1/internal/completion/%s", orderID), payload, &result); err != nil {
		return false, err
	}
	return result.Completed, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *schedulerClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
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

// main registers one volatility-gated order against a running engine and
// walks it through all of its chunks
func main() {
	sc, err := newSchedulerClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize scheduler client")
	}

	// The scheduler needs its taker identity on the allow-list.
	if err := sc.do("admit", http.MethodPut, fmt.Sprintf("/api/v1/admin/takers/%s", taker), nil, nil); err != nil {
		log.Fatal().Err(err).Msg("Failed to authorize taker")
	}

	orderID, err := sc.registerOrder()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register order")
	}
	log.Info().Str("order_id", orderID).Int("total_chunks", totalChunks).Msg("Order registered")

	executed := 0
	for executed < totalChunks {
		preview, err := sc.preview(orderID)
		if err != nil {
			log.Error().Err(err).Msg("Preview failed")
			time.Sleep(pollInterval)
			continue
		}

		if !preview.CanExecute {
			wait := pollInterval
			if next := preview.NextEligible; next > 0 {
				if until := time.Until(time.Unix(next, 0)); until > wait {
					wait = until
				}
			}
			log.Info().
				Str("reason", preview.Reason).
				Dur("wait", wait).
				Msg("Not eligible yet")
			time.Sleep(wait)
			continue
		}

		sold := preview.ExpectedChunk
		if sold == "" || sold == "0" {
			log.Error().Msg("Preview returned no expected chunk size")
			break
		}

		if err := sc.admit(orderID, sold); err != nil {
			log.Warn().Err(err).Msg("Chunk rejected, backing off")
			time.Sleep(pollInterval)
			continue
		}

		// The host protocol would transfer assets here; the scheduler just
		// reports the fill back at the maker's quoted rate.
		completed, err := sc.complete(orderID, sold, "0")
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to record completion")
		}
		executed++
		log.Info().
			Int("executed", executed).
			Uint64("volatility_bps", preview.VolatilityBps).
			Bool("completed", completed).
			Msg("Chunk filled")
	}

	sc.printPerformanceStats()
}
