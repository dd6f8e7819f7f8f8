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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/omnibus-api/internal/aggregation"
	"github.com/ksred/omnibus-api/internal/allocation"
	"github.com/ksred/omnibus-api/internal/auth"
	"github.com/ksred/omnibus-api/internal/broker"
	"github.com/ksred/omnibus-api/internal/database"
	"github.com/ksred/omnibus-api/internal/dividend"
	"github.com/ksred/omnibus-api/internal/execution"
	"github.com/ksred/omnibus-api/internal/intent"
	"github.com/ksred/omnibus-api/internal/scheduler"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minIntents    = 15
	maxIntents    = 150
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
	jwtSecret     = "omnibus-secret-key"

	// Short windows so the simulation settles within seconds
	batchInterval = 2 * time.Second
	schedulerTick = time.Second
	settleTimeout = 30 * time.Second
)

var (
	symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	sides   = []string{"BUY", "SELL"}
)

// init configures the logger for the simulation with pretty printing and timestamp
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

// simulationClient handles HTTP communication with the aggregation API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"enqueue": {name: "Enqueue Intent"},
			"status":  {name: "Intent Status"},
			"batch":   {name: "Execute Batch"},
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
func (sc *simulationClient) authenticate() (string, error) {
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
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// enqueueIntent submits a new order intent to the API
// Returns the intent ID on success
func (sc *simulationClient) enqueueIntent(payload map[string]interface{}) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["enqueue"].addDuration(time.Since(start))
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/intents", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())

	resp, err := sc.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Enqueue intent response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("enqueue intent failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			IntentID string `json:"intent_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if result.Data.IntentID == "" {
		return "", fmt.Errorf("no intent ID in response: %s", string(respBody))
	}

	return result.Data.IntentID, nil
}

// intentStatus retrieves the lifecycle state and allocation of an intent
func (sc *simulationClient) intentStatus(intentID string) (*intent.StatusView, error) {
	start := time.Now()
	defer func() {
		sc.stats["status"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"GET",
		fmt.Sprintf("%s/api/v1/intents/%s", sc.baseURL, intentID),
		nil,
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("intent status failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool              `json:"success"`
		Data    intent.StatusView `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return &result.Data, nil
}

// executeBatch runs a synchronous execute-now batch and returns the
// per-intent outcomes
func (sc *simulationClient) executeBatch(intents []map[string]interface{}) ([]scheduler.IntentOutcome, error) {
	start := time.Now()
	defer func() {
		sc.stats["batch"].addDuration(time.Since(start))
	}()

	body, err := json.Marshal(map[string]interface{}{"intents": intents})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/batches/execute", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Execute batch response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("execute batch failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Outcomes []scheduler.IntentOutcome `json:"outcomes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return result.Data.Outcomes, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
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

// main runs the aggregation simulation
// It starts a local API server, floods it with concurrent intents, waits
// for the scheduler to consolidate and settle them, then runs a
// synchronous batch through the same machinery
func main() {
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetIntents := rand.Intn(maxIntents-minIntents) + minIntents
	log.Info().Int("target_intents", targetIntents).Msg("Starting simulation")

	intentsChan := make(chan string, targetIntents)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			enqueueIntentsHTTP(workerID, targetIntents/numWorkers, simClient, intentsChan)
		}(i)
	}

	wg.Wait()
	close(intentsChan)

	var intentIDs []string
	for intentID := range intentsChan {
		intentIDs = append(intentIDs, intentID)
	}

	log.Info().Int("intents_enqueued", len(intentIDs)).Msg("All intents enqueued")

	// Wait for the scheduler to close the windows and settle everything
	stats := struct {
		TotalIntents  int
		Settled       int
		PartiallyFill int
		Failed        int
		Pending       int
		TotalValue    decimal.Decimal
		Aggregates    map[string]int
		Symbols       map[string]int
		Sides         map[string]int
		StartTime     time.Time
	}{
		TotalIntents: len(intentIDs),
		TotalValue:   decimal.Zero,
		Aggregates:   make(map[string]int),
		Symbols:      make(map[string]int),
		Sides:        make(map[string]int),
		StartTime:    time.Now(),
	}

	deadline := time.Now().Add(settleTimeout)
	remaining := append([]string(nil), intentIDs...)
	for len(remaining) > 0 && time.Now().Before(deadline) {
		time.Sleep(schedulerTick)

		var stillPending []string
		for _, intentID := range remaining {
			view, err := simClient.intentStatus(intentID)
			if err != nil {
				log.Error().Err(err).Str("intent_id", intentID).Msg("Failed to fetch intent status")
				stillPending = append(stillPending, intentID)
				continue
			}

			switch view.Intent.Status {
			case "FILLED", "PARTIALLY_FILLED":
				if view.Intent.Status == "FILLED" {
					stats.Settled++
				} else {
					stats.PartiallyFill++
				}
				stats.Symbols[view.Intent.Symbol]++
				stats.Sides[view.Intent.Side]++
				stats.Aggregates[view.Intent.AggregateID]++
				if view.Allocation != nil {
					stats.TotalValue = stats.TotalValue.Add(view.Allocation.Value)
				}
			case "FAILED":
				stats.Failed++
			default:
				stillPending = append(stillPending, intentID)
			}
		}
		remaining = stillPending
	}
	stats.Pending = len(remaining)

	// Run a synchronous batch through the same machinery
	batch := []map[string]interface{}{
		{"symbol": "AAPL", "side": "BUY", "quantity": 100, "broker_account_id": "MASTER_1"},
		{"symbol": "AAPL", "side": "BUY", "quantity": 50, "broker_account_id": "MASTER_1"},
		{"symbol": "AAPL", "side": "BUY", "quantity": 75, "broker_account_id": "MASTER_1"},
	}
	outcomes, err := simClient.executeBatch(batch)
	if err != nil {
		log.Error().Err(err).Msg("Failed to execute synchronous batch")
	} else {
		for _, outcome := range outcomes {
			event := log.Info().
				Str("intent_id", outcome.IntentID).
				Str("status", outcome.Status).
				Str("shortfall", outcome.Shortfall.String())
			if outcome.Allocation != nil {
				event = event.
					Str("allocated_quantity", outcome.Allocation.Quantity.String()).
					Str("allocated_price", outcome.Allocation.Price.String())
			}
			event.Msg("Batch intent settled")
		}
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("AGGREGATION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Intent Statistics
-----------------
Total Intents:     %d
Filled:            %d
Partially Filled:  %d
Failed:            %d
Still Pending:     %d
Aggregates Used:   %d
Total Value:       $%s
Duration:          %v

Symbol Distribution
-------------------
`, stats.TotalIntents, stats.Settled, stats.PartiallyFill, stats.Failed, stats.Pending,
		len(stats.Aggregates), stats.TotalValue.StringFixed(2), duration.Round(time.Millisecond))

	maxSymbolCount := 0
	for _, count := range stats.Symbols {
		if count > maxSymbolCount {
			maxSymbolCount = count
		}
	}

	for symbol, count := range stats.Symbols {
		barLength := 0
		if maxSymbolCount > 0 {
			barLength = int(float64(count) / float64(maxSymbolCount) * 20)
		}
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-6s: %s (%d)\n", symbol, bar, count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("-----------------")
	for side, count := range stats.Sides {
		barLength := int(float64(count) / float64(stats.TotalIntents) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-4s: %s (%d)\n", side, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	consolidation := 0.0
	if len(stats.Aggregates) > 0 {
		consolidation = float64(stats.Settled+stats.PartiallyFill) / float64(len(stats.Aggregates))
	}
	log.Info().
		Int("total_intents", stats.TotalIntents).
		Int("aggregates", len(stats.Aggregates)).
		Float64("intents_per_aggregate", consolidation).
		Str("total_value", stats.TotalValue.StringFixed(2)).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// enqueueIntentsHTTP generates and submits random intents to the API
// Runs as a worker goroutine, sending created intent IDs to intentsChan
func enqueueIntentsHTTP(workerID, numIntents int, simClient *simulationClient, intentsChan chan<- string) {
	for i := 0; i < numIntents; i++ {
		payload := map[string]interface{}{
			"symbol":            symbols[rand.Intn(len(symbols))],
			"side":              sides[rand.Intn(len(sides))],
			"quantity":          rand.Intn(100) + 1,
			"broker_account_id": "MASTER_1",
		}

		intentID, err := simClient.enqueueIntent(payload)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Msg("Failed to enqueue intent")
			continue
		}

		intentsChan <- intentID
		log.Info().
			Int("worker_id", workerID).
			Str("intent_id", intentID).
			Interface("payload", payload).
			Msg("Intent enqueued")

		// Random sleep between intents
		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}
}

// startServer initializes and starts the aggregation API server with
// simulation-friendly windows
func startServer() error {
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	authService := auth.NewService(jwtSecret)
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	intentService := intent.NewService(db, batchInterval)

	brokerClient := broker.NewSimulated()
	locks := execution.NewLockManager(db, "simulation-"+uuid.New().String(), time.Minute)

	assembler := aggregation.NewAssembler(db, batchInterval, decimal.NewFromInt(1))
	coordinator := execution.NewCoordinator(db, brokerClient, locks)
	engine := allocation.NewEngine(db)

	aggScheduler := scheduler.New(db, assembler, coordinator, engine, schedulerTick, 4)
	go aggScheduler.Start(context.Background())

	dividendService := dividend.NewService(db)

	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	intentHandlers := intent.NewGinHandlers(intentService)
	schedulerHandlers := scheduler.NewGinHandlers(aggScheduler)
	dividendHandlers := dividend.NewGinHandlers(dividendService)

	setupRoutes(router, authHandlers, intentHandlers, schedulerHandlers, dividendHandlers)

	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality; auth middleware is omitted so the
// simulation exercises the pipeline rather than the token plumbing
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	intentHandlers *intent.GinHandlers,
	schedulerHandlers *scheduler.GinHandlers,
	dividendHandlers *dividend.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Intent routes
		intents := v1.Group("/intents")
		intents.Use(simulatedIdentity())
		{
			intents.POST("", intentHandlers.EnqueueIntentHandler())
			intents.GET("/:intent_id", intentHandlers.GetIntentStatusHandler())
			intents.POST("/:intent_id/cancel", intentHandlers.CancelIntentHandler())
		}

		// Synchronous bulk execution
		batches := v1.Group("/batches")
		batches.Use(simulatedIdentity())
		{
			batches.POST("/execute", schedulerHandlers.ExecuteNowHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		{
			internal.POST("/windows/force-close", schedulerHandlers.ForceCloseWindowHandler())
			internal.GET("/aggregates/:aggregate_id", schedulerHandlers.GetAggregateHandler())
			internal.POST("/dividends", dividendHandlers.DistributeHandler())
			internal.GET("/dividends/:distribution_id", dividendHandlers.GetDistributionHandler())
		}
	}
}

// simulatedIdentity stamps a fixed client identity on requests so the
// intent handlers see a user without the JWT round trip
func simulatedIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("clientID", "SIM_CLIENT")
		c.Next()
	}
}
