package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-gate/internal/auth"
	"github.com/ksred/klear-gate/internal/config"
	"github.com/ksred/klear-gate/internal/database"
	"github.com/ksred/klear-gate/internal/exchange"
	"github.com/ksred/klear-gate/internal/ledger"
	"github.com/ksred/klear-gate/internal/trading"
	"github.com/ksred/klear-gate/internal/types"
	"github.com/ksred/klear-gate/internal/venue"
	"github.com/ksred/klear-gate/pkg/middleware"
)

const (
	numOrders     = 40
	numWorkers    = 5
	duplicates    = 4 // concurrent copies of every request
	testAPIKey    = "sim-desk"
	testAPISecret = "sim-secret"
	jwtSecret     = "klear-sim-secret"
)

var (
	symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	sides   = []types.Side{types.SideBuy, types.SideSell}
)

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks latency of one API endpoint
type routeStats struct {
	name      string
	mu        sync.Mutex
	durations []time.Duration
	failures  int
}

func (rs *routeStats) record(d time.Duration, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	if err != nil {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}
	sort.Slice(rs.durations, func(i, j int) bool { return rs.durations[i] < rs.durations[j] })

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]
	p95 = rs.durations[int(math.Ceil(float64(len(rs.durations))*0.95))-1]
	p99 = rs.durations[int(math.Ceil(float64(len(rs.durations))*0.99))-1]
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

// simulationClient talks to the gate over HTTP
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		stats: map[string]*routeStats{
			"auth":   {name: "Authentication"},
			"place":  {name: "Place Order"},
			"status": {name: "Order Status"},
			"cancel": {name: "Cancel Order"},
		},
	}

	var tok auth.TokenResponse
	err := sc.do("auth", http.MethodPost, "/api/v1/auth/token", auth.Credentials{APIKey: testAPIKey, APISecret: testAPISecret}, nil, &tok)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = tok.Token
	return sc, nil
}

func (sc *simulationClient) do(stat, method, path string, body any, headers map[string]string, out any) (err error) {
	start := time.Now()
	defer func() { sc.stats[stat].record(time.Since(start), err) }()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, sc.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("status %d: %w", resp.StatusCode, err)
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("status %d: %s: %s", resp.StatusCode, env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (sc *simulationClient) placeOrder(req types.OrderRequest) (*types.OrderOutcome, error) {
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}
	var out types.OrderOutcome
	if err := sc.do("place", http.MethodPost, "/api/v1/orders", req, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (sc *simulationClient) orderStatus(orderID string) (*types.StatusSnapshot, error) {
	var out types.StatusSnapshot
	if err := sc.do("status", http.MethodGet, "/api/v1/orders/"+orderID, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (sc *simulationClient) cancelOrder(orderID string) (*types.CancelOutcome, error) {
	var out types.CancelOutcome
	if err := sc.do("cancel", http.MethodDelete, "/api/v1/orders/"+orderID, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range []string{"auth", "place", "status", "cancel"} {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name, len(stats.durations), stats.failures,
			min.Round(time.Millisecond), max.Round(time.Millisecond), mean.Round(time.Millisecond),
			median.Round(time.Millisecond), p95.Round(time.Millisecond), p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

func randomOrder(rnd *rand.Rand) types.OrderRequest {
	price := decimal.NewFromInt(int64(rnd.Intn(400) + 50))
	req := types.OrderRequest{
		Instrument:  types.InstrumentSpec{Symbol: symbols[rnd.Intn(len(symbols))]},
		Side:        sides[rnd.Intn(len(sides))],
		Quantity:    decimal.NewFromInt(int64(rnd.Intn(100) + 1)),
		// copies share the stamp so they land in one id bucket
		RequestedAt: time.Now().UTC(),
	}
	switch rnd.Intn(4) {
	case 0:
		req.Kind = types.KindMarket
	case 1:
		req.Kind = types.KindLimit
		req.LimitPrice = &price
	case 2:
		req.Kind = types.KindMarketOnClose
	default:
		tp, sl := price.Mul(decimal.RequireFromString("1.05")), price.Mul(decimal.RequireFromString("0.95"))
		if req.Side == types.SideSell {
			tp, sl = sl, tp
		}
		req.Kind = types.KindBracket
		req.LimitPrice, req.TakeProfitPrice, req.StopLossPrice = &price, &tp, &sl
	}
	if rnd.Intn(2) == 0 {
		req.IdempotencyKey = uuid.NewString()
	}
	return req
}

// placeWithDuplicates sends copies of one request at once. Every copy must
// come back with the same order id.
func placeWithDuplicates(sc *simulationClient, req types.OrderRequest) (string, error) {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]bool)
		err error
	)
	for i := 0; i < duplicates; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, e := sc.placeOrder(req)
			mu.Lock()
			defer mu.Unlock()
			if e != nil {
				err = e
				return
			}
			ids[out.OrderID] = true
		}()
	}
	wg.Wait()

	if len(ids) > 1 {
		return "", fmt.Errorf("duplicate requests produced %d distinct orders", len(ids))
	}
	for id := range ids {
		return id, err
	}
	return "", err
}

func main() {
	live := os.Getenv("SIM_LIVE") == "true"

	baseURL, sim, shutdown, err := startServer(live)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	defer shutdown()

	sc, err := newSimulationClient(baseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	log.Info().Int("orders", numOrders).Int("duplicates", duplicates).Bool("live", live).Msg("Starting simulation")
	start := time.Now()

	jobs := make(chan types.OrderRequest)
	results := make(chan string, numOrders)
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for req := range jobs {
				id, err := placeWithDuplicates(sc, req)
				if err != nil {
					log.Error().Err(err).Int("worker_id", workerID).Str("symbol", req.Instrument.Symbol).Msg("Order failed")
					continue
				}
				results <- id
			}
		}(w)
	}

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < numOrders; i++ {
		jobs <- randomOrder(rnd)
	}
	close(jobs)
	wg.Wait()
	close(results)

	var (
		orderIDs []string
		states   = make(map[types.LegState]int)
	)
	for id := range results {
		orderIDs = append(orderIDs, id)
	}
	for i, id := range orderIDs {
		if i%3 == 0 {
			if out, err := sc.cancelOrder(id); err == nil {
				log.Info().Str("order_id", id).Str("status", string(out.Status)).Msg("Order cancel requested")
			}
		}
		if snap, err := sc.orderStatus(id); err == nil {
			states[snap.Status]++
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("KLEAR GATE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Requests sent:      %d\n", numOrders*duplicates)
	fmt.Printf("Orders placed:      %d\n", len(orderIDs))
	fmt.Printf("Venue submissions:  %d\n", sim.Submitted())
	fmt.Printf("Duration:           %v\n\n", time.Since(start).Round(time.Millisecond))
	for state, n := range states {
		fmt.Printf("%-18s %s (%d)\n", state, strings.Repeat("#", n), n)
	}

	sc.printPerformanceStats()
}

// startServer runs the gate in process against a simulated venue and a
// throwaway ledger
func startServer(live bool) (string, *exchange.Simulator, func(), error) {
	dir, err := os.MkdirTemp("", "klear-sim")
	if err != nil {
		return "", nil, nil, err
	}

	db, err := database.NewDatabase(database.DriverSQLite, filepath.Join(dir, "ledger.db"))
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	auditLedger, err := ledger.New(db)
	if err != nil {
		return "", nil, nil, err
	}

	safety := config.Safety{Mode: types.ModePaper}
	if live {
		override := filepath.Join(dir, "live.override")
		if err := os.WriteFile(override, []byte("simulation\n"), 0o600); err != nil {
			return "", nil, nil, err
		}
		safety = config.Safety{Mode: types.ModeLive, OrdersEnabled: true, OverridePath: override}
	}

	opts := exchange.DefaultOptions()
	opts.MinLatency = 5 * time.Millisecond
	opts.MaxLatency = 50 * time.Millisecond
	opts.SuccessRate = 0.95
	opts.LiquidityFactor = 0.8
	sim := exchange.NewSimulator(opts)

	conn := venue.NewConnection(sim, venue.DefaultConfig())
	if err := conn.Connect(context.Background()); err != nil {
		return "", nil, nil, err
	}

	tradingService := trading.NewService(auditLedger, conn, config.NewStaticSafetySource(safety), trading.DefaultOptions())
	authService := auth.NewService(jwtSecret, map[string]string{testAPIKey: testAPISecret})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	v1 := router.Group("/api/v1")
	v1.POST("/auth/token", auth.NewGinHandlers(authService).GenerateTokenHandler())
	orders := v1.Group("")
	orders.Use(middleware.JWTAuth(jwtSecret))
	trading.NewGinHandlers(tradingService).Register(orders)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, nil, err
	}
	srv := &http.Server{Handler: router}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("simulation server stopped")
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		conn.Close()
		_ = os.RemoveAll(dir)
	}
	return "http://" + ln.Addr().String(), sim, shutdown, nil
}
