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

	"github.com/ksred/klear-ledger/internal/accounts"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/copytrading"
	"github.com/ksred/klear-ledger/internal/database"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/metrics"
	"github.com/ksred/klear-ledger/internal/notification"
	"github.com/ksred/klear-ledger/internal/push"
	"github.com/ksred/klear-ledger/internal/referral"
	"github.com/ksred/klear-ledger/internal/workflow"
	"github.com/ksred/klear-ledger/pkg/middleware"
)

const (
	minUsers      = 5
	maxUsers      = 25
	numWorkers    = 5
	serverAddress = "http://localhost:8081"
	adminEmail    = "admin@klear.local"
	adminPassword = "simulation-admin"
	tradeAmount   = 200
)

var pairs = []string{"BTC/USD", "ETH/USD", "SOL/USD", "EUR/USD"}

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
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
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

// envelope mirrors pkg/response.Response with the payload left raw
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient handles HTTP communication with the ledger API
type simulationClient struct {
	baseURL string
	client  *http.Client
	stats   map[string]*routeStats
	order   []string
}

func newSimulationClient() *simulationClient {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats:   make(map[string]*routeStats),
	}
	for _, route := range []struct{ key, name string }{
		{"login", "Login"},
		{"register", "Register"},
		{"deposit", "Submit Deposit"},
		{"approve", "Approve"},
		{"trader", "Create Trader"},
		{"follow", "Follow"},
		{"trade", "Create Trade"},
		{"execute", "Execute Trade"},
		{"stats", "Admin Stats"},
	} {
		sc.stats[route.key] = &routeStats{name: route.name}
		sc.order = append(sc.order, route.key)
	}
	return sc
}

// call sends one JSON request and decodes the envelope into out. A 207 is
// returned as success so the caller can inspect partial fan-out results.
func (sc *simulationClient) call(route, method, path, token string, body, out interface{}) (int, error) {
	start := time.Now()
	failed := true
	defer func() {
		sc.stats[route].record(time.Since(start), failed)
	}()

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		payload = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, payload)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusMultiStatus {
		msg := string(respBody)
		if env.Error != nil {
			msg = env.Error.Code + ": " + env.Error.Message
		}
		return resp.StatusCode, fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, msg)
	}

	failed = false
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode data: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (sc *simulationClient) login(email, password string) (string, error) {
	var result struct {
		Token string `json:"jwt_token"`
	}
	if _, err := sc.call("login", http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": email, "password": password,
	}, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

type simUser struct {
	accountID    string
	email        string
	token        string
	referralCode string
	deposit      decimal.Decimal
}

// registerUser creates and logs in one account, optionally under a referrer
func (sc *simulationClient) registerUser(i int, referralCode string) (*simUser, error) {
	email := fmt.Sprintf("sim-%d-%s@klear.local", i, uuid.New().String()[:8])
	password := "password-" + uuid.New().String()[:8]

	var account ledger.Account
	if _, err := sc.call("register", http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"name":          fmt.Sprintf("Sim User %d", i),
		"email":         email,
		"password":      password,
		"referral_code": referralCode,
	}, &account); err != nil {
		return nil, err
	}

	token, err := sc.login(email, password)
	if err != nil {
		return nil, err
	}
	return &simUser{accountID: account.AccountID, email: email, token: token, referralCode: account.ReferralCode}, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range sc.order {
		stats := sc.stats[key]
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

// main starts a throwaway ledger server and drives the onboarding, deposit
// and copy trading flow against it
func main() {
	dir, err := os.MkdirTemp("", "klear-simulation")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create working directory")
	}
	defer os.RemoveAll(dir)

	go func() {
		if err := startServer(dir); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	sc := newSimulationClient()
	adminToken, err := sc.login(adminEmail, adminPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to log in as admin")
	}

	targetUsers := rand.Intn(maxUsers-minUsers) + minUsers
	log.Info().Int("target_users", targetUsers).Msg("Starting simulation")
	start := time.Now()

	// The first user refers everyone else
	referrer, err := sc.registerUser(0, "")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register referrer")
	}

	usersChan := make(chan *simUser, targetUsers)
	usersChan <- referrer
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := workerID + 1; i < targetUsers; i += numWorkers {
				user, err := sc.registerUser(i, referrer.referralCode)
				if err != nil {
					log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to register user")
					continue
				}
				usersChan <- user
			}
		}(w)
	}
	wg.Wait()
	close(usersChan)

	var users []*simUser
	for u := range usersChan {
		users = append(users, u)
	}
	log.Info().Int("users", len(users)).Msg("Users registered")

	// Deposits straddle the trade amount so both live and demo copies occur
	var approved int
	for _, u := range users {
		u.deposit = decimal.NewFromInt(int64(rand.Intn(400) + 20))
		var txn ledger.Transaction
		if _, err := sc.call("deposit", http.MethodPost, "/api/v1/deposits", u.token, map[string]interface{}{
			"amount": u.deposit,
		}, &txn); err != nil {
			log.Error().Err(err).Str("account_id", u.accountID).Msg("Failed to submit deposit")
			continue
		}
		if _, err := sc.call("approve", http.MethodPost, "/api/v1/admin/transactions/"+txn.TransactionID+"/approve", adminToken, nil, nil); err != nil {
			log.Error().Err(err).Str("transaction_id", txn.TransactionID).Msg("Failed to approve deposit")
			continue
		}
		approved++
	}
	log.Info().Int("approved", approved).Msg("Deposits approved")

	var trader ledger.TraderProfile
	if _, err := sc.call("trader", http.MethodPost, "/api/v1/admin/traders", adminToken, map[string]string{
		"display_name": "Simulation Desk",
		"bio":          "Automated trades",
	}, &trader); err != nil {
		log.Fatal().Err(err).Msg("Failed to create trader")
	}

	for _, u := range users {
		if _, err := sc.call("follow", http.MethodPost, "/api/v1/follow", u.token, map[string]string{
			"trader_id": trader.TraderID,
		}, nil); err != nil {
			log.Error().Err(err).Str("account_id", u.accountID).Msg("Failed to follow trader")
		}
	}

	var trade ledger.Trade
	if _, err := sc.call("trade", http.MethodPost, "/api/v1/admin/trades", adminToken, map[string]interface{}{
		"trader_id": trader.TraderID,
		"pair":      pairs[rand.Intn(len(pairs))],
		"direction": []string{ledger.DirectionBuy, ledger.DirectionSell}[rand.Intn(2)],
		"amount":    decimal.NewFromInt(tradeAmount),
	}, &trade); err != nil {
		log.Fatal().Err(err).Msg("Failed to create trade")
	}

	var result copytrading.FanOutResult
	status, err := sc.call("execute", http.MethodPost, "/api/v1/admin/trades/"+trade.TradeID+"/execute", adminToken, nil, &result)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to execute trade")
	}

	modes := make(map[string]int)
	for _, c := range result.Copies {
		modes[c.Mode]++
	}

	var stats workflow.Stats
	if _, err := sc.call("stats", http.MethodGet, "/api/v1/admin/stats", adminToken, nil, &stats); err != nil {
		log.Error().Err(err).Msg("Failed to fetch stats")
	}

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 LEDGER SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
📊 Ledger Statistics
------------------
Users:              %d
Deposits Approved:  %d
Approved Volume:    $%s
Trade:              %s %s $%d (status %d)
Live Copies:        %d
Demo Copies:        %d
Failed Copies:      %d
Duration:           %v
`, stats.TotalUsers, approved, stats.ApprovedDeposits.StringFixed(2),
		trade.Direction, trade.Pair, tradeAmount, status,
		modes[ledger.ModeLive], modes[ledger.ModeDemo], len(result.Failures),
		duration.Round(time.Millisecond))

	fmt.Println("\n📉 Copy Mode Distribution")
	fmt.Println("------------------")
	for _, mode := range []string{ledger.ModeLive, ledger.ModeDemo} {
		count := modes[mode]
		barLength := 0
		if len(result.Copies) > 0 {
			barLength = int(float64(count) / float64(len(result.Copies)) * 20)
		}
		fmt.Printf("%-4s: %s (%d)\n", mode, strings.Repeat("█", barLength), count)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("users", len(users)).
		Int("copies", len(result.Copies)).
		Dur("duration", duration).
		Msg("Simulation completed")

	sc.printPerformanceStats()
}

// startServer runs an in-process ledger server on a fresh database. Rate
// limiting is left off so the simulation can register users in bulk.
func startServer(dir string) error {
	db, err := database.NewDatabase(filepath.Join(dir, "simulation.db"), database.Options{Quiet: true})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	collector := metrics.NoOpCollector{}
	dispatcher := notification.NewDispatcher(notification.DispatcherConfig{}, collector, notification.NewStore(db))
	hub := push.NewHub(push.NewMemoryRegistry(), collector)

	authService := auth.NewService("klear-simulation-secret", db)
	if _, err := authService.SeedAdmin(context.Background(), adminEmail, adminPassword); err != nil {
		return fmt.Errorf("failed to seed admin: %w", err)
	}
	referralService := referral.NewService(db, dispatcher, hub, decimal.RequireFromString("0.05"))
	accountHandlers := accounts.NewGinHandlers(accounts.NewService(db, referralService))
	workflowHandlers := workflow.NewGinHandlers(workflow.NewService(db, dispatcher, hub, collector, referralService), filepath.Join(dir, "uploads"))
	copyHandlers := copytrading.NewGinHandlers(copytrading.NewService(db, dispatcher, hub, collector))
	authHandlers := auth.NewGinHandlers(authService)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/register", accountHandlers.RegisterHandler())
		v1.POST("/auth/login", authHandlers.LoginHandler())

		user := v1.Group("")
		user.Use(middleware.JWTAuth(authService))
		{
			user.POST("/deposits", workflowHandlers.SubmitHandler(ledger.KindDeposit))
			user.POST("/follow", copyHandlers.FollowHandler())
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(authService), middleware.RequireAdmin())
		{
			admin.GET("/stats", workflowHandlers.StatsHandler())
			admin.POST("/transactions/:transaction_id/approve", workflowHandlers.ApproveHandler())
			admin.POST("/traders", copyHandlers.CreateTraderHandler())
			admin.POST("/trades", copyHandlers.CreateTradeHandler())
			admin.POST("/trades/:trade_id/execute", copyHandlers.ExecuteTradeHandler())
		}
	}

	return router.Run(strings.TrimPrefix(serverAddress, "http://localhost"))
}
