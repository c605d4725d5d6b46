// Команда loadtest нагружает CafeteriaService сценариями витрины и заказов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	grpcsvc "github.com/vladislavdragonenkov/cafeteria/internal/service/grpc"
)

type loadMode string

const (
	modeMenu           loadMode = "menu"
	modeOrder          loadMode = "order"
	modeOrderCancel    loadMode = "order-cancel"
	modeOrderLifecycle loadMode = "order-lifecycle"
)

// Число шагов pending → confirmed → preparing → ready → completed.
const lifecycleSteps = 4

type config struct {
	addr        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	products    []string
	quantity    int64
	userTag     string
	outputPath  string
}

// caller — клиент CafeteriaService; в main это grpcsvc.Client.
type caller interface {
	Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (map[string]any, error)
}

func parseConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		cfg         config
		modeValue   string
		productsRaw string
	)
	fs.StringVar(&cfg.addr, "addr", "localhost:50051", "gRPC target address")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m, 15m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 20, "number of gRPC client connections")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-RPC timeout")
	fs.StringVar(&modeValue, "mode", string(modeOrder), "load mode: menu | order | order-cancel | order-lifecycle")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "cancel probability in percent for order-lifecycle mode (0..100)")
	fs.StringVar(&productsRaw, "products", "", "comma-separated product ids used in orders")
	fs.Int64Var(&cfg.quantity, "quantity", 1, "quantity per order line")
	fs.StringVar(&cfg.userTag, "user-tag", "load", "user id prefix")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.products = splitList(productsRaw)

	switch {
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.connections <= 0:
		return cfg, errors.New("connections must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.quantity <= 0:
		return cfg, errors.New("quantity must be > 0")
	case cfg.cancelRate < 0 || cfg.cancelRate > 100:
		return cfg, errors.New("cancel-rate must be between 0 and 100")
	case strings.TrimSpace(cfg.userTag) == "":
		return cfg, errors.New("user-tag is required")
	case cfg.mode != modeMenu && len(cfg.products) == 0:
		return cfg, errors.New("products are required for order modes")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeMenu, modeOrder, modeOrderCancel, modeOrderLifecycle:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, chunk := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(chunk); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	conns := make([]*grpc.ClientConn, 0, cfg.connections)
	clients := make([]caller, 0, cfg.connections)
	for i := 0; i < cfg.connections; i++ {
		conn, dialErr := grpc.NewClient(cfg.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if dialErr != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to create grpc client connection: %v\n", dialErr)
			os.Exit(1)
		}
		conns = append(conns, conn)
		clients = append(clients, grpcsvc.NewClient(conn))
	}
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	result := run(cfg, clients)
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

func run(cfg config, clients []caller) report {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup

	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func(cli caller) {
			defer wg.Done()
			for id := range jobs {
				if err := runScenario(cli, cfg, id, runID, col); err != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}(clients[workerID%len(clients)])
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}
	return result
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}
		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func runScenario(client caller, cfg config, index int, runID string, col *collector) (err error) {
	scenarioStart := time.Now()
	defer func() {
		col.record(scenarioMetric, time.Since(scenarioStart), grpcCode(err))
	}()

	if cfg.mode == modeMenu {
		_, err = call(client, cfg.timeout, "ListMenu", nil, "", col)
		return err
	}

	createKey := fmt.Sprintf("lt-create-%s-%d", runID, index)
	resp, err := call(client, cfg.timeout, "CreateOrder", map[string]any{
		"user_id": fmt.Sprintf("%s-%s-%d", cfg.userTag, runID, index),
		"items": []any{map[string]any{
			"product_id": cfg.products[index%len(cfg.products)],
			"quantity":   float64(cfg.quantity),
		}},
	}, createKey, col)
	if err != nil {
		return err
	}
	orderID := orderIDFrom(resp)
	if orderID == "" {
		return status.Error(codes.Internal, "create response returned empty order id")
	}

	switch {
	case cfg.mode == modeOrder:
		return nil
	case cfg.mode == modeOrderCancel || shouldCancelScenario(index, cfg.cancelRate):
		_, err = call(client, cfg.timeout, "CancelOrder", map[string]any{"id": orderID, "reason": "load-cancel"},
			fmt.Sprintf("lt-cancel-%s-%d", runID, index), col)
		return err
	}

	for step := 0; step < lifecycleSteps; step++ {
		key := fmt.Sprintf("lt-forward-%s-%d-%d", runID, index, step)
		if _, err = call(client, cfg.timeout, "MoveOrderForward", map[string]any{"id": orderID}, key, col); err != nil {
			return err
		}
	}
	return nil
}

func call(client caller, timeout time.Duration, method string, req map[string]any, key string, col *collector) (map[string]any, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if key != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, grpcsvc.IdempotencyKeyHeader, key)
	}
	if req == nil {
		req = map[string]any{}
	}

	resp, err := client.Call(ctx, method, req)
	col.record(method, time.Since(start), grpcCode(err))
	return resp, err
}

func orderIDFrom(resp map[string]any) string {
	order, _ := resp["order"].(map[string]any)
	id, _ := order["id"].(string)
	return id
}

func grpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	return status.Code(err)
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}
