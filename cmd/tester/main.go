package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gitlab.com/textlane/api/sms-agent-relay/internal/config"
	"gitlab.com/textlane/api/sms-agent-relay/internal/observer"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
	"go.uber.org/zap"
)

// IndividualTaskDetail holds info for a single webhook delivery within a batch.
type IndividualTaskDetail struct {
	EventType string
	Receiver  string
}

// BatchTask represents a batch of webhook deliveries processed by one worker.
type BatchTask struct {
	Tasks  []IndividualTaskDetail
	Client *http.Client
	URL    string
}

const defaultBatchSize = 50

// providerMessage mirrors the nested message object of the provider payload.
type providerMessage struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Content  string `json:"content,omitempty"`
}

// providerEvent mirrors the provider webhook envelope.
type providerEvent struct {
	WebhookType string          `json:"webhook_type"`
	Message     providerMessage `json:"message"`
}

func main() {
	// --- Configuration & Flag Parsing ---
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	targetURL := flag.String("url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port), "Base URL of the relay under test")
	eventsStr := flag.String("events", "inbox_message,call_forwarding", "Comma-separated list of provider webhook_type values")
	rate := flag.Int("rate", 100, "Target events per second (total)")
	duration := flag.Duration("duration", 1*time.Minute, "Load test duration")
	concurrency := flag.Int("concurrency", 10, "Number of concurrent workers")
	receiversStr := flag.String("receivers", "32460000001,32460000002", "Comma-separated list of tenant virtual numbers to target")
	batchSize := flag.Int("batch-size", defaultBatchSize, "Number of events to generate/post per worker batch")
	requestTimeout := flag.Duration("timeout", 10*time.Second, "Per-request HTTP timeout")
	metricsPort := flag.Int("metrics-port", 9091, "Port for Prometheus metrics endpoint")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	// --- Usage Function ---
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Webhook Load Generator (Batch Mode)\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Generates load for the sms-agent-relay by posting provider-shaped events to its webhook.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *batchSize <= 0 {
		*batchSize = defaultBatchSize
		fmt.Printf("Invalid batch size, using default: %d\n", defaultBatchSize)
	}

	// --- Initialization ---
	if err := logger.Initialize(*logLevel, cfg.LogFormat); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	observer.InitMetrics(true)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start metrics server with graceful shutdown
	metricsServer := startMetricsServer(*metricsPort)
	var metricsWg sync.WaitGroup
	metricsWg.Add(1)
	go func() {
		defer metricsWg.Done()
		<-ctx.Done()
		logger.Log.Info("Shutting down metrics server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("Metrics server shutdown error", zap.Error(err))
		} else {
			logger.Log.Info("Metrics server stopped gracefully.")
		}
	}()

	logger.Log.Info("Starting Webhook Load Generator (Batch Mode)",
		zap.String("target_url", *targetURL),
		zap.String("events", *eventsStr),
		zap.Int("rate_per_sec", *rate),
		zap.Duration("duration", *duration),
		zap.Int("concurrency", *concurrency),
		zap.Int("batch_size", *batchSize),
		zap.String("receivers", *receiversStr),
		zap.Int("metrics_port", *metricsPort),
		zap.String("log_level", *logLevel),
	)

	eventTypes := strings.Split(*eventsStr, ",")
	receivers := strings.Split(*receiversStr, ",")
	if len(eventTypes) == 0 || eventTypes[0] == "" {
		logger.Log.Fatal("No event types provided")
	}
	if len(receivers) == 0 || receivers[0] == "" {
		logger.Log.Fatal("No receiver numbers provided")
	}

	gofakeit.Seed(time.Now().UnixNano())

	httpClient := &http.Client{Timeout: *requestTimeout}

	// --- Worker Pool Setup ---
	var wg sync.WaitGroup
	pool, err := ants.NewPoolWithFunc(*concurrency, func(data interface{}) {
		batchWorkerFunc(data, &wg)
	})
	if err != nil {
		logger.Log.Fatal("Failed to create worker pool", zap.Error(err))
	}
	defer pool.Release()

	logger.Log.Info("Worker pool initialized", zap.Int("size", *concurrency))

	// --- Rate Limiting and Execution ---
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the load generation loop
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		runBatchLoadLoop(ctx, *rate, *duration, *batchSize, eventTypes, receivers, httpClient, *targetURL, pool, &wg)
	}()

	// Wait for a stop signal or for the duration to elapse
	select {
	case sig := <-sigChan:
		logger.Log.Info("Received termination signal, shutting down...", zap.String("signal", sig.String()))
		cancel()
	case <-loopDone:
		logger.Log.Info("Load generation duration finished.")
	}

	// --- Graceful Shutdown ---
	logger.Log.Info("Waiting for load generation loop to finish submitting tasks...")
	<-loopDone
	logger.Log.Info("Load generation loop finished.")

	logger.Log.Info("Waiting for active webhook worker tasks to complete...")
	wg.Wait()
	logger.Log.Info("All worker tasks finished.")

	// Stop the metrics server
	cancel()
	logger.Log.Info("Waiting for metrics server to stop...")
	metricsWg.Wait()

	logger.Log.Info("Load generator shutdown complete.")
}

func startMetricsServer(port int) *http.Server {
	logger.Log.Info("Starting Prometheus metrics server", zap.Int("port", port))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	// Start server in a goroutine so it doesn't block
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("Failed to start Prometheus metrics server", zap.Error(err))
		}
	}()

	return server
}

// runBatchLoadLoop manages the rate-limited submission of BATCHES to the worker pool.
func runBatchLoadLoop(ctx context.Context, rate int, duration time.Duration, batchSize int, eventTypes, receivers []string, client *http.Client, targetURL string, pool *ants.PoolWithFunc, wg *sync.WaitGroup) {
	// Ticker controls the rate of individual event generation attempts
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	durationTimer := time.NewTimer(duration)
	defer durationTimer.Stop()

	eventCounter := 0
	currentBatch := make([]IndividualTaskDetail, 0, batchSize)

	logger.Log.Info("Starting batch load generation loop",
		zap.Int("target_rate_per_sec", rate),
		zap.Duration("duration", duration),
		zap.Int("batch_size", batchSize),
	)

	// Function to submit the current batch
	submitBatch := func(batchToSubmit []IndividualTaskDetail) {
		if len(batchToSubmit) == 0 {
			return
		}
		batchData := BatchTask{
			Tasks:  batchToSubmit,
			Client: client,
			URL:    targetURL,
		}
		// Increment WaitGroup for the number of tasks in this batch
		wg.Add(len(batchToSubmit))
		if err := pool.Invoke(batchData); err != nil {
			logger.Log.Warn("Failed to invoke worker pool for batch", zap.Int("batch_task_count", len(batchToSubmit)), zap.Error(err))
			// Need to decrement wg if invoke fails
			wg.Add(-len(batchToSubmit))
			for _, taskDetail := range batchToSubmit {
				observer.IncLoadgenRequestErrors(taskDetail.Receiver)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("Load generation loop stopping due to context cancellation. Submitting final partial batch...")
			submitBatch(currentBatch)
			return
		case <-durationTimer.C:
			logger.Log.Info("Load generation loop stopping after specified duration. Submitting final partial batch...")
			submitBatch(currentBatch)
			return
		case <-ticker.C:
			// Check if context is already cancelled before proceeding
			select {
			case <-ctx.Done():
				logger.Log.Debug("Context cancelled during ticker processing, skipping new task addition.")
				return
			default:
			}

			// Round-robin over event types and receivers
			selectedEvent := eventTypes[eventCounter%len(eventTypes)]
			selectedReceiver := receivers[eventCounter%len(receivers)]
			eventCounter++

			// Record the attempt
			observer.IncLoadgenRequestsAttempted(selectedReceiver)

			// Add to current batch
			currentBatch = append(currentBatch, IndividualTaskDetail{
				EventType: selectedEvent,
				Receiver:  selectedReceiver,
			})

			// If batch is full, submit it
			if len(currentBatch) >= batchSize {
				submitBatch(currentBatch)
				currentBatch = make([]IndividualTaskDetail, 0, batchSize)
			}
		}
	}
}

// batchWorkerFunc posts every event of a batch to the relay webhook.
func batchWorkerFunc(data interface{}, wg *sync.WaitGroup) {
	batchTask := data.(BatchTask)

	for _, taskDetail := range batchTask.Tasks {
		func(td IndividualTaskDetail) {
			defer wg.Done()

			payload := providerEvent{
				WebhookType: td.EventType,
				Message: providerMessage{
					Sender:   randomSenderPhone(),
					Receiver: td.Receiver,
				},
			}
			if td.EventType == "inbox_message" {
				payload.Message.Content = gofakeit.Sentence(8)
			}

			payloadBytes, err := json.Marshal(payload)
			if err != nil {
				logger.Log.Error("Failed to marshal payload in batch",
					zap.String("event_type", td.EventType),
					zap.Error(err))
				observer.IncLoadgenRequestErrors(td.Receiver)
				return
			}

			resp, err := batchTask.Client.Post(batchTask.URL+"/sms/inbound", "application/json", bytes.NewReader(payloadBytes))
			if err != nil {
				logger.Log.Error("Failed to post webhook event", zap.String("event_type", td.EventType), zap.Error(err))
				observer.IncLoadgenRequestErrors(td.Receiver)
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				observer.IncLoadgenRequestsSent(td.Receiver)
			} else {
				logger.Log.Warn("Webhook returned unexpected status",
					zap.String("event_type", td.EventType),
					zap.Int("status", resp.StatusCode))
				observer.IncLoadgenRequestErrors(td.Receiver)
			}
		}(taskDetail)
	}
}

// randomSenderPhone mixes international and national formats so the relay's
// normalization path is exercised under load.
func randomSenderPhone() string {
	if gofakeit.Bool() {
		return "324" + gofakeit.DigitN(8)
	}
	return "04" + gofakeit.DigitN(8)
}
