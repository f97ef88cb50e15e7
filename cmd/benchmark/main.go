package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/escrowd/internal/gateway"
	"github.com/punchamoorthee/escrowd/internal/models"
)

// Benchmark settings
var (
	targetURL   string
	secret      string
	linkID      string
	amount      int64
	concurrency int
	duration    time.Duration
	workload    string
)

// Outcome counters
var (
	totalRequests uint64
	processed     uint64
	duplicate     uint64
	ignored       uint64
	unknown       uint64
	unauthorized  uint64
	retry503      uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&secret, "secret", os.Getenv("WEBHOOK_SECRET"), "Gateway webhook secret")
	flag.StringVar(&linkID, "link", "", "External payment link id to settle")
	flag.Int64Var(&amount, "amount", 0, "Paid amount in minor units")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 10*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "redeliver", "Workload type: redeliver | distinct")
}

func main() {
	flag.Parse()
	if secret == "" || linkID == "" {
		log.Fatal("-secret and -link are required")
	}
	log.Printf("Starting Webhook Storm: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var (
		wg  sync.WaitGroup
		seq uint64
	)
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, &seq)
	}
	wg.Wait()
	printResults(time.Since(start))
}

// worker replays a paid event. In redeliver mode every request carries the
// same event id; in distinct mode each carries a fresh one for the same link.
func worker(wg *sync.WaitGroup, start time.Time, seq *uint64) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		eventID := "evt_bench_" + linkID
		if workload == "distinct" {
			eventID = fmt.Sprintf("evt_bench_%s_%d", linkID, atomic.AddUint64(seq, 1))
		}
		body, _ := json.Marshal(map[string]interface{}{
			"event_id":   eventID,
			"event_type": "payment_link.paid",
			"link_id":    linkID,
			"amount":     amount,
		})

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/webhooks/gateway", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(gateway.SignatureHeader, gateway.Sign(secret, body))

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		atomic.AddUint64(&totalRequests, 1)

		switch resp.StatusCode {
		case http.StatusOK:
			var out models.WebhookResponse
			_ = json.NewDecoder(resp.Body).Decode(&out)
			switch out.Outcome {
			case "processed":
				atomic.AddUint64(&processed, 1)
			case "duplicate":
				atomic.AddUint64(&duplicate, 1)
			case "ignored":
				atomic.AddUint64(&ignored, 1)
			case "unknown_payment":
				atomic.AddUint64(&unknown, 1)
			default:
				atomic.AddUint64(&failOther, 1)
			}
		case http.StatusUnauthorized:
			atomic.AddUint64(&unauthorized, 1)
		case http.StatusServiceUnavailable:
			atomic.AddUint64(&retry503, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	p := atomic.LoadUint64(&processed)

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_rps": float64(total) / d.Seconds(),
		"processed":      p,
		"duplicate":      atomic.LoadUint64(&duplicate),
		"ignored":        atomic.LoadUint64(&ignored),
		"unknown":        atomic.LoadUint64(&unknown),
		"unauthorized":   atomic.LoadUint64(&unauthorized),
		"retry_503":      atomic.LoadUint64(&retry503),
		"errors":         atomic.LoadUint64(&failOther),
		// a correct reconciler applies exactly one paid event per link
		"credit_applied_once": workload != "redeliver" || p <= 1,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)
}
