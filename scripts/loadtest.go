package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kunal/buffer-router/pkg/client"
	"github.com/kunal/buffer-router/pkg/stage"
)

func main() {
	addr := flag.String("addr", "localhost:50061", "Stage host address")
	concurrency := flag.Int("concurrency", 8, "Number of execution contexts (one instance each)")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	inputs := flag.Int("inputs", 2, "Input slots per batch")
	maxBatch := flag.Int("max-batch", 16, "Largest batch size sent")
	itemSize := flag.Int("item-size", 4096, "Bytes per input item")
	flag.Parse()

	log.Printf("🚀 Load test starting: addr=%s, concurrency=%d, duration=%v", *addr, *concurrency, *duration)

	c, err := client.Dial(*addr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	setupCtx, setupCancel := context.WithTimeout(context.Background(), 5*time.Second)
	names, err := c.OutputNames(setupCtx)
	setupCancel()
	if err != nil {
		log.Fatalf("Failed to fetch output names: %v", err)
	}
	log.Printf("   Outputs: %v", names)

	var (
		totalBatches atomic.Int64
		totalBytes   atomic.Int64
		totalErrors  atomic.Int64
		shapeErrors  atomic.Int64
		mu           sync.Mutex
		latencies    []time.Duration
		batchDist    = make(map[int]int)
	)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()

			id, err := c.NewInstance(ctx, stage.RuntimeConfig{MaxInputCount: *maxBatch})
			if err != nil {
				log.Printf("⚠️  Client %d: new instance failed: %v", clientID, err)
				return
			}
			defer c.Release(context.Background(), id)

			if err := c.Configure(ctx, id, stage.Metadata{Width: *itemSize, Height: 1, Format: "raw"}); err != nil {
				log.Printf("⚠️  Client %d: configure failed: %v", clientID, err)
				return
			}

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				batchSize := 1 + rand.Intn(*maxBatch)
				slots := make([][][]byte, *inputs)
				for s := range slots {
					slots[s] = make([][]byte, batchSize)
					for b := range slots[s] {
						item := make([]byte, *itemSize)
						rand.Read(item)
						slots[s][b] = item
					}
				}

				reqStart := time.Now()
				out, err := c.Evaluate(ctx, id, slots)
				if err != nil {
					totalErrors.Add(1)
					continue
				}
				elapsed := time.Since(reqStart)

				if len(out) != len(names) {
					shapeErrors.Add(1)
				}
				for _, slot := range out {
					if len(slot) != batchSize {
						shapeErrors.Add(1)
					}
					for _, it := range slot {
						totalBytes.Add(int64(len(it)))
					}
				}
				totalBatches.Add(1)

				mu.Lock()
				latencies = append(latencies, elapsed)
				batchDist[batchSize]++
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Calculate percentiles
	mu.Lock()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	mu.Unlock()

	total := totalBatches.Load()
	errors := totalErrors.Load()
	throughput := float64(total) / elapsed.Seconds()
	mbps := float64(totalBytes.Load()) / elapsed.Seconds() / (1 << 20)

	fmt.Println("\n" + "═══════════════════════════════════════════════════")
	fmt.Println("   🏁 LOAD TEST RESULTS")
	fmt.Println("═══════════════════════════════════════════════════")
	fmt.Printf("   Duration:      %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("   Concurrency:   %d\n", *concurrency)
	fmt.Printf("   Batches:       %d\n", total)
	fmt.Printf("   Errors:        %d (%.1f%%)\n", errors, float64(errors)/float64(total+errors)*100)
	fmt.Printf("   Shape errors:  %d\n", shapeErrors.Load())
	fmt.Printf("   Throughput:    %.1f batches/sec, %.1f MiB/sec routed\n", throughput, mbps)
	fmt.Println()

	if len(latencies) > 0 {
		fmt.Println("   📊 Latency Percentiles:")
		fmt.Printf("      p50:  %v\n", latencies[len(latencies)*50/100])
		fmt.Printf("      p95:  %v\n", latencies[len(latencies)*95/100])
		fmt.Printf("      p99:  %v\n", latencies[len(latencies)*99/100])
		fmt.Printf("      max:  %v\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("   📦 Batch Size Distribution:")
	sizes := make([]int, 0, len(batchDist))
	for size := range batchDist {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)
	for _, size := range sizes {
		pct := float64(batchDist[size]) / float64(total) * 100
		fmt.Printf("      %3d: %d (%.1f%%)\n", size, batchDist[size], pct)
	}
	fmt.Println("═══════════════════════════════════════════════════")
}
