// Replay tool for measuring detection quality on labelled transactions.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/labelled.csv
//	go run ./cmd/replay -simulate 1000 -anomalies 50 -out dataset.csv
//	go run ./cmd/replay -simulate 1000 -url http://localhost:8080
//
// This tool:
//  1. Loads labelled transactions from CSV or generates them with the simulator
//  2. Replays them in timestamp order through an in-process engine, or posts
//     them to a running server's /performance endpoint
//  3. Prints the confusion matrix, precision, recall, F1-score and the
//     per-rule trigger counts
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/engine"
	"github.com/opensource-finance/heron/internal/source"
)

func main() {
	csvPath := flag.String("csv", "", "Path to a labelled transaction CSV file")
	simulate := flag.Int("simulate", 0, "Generate this many normal transactions instead of reading CSV")
	anomalies := flag.Int("anomalies", 0, "Anomalous transactions to generate with -simulate (default 5%)")
	seed := flag.Int64("seed", 42, "Simulator seed")
	outPath := flag.String("out", "", "Write the replayed dataset to this CSV file")
	baseURL := flag.String("url", "", "Post to a running Heron server instead of evaluating in-process")
	limit := flag.Int("limit", 0, "Maximum transactions to read from CSV (0 = all)")
	flag.Parse()

	if *csvPath == "" && *simulate <= 0 {
		fmt.Println("Usage: replay -csv /path/to/labelled.csv | -simulate N [-anomalies M] [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	var (
		labeled  []domain.LabeledTransaction
		warnings int
		err      error
	)
	if *csvPath != "" {
		labeled, warnings, err = readDataset(*csvPath, *limit)
		if err != nil {
			fmt.Printf("ERROR: failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		numAnomalous := *anomalies
		if numAnomalous <= 0 {
			numAnomalous = *simulate / 20
		}
		sim := source.NewSimulator(source.SimulatorConfig{Seed: *seed})
		labeled = sim.Dataset(*simulate, numAnomalous)
	}

	// History rules only make sense in event order
	sort.SliceStable(labeled, func(i, j int) bool {
		return labeled[i].Timestamp.Before(labeled[j].Timestamp)
	})

	if *outPath != "" {
		if err := writeDataset(*outPath, labeled); err != nil {
			fmt.Printf("ERROR: failed to write dataset: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Dataset written to %s\n", *outPath)
	}

	fraud := 0
	for _, lt := range labeled {
		if lt.IsFraudulent {
			fraud++
		}
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|             HERON REPLAY - Labelled Detection Run             |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nTransactions: %d\n", len(labeled))
	fmt.Printf("  - Fraud:     %d\n", fraud)
	fmt.Printf("  - Non-fraud: %d\n", len(labeled)-fraud)
	if warnings > 0 {
		fmt.Printf("  - Malformed: %d (evaluated with defaults)\n", warnings)
	}

	ctx := context.Background()
	start := time.Now()

	var (
		perf  domain.Performance
		stats *domain.StatisticsSnapshot
	)
	if *baseURL != "" {
		perf, err = replayRemote(ctx, *baseURL, labeled)
		if err != nil {
			fmt.Printf("ERROR: replay against %s failed: %v\n", *baseURL, err)
			os.Exit(1)
		}
	} else {
		eng, err := engine.NewDefault()
		if err != nil {
			fmt.Printf("ERROR: failed to create engine: %v\n", err)
			os.Exit(1)
		}
		perf = eng.EvaluatePerformance(ctx, labeled)
		snap := eng.Statistics()
		stats = &snap
	}

	printResults(perf, stats, time.Since(start), len(labeled))
}

// replayRemote posts the dataset to POST /performance.
func replayRemote(ctx context.Context, baseURL string, labeled []domain.LabeledTransaction) (domain.Performance, error) {
	body, err := json.Marshal(labeled)
	if err != nil {
		return domain.Performance{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/performance", bytes.NewReader(body))
	if err != nil {
		return domain.Performance{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return domain.Performance{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Performance{}, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result struct {
		Performance domain.Performance `json:"performance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.Performance{}, err
	}
	return result.Performance, nil
}

func printResults(p domain.Performance, stats *domain.StatisticsSnapshot, duration time.Duration, total int) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                        REPLAY RESULTS                         |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                 Anomalous     Normal")
	fmt.Println("              +-----------+-----------+")
	fmt.Printf("   Actual  F  | %9d | %9d |  (TP, FN)\n", p.TruePositives, p.FalseNegatives)
	fmt.Println("              +-----------+-----------+")
	fmt.Printf("          NF  | %9d | %9d |  (FP, TN)\n", p.FalsePositives, p.TrueNegatives)
	fmt.Println("              +-----------+-----------+")

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were actual fraud)\n", p.Precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", p.Recall)
	fmt.Printf("   F1-Score:   %.4f\n", p.F1Score)
	fmt.Printf("   Accuracy:   %.4f\n", p.Accuracy)

	if stats != nil {
		fmt.Printf("\nRULES TRIGGERED\n")
		ids := make([]string, 0, len(stats.RulesTriggered))
		for id := range stats.RulesTriggered {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("   %-24s %d\n", id, stats.RulesTriggered[id])
		}
		fmt.Printf("   Anomaly rate:            %.2f%%\n", stats.AnomalyRate)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if total > 0 && duration > 0 {
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(total)/duration.Seconds())
	}
	fmt.Println()
}
