package main

import (
	"Go2Attribution/internal/config"
	"Go2Attribution/internal/query"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"
)

func main() {
	mode := flag.String("mode", "api", "Query mode: 'api' to query via HTTP API, 'direct' to query ClickHouse directly.")
	apiAddr := flag.String("api", "http://localhost:8080", "Base URL of the attribution API.")
	chHost := flag.String("ch-host", "localhost", "ClickHouse host for direct mode.")
	chPort := flag.Int("ch-port", 9000, "ClickHouse port for direct mode.")
	activity := flag.String("activity", "", "Only show this activity (optional).")
	orderBy := flag.String("order-by", "wakelock_duration_ms", "byte_count, wakeup_count or wakelock_duration_ms.")
	limit := flag.Int("limit", 10, "Number of rows.")
	since := flag.Duration("since", 24*time.Hour, "Look back this far.")
	flag.Parse()

	from := time.Now().UTC().Add(-*since)
	log.Printf("Running in '%s' mode.", *mode)

	var entries []query.TopEntry
	var err error
	switch *mode {
	case "api":
		entries, err = queryViaAPI(*apiAddr, from, *activity, *orderBy, *limit)
	case "direct":
		entries, err = queryDirect(config.ClickHouseConfig{Host: *chHost, Port: *chPort, Database: "default", Username: "default"},
			query.TopRequest{From: from, Activity: *activity, OrderBy: *orderBy, Limit: *limit})
	default:
		log.Fatalf("Invalid mode: %s. Use 'api' or 'direct'.", *mode)
	}
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tACTIVITY\tBYTES\tWAKEUPS\tWAKELOCK_MS\tLAST_SEEN")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			e.Address, e.Activity, e.ByteCount, e.WakeupCount, e.WakelockDurationMs, e.LastSeen.Format(time.RFC3339))
	}
	tw.Flush()
}

func queryViaAPI(base string, from time.Time, activity, orderBy string, limit int) ([]query.TopEntry, error) {
	params := url.Values{}
	params.Set("from", from.Format(time.RFC3339))
	params.Set("order_by", orderBy)
	params.Set("limit", strconv.Itoa(limit))
	if activity != "" {
		params.Set("activity", activity)
	}
	apiURL := base + "/api/v1/history/top?" + params.Encode()
	log.Printf("Sending request to %s", apiURL)

	resp, err := http.Get(apiURL)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Entries []query.TopEntry `json:"entries"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	return out.Entries, nil
}

func queryDirect(cfg config.ClickHouseConfig, req query.TopRequest) ([]query.TopEntry, error) {
	q, err := query.NewClickHouseQuerier(cfg)
	if err != nil {
		return nil, err
	}
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return q.TopAttribution(ctx, req)
}
