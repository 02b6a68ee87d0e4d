package main

import (
	"Go2Attribution/internal/engine/attribution"
	"Go2Attribution/internal/engine/manager"
	"Go2Attribution/internal/export"
	"Go2Attribution/internal/model"
	"Go2Attribution/pkg/logutil"
	hcipcap "Go2Attribution/pkg/pcap"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"
)

func main() {
	filePath := flag.String("file", "", "Path to the HCI pcap file to replay.")
	batchSize := flag.Int("batch", 64, "Number of records per ingested batch.")
	wakeupEvery := flag.Duration("wakeup-every", 0, "Raise a wakeup whenever this much capture time passed since the last one (0 disables).")
	wakelockMs := flag.Uint("wakelock-ms", 0, "Release a wakelock of this duration after every batch (0 disables).")
	capacity := flag.Int("wakeup-log", attribution.DefaultWakeupLogCapacity, "Capacity of the wakeup log.")
	format := flag.String("format", "text", "Output format: 'text' or 'json'.")
	logLevel := flag.String("log-level", "warn", "Log level.")
	flag.Parse()

	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "-file is required")
		flag.Usage()
		os.Exit(1)
	}
	if err := logutil.InitLogger(*logLevel); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	logger := logutil.GetLogger()

	proc, err := attribution.NewProcessor(*capacity, attribution.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create processor: %v", err)
	}
	engine := manager.NewEngine(proc, 1024)
	mgr := manager.New(engine, nil, nil, 0)
	mgr.Start()

	reader, err := hcipcap.NewReader(*filePath)
	if err != nil {
		log.Fatalf("Failed to open capture: %v", err)
	}
	defer reader.Close()

	records := make(chan hcipcap.Record, 1024)
	go func() {
		skipped, err := reader.ReadRecords(records)
		if err != nil {
			logger.Error("failed to read capture", zap.Error(err))
		}
		logger.Info("capture read", zap.Int("skipped", skipped))
		close(records)
	}()

	sink := mgr.Sink()
	batch := make([]model.ActivityRecord, 0, *batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := sink.IngestRecords(batch); err != nil {
			log.Fatalf("Failed to ingest records: %v", err)
		}
		batch = make([]model.ActivityRecord, 0, *batchSize)
		if *wakelockMs > 0 {
			if err := sink.ReleaseWakelock(uint32(*wakelockMs)); err != nil {
				log.Fatalf("Failed to release wakelock: %v", err)
			}
		}
	}

	var lastWakeup time.Time
	total := 0
	for rec := range records {
		if *wakeupEvery > 0 && rec.Timestamp.Sub(lastWakeup) >= *wakeupEvery {
			flush()
			if err := sink.NotifyWakeup(); err != nil {
				log.Fatalf("Failed to notify wakeup: %v", err)
			}
			lastWakeup = rec.Timestamp
		}
		batch = append(batch, rec.ActivityRecord)
		total++
		if len(batch) >= *batchSize {
			flush()
		}
	}
	flush()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snapshot, err := mgr.Dump(ctx)
	if err != nil {
		log.Fatalf("Failed to dump attribution: %v", err)
	}
	if err := mgr.Stop(); err != nil {
		logger.Warn("failed to stop manager", zap.Error(err))
	}

	switch *format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(snapshot)
	default:
		err = export.RenderText(os.Stdout, snapshot)
	}
	if err != nil {
		log.Fatalf("Failed to write dump: %v", err)
	}
	logger.Info("replay complete", zap.Int("records", total), zap.Int("rows", len(snapshot.Rows)))
}
