package main

import (
	"Go2Attribution/internal/config"
	"Go2Attribution/internal/engine/protocol"
	"Go2Attribution/internal/probe"
	"Go2Attribution/internal/probe/persistent"
	"Go2Attribution/internal/wire"
	"Go2Attribution/pkg/logutil"
	hcipcap "Go2Attribution/pkg/pcap"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"go.uber.org/zap"
)

func main() {
	// --- Command-Line Flag Parsing ---
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	mode := flag.String("mode", "sub", "Operating mode: 'pub' to capture and publish, 'signal' to publish a signal, 'sub' to subscribe and print.")
	iface := flag.String("iface", "", "HCI interface to capture from in pub mode (defaults to capture.interface).")
	file := flag.String("file", "", "Read HCI frames from a pcap file instead of a live interface in pub mode.")
	wakeup := flag.Bool("wakeup", false, "Publish a wakeup signal in signal mode.")
	releaseMs := flag.Uint("release-ms", 0, "Publish a wakelock release of this many milliseconds in signal mode.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logutil.InitLogger(cfg.LogLevel); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logutil.GetLogger().Sync()

	// --- Mode Dispatch ---
	switch *mode {
	case "pub":
		if *file != "" {
			err = publishFile(cfg, *file)
		} else {
			name := *iface
			if name == "" {
				name = cfg.Capture.Interface
			}
			err = publishLive(cfg, name)
		}
	case "signal":
		err = publishSignal(cfg, *wakeup, *releaseMs)
	case "sub":
		err = runSubscriber(cfg)
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		logutil.GetLogger().Fatal("attr-probe failed", zap.String("mode", *mode), zap.Error(err))
	}
}

// publishLive captures HCI traffic from an interface, classifies it and
// publishes record batches until interrupted.
func publishLive(cfg *config.Config, ifaceName string) error {
	logger := logutil.GetLogger()
	if ifaceName == "" {
		return errors.New("no capture interface configured")
	}

	handle, err := pcap.OpenLive(ifaceName, cfg.Capture.SnapshotLen, false, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("error opening device %s: %w", ifaceName, err)
	}
	defer handle.Close()
	linkType := handle.LinkType()

	pub, err := probe.NewPublisher(cfg.Probe)
	if err != nil {
		return err
	}
	defer pub.Close()

	var archive *persistent.Worker
	if cfg.Capture.Persistence.Enabled {
		archive, err = persistent.NewWorker(cfg.Capture.Persistence, linkType, uint32(cfg.Capture.SnapshotLen))
		if err != nil {
			return err
		}
		defer archive.Stop()
	}

	logger.Info("capture started, publishing records",
		zap.String("iface", ifaceName), zap.Uint32("link_type", uint32(linkType)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	classifier := protocol.NewClassifier()
	packets := gopacket.NewPacketSource(handle, linkType).Packets()
	published := 0
	for {
		select {
		case <-sigChan:
			logger.Info("shutdown signal received, cleaning up...", zap.Int("published", published))
			return nil
		case packet, ok := <-packets:
			if !ok {
				return nil
			}
			if archive != nil {
				archive.Enqueue(persistent.FrameFromPacket(packet))
			}
			rec, err := classifier.ClassifyPacket(linkType, packet)
			if err != nil {
				continue
			}
			if err := pub.Add(rec); err != nil {
				logger.Warn("failed to publish records", zap.Error(err))
			}
			published++
			if published%1000 == 0 {
				logger.Info("records published", zap.Int("count", published))
			}
		}
	}
}

// publishFile classifies every frame of a capture file and publishes the records.
func publishFile(cfg *config.Config, path string) error {
	r, err := hcipcap.NewReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	pub, err := probe.NewPublisher(cfg.Probe)
	if err != nil {
		return err
	}
	defer pub.Close()

	records := make(chan hcipcap.Record, 1024)
	done := make(chan struct{})
	published := 0
	go func() {
		defer close(done)
		for rec := range records {
			if err := pub.Add(rec.ActivityRecord); err != nil {
				logutil.GetLogger().Warn("failed to publish records", zap.Error(err))
			}
			published++
		}
	}()

	skipped, err := r.ReadRecords(records)
	close(records)
	<-done
	if err != nil {
		return err
	}
	logutil.GetLogger().Info("capture file published",
		zap.String("file", path), zap.Int("published", published), zap.Int("skipped", skipped))
	return pub.Flush()
}

func publishSignal(cfg *config.Config, wakeup bool, releaseMs uint) error {
	if !wakeup && releaseMs == 0 {
		return errors.New("signal mode needs -wakeup or -release-ms")
	}
	if uint64(releaseMs) > uint64(^uint32(0)) {
		return fmt.Errorf("-release-ms %d does not fit in 32 bits", releaseMs)
	}

	pub, err := probe.NewPublisher(cfg.Probe)
	if err != nil {
		return err
	}
	defer pub.Close()

	if wakeup {
		if err := pub.PublishWakeup(time.Now()); err != nil {
			return err
		}
	}
	if releaseMs > 0 {
		if err := pub.PublishWakelockRelease(uint32(releaseMs)); err != nil {
			return err
		}
	}
	logutil.GetLogger().Info("signal published", zap.Bool("wakeup", wakeup), zap.Uint("release_ms", releaseMs))
	return nil
}

// runSubscriber prints every decoded message until interrupted.
func runSubscriber(cfg *config.Config) error {
	sub, err := probe.NewSubscriber(cfg.Probe)
	if err != nil {
		return err
	}
	defer sub.Close()

	handler := func(msg *wire.Message) error {
		switch msg.Kind {
		case wire.KindActivityBatch:
			for _, rec := range msg.Batch.Records {
				fmt.Printf("%s record %s %s %d bytes\n",
					msg.Batch.CapturedAt.Format(time.RFC3339Nano), rec.Address, rec.Activity, rec.ByteCount)
			}
		case wire.KindWakelockRelease:
			fmt.Printf("wakelock released after %d ms\n", msg.Release.DurationMs)
		case wire.KindWakeup:
			fmt.Printf("%s wakeup\n", msg.Wakeup.At.Format(time.RFC3339Nano))
		}
		return nil
	}
	if err := sub.Start(handler); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logutil.GetLogger().Info("shutdown signal received, cleaning up...")
	return nil
}
