package pcap

import (
	"Go2Attribution/internal/engine/protocol"
	"Go2Attribution/internal/model"
	"Go2Attribution/pkg/logutil"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

// Record is a classified frame together with its capture time.
type Record struct {
	Timestamp time.Time
	model.ActivityRecord
}

// Reader reads HCI frames from a pcap file and classifies them.
type Reader struct {
	file       *os.File
	reader     *pcapgo.Reader
	classifier *protocol.Classifier
}

// NewReader opens a pcap file for reading.
func NewReader(filePath string) (*Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header of %s: %w", filePath, err)
	}
	return &Reader{file: f, reader: r, classifier: protocol.NewClassifier()}, nil
}

// LinkType returns the link type recorded in the file header.
func (r *Reader) LinkType() layers.LinkType {
	return r.reader.LinkType()
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadRecords classifies every frame in the file and sends the records to out
// in capture order. Frames that cannot be classified are skipped and counted.
// The channel is not closed.
func (r *Reader) ReadRecords(out chan<- Record) (skipped int, err error) {
	logger := logutil.GetLogger()
	linkType := r.reader.LinkType()

	for {
		data, ci, err := r.reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return skipped, nil
		}
		if err != nil {
			return skipped, fmt.Errorf("failed to read frame: %w", err)
		}

		rec, err := r.classifier.Classify(linkType, data)
		if err != nil {
			if !errors.Is(err, protocol.ErrNotHCI) {
				logger.Debug("skipping frame", zap.Time("ts", ci.Timestamp), zap.Error(err))
			}
			skipped++
			continue
		}
		out <- Record{Timestamp: ci.Timestamp, ActivityRecord: rec}
	}
}
