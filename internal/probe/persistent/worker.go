package persistent

import (
	"Go2Attribution/internal/config"
	"Go2Attribution/pkg/logutil"
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

const defaultBufferSize = 10000

// Frame is one raw captured HCI frame.
type Frame struct {
	CaptureInfo gopacket.CaptureInfo
	Data        []byte
}

// FrameFromPacket copies what the archive needs out of a gopacket packet.
func FrameFromPacket(packet gopacket.Packet) *Frame {
	return &Frame{CaptureInfo: packet.Metadata().CaptureInfo, Data: packet.Data()}
}

// Worker archives captured frames to a pcap file in the background. Frames are
// written by a single goroutine to keep the archive in capture order.
type Worker struct {
	frames  chan *Frame
	file    *os.File
	buf     *bufio.Writer
	writer  *pcapgo.Writer
	dropped atomic.Uint64
	wg      sync.WaitGroup
	once    sync.Once
	logger  *zap.Logger
}

// NewWorker creates the archive file under cfg.Path and starts the writer.
func NewWorker(cfg config.PersistenceConfig, linkType layers.LinkType, snapLen uint32) (*Worker, error) {
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create persistence directory: %w", err)
	}

	fileName := fmt.Sprintf("hci_%s.pcap", time.Now().Format("2006-01-02_15-04-05"))
	file, err := os.OpenFile(filepath.Join(cfg.Path, fileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file: %w", err)
	}

	buf := bufio.NewWriter(file)
	writer := pcapgo.NewWriter(buf)
	if err := writer.WriteFileHeader(snapLen, linkType); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write pcap file header: %w", err)
	}

	bufferSize := cfg.ChannelBufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	w := &Worker{
		frames: make(chan *Frame, bufferSize),
		file:   file,
		buf:    buf,
		writer: writer,
		logger: logutil.GetLogger(),
	}
	w.wg.Add(1)
	go w.run()

	w.logger.Info("persistent worker started",
		zap.String("file", file.Name()), zap.Int("buffer", bufferSize), zap.Uint32("link_type", uint32(linkType)))
	return w, nil
}

// Path returns the archive file path.
func (w *Worker) Path() string {
	return w.file.Name()
}

// Dropped returns the number of frames dropped because the buffer was full.
func (w *Worker) Dropped() uint64 {
	return w.dropped.Load()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for frame := range w.frames {
		if err := w.writer.WritePacket(frame.CaptureInfo, frame.Data); err != nil {
			w.logger.Error("failed to archive frame", zap.Error(err))
		}
	}
}

// Enqueue hands a frame to the writer. It never blocks; frames are dropped
// when the buffer is full.
func (w *Worker) Enqueue(frame *Frame) {
	select {
	case w.frames <- frame:
	default:
		if w.dropped.Add(1)%1000 == 1 {
			w.logger.Warn("persistence buffer is full, dropping frames", zap.Uint64("dropped", w.dropped.Load()))
		}
	}
}

// Stop writes the buffered frames and closes the archive. Enqueue must not be
// called after Stop.
func (w *Worker) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.frames)
		w.wg.Wait()
		if ferr := w.buf.Flush(); ferr != nil {
			err = fmt.Errorf("failed to flush archive: %w", ferr)
		}
		if cerr := w.file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close archive: %w", cerr)
		}
		w.logger.Info("persistent worker stopped", zap.String("file", w.file.Name()), zap.Uint64("dropped", w.dropped.Load()))
	})
	return err
}
