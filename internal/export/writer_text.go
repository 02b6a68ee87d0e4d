package export

import (
	"Go2Attribution/internal/config"
	"Go2Attribution/internal/factory"
	"Go2Attribution/internal/model"
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
)

func init() {
	factory.RegisterWriter("text", func(def config.WriterDef) (model.Writer, error) {
		return NewTextWriter(def.Text.RootPath)
	})
}

// TextWriter appends rendered dumps to one file per day.
type TextWriter struct {
	rootPath string
}

// NewTextWriter creates a writer rooted at rootPath.
func NewTextWriter(rootPath string) (model.Writer, error) {
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create text dump directory: %w", err)
	}
	return &TextWriter{rootPath: rootPath}, nil
}

func (w *TextWriter) Name() string { return "text" }

// Write appends the rendered snapshot to dump_<date>.txt.
func (w *TextWriter) Write(_ context.Context, snapshot *model.AttributionSnapshot) error {
	fileName := fmt.Sprintf("dump_%s.txt", snapshot.TakenAt.UTC().Format("2006-01-02"))
	filePath := filepath.Join(w.rootPath, fileName)

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open text dump '%s': %w", filePath, err)
	}
	defer file.Close()

	buf := bufio.NewWriter(file)
	if err := RenderText(buf, snapshot); err != nil {
		return fmt.Errorf("failed to render dump: %w", err)
	}
	if _, err := buf.WriteString("\n"); err != nil {
		return err
	}
	return buf.Flush()
}

func (w *TextWriter) Close() error { return nil }
