package factory

import (
	"Go2Attribution/internal/config"
	"Go2Attribution/internal/model"
	"Go2Attribution/pkg/logutil"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// WriterFactory builds a snapshot writer from its config section.
type WriterFactory func(def config.WriterDef) (model.Writer, error)

// registry holds the mapping of writer types to their factory functions.
var registry = make(map[string]WriterFactory)

// RegisterWriter registers a new writer type with its factory function.
func RegisterWriter(name string, factory WriterFactory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("writer type '%s' already registered", name))
	}
	registry[name] = factory
}

// Registered lists the registered writer types.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds every enabled writer in cfg. Unknown types are an error; a
// writer whose backend cannot be reached is logged and skipped.
func Create(cfg *config.Config) ([]model.Writer, error) {
	logger := logutil.GetLogger()
	var writers []model.Writer

	for _, def := range cfg.Writers {
		if !def.Enabled {
			continue
		}

		factory, ok := registry[def.Type]
		if !ok {
			return nil, fmt.Errorf("unknown writer type: '%s'", def.Type)
		}

		writer, err := factory(def)
		if err != nil {
			logger.Warn("failed to create writer, skipping", zap.String("type", def.Type), zap.Error(err))
			continue
		}
		logger.Info("writer created", zap.String("type", def.Type))
		writers = append(writers, writer)
	}

	return writers, nil
}
