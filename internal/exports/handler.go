// Package exports implements the delivery handlers invoices are routed to.
// Every handler runs its duplicate guard before producing any external side
// effect and reports a tri-valued result instead of failing across the
// boundary.
package exports

import (
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
)

// Registry dispatches export definitions to handler factories by type
type Registry struct {
	factories map[models.ExportType]interfaces.ExportHandlerFactory
	logger    arbor.ILogger
}

// NewRegistry creates a registry with the built-in handler types registered
func NewRegistry(logger arbor.ILogger) *Registry {
	r := &Registry{
		factories: make(map[models.ExportType]interfaces.ExportHandlerFactory),
		logger:    logger,
	}
	r.Register(models.ExportTypeLocalStorage, func(export *models.Export) (interfaces.ExportHandler, error) {
		return NewFilesystemHandler(logger, export)
	})
	r.Register(models.ExportTypePaheko, func(export *models.Export) (interfaces.ExportHandler, error) {
		return NewAccountingHandler(logger, export)
	})
	r.Register(models.ExportTypeGoogleDrive, func(export *models.Export) (interfaces.ExportHandler, error) {
		return NewDriveHandler(logger, export)
	})
	return r
}

// Register adds or replaces the factory for an export type
func (r *Registry) Register(t models.ExportType, factory interfaces.ExportHandlerFactory) {
	r.factories[t] = factory
}

// Handler builds a handler for an export definition
func (r *Registry) Handler(export *models.Export) (interfaces.ExportHandler, error) {
	factory, ok := r.factories[export.Type]
	if !ok {
		return nil, fmt.Errorf("unknown export type: %s", export.Type)
	}
	return factory(export)
}

// configString reads a string key from an export configuration map
func configString(config map[string]any, key, fallback string) string {
	if v, ok := config[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// configStringList reads a list key from an export configuration map. JSON
// configs yield []any; a plain comma-separated string is accepted too.
func configStringList(config map[string]any, key string) []string {
	var out []string
	switch v := config[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// configBool reads a bool key from an export configuration map
func configBool(config map[string]any, key string, fallback bool) bool {
	if v, ok := config[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

func failed(format string, args ...any) interfaces.ExportResult {
	return interfaces.ExportResult{
		Status:       models.ExportStatusFailed,
		ErrorMessage: fmt.Sprintf(format, args...),
	}
}
