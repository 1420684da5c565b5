package storage

import (
	"context"
	"errors"
	"time"

	"sentinel/internal/exchange"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// If Driver is empty the memory driver is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxFindings int           // memory index bound; 0 means 10000
}

// PluginDescriptor is the persisted record of a loaded plugin.
type PluginDescriptor struct {
	ID            string    `json:"plugin_id"`
	Name          string    `json:"name,omitempty"`
	Category      string    `json:"category,omitempty"`
	Code          string    `json:"code"`
	Allow         []string  `json:"allow,omitempty"`
	Enabled       bool      `json:"enabled"`
	QualityScore  float64   `json:"quality_score"`
	LastLoadedAt  time.Time `json:"last_loaded_at"`
	State         string    `json:"state,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// Store is the persistence API used by the pipeline, lifecycle manager and
// control API.
type Store interface {
	PutFinding(ctx context.Context, f exchange.Finding) error
	GetFinding(ctx context.Context, id string) (exchange.Finding, bool, error)
	ListFindings(ctx context.Context, q exchange.Filter) ([]exchange.Finding, error)

	PutPlugin(ctx context.Context, d PluginDescriptor) error
	GetPlugin(ctx context.Context, id string) (PluginDescriptor, bool, error)
	ListPlugins(ctx context.Context) ([]PluginDescriptor, error)
	DeletePlugin(ctx context.Context, id string) error

	Close() error
}

const (
	defaultListLimit = 200
	maxListLimit     = 5000
)

func listLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	default:
		return n
	}
}
