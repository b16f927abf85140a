// Package storage persists chart request history so generated charts can be
// re-rendered with different parameters later.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the given id.
var ErrNotFound = errors.New("chart request not found")

// ChartRequest records the parameters a chart was generated from.
type ChartRequest struct {
	ID         string
	Ticker     string
	Expiration time.Time
	Side       string
	Days       int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Interface defines the contract for chart request persistence.
//
// Implementations must be safe for concurrent use.
type Interface interface {
	Store(ctx context.Context, req *ChartRequest) error
	Get(ctx context.Context, id string) (*ChartRequest, error)
	Update(ctx context.Context, req *ChartRequest) error
	Delete(ctx context.Context, id string) error
	Recent(ctx context.Context, limit int) ([]ChartRequest, error)
	Close() error
}

// Ensure SQLiteStore implements Interface
var _ Interface = (*SQLiteStore)(nil)
