// Package core defines the shared interfaces and tag types for the trading engine
package core

import (
	"context"
	"time"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// FillRecord is one executed fill as persisted by the journal.
type FillRecord struct {
	Market    string
	Side      Side
	BuyPrice  string
	SellPrice string
	BtcAmount string
	Source    FillSource
	Landmark  bool
	Timestamp time.Time
}

// IFillJournal defines the interface for fill persistence
type IFillJournal interface {
	Record(ctx context.Context, fill FillRecord) error
	Recent(ctx context.Context, market string, limit int) ([]FillRecord, error)
	Close() error
}
