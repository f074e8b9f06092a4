// Package store provides storage backends for LeadPipe.
//
// Every logical store of a lead conversation (history, lead state, phone↔name mapping,
// meeting schedule, reminder permission, pending reminders and pending follow-ups) is a
// repository interface. Backends are an in-memory store, SQLite and PostgreSQL; all of
// them are safe for concurrent use.
package store

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// HistoryRepo stores the append-only conversation history of each lead.
type HistoryRepo interface {
	AppendHistory(phone string, entry models.HistoryEntry) error
	// GetHistory returns the entries of a phone in append order; an unknown phone
	// yields an empty history.
	GetHistory(phone string) ([]models.HistoryEntry, error)
}

// LeadStateRepo stores the informational state token of each lead.
type LeadStateRepo interface {
	SetLeadState(phone, state string) error
	GetLeadState(phone string) (*models.LeadState, error)
}

// NameMappingRepo stores the phone a lead wrote from, keyed by normalized name.
type NameMappingRepo interface {
	SaveNameMapping(m models.PhoneNameMapping) error
	GetNameMapping(normalizedName string) (*models.PhoneNameMapping, error)
	ListNameMappings() ([]models.PhoneNameMapping, error)
}

// MeetingRepo stores the single active meeting of each lead.
type MeetingRepo interface {
	SaveMeeting(m models.MeetingSchedule) error
	GetMeeting(phone string) (*models.MeetingSchedule, error)
}

// ReminderPermissionRepo stores the reminder opt-in status and waiting flag of each lead.
type ReminderPermissionRepo interface {
	SaveReminderPermission(p models.ReminderPermission) error
	GetReminderPermission(phone string) (*models.ReminderPermission, error)
}

// ReminderRepo stores pending reminders. Items are removed by ID; a successful delete
// is the claim that entitles the caller to deliver the item.
type ReminderRepo interface {
	AddPendingReminder(r models.PendingReminder) error
	// ListPendingReminders returns all pending reminders in insertion order.
	ListPendingReminders() ([]models.PendingReminder, error)
	// DeletePendingReminder removes one reminder and reports whether it still existed.
	DeletePendingReminder(id string) (bool, error)
	DeletePendingRemindersByPhone(phone string) (int, error)
}

// FollowUpRepo stores pending follow-ups with the same claim semantics as ReminderRepo.
type FollowUpRepo interface {
	AddPendingFollowUp(f models.PendingFollowUp) error
	ListPendingFollowUps() ([]models.PendingFollowUp, error)
	DeletePendingFollowUp(id string) (bool, error)
	DeletePendingFollowUpsByPhone(phone string) (int, error)
}

// Store is the union of every repository plus lifecycle management.
type Store interface {
	HistoryRepo
	LeadStateRepo
	NameMappingRepo
	MeetingRepo
	ReminderPermissionRepo
	ReminderRepo
	FollowUpRepo
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3"
// for everything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open creates the store backend matching the configured DSN: PostgreSQL, SQLite, or
// an in-memory store when no DSN is set.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("store.Open: no DSN configured, using in-memory store (state is lost on restart)")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case "postgres":
		slog.Debug("store.Open: opening PostgreSQL store")
		st, err := NewPostgresStore(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	default:
		slog.Debug("store.Open: opening SQLite store", "path", cfg.DSN)
		st, err := NewSQLiteStore(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, nil
	}
}
