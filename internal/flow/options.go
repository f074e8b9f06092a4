package flow

import (
	"time"

	"github.com/BTreeMap/LeadPipe/internal/locking"
)

// DefaultSendTimeout bounds a single outbound delivery made by the flow.
const DefaultSendTimeout = 15 * time.Second

// Opts holds the collaborators and settings shared by the Router and the dispatchers.
type Opts struct {
	CalendarLink string
	Location     *time.Location
	Now          func() time.Time
	Metrics      *Metrics
	TickLocker   locking.TickLocker
	KeyLocks     *locking.KeyedMutex
	SendTimeout  time.Duration
}

// Option defines a configuration option for the flow services.
type Option func(*Opts)

// WithCalendarLink sets the booking page sent to leads.
func WithCalendarLink(link string) Option {
	return func(o *Opts) {
		o.CalendarLink = link
	}
}

// WithLocation sets the time zone used to render meeting dates.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) {
		o.Location = loc
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *Opts) {
		o.Metrics = m
	}
}

// WithTickLocker sets the lock that keeps dispatcher runs from overlapping.
func WithTickLocker(l locking.TickLocker) Option {
	return func(o *Opts) {
		o.TickLocker = l
	}
}

// WithKeyLocks sets the per-phone lock used to serialize inbound messages.
func WithKeyLocks(k *locking.KeyedMutex) Option {
	return func(o *Opts) {
		o.KeyLocks = k
	}
}

// WithSendTimeout bounds every outbound delivery.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.SendTimeout = d
	}
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{
		CalendarLink: DefaultCalendarLink,
		Location:     time.UTC,
		Now:          time.Now,
		SendTimeout:  DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.CalendarLink == "" {
		cfg.CalendarLink = DefaultCalendarLink
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TickLocker == nil {
		cfg.TickLocker = locking.NewLocalTickLocker()
	}
	if cfg.KeyLocks == nil {
		cfg.KeyLocks = locking.NewKeyedMutex()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return cfg
}
