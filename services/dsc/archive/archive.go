// Package archive persists committed engine events to a SQL database so they
// can be queried after the websocket stream has moved on.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"dscengine/core/events"
	"dscengine/observability"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultBuffer = 256
	defaultLimit  = 100
	maxLimit      = 1000
)

var (
	ErrUnsupportedDriver = errors.New("archive: unsupported driver")
	errClosed            = errors.New("archive: closed")
)

// Record is one archived event.
type Record struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Type       string    `gorm:"size:64;index" json:"type"`
	Account    string    `gorm:"size:128;index" json:"account,omitempty"`
	Asset      string    `gorm:"size:32;index" json:"asset,omitempty"`
	Amount     string    `gorm:"size:80" json:"amount,omitempty"`
	Attributes string    `gorm:"type:text" json:"-"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
}

// TableName pins the table name independent of the struct name.
func (Record) TableName() string { return "dsc_events" }

// Decoded returns the full attribute map of the event.
func (r Record) Decoded() (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(r.Attributes) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(r.Attributes), &out); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	return out, nil
}

// Filter narrows a history query. Zero values match everything.
type Filter struct {
	Type    string
	Account string
	Asset   string
	Limit   int
}

// Open connects to the configured database.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return db, nil
}

// AutoMigrate creates or updates the archive schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{})
}

// Archive is an events.Emitter that writes events asynchronously. Emit never
// blocks the engine; when the queue is full the event is dropped and counted.
type Archive struct {
	db     *gorm.DB
	queue  chan Record
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	closed  bool
	pending atomic.Int64
	done    chan struct{}
}

var _ events.Emitter = (*Archive)(nil)

// New migrates the schema and starts the writer goroutine.
func New(db *gorm.DB, buffer int, log *slog.Logger) (*Archive, error) {
	if db == nil {
		return nil, errors.New("archive: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Archive{
		db:     db,
		queue:  make(chan Record, buffer),
		logger: log.With("component", "event-archive"),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Emit implements events.Emitter.
func (a *Archive) Emit(evt events.Event) {
	if a == nil || evt == nil {
		return
	}
	record, err := a.record(evt)
	if err != nil {
		a.logger.Warn("archive: encode event", "error", err, "kind", evt.EventType())
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	a.pending.Add(1)
	select {
	case a.queue <- record:
	default:
		a.pending.Add(-1)
		observability.Events().RecordDropped("archive")
	}
}

func (a *Archive) record(evt events.Event) (Record, error) {
	payload := evt.Event()
	if payload == nil {
		return Record{}, errors.New("event has no payload")
	}
	attrs, err := json.Marshal(payload.Attributes)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:         uuid.New(),
		Type:       payload.Type,
		Account:    primaryAccount(payload.Attributes),
		Asset:      payload.Attr("asset"),
		Amount:     primaryAmount(payload.Attributes),
		Attributes: string(attrs),
		CreatedAt:  a.now().UTC(),
	}, nil
}

// primaryAccount picks the position owner the event concerns.
func primaryAccount(attrs map[string]string) string {
	for _, key := range []string{"user", "debtor", "onBehalfOf", "from"} {
		if v := attrs[key]; v != "" {
			return v
		}
	}
	return ""
}

func primaryAmount(attrs map[string]string) string {
	for _, key := range []string{"amount", "debtCovered"} {
		if v := attrs[key]; v != "" {
			return v
		}
	}
	return ""
}

func (a *Archive) run() {
	defer close(a.done)
	for record := range a.queue {
		if err := a.db.Create(&record).Error; err != nil {
			observability.Events().RecordDropped("archive")
			a.logger.Error("archive: insert event", "error", err, "kind", record.Type)
		}
		a.pending.Add(-1)
	}
}

// Flush waits until every accepted event has been written or ctx expires.
func (a *Archive) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for a.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting events and waits for the writer to drain the queue.
func (a *Archive) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errClosed
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List returns archived events, newest first.
func (a *Archive) List(ctx context.Context, filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	query := a.db.WithContext(ctx).Model(&Record{})
	if t := strings.TrimSpace(filter.Type); t != "" {
		query = query.Where("type = ?", t)
	}
	if account := strings.TrimSpace(filter.Account); account != "" {
		query = query.Where("account = ?", account)
	}
	if asset := strings.ToUpper(strings.TrimSpace(filter.Asset)); asset != "" {
		query = query.Where("asset = ?", asset)
	}
	var records []Record
	if err := query.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return records, nil
}
