package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/minio"
	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/postgres"
	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
)

// HistoryStore keeps resolved alerts.
type HistoryStore interface {
	// Append adds a resolved alert to the end of the history.
	Append(ctx context.Context, a Alert) error

	// List returns the last limit alerts, oldest first. A limit <= 0
	// returns the whole history.
	List(ctx context.Context, limit int) ([]Alert, error)
}

// MemoryHistory keeps resolved alerts in process memory.
type MemoryHistory struct {
	mu     sync.RWMutex
	alerts []Alert
}

var _ HistoryStore = (*MemoryHistory)(nil)

// NewMemoryHistory returns an empty MemoryHistory.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

// Append implements [HistoryStore].
func (h *MemoryHistory) Append(_ context.Context, a Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, a.Clone())
	return nil
}

// List implements [HistoryStore].
func (h *MemoryHistory) List(_ context.Context, limit int) ([]Alert, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return tail(h.alerts, limit), nil
}

// tail returns copies of the last limit alerts, or all when limit <= 0.
func tail(alerts []Alert, limit int) []Alert {
	start := 0
	if limit > 0 && limit < len(alerts) {
		start = len(alerts) - limit
	}
	out := make([]Alert, 0, len(alerts)-start)
	for _, a := range alerts[start:] {
		out = append(out, a.Clone())
	}
	return out
}

// HistorySchema creates the table used by PostgresHistory.
const HistorySchema = `CREATE TABLE IF NOT EXISTS alert_history (
	seq         BIGSERIAL PRIMARY KEY,
	alert_id    TEXT NOT NULL,
	config_id   TEXT NOT NULL,
	severity    TEXT NOT NULL,
	resolved_at TIMESTAMPTZ NOT NULL,
	body        JSONB NOT NULL
)`

const (
	historyInsertSQL = `INSERT INTO alert_history (alert_id, config_id, severity, resolved_at, body) VALUES ($1, $2, $3, $4, $5)`
	historyAllSQL    = `SELECT body FROM alert_history ORDER BY seq`
	historyTailSQL   = `SELECT body FROM (SELECT seq, body FROM alert_history ORDER BY seq DESC LIMIT $1) recent ORDER BY seq`
)

// PostgresHistory stores resolved alerts in the alert_history table.
type PostgresHistory struct {
	db *postgres.Client
}

var _ HistoryStore = (*PostgresHistory)(nil)

// NewPostgresHistory returns a history store backed by db.
func NewPostgresHistory(db *postgres.Client) *PostgresHistory {
	return &PostgresHistory{db: db}
}

// EnsureSchema creates the history table if it does not exist.
func (p *PostgresHistory) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, HistorySchema); err != nil {
		return sserr.Wrap(err, sserr.CodeInternalDatabase, "alert: failed to create history schema")
	}
	return nil
}

// Append implements [HistoryStore].
func (p *PostgresHistory) Append(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "alert: failed to encode alert")
	}
	_, err = p.db.Exec(ctx, historyInsertSQL, a.ID, a.ConfigID, string(a.Severity), resolvedAt(a), body)
	return err
}

// List implements [HistoryStore].
func (p *PostgresHistory) List(ctx context.Context, limit int) ([]Alert, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = p.db.Query(ctx, historyTailSQL, limit)
	} else {
		rows, err = p.db.Query(ctx, historyAllSQL)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, postgres.WrapScanError(err, "alert: failed to scan history row")
		}
		var a Alert
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, sserr.Wrap(err, sserr.CodeInternal, "alert: failed to decode history row")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.WrapScanError(err, "alert: failed to read history")
	}
	return out, nil
}

// ObjectStore is the part of the MinIO client used by ObjectHistory.
type ObjectStore interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// ObjectHistory writes each resolved alert as a JSON object named
// "<prefix>/<resolved RFC3339Nano>-<alert id>.json". Object names sort in
// resolution order, which List relies on.
type ObjectHistory struct {
	store  ObjectStore
	prefix string
}

var (
	_ HistoryStore = (*ObjectHistory)(nil)
	_ ObjectStore  = (*minio.Client)(nil)
)

// NewObjectHistory returns a history store writing under prefix, "alerts"
// when empty.
func NewObjectHistory(store ObjectStore, prefix string) *ObjectHistory {
	if prefix == "" {
		prefix = "alerts"
	}
	return &ObjectHistory{store: store, prefix: prefix}
}

func (o *ObjectHistory) objectName(a Alert) string {
	// Fixed-width nanoseconds keep lexical order equal to time order.
	return fmt.Sprintf("%s/%s-%s.json", o.prefix, resolvedAt(a).UTC().Format("2006-01-02T15:04:05.000000000Z"), a.ID)
}

// Append implements [HistoryStore].
func (o *ObjectHistory) Append(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "alert: failed to encode alert")
	}
	return o.store.Put(ctx, o.objectName(a), body)
}

// List implements [HistoryStore]. Only the selected objects are fetched.
func (o *ObjectHistory) List(ctx context.Context, limit int) ([]Alert, error) {
	names, err := o.store.List(ctx, o.prefix+"/")
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(names) {
		names = names[len(names)-limit:]
	}
	out := make([]Alert, 0, len(names))
	for _, name := range names {
		body, err := o.store.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		var a Alert
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, sserr.Wrapf(err, sserr.CodeInternal, "alert: failed to decode history object %q", name)
		}
		out = append(out, a)
	}
	return out, nil
}

// resolvedAt returns the stamp used to order a in history.
func resolvedAt(a Alert) time.Time {
	if a.ResolvedAt != nil {
		return *a.ResolvedAt
	}
	return a.TriggeredAt
}
