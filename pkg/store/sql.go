package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
)

// Dialect selects placeholder syntax.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// rebind rewrites '?' placeholders to '$n' for Postgres.
func (d Dialect) rebind(q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS market_subscriptions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		node_id TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		unsubscribed INTEGER NOT NULL DEFAULT 0,
		doc TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS market_negotiations (
		id TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL,
		offer_id TEXT NOT NULL,
		demand_id TEXT NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS market_proposals (
		id TEXT PRIMARY KEY,
		negotiation_id TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS market_agreements (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		doc TEXT NOT NULL
	)`,
}

// SQLStore is a Repository over database/sql. Each entity is kept as a JSON
// document next to the columns used for lookups.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLiteStore creates the schema on db (driver "sqlite") and returns a store.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, DialectSQLite)
}

// NewPostgresStore creates the schema on db (driver "postgres") and returns a store.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, DialectPostgres)
}

func newSQLStore(db *sql.DB, d Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens a database by driver name and wraps it in the matching store.
// Supported drivers are "sqlite" and "postgres".
func Open(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return openDB(db, driver)
}

// openDB wraps db in the store for driver and closes it on failure.
func openDB(db *sql.DB, driver string) (*SQLStore, error) {
	var s *SQLStore
	var err error
	switch driver {
	case "sqlite":
		s, err = NewSQLiteStore(db)
	case "postgres":
		s, err = NewPostgresStore(db)
	default:
		err = fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) error {
	return s.execOn(ctx, s.db, q, args...)
}

func (s *SQLStore) execOn(ctx context.Context, ex execer, q string, args ...any) error {
	if _, err := ex.ExecContext(ctx, s.dialect.rebind(q), args...); err != nil {
		return err
	}
	return nil
}

// loadDoc reads a single doc column and decodes it into v.
func (s *SQLStore) loadDoc(ctx context.Context, what, q string, v any, args ...any) error {
	var doc string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(q), args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", what, err)
	}
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

// queryDocs runs q and calls decode for each doc column.
func (s *SQLStore) queryDocs(ctx context.Context, q string, decode func([]byte) error, args ...any) error {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if err := decode([]byte(doc)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func inClause(col string, n int) string {
	return col + " IN (" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
}

func (s *SQLStore) SaveSubscription(ctx context.Context, sub *contracts.Subscription) error {
	doc, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	unsub := 0
	if sub.Unsubscribed {
		unsub = 1
	}
	err = s.exec(ctx, `INSERT INTO market_subscriptions (id, kind, node_id, created_at, expires_at, unsubscribed, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET unsubscribed = excluded.unsubscribed, doc = excluded.doc`,
		sub.ID, string(sub.Kind), sub.NodeID, sub.CreatedAt.UnixNano(), sub.ExpiresAt.UnixNano(), unsub, string(doc))
	if err != nil {
		return fmt.Errorf("save subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (s *SQLStore) LoadSubscription(ctx context.Context, id string) (*contracts.Subscription, error) {
	var sub contracts.Subscription
	if err := s.loadDoc(ctx, "subscription "+id,
		`SELECT doc FROM market_subscriptions WHERE id = ?`, &sub, id); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *SQLStore) ListActiveSubscriptions(ctx context.Context, nodeID string, kind contracts.SubscriptionKind, now time.Time) ([]*contracts.Subscription, error) {
	q := `SELECT doc FROM market_subscriptions WHERE kind = ? AND unsubscribed = 0 AND expires_at > ?`
	args := []any{string(kind), now.UnixNano()}
	if nodeID != "" {
		q += ` AND node_id = ?`
		args = append(args, nodeID)
	}
	q += ` ORDER BY created_at, id`

	var out []*contracts.Subscription
	err := s.queryDocs(ctx, q, func(doc []byte) error {
		var sub contracts.Subscription
		if err := json.Unmarshal(doc, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		out = append(out, &sub)
		return nil
	}, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SaveNegotiation(ctx context.Context, n *contracts.Negotiation) error {
	return s.saveNegotiation(ctx, s.db, n)
}

func (s *SQLStore) saveNegotiation(ctx context.Context, ex execer, n *contracts.Negotiation) error {
	doc, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode negotiation: %w", err)
	}
	err = s.execOn(ctx, ex, `INSERT INTO market_negotiations (id, subscription_id, offer_id, demand_id, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc`,
		n.ID, n.SubscriptionID, n.OfferID, n.DemandID, string(doc))
	if err != nil {
		return fmt.Errorf("save negotiation %s: %w", n.ID, err)
	}
	return nil
}

func (s *SQLStore) LoadNegotiation(ctx context.Context, id string) (*contracts.Negotiation, error) {
	var n contracts.Negotiation
	if err := s.loadDoc(ctx, "negotiation "+id,
		`SELECT doc FROM market_negotiations WHERE id = ?`, &n, id); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *SQLStore) FindNegotiation(ctx context.Context, subscriptionID, offerID, demandID string) (*contracts.Negotiation, error) {
	var n contracts.Negotiation
	if err := s.loadDoc(ctx, "negotiation for offer "+offerID+" and demand "+demandID,
		`SELECT doc FROM market_negotiations WHERE subscription_id = ? AND offer_id = ? AND demand_id = ?`,
		&n, subscriptionID, offerID, demandID); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *SQLStore) SaveProposal(ctx context.Context, p *contracts.Proposal) error {
	return s.saveProposal(ctx, s.db, p)
}

func (s *SQLStore) saveProposal(ctx context.Context, ex execer, p *contracts.Proposal) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode proposal: %w", err)
	}
	err = s.execOn(ctx, ex, `INSERT INTO market_proposals (id, negotiation_id, state, created_at, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET state = excluded.state, doc = excluded.doc`,
		p.ID.String(), p.NegotiationID, string(p.State), p.CreatedAt.UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("save proposal %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLStore) LoadProposal(ctx context.Context, id contracts.ProposalID) (*contracts.Proposal, error) {
	var p contracts.Proposal
	if err := s.loadDoc(ctx, "proposal "+id.String(),
		`SELECT doc FROM market_proposals WHERE id = ?`, &p, id.String()); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLStore) ListProposals(ctx context.Context, f ProposalFilter) ([]*contracts.Proposal, error) {
	var where []string
	var args []any
	if f.NegotiationID != "" {
		where = append(where, "negotiation_id = ?")
		args = append(args, f.NegotiationID)
	}
	if len(f.States) > 0 {
		where = append(where, inClause("state", len(f.States)))
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	q := `SELECT doc FROM market_proposals`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`

	var out []*contracts.Proposal
	err := s.queryDocs(ctx, q, func(doc []byte) error {
		var p contracts.Proposal
		if err := json.Unmarshal(doc, &p); err != nil {
			return fmt.Errorf("decode proposal: %w", err)
		}
		out = append(out, &p)
		return nil
	}, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SaveAgreement(ctx context.Context, a *contracts.Agreement) error {
	return s.saveAgreement(ctx, s.db, a)
}

// SaveAgreementChain writes a, p and n in one transaction.
func (s *SQLStore) SaveAgreementChain(ctx context.Context, a *contracts.Agreement, p *contracts.Proposal, n *contracts.Negotiation) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = s.saveAgreement(ctx, tx, a); err != nil {
		return err
	}
	if err = s.saveProposal(ctx, tx, p); err != nil {
		return err
	}
	if err = s.saveNegotiation(ctx, tx, n); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit agreement %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLStore) saveAgreement(ctx context.Context, ex execer, a *contracts.Agreement) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode agreement: %w", err)
	}
	err = s.execOn(ctx, ex, `INSERT INTO market_agreements (id, state, created_at, doc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET state = excluded.state, doc = excluded.doc`,
		a.ID.String(), string(a.State), a.CreatedAt.UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("save agreement %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLStore) LoadAgreement(ctx context.Context, id contracts.AgreementID) (*contracts.Agreement, error) {
	var a contracts.Agreement
	if err := s.loadDoc(ctx, "agreement "+id.String(),
		`SELECT doc FROM market_agreements WHERE id = ?`, &a, id.String()); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLStore) ListAgreements(ctx context.Context, f AgreementFilter) ([]*contracts.Agreement, error) {
	q := `SELECT doc FROM market_agreements`
	var args []any
	if len(f.States) > 0 {
		q += ` WHERE ` + inClause("state", len(f.States))
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY created_at, id`

	var out []*contracts.Agreement
	err := s.queryDocs(ctx, q, func(doc []byte) error {
		var a contracts.Agreement
		if err := json.Unmarshal(doc, &a); err != nil {
			return fmt.Errorf("decode agreement: %w", err)
		}
		out = append(out, &a)
		return nil
	}, args...)
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	return out, nil
}

var (
	_ Repository = (*MemoryStore)(nil)
	_ Repository = (*SQLStore)(nil)
)
