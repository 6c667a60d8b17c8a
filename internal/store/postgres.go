package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Guarded writes run in transactions that lock the rows they check.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded SQL migrations in lexicographic order and
// records each in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()

		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, name,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", name, err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}
		err = s.withTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return fmt.Errorf("postgres: exec migration %s: %w", name, err)
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Scanning helpers ---

type scanner interface {
	Scan(dest ...any) error
}

const orderColumns = `id, user_id, wallet, underlying, direction,
	strike_min::TEXT, strike_max::TEXT, notional::TEXT,
	expiry, tol_days, status, created_at, updated_at`

func scanOrder(row scanner) (*model.Order, error) {
	var o model.Order
	var strikeMin, strikeMax, notional string
	if err := row.Scan(&o.ID, &o.UserID, &o.Wallet, &o.Underlying, &o.Direction,
		&strikeMin, &strikeMax, &notional,
		&o.Expiry, &o.TolDays, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.StrikeMin, _ = decimal.NewFromString(strikeMin)
	o.StrikeMax, _ = decimal.NewFromString(strikeMax)
	o.Notional, _ = decimal.NewFromString(notional)
	return &o, nil
}

const matchColumns = `id, order_a_id, order_b_id, party_a_id, party_b_id, underlying,
	strike::TEXT, notional::TEXT, expiry, best_terms_hash, state, created_at, updated_at`

func scanMatch(row scanner) (*model.Match, error) {
	var m model.Match
	var strike, notional string
	if err := row.Scan(&m.ID, &m.OrderAID, &m.OrderBID, &m.PartyAID, &m.PartyBID, &m.Underlying,
		&strike, &notional, &m.Expiry, &m.BestTermsHash, &m.State, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Strike, _ = decimal.NewFromString(strike)
	m.Notional, _ = decimal.NewFromString(notional)
	return &m, nil
}

const negotiationColumns = `id, match_id, proposer_id, strike::TEXT, notional::TEXT,
	expiry, message, terms_hash, created_at`

func scanNegotiation(row scanner) (*model.Negotiation, error) {
	var n model.Negotiation
	var strike, notional string
	if err := row.Scan(&n.ID, &n.MatchID, &n.ProposerID, &strike, &notional,
		&n.Expiry, &n.Message, &n.TermsHash, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.Strike, _ = decimal.NewFromString(strike)
	n.Notional, _ = decimal.NewFromString(notional)
	return &n, nil
}

const signatureColumns = `id, match_id, terms_hash, user_id, pubkey, signature, created_at`

func scanSignature(row scanner) (*model.NegotiationSignature, error) {
	var sig model.NegotiationSignature
	if err := row.Scan(&sig.ID, &sig.MatchID, &sig.TermsHash, &sig.UserID,
		&sig.PubKey, &sig.Signature, &sig.CreatedAt); err != nil {
		return nil, err
	}
	return &sig, nil
}

const contractColumns = `id, match_id, terms_hash, program_id, contract_pda, escrow_pda,
	oracle_feed, usdc_mint, underlying, strike::TEXT, notional::TEXT, expiry,
	long_party, short_party, state, created_at, updated_at`

func scanContract(row scanner) (*model.Contract, error) {
	var c model.Contract
	var strike, notional string
	if err := row.Scan(&c.ID, &c.MatchID, &c.TermsHash, &c.ProgramID, &c.ContractPDA, &c.EscrowPDA,
		&c.OracleFeed, &c.USDCMint, &c.Underlying, &strike, &notional, &c.Expiry,
		&c.LongParty, &c.ShortParty, &c.State, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Strike, _ = decimal.NewFromString(strike)
	c.Notional, _ = decimal.NewFromString(notional)
	return &c, nil
}

const ledgerColumns = `sig, contract_id, kind, status, meta, created_at, updated_at`

func scanLedger(row scanner) (*model.TxLedger, error) {
	var e model.TxLedger
	var meta []byte
	if err := row.Scan(&e.Sig, &e.ContractID, &e.Kind, &e.Status, &meta, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		e.Meta = meta
	}
	return &e, nil
}

// translate maps driver errors onto the store's sentinel errors.
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", what, ErrConflict)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func orderStatusStrings(set []model.OrderStatus) []string {
	out := make([]string, len(set))
	for i, st := range set {
		out[i] = string(st)
	}
	return out
}

var terminalOrderStatuses = []string{
	string(model.OrderSettled), string(model.OrderExpired), string(model.OrderCancelled),
}

var terminalMatchStates = []string{
	string(model.MatchSettled), string(model.MatchCancelled), string(model.MatchRejected),
}

// --- Orders ---

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, wallet, underlying, direction,
		                     strike_min, strike_max, notional, expiry, tol_days, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13)`,
		o.ID, o.UserID, o.Wallet, o.Underlying, o.Direction,
		o.StrikeMin.String(), o.StrikeMax.String(), o.Notional.String(),
		o.Expiry, o.TolDays, o.Status, o.CreatedAt, o.UpdatedAt,
	)
	return translate(err, "create order "+o.ID)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "get order "+id)
	}
	return o, nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.ExcludeUserID != "" {
		add("user_id <> $%d", f.ExcludeUserID)
	}
	if f.Underlying != "" {
		add("underlying = $%d", f.Underlying)
	}
	if f.Direction != "" {
		add("direction = $%d", string(f.Direction))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.ExpiryFrom != nil {
		add("expiry >= $%d", *f.ExpiryFrom)
	}
	if f.ExpiryTo != nil {
		add("expiry <= $%d", *f.ExpiryTo)
	}
	args = append(args, ClampLimit(f.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err, "list orders")
	}
	defer rows.Close()

	orders := make([]model.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, id string, from []model.OrderStatus, to model.OrderStatus) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`UPDATE orders SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($3)
		 RETURNING `+orderColumns,
		id, string(to), orderStatusStrings(from)))
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing order from one in the wrong status.
		if _, getErr := s.GetOrder(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("order %s: %w", id, ErrConflict)
	}
	if err != nil {
		return nil, translate(err, "update order "+id)
	}
	return o, nil
}

func (s *PostgresStore) SumNotional(ctx context.Context, userID string, from, to time.Time) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(notional), 0)::TEXT FROM orders
		 WHERE user_id = $1 AND status <> 'CANCELLED'
		   AND created_at >= $2 AND created_at < $3`,
		userID, from, to).Scan(&total)
	if err != nil {
		return decimal.Zero, translate(err, "sum notional")
	}
	v, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum notional: %w", err)
	}
	return v, nil
}

// --- Matches ---

func (s *PostgresStore) CreateMatch(ctx context.Context, m *model.Match) (*model.Match, bool, error) {
	var out *model.Match
	created := false

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// Lock both orders in ID order so concurrent pairings serialize.
		rows, err := tx.Query(ctx,
			`SELECT id, status FROM orders WHERE id IN ($1, $2) ORDER BY id FOR UPDATE`,
			m.OrderAID, m.OrderBID)
		if err != nil {
			return translate(err, "lock orders")
		}
		statuses := map[string]model.OrderStatus{}
		for rows.Next() {
			var id string
			var st model.OrderStatus
			if err := rows.Scan(&id, &st); err != nil {
				rows.Close()
				return err
			}
			statuses[id] = st
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		existing, err := scanMatch(tx.QueryRow(ctx,
			`SELECT `+matchColumns+` FROM matches WHERE pair_key = $1`, PairKey(m.OrderAID, m.OrderBID)))
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return translate(err, "find match")
		}

		if len(statuses) != 2 {
			return fmt.Errorf("match orders: %w", ErrNotFound)
		}
		if statuses[m.OrderAID] != model.OrderOpen || statuses[m.OrderBID] != model.OrderOpen {
			return fmt.Errorf("orders not open: %w", ErrConflict)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = $3, updated_at = NOW() WHERE id IN ($1, $2)`,
			m.OrderAID, m.OrderBID, string(model.OrderNegotiating)); err != nil {
			return translate(err, "reserve orders")
		}

		inserted, err := scanMatch(tx.QueryRow(ctx,
			`INSERT INTO matches (id, order_a_id, order_b_id, pair_key, party_a_id, party_b_id, underlying,
			                      strike, notional, expiry, best_terms_hash, state, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13, $14)
			 RETURNING `+matchColumns,
			m.ID, m.OrderAID, m.OrderBID, PairKey(m.OrderAID, m.OrderBID), m.PartyAID, m.PartyBID, m.Underlying,
			m.Strike.String(), m.Notional.String(), m.Expiry, m.BestTermsHash, m.State, m.CreatedAt, m.UpdatedAt))
		if err != nil {
			return translate(err, "insert match")
		}
		out, created = inserted, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *PostgresStore) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	m, err := scanMatch(s.pool.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "get match "+id)
	}
	return m, nil
}

func lockMatch(ctx context.Context, tx pgx.Tx, id string) (*model.Match, error) {
	m, err := scanMatch(tx.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, translate(err, "lock match "+id)
	}
	return m, nil
}

func (s *PostgresStore) AppendProposal(ctx context.Context, n *model.Negotiation) (*model.Match, error) {
	var out *model.Match
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		m, err := lockMatch(ctx, tx, n.MatchID)
		if err != nil {
			return err
		}
		if !m.State.Negotiable() {
			return fmt.Errorf("match %s is %s: %w", m.ID, m.State, ErrConflict)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO negotiations (id, match_id, proposer_id, strike, notional, expiry, message, terms_hash, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)`,
			n.ID, n.MatchID, n.ProposerID, n.Strike.String(), n.Notional.String(),
			n.Expiry, n.Message, n.TermsHash, n.CreatedAt); err != nil {
			return translate(err, "insert proposal")
		}

		out, err = scanMatch(tx.QueryRow(ctx,
			`UPDATE matches
			 SET strike = $2::NUMERIC, notional = $3::NUMERIC, expiry = $4,
			     best_terms_hash = $5, state = $6, updated_at = $7
			 WHERE id = $1
			 RETURNING `+matchColumns,
			m.ID, n.Strike.String(), n.Notional.String(), n.Expiry,
			n.TermsHash, string(model.MatchCountering), n.CreatedAt))
		return translate(err, "move best terms")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, matchID string) ([]model.Negotiation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+negotiationColumns+` FROM negotiations WHERE match_id = $1 ORDER BY created_at, id`, matchID)
	if err != nil {
		return nil, translate(err, "list proposals")
	}
	defer rows.Close()

	out := make([]model.Negotiation, 0)
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetProposalByHash(ctx context.Context, matchID, termsHash string) (*model.Negotiation, error) {
	n, err := scanNegotiation(s.pool.QueryRow(ctx,
		`SELECT `+negotiationColumns+` FROM negotiations
		 WHERE match_id = $1 AND terms_hash = $2 ORDER BY created_at LIMIT 1`, matchID, termsHash))
	if err != nil {
		return nil, translate(err, "get proposal "+termsHash)
	}
	return n, nil
}

func (s *PostgresStore) AddSignature(ctx context.Context, sig *model.NegotiationSignature) (*model.NegotiationSignature, bool, error) {
	inserted, err := scanSignature(s.pool.QueryRow(ctx,
		`INSERT INTO negotiation_signatures (id, match_id, terms_hash, user_id, pubkey, signature, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (terms_hash, user_id) DO NOTHING
		 RETURNING `+signatureColumns,
		sig.ID, sig.MatchID, sig.TermsHash, sig.UserID, sig.PubKey, sig.Signature, sig.CreatedAt))
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, translate(err, "insert signature")
	}

	existing, err := scanSignature(s.pool.QueryRow(ctx,
		`SELECT `+signatureColumns+` FROM negotiation_signatures WHERE terms_hash = $1 AND user_id = $2`,
		sig.TermsHash, sig.UserID))
	if err != nil {
		return nil, false, translate(err, "get signature")
	}
	return existing, false, nil
}

func (s *PostgresStore) ListSignatures(ctx context.Context, matchID string) ([]model.NegotiationSignature, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+signatureColumns+` FROM negotiation_signatures WHERE match_id = $1 ORDER BY created_at, id`, matchID)
	if err != nil {
		return nil, translate(err, "list signatures")
	}
	defer rows.Close()

	out := make([]model.NegotiationSignature, 0)
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sig)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PromoteAgreed(ctx context.Context, matchID, termsHash string) (*model.Match, bool, error) {
	var out *model.Match
	promoted := false

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		m, err := lockMatch(ctx, tx, matchID)
		if err != nil {
			return err
		}
		out = m
		if !m.State.Negotiable() || m.BestTermsHash != termsHash {
			return nil
		}

		var signers int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(DISTINCT user_id) FROM negotiation_signatures
			 WHERE match_id = $1 AND terms_hash = $2 AND user_id IN ($3, $4)`,
			matchID, termsHash, m.PartyAID, m.PartyBID).Scan(&signers); err != nil {
			return translate(err, "count signers")
		}
		if signers < 2 || m.PartyAID == m.PartyBID {
			return nil
		}

		out, err = scanMatch(tx.QueryRow(ctx,
			`UPDATE matches SET state = $2, updated_at = NOW() WHERE id = $1 RETURNING `+matchColumns,
			matchID, string(model.MatchAgreed)))
		if err != nil {
			return translate(err, "promote match")
		}
		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = $3, updated_at = NOW()
			 WHERE id IN ($1, $2) AND status <> ALL($4)`,
			m.OrderAID, m.OrderBID, string(model.OrderMatched), terminalOrderStatuses); err != nil {
			return translate(err, "mark orders matched")
		}
		promoted = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, promoted, nil
}

func (s *PostgresStore) CloseMatch(ctx context.Context, matchID string, to model.MatchState) (*model.Match, error) {
	var out *model.Match
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		m, err := lockMatch(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if !closable(m.State) {
			return fmt.Errorf("match %s is %s: %w", matchID, m.State, ErrConflict)
		}

		out, err = scanMatch(tx.QueryRow(ctx,
			`UPDATE matches SET state = $2, updated_at = NOW() WHERE id = $1 RETURNING `+matchColumns,
			matchID, string(to)))
		if err != nil {
			return translate(err, "close match")
		}
		_, err = tx.Exec(ctx,
			`UPDATE orders SET status = $3, updated_at = NOW()
			 WHERE id IN ($1, $2) AND status IN ('NEGOTIATING', 'MATCHED')`,
			m.OrderAID, m.OrderBID, string(model.OrderOpen))
		return translate(err, "release orders")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- Contracts ---

func (s *PostgresStore) CreateContract(ctx context.Context, c *model.Contract) (*model.Contract, bool, error) {
	inserted, err := scanContract(s.pool.QueryRow(ctx,
		`INSERT INTO contracts (id, match_id, terms_hash, program_id, contract_pda, escrow_pda,
		                        oracle_feed, usdc_mint, underlying, strike, notional, expiry,
		                        long_party, short_party, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (match_id) DO NOTHING
		 RETURNING `+contractColumns,
		c.ID, c.MatchID, c.TermsHash, c.ProgramID, c.ContractPDA, c.EscrowPDA,
		c.OracleFeed, c.USDCMint, c.Underlying, c.Strike.String(), c.Notional.String(), c.Expiry,
		c.LongParty, c.ShortParty, c.State, c.CreatedAt, c.UpdatedAt))
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, translate(err, "create contract")
	}
	existing, err := s.GetContractByMatch(ctx, c.MatchID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "get contract "+id)
	}
	return c, nil
}

func (s *PostgresStore) GetContractByMatch(ctx context.Context, matchID string) (*model.Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE match_id = $1`, matchID))
	if err != nil {
		return nil, translate(err, "get contract for match "+matchID)
	}
	return c, nil
}

func (s *PostgresStore) ListDueContracts(ctx context.Context, now time.Time) ([]model.Contract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contractColumns+` FROM contracts
		 WHERE state = $1 AND expiry <= $2
		 ORDER BY expiry, id`, string(model.ContractLive), now)
	if err != nil {
		return nil, translate(err, "list due contracts")
	}
	defer rows.Close()

	out := make([]model.Contract, 0)
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ClaimSettlement inserts the lease, or takes over one that has lapsed.
func (s *PostgresStore) ClaimSettlement(ctx context.Context, contractID, holder string, now, until time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO settlement_claims (contract_id, holder, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (contract_id) DO UPDATE
		   SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		   WHERE settlement_claims.holder = EXCLUDED.holder OR settlement_claims.expires_at <= $4`,
		contractID, holder, until, now)
	if err != nil {
		return false, translate(err, "claim settlement "+contractID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseSettlement(ctx context.Context, contractID, holder string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM settlement_claims WHERE contract_id = $1 AND holder = $2`, contractID, holder)
	return translate(err, "release settlement "+contractID)
}

// --- Ledger ---

func (s *PostgresStore) ApplyTxEvent(ctx context.Context, ev TxEvent, transition TransitionFunc) (*TxResult, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	var res *TxResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		// The contract row lock serializes every event for one contract.
		c, err := scanContract(tx.QueryRow(ctx,
			`SELECT `+contractColumns+` FROM contracts WHERE id = $1 FOR UPDATE`, ev.ContractID))
		if err != nil {
			return translate(err, "lock contract "+ev.ContractID)
		}

		prev, err := scanLedger(tx.QueryRow(ctx,
			`SELECT `+ledgerColumns+` FROM tx_ledger WHERE sig = $1 FOR UPDATE`, ev.Sig))
		existed := err == nil
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return translate(err, "get tx "+ev.Sig)
		}
		if existed && prev.ContractID != ev.ContractID {
			return fmt.Errorf("tx %s belongs to contract %s: %w", ev.Sig, prev.ContractID, ErrConflict)
		}

		var prevStatus model.TxStatus
		if existed {
			prevStatus = prev.Status
		}
		status, first := nextLedgerStatus(prevStatus, ev.Status, existed)

		var entry *model.TxLedger
		if existed {
			entry, err = scanLedger(tx.QueryRow(ctx,
				`UPDATE tx_ledger SET status = $2, meta = COALESCE($3::JSONB, meta), updated_at = $4
				 WHERE sig = $1 RETURNING `+ledgerColumns,
				ev.Sig, string(status), nullableJSON(ev.Meta), ev.At))
		} else {
			entry, err = scanLedger(tx.QueryRow(ctx,
				`INSERT INTO tx_ledger (sig, contract_id, kind, status, meta, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5::JSONB, $6, $6) RETURNING `+ledgerColumns,
				ev.Sig, ev.ContractID, string(ev.Kind), string(status), nullableJSON(ev.Meta), ev.At))
		}
		if err != nil {
			return translate(err, "upsert tx "+ev.Sig)
		}

		res = &TxResult{Previous: c.State, Confirmed: first}
		if status == model.TxConfirmed && transition != nil {
			earlier, err := confirmedKindsTx(ctx, tx, c.ID, entry.Sig)
			if err != nil {
				return err
			}
			effects := advance(c.State, append([]model.TxKind{entry.Kind}, earlier...), transition)
			if len(effects) > 0 {
				final := effects[len(effects)-1].Contract
				c, err = scanContract(tx.QueryRow(ctx,
					`UPDATE contracts SET state = $2, updated_at = $3 WHERE id = $1 RETURNING `+contractColumns,
					c.ID, string(final), ev.At))
				if err != nil {
					return translate(err, "transition contract")
				}
				for _, eff := range effects {
					if err := cascadeTx(ctx, tx, c.MatchID, eff); err != nil {
						return err
					}
				}
				res.Transitioned = true
			}
		}

		res.Ledger = *entry
		res.Contract = *c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func confirmedKindsTx(ctx context.Context, tx pgx.Tx, contractID, skipSig string) ([]model.TxKind, error) {
	rows, err := tx.Query(ctx,
		`SELECT kind FROM tx_ledger
		 WHERE contract_id = $1 AND sig <> $2 AND status = $3
		 ORDER BY created_at, sig`, contractID, skipSig, string(model.TxConfirmed))
	if err != nil {
		return nil, translate(err, "list confirmed tx")
	}
	defer rows.Close()

	var kinds []model.TxKind
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		kinds = append(kinds, model.TxKind(k))
	}
	return kinds, rows.Err()
}

func cascadeTx(ctx context.Context, tx pgx.Tx, matchID string, eff Effect) error {
	if eff.Match != "" {
		if _, err := tx.Exec(ctx,
			`UPDATE matches SET state = $2, updated_at = NOW()
			 WHERE id = $1 AND state <> ALL($3)`,
			matchID, string(eff.Match), terminalMatchStates); err != nil {
			return translate(err, "cascade match")
		}
	}
	if eff.Orders != "" {
		if _, err := tx.Exec(ctx,
			`UPDATE orders SET status = $2, updated_at = NOW()
			 WHERE id IN (SELECT order_a_id FROM matches WHERE id = $1
			              UNION SELECT order_b_id FROM matches WHERE id = $1)
			   AND status <> ALL($3)`,
			matchID, string(eff.Orders), terminalOrderStatuses); err != nil {
			return translate(err, "cascade orders")
		}
	}
	return nil
}

func (s *PostgresStore) ListLedger(ctx context.Context, contractID string) ([]model.TxLedger, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM tx_ledger WHERE contract_id = $1 ORDER BY created_at, sig`, contractID)
	if err != nil {
		return nil, translate(err, "list ledger")
	}
	defer rows.Close()

	out := make([]model.TxLedger, 0)
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// --- Idempotency ---

func (s *PostgresStore) GetIdempotency(ctx context.Context, key, userID string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	err := s.pool.QueryRow(ctx,
		`SELECT key, user_id, status_code, body, created_at FROM idempotency_keys
		 WHERE key = $1 AND user_id = $2`, key, userID).
		Scan(&rec.Key, &rec.UserID, &rec.StatusCode, &rec.Body, &rec.CreatedAt)
	if err != nil {
		return nil, translate(err, "get idempotency key "+key)
	}
	return &rec, nil
}

// ReserveIdempotency inserts a pending row (status_code 0), or takes over
// a pending row older than staleBefore.
func (s *PostgresStore) ReserveIdempotency(ctx context.Context, key, userID string, at, staleBefore time.Time) (*model.IdempotencyRecord, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, user_id, status_code, body, created_at)
		 VALUES ($1, $2, 0, ''::BYTEA, $3)
		 ON CONFLICT (key, user_id) DO UPDATE SET created_at = EXCLUDED.created_at
		   WHERE idempotency_keys.status_code = 0 AND idempotency_keys.created_at < $4`,
		key, userID, at, staleBefore)
	if err != nil {
		return nil, false, translate(err, "reserve idempotency key "+key)
	}
	if tag.RowsAffected() == 1 {
		return &model.IdempotencyRecord{Key: key, UserID: userID, CreatedAt: at}, true, nil
	}
	existing, err := s.GetIdempotency(ctx, key, userID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) CompleteIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE idempotency_keys SET status_code = $3, body = $4
		 WHERE key = $1 AND user_id = $2 AND status_code = 0`,
		rec.Key, rec.UserID, rec.StatusCode, rec.Body)
	if err != nil {
		return translate(err, "complete idempotency key "+rec.Key)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency key %s not pending: %w", rec.Key, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) ReleaseIdempotency(ctx context.Context, key, userID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND user_id = $2 AND status_code = 0`, key, userID)
	return translate(err, "release idempotency key "+key)
}

// --- Audit ---

func (s *PostgresStore) InsertAudit(ctx context.Context, rec *model.AuditRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, entity_type, entity_id, action, user_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7)`,
		rec.ID, rec.EntityType, rec.EntityID, rec.Action, rec.UserID, nullableJSON(rec.Metadata), rec.CreatedAt)
	return translate(err, "insert audit "+rec.Action)
}

func (s *PostgresStore) ListAudit(ctx context.Context, entityType, entityID string) ([]model.AuditRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_type, entity_id, action, user_id, metadata, created_at
		 FROM audit_log WHERE entity_type = $1 AND entity_id = $2 ORDER BY created_at`, entityType, entityID)
	if err != nil {
		return nil, translate(err, "list audit")
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var meta []byte
		if err := rows.Scan(&r.ID, &r.EntityType, &r.EntityID, &r.Action, &r.UserID, &meta, &r.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			r.Metadata = meta
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
