package race

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store owns the postgres pool and every query the services run against it.
type Store struct {
	db *DB
}

// runner is the slice of database/sql shared by *sql.DB and *sql.Tx that
// queries go through.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind rewrites ? placeholders to the $N form postgres expects before
// handing a statement to the underlying runner.
type rebind struct {
	run runner
}

func (r rebind) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.run.ExecContext(ctx, rebindPlaceholders(query), args...)
}

func (r rebind) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.run.QueryContext(ctx, rebindPlaceholders(query), args...)
}

func (r rebind) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return r.run.QueryRowContext(ctx, rebindPlaceholders(query), args...)
}

// DB wraps the pool and Tx one transaction; both rebind placeholders on
// every statement.
type DB struct {
	rebind
	pool *sql.DB
}

type Tx struct {
	rebind
	tx *sql.Tx
}

func newDB(pool *sql.DB) *DB {
	return &DB{rebind: rebind{run: pool}, pool: pool}
}

func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := d.pool.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{rebind: rebind{run: tx}, tx: tx}, nil
}

func (d *DB) Close() error {
	return d.pool.Close()
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// rebindPlaceholders numbers each ? outside a single-quoted literal.
// Doubled quotes inside a literal are the SQL escape and keep it open.
func rebindPlaceholders(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)

	n := 0
	quoted := false
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case c == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		case c == '\'' && quoted && i+1 < len(q) && q[i+1] == '\'':
			b.WriteString("''")
			i++
		case c == '\'':
			quoted = !quoted
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

const (
	dbPingTimeout  = 10 * time.Second
	dbMaxOpenConns = 16
	dbMaxIdleConns = 4
	dbConnIdleTime = 30 * time.Second
)

// NewStore opens the postgres pool, verifies connectivity and applies the
// schema before anything else touches the database.
func NewStore(dbDSN string) (*Store, error) {
	pool, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pool.SetMaxOpenConns(dbMaxOpenConns)
	pool.SetMaxIdleConns(dbMaxIdleConns)
	pool.SetConnMaxIdleTime(dbConnIdleTime)

	pingCtx, cancel := context.WithTimeout(context.Background(), dbPingTimeout)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: newDB(pool)}
	if err := store.migrate(context.Background()); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing only when it returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS races (
			id TEXT PRIMARY KEY,
			race_id TEXT NOT NULL UNIQUE,
			token_mint TEXT NOT NULL,
			token_symbol TEXT NOT NULL,
			entry_fee_lamports BIGINT NOT NULL,
			is_private INTEGER NOT NULL DEFAULT 0,
			join_code TEXT,
			player1_wallet TEXT NOT NULL,
			player2_wallet TEXT,
			player1_ready INTEGER NOT NULL DEFAULT 0,
			player2_ready INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			track_seed BIGINT NOT NULL,
			winner_wallet TEXT,
			tx_signature TEXT,
			created_at BIGINT NOT NULL,
			started_at BIGINT,
			settled_at BIGINT,
			expires_at BIGINT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_races_pool ON races(status, token_mint, entry_fee_lamports);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_races_join_code ON races(join_code) WHERE join_code IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_races_created ON races(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_races_expiry ON races(status, expires_at);`,
		`CREATE TABLE IF NOT EXISTS race_results (
			id BIGSERIAL PRIMARY KEY,
			race_id TEXT NOT NULL REFERENCES races(race_id) ON DELETE CASCADE,
			wallet TEXT NOT NULL,
			player_number INTEGER NOT NULL,
			finish_time_ms BIGINT NOT NULL,
			coins_collected BIGINT NOT NULL,
			input_hash TEXT NOT NULL,
			input_trace TEXT,
			verified INTEGER NOT NULL DEFAULT 0,
			verification_tolerance_ms BIGINT,
			verified_at BIGINT,
			submitted_at BIGINT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_race_results_one_per_wallet ON race_results(race_id, wallet);`,
		`CREATE INDEX IF NOT EXISTS idx_race_results_race ON race_results(race_id, player_number);`,
		`CREATE TABLE IF NOT EXISTS payouts (
			id BIGSERIAL PRIMARY KEY,
			race_id TEXT NOT NULL UNIQUE REFERENCES races(race_id) ON DELETE CASCADE,
			winner_wallet TEXT NOT NULL,
			winner_result_id BIGINT NOT NULL,
			prize_lamports BIGINT NOT NULL,
			token_mint TEXT NOT NULL,
			token_amount DOUBLE PRECISION,
			swap_tx_signature TEXT,
			swap_status TEXT NOT NULL,
			transfer_tx_signature TEXT,
			fallback_sol_amount DOUBLE PRECISION,
			fallback_tx_signature TEXT,
			error_message TEXT,
			created_at BIGINT NOT NULL,
			swap_started_at BIGINT,
			completed_at BIGINT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_payouts_status ON payouts(swap_status);`,
		`CREATE TABLE IF NOT EXISTS tokens (
			mint_address TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			name TEXT NOT NULL,
			decimals INTEGER NOT NULL DEFAULT 9,
			logo_url TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	if err := s.seedDefaultTokens(ctx); err != nil {
		return err
	}

	return nil
}

// seedDefaultTokens inserts the launch token set. Existing rows are left
// alone so operator edits survive restarts.
func (s *Store) seedDefaultTokens(ctx context.Context) error {
	now := time.Now().Unix()
	defaults := []struct {
		mint     string
		symbol   string
		name     string
		decimals int
	}{
		{mint: NativeMint, symbol: "SOL", name: "Solana", decimals: 9},
		{mint: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", symbol: "BONK", name: "Bonk", decimals: 5},
		{mint: "METADDFL6wWMWEoKTFJwcThTbUcafjRB9ivkSqYJWy", symbol: "META", name: "Meta", decimals: 9},
	}

	for _, token := range defaults {
		if _, err := s.db.ExecContext(
			ctx,
			`INSERT INTO tokens (mint_address, symbol, name, decimals, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(mint_address) DO NOTHING`,
			token.mint,
			token.symbol,
			token.name,
			token.decimals,
			now,
			now,
		); err != nil {
			return fmt.Errorf("seed token %s: %w", token.symbol, err)
		}
	}
	return nil
}

// errJoinCodeCollision distinguishes a generated join code landing on an
// existing one from a real race-id conflict, so the caller can regenerate
// and retry instead of failing.
var errJoinCodeCollision = errors.New("join code collision")

func (s *Store) InsertRace(ctx context.Context, race *Race) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO races (
			id, race_id, token_mint, token_symbol, entry_fee_lamports,
			is_private, join_code, player1_wallet, player1_ready, player2_ready,
			status, track_seed, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		race.ID,
		race.RaceID,
		race.TokenMint,
		race.TokenSymbol,
		race.EntryFeeLamports,
		boolToInt(race.IsPrivate),
		nullString(race.JoinCode),
		race.Player1Wallet,
		boolToInt(race.Player1Ready),
		boolToInt(race.Player2Ready),
		string(race.Status),
		race.TrackSeed,
		race.CreatedAt,
		nullInt64(race.ExpiresAt),
	)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if strings.Contains(pgErr.ConstraintName, "join_code") {
			return errJoinCodeCollision
		}
		return ErrConflict
	}
	return err
}

// ClaimWaitingRace is the join path's compare-and-swap: it only succeeds when
// the race is still WAITING, has no second player, and the joiner is not the
// creator. The guarded UPDATE makes concurrent joins race on the row itself,
// so at most one wins.
func (s *Store) ClaimWaitingRace(ctx context.Context, raceID, wallet string, now int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE races
		SET player2_wallet = ?, status = ?, started_at = ?
		WHERE race_id = ?
		  AND status = ?
		  AND player2_wallet IS NULL
		  AND player1_wallet <> ?
	`,
		wallet,
		string(StatusActive),
		now,
		raceID,
		string(StatusWaiting),
		wallet,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *Store) SetPlayerReady(ctx context.Context, raceID string, playerNumber int) error {
	column := "player1_ready"
	if playerNumber == 2 {
		column = "player2_ready"
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE races SET `+column+` = 1 WHERE race_id = ?`,
		raceID,
	)
	return err
}

func (s *Store) CancelWaitingRace(ctx context.Context, raceID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE races
		SET status = ?
		WHERE race_id = ? AND status = ?
	`,
		string(StatusCancelled),
		raceID,
		string(StatusWaiting),
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *Store) SetRaceSignature(ctx context.Context, raceID, signature string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE races SET tx_signature = ? WHERE race_id = ?`,
		signature,
		raceID,
	)
	return err
}

// InsertResultTx stores one player's run and returns the new row id. A second
// submission from the same wallet trips the unique index and comes back as
// ErrConflict.
func (s *Store) InsertResultTx(ctx context.Context, tx *Tx, result *Result) (int64, error) {
	row := tx.QueryRowContext(ctx, `
		INSERT INTO race_results (
			race_id, wallet, player_number, finish_time_ms, coins_collected,
			input_hash, input_trace, verified, submitted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`,
		result.RaceID,
		result.Wallet,
		result.PlayerNumber,
		result.FinishTimeMs,
		result.CoinsCollected,
		result.InputHash,
		nullString(result.InputTrace),
		boolToInt(result.Verified),
		result.SubmittedAt,
	)

	var id int64
	if err := row.Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, err
	}
	return id, nil
}

func (s *Store) SetResultVerification(ctx context.Context, resultID int64, verified bool, toleranceMs int64, verifiedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE race_results
		SET verified = ?, verification_tolerance_ms = ?, verified_at = ?
		WHERE id = ?
	`,
		boolToInt(verified),
		toleranceMs,
		verifiedAt,
		resultID,
	)
	return err
}

// SettleRaceTx flips ACTIVE to SETTLED. Only one caller can win the
// transition; a false return means another writer already settled the race.
func (s *Store) SettleRaceTx(ctx context.Context, tx *Tx, raceID, winnerWallet string, now int64) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE races
		SET status = ?, winner_wallet = ?, settled_at = ?
		WHERE race_id = ? AND status = ?
	`,
		string(StatusSettled),
		winnerWallet,
		now,
		raceID,
		string(StatusActive),
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// InsertPayoutTx creates the payout row for a settled race if none exists.
// The race_id unique constraint makes repeated settlement attempts converge
// on a single payout.
func (s *Store) InsertPayoutTx(ctx context.Context, tx *Tx, payout *Payout) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payouts (
			race_id, winner_wallet, winner_result_id, prize_lamports,
			token_mint, swap_status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(race_id) DO NOTHING
	`,
		payout.RaceID,
		payout.WinnerWallet,
		payout.WinnerResultID,
		payout.PrizeLamports,
		payout.TokenMint,
		string(payout.SwapStatus),
		payout.CreatedAt,
	)
	return err
}

func (s *Store) MarkPayoutSwapping(ctx context.Context, raceID string, now int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payouts
		SET swap_status = ?, swap_started_at = ?
		WHERE race_id = ?
	`,
		string(PayoutSwapping),
		now,
		raceID,
	)
	return err
}

func (s *Store) SetPayoutTokenAmount(ctx context.Context, raceID string, amount float64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE payouts SET token_amount = ? WHERE race_id = ?`,
		amount,
		raceID,
	)
	return err
}

func (s *Store) SetPayoutFallbackAmount(ctx context.Context, raceID string, solAmount float64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE payouts SET fallback_sol_amount = ? WHERE race_id = ?`,
		solAmount,
		raceID,
	)
	return err
}

func (s *Store) MarkPayoutFallback(ctx context.Context, raceID string, solAmount float64, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payouts
		SET swap_status = ?, fallback_sol_amount = ?, error_message = ?
		WHERE race_id = ?
	`,
		string(PayoutFallbackSOL),
		solAmount,
		errorMessage,
		raceID,
	)
	return err
}

func (s *Store) MarkPayoutFailed(ctx context.Context, raceID, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payouts
		SET swap_status = ?, error_message = ?
		WHERE race_id = ?
	`,
		string(PayoutFailed),
		errorMessage,
		raceID,
	)
	return err
}

// ResetPayoutForRetry rewinds a payout to PENDING so the delivery flow can run
// again. Only FAILED and PENDING payouts are eligible; anything further along
// is left untouched and the call reports false.
func (s *Store) ResetPayoutForRetry(ctx context.Context, raceID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payouts
		SET swap_status = ?, error_message = NULL
		WHERE race_id = ? AND swap_status IN (?, ?)
	`,
		string(PayoutPending),
		raceID,
		string(PayoutFailed),
		string(PayoutPending),
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CompletePayout records the delivery signature reported after the winner's
// client submitted the prize transaction, and stamps the terminal status.
// The method decides which signature column the delivery belongs to.
func (s *Store) CompletePayout(ctx context.Context, raceID, signature, method string, now int64) (bool, error) {
	column := "transfer_tx_signature"
	status := PayoutPaid
	switch method {
	case PayoutMethodJupiterSwap:
		column = "swap_tx_signature"
	case PayoutMethodFallbackSOL:
		column = "fallback_tx_signature"
		status = PayoutFallbackSOL
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE payouts
		SET swap_status = ?, `+column+` = ?, completed_at = ?
		WHERE race_id = ? AND completed_at IS NULL
	`,
		string(status),
		signature,
		now,
		raceID,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CancelExpiredRaces flips every WAITING race past its deadline to CANCELLED.
func (s *Store) CancelExpiredRaces(ctx context.Context, now int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE races
		SET status = ?
		WHERE status = ?
		  AND expires_at IS NOT NULL
		  AND expires_at <= ?
	`,
		string(StatusCancelled),
		string(StatusWaiting),
		now,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteRacesCreatedBefore hard-deletes races past the retention window.
// Results and payouts go with them through the foreign-key cascade.
func (s *Store) DeleteRacesCreatedBefore(ctx context.Context, cutoff int64) (int64, error) {
	result, err := s.db.ExecContext(
		ctx,
		`DELETE FROM races WHERE created_at <= ?`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) UpsertToken(ctx context.Context, token *Token) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (mint_address, symbol, name, decimals, logo_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mint_address) DO UPDATE SET
			symbol = excluded.symbol,
			name = excluded.name,
			decimals = excluded.decimals,
			logo_url = excluded.logo_url,
			updated_at = excluded.updated_at
	`,
		token.MintAddress,
		token.Symbol,
		token.Name,
		token.Decimals,
		nullString(token.LogoURL),
		now,
		now,
	)
	return err
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
