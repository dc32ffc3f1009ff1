package race

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// RaceFilter narrows the public lobby listing.
type RaceFilter struct {
	TokenMint        string
	EntryFeeLamports *uint64
	Limit            int
}

const raceColumns = `
	id, race_id, token_mint, token_symbol, entry_fee_lamports,
	is_private, join_code, player1_wallet, player2_wallet,
	player1_ready, player2_ready, status, track_seed,
	winner_wallet, tx_signature, created_at, started_at, settled_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRace(row rowScanner) (*Race, error) {
	var (
		race         Race
		isPrivate    int
		player1Ready int
		player2Ready int
		joinCode     sql.NullString
		player2      sql.NullString
		winner       sql.NullString
		signature    sql.NullString
		status       string
		startedAt    sql.NullInt64
		settledAt    sql.NullInt64
		expiresAt    sql.NullInt64
	)

	err := row.Scan(
		&race.ID,
		&race.RaceID,
		&race.TokenMint,
		&race.TokenSymbol,
		&race.EntryFeeLamports,
		&isPrivate,
		&joinCode,
		&race.Player1Wallet,
		&player2,
		&player1Ready,
		&player2Ready,
		&status,
		&race.TrackSeed,
		&winner,
		&signature,
		&race.CreatedAt,
		&startedAt,
		&settledAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	race.IsPrivate = isPrivate == 1
	race.Player1Ready = player1Ready == 1
	race.Player2Ready = player2Ready == 1
	race.JoinCode = joinCode.String
	race.Player2Wallet = player2.String
	race.Status = Status(status)
	race.WinnerWallet = winner.String
	race.TxSignature = signature.String
	race.StartedAt = startedAt.Int64
	race.SettledAt = settledAt.Int64
	race.ExpiresAt = expiresAt.Int64
	return &race, nil
}

// GetRace returns (nil, nil) when no race exists with that id.
func (s *Store) GetRace(ctx context.Context, raceID string) (*Race, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+raceColumns+` FROM races WHERE race_id = ?`,
		raceID,
	)
	race, err := scanRace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return race, nil
}

func (s *Store) GetRaceTx(ctx context.Context, tx *Tx, raceID string) (*Race, error) {
	row := tx.QueryRowContext(
		ctx,
		`SELECT `+raceColumns+` FROM races WHERE race_id = ?`,
		raceID,
	)
	race, err := scanRace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return race, nil
}

// GetRaceByJoinCode matches codes case-insensitively so players can type
// them however their keyboard came out.
func (s *Store) GetRaceByJoinCode(ctx context.Context, code string) (*Race, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+raceColumns+` FROM races WHERE UPPER(join_code) = UPPER(?)`,
		code,
	)
	race, err := scanRace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return race, nil
}

// FindOpenRace returns the oldest public WAITING race for the wager bucket
// that the wallet did not create, skipping races already past their deadline.
func (s *Store) FindOpenRace(ctx context.Context, tokenMint string, entryFeeLamports uint64, excludeWallet string, now int64) (*Race, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+raceColumns+`
		FROM races
		WHERE status = ?
		  AND is_private = 0
		  AND token_mint = ?
		  AND entry_fee_lamports = ?
		  AND player1_wallet <> ?
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC
		LIMIT 1
	`,
		string(StatusWaiting),
		tokenMint,
		entryFeeLamports,
		excludeWallet,
		now,
	)
	race, err := scanRace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return race, nil
}

// ListOpenRaces returns public WAITING races, newest first.
func (s *Store) ListOpenRaces(ctx context.Context, filter RaceFilter) ([]Race, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	clauses := []string{"status = ?", "is_private = 0"}
	args := []any{string(StatusWaiting)}

	if filter.TokenMint != "" {
		clauses = append(clauses, "token_mint = ?")
		args = append(args, filter.TokenMint)
	}
	if filter.EntryFeeLamports != nil {
		clauses = append(clauses, "entry_fee_lamports = ?")
		args = append(args, *filter.EntryFeeLamports)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM races
		WHERE %s
		ORDER BY created_at DESC
		LIMIT ?
	`, raceColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Race, 0, limit)
	for rows.Next() {
		race, err := scanRace(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *race)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

const resultColumns = `
	id, race_id, wallet, player_number, finish_time_ms, coins_collected,
	input_hash, input_trace, verified, verification_tolerance_ms,
	verified_at, submitted_at`

func scanResult(row rowScanner) (*Result, error) {
	var (
		result      Result
		trace       sql.NullString
		verified    int
		toleranceMs sql.NullInt64
		verifiedAt  sql.NullInt64
	)

	err := row.Scan(
		&result.ID,
		&result.RaceID,
		&result.Wallet,
		&result.PlayerNumber,
		&result.FinishTimeMs,
		&result.CoinsCollected,
		&result.InputHash,
		&trace,
		&verified,
		&toleranceMs,
		&verifiedAt,
		&result.SubmittedAt,
	)
	if err != nil {
		return nil, err
	}

	result.InputTrace = trace.String
	result.Verified = verified == 1
	result.ToleranceMs = toleranceMs.Int64
	result.VerifiedAt = verifiedAt.Int64
	return &result, nil
}

func (s *Store) GetResults(ctx context.Context, raceID string) ([]Result, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+resultColumns+` FROM race_results WHERE race_id = ? ORDER BY player_number ASC`,
		raceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectResults(rows)
}

func (s *Store) GetResultsTx(ctx context.Context, tx *Tx, raceID string) ([]Result, error) {
	rows, err := tx.QueryContext(
		ctx,
		`SELECT `+resultColumns+` FROM race_results WHERE race_id = ? ORDER BY player_number ASC`,
		raceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectResults(rows)
}

func collectResults(rows *sql.Rows) ([]Result, error) {
	items := make([]Result, 0, 2)
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *result)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const payoutColumns = `
	id, race_id, winner_wallet, winner_result_id, prize_lamports, token_mint,
	token_amount, swap_tx_signature, swap_status, transfer_tx_signature,
	fallback_sol_amount, fallback_tx_signature, error_message,
	created_at, swap_started_at, completed_at`

func scanPayout(row rowScanner) (*Payout, error) {
	var (
		payout        Payout
		tokenAmount   sql.NullFloat64
		swapSig       sql.NullString
		status        string
		transferSig   sql.NullString
		fallbackSol   sql.NullFloat64
		fallbackSig   sql.NullString
		errorMessage  sql.NullString
		swapStartedAt sql.NullInt64
		completedAt   sql.NullInt64
	)

	err := row.Scan(
		&payout.ID,
		&payout.RaceID,
		&payout.WinnerWallet,
		&payout.WinnerResultID,
		&payout.PrizeLamports,
		&payout.TokenMint,
		&tokenAmount,
		&swapSig,
		&status,
		&transferSig,
		&fallbackSol,
		&fallbackSig,
		&errorMessage,
		&payout.CreatedAt,
		&swapStartedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if tokenAmount.Valid {
		payout.TokenAmount = &tokenAmount.Float64
	}
	if fallbackSol.Valid {
		payout.FallbackSolAmount = &fallbackSol.Float64
	}
	payout.SwapTxSignature = swapSig.String
	payout.SwapStatus = PayoutStatus(status)
	payout.TransferTxSignature = transferSig.String
	payout.FallbackTxSignature = fallbackSig.String
	payout.ErrorMessage = errorMessage.String
	payout.SwapStartedAt = swapStartedAt.Int64
	payout.CompletedAt = completedAt.Int64
	return &payout, nil
}

// GetPayout returns (nil, nil) when the race has no payout row yet.
func (s *Store) GetPayout(ctx context.Context, raceID string) (*Payout, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE race_id = ?`,
		raceID,
	)
	payout, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payout, nil
}

func (s *Store) ListTokens(ctx context.Context) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mint_address, symbol, name, decimals, logo_url, created_at, updated_at
		FROM tokens
		ORDER BY symbol ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Token, 0, 8)
	for rows.Next() {
		var (
			token   Token
			logoURL sql.NullString
		)
		if err := rows.Scan(
			&token.MintAddress,
			&token.Symbol,
			&token.Name,
			&token.Decimals,
			&logoURL,
			&token.CreatedAt,
			&token.UpdatedAt,
		); err != nil {
			return nil, err
		}
		token.LogoURL = logoURL.String
		items = append(items, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

// GetToken returns (nil, nil) for unknown mints.
func (s *Store) GetToken(ctx context.Context, mintAddress string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT mint_address, symbol, name, decimals, logo_url, created_at, updated_at
		FROM tokens
		WHERE mint_address = ?
	`, mintAddress)

	var (
		token   Token
		logoURL sql.NullString
	)
	err := row.Scan(
		&token.MintAddress,
		&token.Symbol,
		&token.Name,
		&token.Decimals,
		&logoURL,
		&token.CreatedAt,
		&token.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	token.LogoURL = logoURL.String
	return &token, nil
}
