package postgres

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/go-taler/exchanged/amount"
	"github.com/go-taler/exchanged/exchangedb"
)

// Store is the pgx-backed exchangedb.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and returns a ready Store. Callers are
// responsible for running Migrate first.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (st *Store) Close() {
	st.pool.Close()
}

// session wraps a checked-out pool connection and its currently open
// transaction, if any. Begin/Commit/Rollback/Release implement
// exchangedb.Session.
type session struct {
	conn *pgxpool.Conn
	tx   pgx.Tx
}

func (s *session) Begin(ctx context.Context, label string) error {
	tx, err := s.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("postgres: begin %q: %w", label, err)
	}
	s.tx = tx
	return nil
}

func (s *session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit(ctx)
	s.tx = nil
	return err
}

func (s *session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback(ctx)
	s.tx = nil
	return err
}

func (s *session) Release() {
	s.conn.Release()
}

// Session acquires a pooled connection. Callers must Release it on
// every exit path.
func (st *Store) Session(ctx context.Context) (exchangedb.Session, error) {
	conn, err := st.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire: %w", err)
	}
	return &session{conn: conn}, nil
}

func txOf(s exchangedb.Session) pgx.Tx {
	return s.(*session).tx
}

// GetWithdrawInfo implements exchangedb.Store.
func (st *Store) GetWithdrawInfo(ctx context.Context, s exchangedb.Session, h [64]byte) (*exchangedb.WithdrawRecord, exchangedb.Status) {
	row := txOf(s).QueryRow(ctx, `
		SELECT denom_pub_hash, amount_with_fee_val, amount_with_fee_frac,
		       amount_with_fee_curr, reserve_pub, reserve_sig, denom_sig
		  FROM reserves_out WHERE h_coin_envelope = $1`, h[:])

	var rec exchangedb.WithdrawRecord
	rec.HCoinEnvelope = h
	var denomHash, reservePub, reserveSig []byte
	err := row.Scan(&denomHash, &rec.AmountWithFee.Value, &rec.AmountWithFee.Fraction,
		&rec.AmountWithFee.Currency, &reservePub, &reserveSig, &rec.DenomSig)
	if err != nil {
		return nil, classifyErr(err)
	}
	copy(rec.DenomPubHash[:], denomHash)
	rec.ReservePub = ed25519.PublicKey(reservePub)
	copy(rec.ReserveSig[:], reserveSig)
	return &rec, exchangedb.StatusOneResult
}

// ReservesGet implements exchangedb.Store.
func (st *Store) ReservesGet(ctx context.Context, s exchangedb.Session, pub ed25519.PublicKey) (*exchangedb.Reserve, exchangedb.Status) {
	row := txOf(s).QueryRow(ctx, `
		SELECT account_payto_uri, expiration_date,
		       current_balance_val, current_balance_frac, current_balance_curr
		  FROM reserves WHERE reserve_pub = $1`, []byte(pub))

	r := &exchangedb.Reserve{Pub: pub}
	err := row.Scan(&r.AccountPaytoURI, &r.ExpirationDate,
		&r.Balance.Value, &r.Balance.Fraction, &r.Balance.Currency)
	if err != nil {
		return nil, classifyErr(err)
	}
	return r, exchangedb.StatusOneResult
}

// GetReserveHistory implements exchangedb.Store.
func (st *Store) GetReserveHistory(ctx context.Context, s exchangedb.Session, pub ed25519.PublicKey) (exchangedb.ReserveHistory, exchangedb.Status) {
	var history exchangedb.ReserveHistory

	creditRows, err := txOf(s).Query(ctx, `
		SELECT credit_val, credit_frac, credit_curr FROM reserves_in
		 WHERE reserve_pub = $1 ORDER BY execution_date`, []byte(pub))
	if err != nil {
		return nil, classifyErr(err)
	}
	for creditRows.Next() {
		var a amount.Amount
		if err := creditRows.Scan(&a.Value, &a.Fraction, &a.Currency); err != nil {
			creditRows.Close()
			return nil, classifyErr(err)
		}
		history = append(history, exchangedb.ReserveHistoryEntry{Type: exchangedb.HistoryCredit, Amount: a})
	}
	creditRows.Close()

	withdrawRows, err := txOf(s).Query(ctx, `
		SELECT amount_with_fee_val, amount_with_fee_frac, amount_with_fee_curr, h_coin_envelope
		  FROM reserves_out WHERE reserve_pub = $1 ORDER BY execution_date`, []byte(pub))
	if err != nil {
		return nil, classifyErr(err)
	}
	for withdrawRows.Next() {
		var a amount.Amount
		var envelope []byte
		if err := withdrawRows.Scan(&a.Value, &a.Fraction, &a.Currency, &envelope); err != nil {
			withdrawRows.Close()
			return nil, classifyErr(err)
		}
		entry := exchangedb.ReserveHistoryEntry{Type: exchangedb.HistoryWithdraw, Amount: a}
		copy(entry.HCoinEnvelope[:], envelope)
		history = append(history, entry)
	}
	withdrawRows.Close()

	closingRows, err := txOf(s).Query(ctx, `
		SELECT amount_val, amount_frac, amount_curr, wtid
		  FROM reserves_close WHERE reserve_pub = $1 ORDER BY execution_date`, []byte(pub))
	if err != nil {
		return nil, classifyErr(err)
	}
	for closingRows.Next() {
		var a amount.Amount
		var wtid []byte
		if err := closingRows.Scan(&a.Value, &a.Fraction, &a.Currency, &wtid); err != nil {
			closingRows.Close()
			return nil, classifyErr(err)
		}
		entry := exchangedb.ReserveHistoryEntry{Type: exchangedb.HistoryClosing, Amount: a}
		copy(entry.WTID[:], wtid)
		history = append(history, entry)
	}
	closingRows.Close()

	if len(history) == 0 {
		return nil, exchangedb.StatusNoResults
	}
	return history, exchangedb.StatusOneResult
}

// GetExpiredReserves implements exchangedb.Store. InsertReserveClosed
// zeroes a closed reserve's balance, so an expired reserve whose
// balance is already zero is not returned.
func (st *Store) GetExpiredReserves(ctx context.Context, s exchangedb.Session, now time.Time, cb exchangedb.ExpiredReserveFunc) exchangedb.Status {
	rows, err := txOf(s).Query(ctx, `
		SELECT reserve_pub, current_balance_val, current_balance_frac,
		       current_balance_curr, account_payto_uri, expiration_date
		  FROM reserves WHERE expiration_date <= $1
		   AND (current_balance_val > 0 OR current_balance_frac > 0)`, now)
	if err != nil {
		return classifyErr(err)
	}
	defer rows.Close()

	var any bool
	for rows.Next() {
		var er exchangedb.ExpiredReserve
		var pub []byte
		if err := rows.Scan(&pub, &er.Left.Value, &er.Left.Fraction,
			&er.Left.Currency, &er.AccountPaytoURI, &er.ExpirationDate); err != nil {
			return classifyErr(err)
		}
		er.ReservePub = ed25519.PublicKey(pub)
		any = true
		if err := cb(er); err != nil {
			return exchangedb.StatusHardError
		}
	}
	if err := rows.Err(); err != nil {
		return classifyErr(err)
	}
	if !any {
		return exchangedb.StatusNoResults
	}
	return exchangedb.StatusOneResult
}

// InsertWithdrawInfo implements exchangedb.Store.
func (st *Store) InsertWithdrawInfo(ctx context.Context, s exchangedb.Session, record *exchangedb.WithdrawRecord) exchangedb.Status {
	tx := txOf(s)

	// Same borrow rule as amount.Subtract, expressed in SQL so the
	// fraction column never goes negative.
	tag, err := tx.Exec(ctx, `
		UPDATE reserves SET
			current_balance_val = current_balance_val - $2
				- CASE WHEN current_balance_frac < $3 THEN 1 ELSE 0 END,
			current_balance_frac = current_balance_frac - $3
				+ CASE WHEN current_balance_frac < $3 THEN 100000000 ELSE 0 END
		 WHERE reserve_pub = $1`,
		[]byte(record.ReservePub), record.AmountWithFee.Value, int32(record.AmountWithFee.Fraction))
	if err != nil {
		return classifyErr(err)
	}
	if tag.RowsAffected() == 0 {
		return exchangedb.StatusHardError
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO reserves_out (
			h_coin_envelope, denom_pub_hash,
			amount_with_fee_val, amount_with_fee_frac, amount_with_fee_curr,
			reserve_pub, reserve_sig, denom_sig
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		record.HCoinEnvelope[:], record.DenomPubHash[:],
		record.AmountWithFee.Value, int32(record.AmountWithFee.Fraction), record.AmountWithFee.Currency,
		[]byte(record.ReservePub), record.ReserveSig[:], record.DenomSig)
	if err != nil {
		return classifyErr(err)
	}
	return exchangedb.StatusOneResult
}

// InsertReserveClosed implements exchangedb.Store.
func (st *Store) InsertReserveClosed(ctx context.Context, s exchangedb.Session, record *exchangedb.ClosingRecord) exchangedb.Status {
	tx := txOf(s)

	_, err := tx.Exec(ctx, `
		INSERT INTO reserves_close (
			reserve_pub, execution_date, account_payto_uri, wtid,
			amount_val, amount_frac, amount_curr,
			closing_fee_val, closing_fee_frac, closing_fee_curr
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		[]byte(record.ReservePub), record.ExecutionTime, record.AccountPaytoURI, record.WTID[:],
		record.Amount.Value, int32(record.Amount.Fraction), record.Amount.Currency,
		record.ClosingFee.Value, int32(record.ClosingFee.Fraction), record.ClosingFee.Currency)
	if err != nil {
		return classifyErr(err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE reserves SET current_balance_val = 0, current_balance_frac = 0
		 WHERE reserve_pub = $1`, []byte(record.ReservePub))
	if err != nil {
		return classifyErr(err)
	}
	return exchangedb.StatusOneResult
}

// WirePrepareDataInsert implements exchangedb.Store.
func (st *Store) WirePrepareDataInsert(ctx context.Context, s exchangedb.Session, record *exchangedb.WirePrepareRecord) exchangedb.Status {
	_, err := txOf(s).Exec(ctx, `
		INSERT INTO prewire (method, payload) VALUES ($1, $2)`,
		record.Method, record.Payload)
	if err != nil {
		return classifyErr(err)
	}
	return exchangedb.StatusOneResult
}

// GetWireFee implements exchangedb.Store.
func (st *Store) GetWireFee(ctx context.Context, s exchangedb.Session, method string, at time.Time) (*exchangedb.WireFee, exchangedb.Status) {
	row := txOf(s).QueryRow(ctx, `
		SELECT closing_fee_val, closing_fee_frac, closing_fee_curr, valid_from, valid_until
		  FROM wire_fee
		 WHERE method = $1 AND valid_from <= $2 AND valid_until > $2`, method, at)

	wf := &exchangedb.WireFee{Method: method}
	err := row.Scan(&wf.ClosingFee.Value, &wf.ClosingFee.Fraction, &wf.ClosingFee.Currency,
		&wf.ValidFrom, &wf.ValidUntil)
	if err != nil {
		return nil, classifyErr(err)
	}
	return wf, exchangedb.StatusOneResult
}
