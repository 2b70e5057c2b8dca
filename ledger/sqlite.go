package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// Ensure SQLiteLedger implements Ledger
var _ Ledger = (*SQLiteLedger)(nil)

// schema sets up the ledger tables. Balances and allowances are stored as
// decimal strings because token amounts exceed the 64-bit integer range;
// all arithmetic and solvency checks happen in Go inside the batch
// transaction. The consumed_nonces primary key is what makes a replay a
// constraint violation rather than a racy read.
const schema = `
CREATE TABLE IF NOT EXISTS native_balances (
    account TEXT PRIMARY KEY,
    balance TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS token_balances (
    asset TEXT NOT NULL,
    account TEXT NOT NULL,
    balance TEXT NOT NULL,
    PRIMARY KEY (asset, account)
);

CREATE TABLE IF NOT EXISTS allowances (
    asset TEXT NOT NULL,
    owner TEXT NOT NULL,
    spender TEXT NOT NULL,
    amount TEXT NOT NULL,
    PRIMARY KEY (asset, owner, spender)
);

CREATE TABLE IF NOT EXISTS frozen_accounts (
    account TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS consumed_nonces (
    payer TEXT NOT NULL,
    nonce TEXT NOT NULL,
    consumed_at INTEGER NOT NULL DEFAULT (unixepoch()),
    PRIMARY KEY (payer, nonce)
);
`

// SQLiteLedger implements Ledger on a SQLite database. Every settlement
// batch runs inside one transaction on a single connection, so batches
// serialize and either commit fully or roll back fully.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (creating if needed) the ledger database at dbPath
// and runs migrations.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection keeps writers strictly serialized and spares us
	// SQLITE_BUSY handling.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) NonceUsed(ctx context.Context, payer common.Address, nonce *big.Int) (bool, error) {
	if err := validAmount(nonce); err != nil {
		return false, err
	}
	var exists int
	err := l.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM consumed_nonces WHERE payer = ? AND nonce = ?)",
		addrKey(payer), nonce.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query nonce: %w", err)
	}
	return exists == 1, nil
}

func (l *SQLiteLedger) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return l.scanBalance(ctx,
		"SELECT balance FROM native_balances WHERE account = ?",
		addrKey(account))
}

func (l *SQLiteLedger) TokenBalance(ctx context.Context, asset, account common.Address) (*big.Int, error) {
	return l.scanBalance(ctx,
		"SELECT balance FROM token_balances WHERE asset = ? AND account = ?",
		addrKey(asset), addrKey(account))
}

func (l *SQLiteLedger) Allowance(ctx context.Context, asset, owner, spender common.Address) (*big.Int, error) {
	return l.scanBalance(ctx,
		"SELECT amount FROM allowances WHERE asset = ? AND owner = ? AND spender = ?",
		addrKey(asset), addrKey(owner), addrKey(spender))
}

func (l *SQLiteLedger) Frozen(ctx context.Context, account common.Address) (bool, error) {
	var exists int
	err := l.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM frozen_accounts WHERE account = ?)",
		addrKey(account),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query freeze: %w", err)
	}
	return exists == 1, nil
}

func (l *SQLiteLedger) CreditNative(ctx context.Context, account common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	balance, err := txBalance(ctx, tx,
		"SELECT balance FROM native_balances WHERE account = ?", addrKey(account))
	if err != nil {
		return err
	}
	balance.Add(balance, amount)
	if err := setNativeBalance(ctx, tx, account, balance); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *SQLiteLedger) CreditToken(ctx context.Context, asset, account common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	balance, err := txBalance(ctx, tx,
		"SELECT balance FROM token_balances WHERE asset = ? AND account = ?",
		addrKey(asset), addrKey(account))
	if err != nil {
		return err
	}
	balance.Add(balance, amount)
	if err := setTokenBalance(ctx, tx, asset, account, balance); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *SQLiteLedger) Approve(ctx context.Context, asset, owner, spender common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO allowances (asset, owner, spender, amount) VALUES (?, ?, ?, ?)
		ON CONFLICT (asset, owner, spender) DO UPDATE SET amount = excluded.amount`,
		addrKey(asset), addrKey(owner), addrKey(spender), amount.String())
	if err != nil {
		return fmt.Errorf("failed to set allowance: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) SetFrozen(ctx context.Context, account common.Address, frozen bool) error {
	var err error
	if frozen {
		_, err = l.db.ExecContext(ctx,
			"INSERT INTO frozen_accounts (account) VALUES (?) ON CONFLICT (account) DO NOTHING",
			addrKey(account))
	} else {
		_, err = l.db.ExecContext(ctx,
			"DELETE FROM frozen_accounts WHERE account = ?", addrKey(account))
	}
	if err != nil {
		return fmt.Errorf("failed to update freeze: %w", err)
	}
	return nil
}

// ApplySettlement runs the whole batch in one transaction: the nonce
// insert first, then each leg in order. Any failure rolls everything back,
// leaving the nonce fresh.
func (l *SQLiteLedger) ApplySettlement(ctx context.Context, batch SettlementBatch) error {
	if err := validAmount(batch.Nonce); err != nil {
		return err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM consumed_nonces WHERE payer = ? AND nonce = ?)",
		addrKey(batch.Payer), batch.Nonce.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to query nonce: %w", err)
	}
	if exists == 1 {
		return ErrNonceConsumed
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO consumed_nonces (payer, nonce) VALUES (?, ?)",
		addrKey(batch.Payer), batch.Nonce.String())
	if err != nil {
		return fmt.Errorf("failed to consume nonce: %w", err)
	}

	for _, leg := range batch.Legs {
		if err := applyLegTx(ctx, tx, leg); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func applyLegTx(ctx context.Context, tx *sql.Tx, leg Leg) error {
	if err := validLeg(leg); err != nil {
		return &LegError{Kind: leg.Kind, Err: err}
	}

	for _, endpoint := range []common.Address{leg.From, leg.To} {
		var frozen int
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM frozen_accounts WHERE account = ?)",
			addrKey(endpoint),
		).Scan(&frozen)
		if err != nil {
			return fmt.Errorf("failed to query freeze: %w", err)
		}
		if frozen == 1 {
			return &LegError{Kind: leg.Kind, Err: ErrAccountFrozen}
		}
	}

	if leg.ViaAllowance {
		allowance, err := txBalance(ctx, tx,
			"SELECT amount FROM allowances WHERE asset = ? AND owner = ? AND spender = ?",
			addrKey(leg.Asset), addrKey(leg.From), addrKey(leg.Spender))
		if err != nil {
			return err
		}
		if allowance.Cmp(leg.Amount) < 0 {
			return &LegError{Kind: leg.Kind, Err: ErrInsufficientAllowance}
		}
		allowance.Sub(allowance, leg.Amount)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO allowances (asset, owner, spender, amount) VALUES (?, ?, ?, ?)
			ON CONFLICT (asset, owner, spender) DO UPDATE SET amount = excluded.amount`,
			addrKey(leg.Asset), addrKey(leg.From), addrKey(leg.Spender), allowance.String())
		if err != nil {
			return fmt.Errorf("failed to update allowance: %w", err)
		}
	}

	native := leg.Asset == (common.Address{})

	var fromBalance *big.Int
	var err error
	if native {
		fromBalance, err = txBalance(ctx, tx,
			"SELECT balance FROM native_balances WHERE account = ?", addrKey(leg.From))
	} else {
		fromBalance, err = txBalance(ctx, tx,
			"SELECT balance FROM token_balances WHERE asset = ? AND account = ?",
			addrKey(leg.Asset), addrKey(leg.From))
	}
	if err != nil {
		return err
	}
	if fromBalance.Cmp(leg.Amount) < 0 {
		return &LegError{Kind: leg.Kind, Err: ErrInsufficientFunds}
	}
	fromBalance.Sub(fromBalance, leg.Amount)

	var toBalance *big.Int
	if native {
		toBalance, err = txBalance(ctx, tx,
			"SELECT balance FROM native_balances WHERE account = ?", addrKey(leg.To))
	} else {
		toBalance, err = txBalance(ctx, tx,
			"SELECT balance FROM token_balances WHERE asset = ? AND account = ?",
			addrKey(leg.Asset), addrKey(leg.To))
	}
	if err != nil {
		return err
	}
	if leg.From == leg.To {
		toBalance = fromBalance
	}
	toBalance.Add(toBalance, leg.Amount)

	if native {
		if err := setNativeBalance(ctx, tx, leg.From, fromBalance); err != nil {
			return err
		}
		return setNativeBalance(ctx, tx, leg.To, toBalance)
	}
	if err := setTokenBalance(ctx, tx, leg.Asset, leg.From, fromBalance); err != nil {
		return err
	}
	return setTokenBalance(ctx, tx, leg.Asset, leg.To, toBalance)
}

func setNativeBalance(ctx context.Context, tx *sql.Tx, account common.Address, balance *big.Int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO native_balances (account, balance) VALUES (?, ?)
		ON CONFLICT (account) DO UPDATE SET balance = excluded.balance`,
		addrKey(account), balance.String())
	if err != nil {
		return fmt.Errorf("failed to update native balance: %w", err)
	}
	return nil
}

func setTokenBalance(ctx context.Context, tx *sql.Tx, asset, account common.Address, balance *big.Int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO token_balances (asset, account, balance) VALUES (?, ?, ?)
		ON CONFLICT (asset, account) DO UPDATE SET balance = excluded.balance`,
		addrKey(asset), addrKey(account), balance.String())
	if err != nil {
		return fmt.Errorf("failed to update token balance: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) scanBalance(ctx context.Context, query string, args ...interface{}) (*big.Int, error) {
	var raw string
	err := l.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}
	return parseBig(raw)
}

func txBalance(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) (*big.Int, error) {
	var raw string
	err := tx.QueryRowContext(ctx, query, args...).Scan(&raw)
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}
	return parseBig(raw)
}

func parseBig(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt balance value: %q", raw)
	}
	return v, nil
}

func addrKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}
