package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/llm-audit-ledger/repositories"
	"go.uber.org/zap"
)

type transactionContextKey struct{}

// snapshotOptions gives every statement of a verification pass the same view
// of the chain while sealers keep appending
var snapshotOptions = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

// TransactionManager implements the TransactionManager interface
type TransactionManager struct {
	db     *DB
	logger *zap.Logger
}

// NewTransactionManager creates a new transaction manager
func NewTransactionManager(db *DB, logger *zap.Logger) repositories.TransactionManager {
	return &TransactionManager{
		db:     db,
		logger: logger,
	}
}

// Begin starts a read-write transaction
func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	tx, err := tm.begin(ctx, nil)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (tm *TransactionManager) begin(ctx context.Context, opts *sql.TxOptions) (*Transaction, error) {
	sqlTx, err := tm.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Transaction{tx: sqlTx, ctx: ctx, readOnly: opts != nil && opts.ReadOnly, logger: tm.logger}, nil
}

// InTransaction executes fn within a read-write transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	return tm.run(ctx, nil, fn)
}

// InSnapshot executes fn inside a read-only repeatable-read transaction
func (tm *TransactionManager) InSnapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	return tm.run(ctx, snapshotOptions, func(ctx context.Context, _ repositories.Transaction) error {
		return fn(ctx)
	})
}

func (tm *TransactionManager) run(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := tm.begin(ctx, opts)
	if err != nil {
		return err
	}

	txCtx := context.WithValue(ctx, transactionContextKey{}, tx)
	if err := fn(txCtx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			tm.logger.Error("failed to roll back ledger transaction",
				zap.Bool("read_only", tx.readOnly),
				zap.Error(rbErr),
				zap.NamedError("original_error", err),
			)
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Transaction implements the Transaction interface
type Transaction struct {
	tx       *sql.Tx
	ctx      context.Context
	readOnly bool
	logger   *zap.Logger
}

// Commit commits the transaction
func (t *Transaction) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback rolls back the transaction. Rolling back a finished transaction
// is a no-op.
func (t *Transaction) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	t.logger.Debug("ledger transaction rolled back", zap.Bool("read_only", t.readOnly))
	return nil
}

// Context returns the context the transaction was started with
func (t *Transaction) Context() context.Context {
	return t.ctx
}

// GetTransactionFromContext returns the transaction bound to ctx, if any
func GetTransactionFromContext(ctx context.Context) (*Transaction, bool) {
	tx, ok := ctx.Value(transactionContextKey{}).(*Transaction)
	return tx, ok
}

// Executor runs statements against either the pool or a transaction
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// GetExecutor returns the transaction bound to ctx, or the pool
func GetExecutor(ctx context.Context, db *DB) Executor {
	if tx, ok := GetTransactionFromContext(ctx); ok {
		return tx.tx
	}
	return db.DB
}
