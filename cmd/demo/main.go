// Command demo wires the coordinator to a PostgreSQL resource manager and
// walks through the common propagation patterns against a scratch table.
//
// Usage:
//
//	DATABASE_URL=postgres://localhost/txflow_demo go run ./cmd/demo
package main

import (
	"context"
	"errors"
	"os"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"txflow/internal/coordinator"
	"txflow/internal/core/tx"
	"txflow/internal/infrastructure/storage/postgres"
	"txflow/pkg/logger"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type account struct {
	ID      int64  `db:"id"`
	Owner   string `db:"owner"`
	Balance int64  `db:"balance"`
}

func main() {
	log, err := logger.New(logger.Config{Level: "debug", Development: true})
	if err != nil {
		panic(err)
	}
	ctx := logger.WithLogger(context.Background(), log)

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatalw("DATABASE_URL is required")
	}

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(dsn))
	if err != nil {
		log.Fatalw("failed to connect", "error", err)
	}
	defer pool.Close()

	manager := postgres.NewTxManager(pool)
	cfg := coordinator.DefaultConfig()
	cfg.NestedAllowed = true
	coord, err := manager.NewCoordinator(cfg)
	if err != nil {
		log.Fatalw("failed to build coordinator", "error", err)
	}

	if err := setup(ctx, coord, manager); err != nil {
		log.Fatalw("setup failed", "error", err)
	}

	if err := transfer(ctx, coord, manager, "alice", "bob", 40); err != nil {
		log.Fatalw("transfer failed", "error", err)
	}

	// The audit entry survives even though the failing transfer rolls
	// back, because it is written in a REQUIRES_NEW scope.
	if err := transfer(ctx, coord, manager, "alice", "bob", 1_000_000); err != nil {
		log.Infow("expected failure", "error", err)
	}

	report(ctx, coord, manager)
}

func setup(ctx context.Context, coord *coordinator.Coordinator, manager *postgres.TxManager) error {
	return coord.Execute(ctx, nil, func(ctx context.Context) error {
		q := manager.GetQuerier(ctx)
		if _, err := q.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS accounts (
				id      BIGSERIAL PRIMARY KEY,
				owner   TEXT UNIQUE NOT NULL,
				balance BIGINT NOT NULL
			)`); err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS transfer_audit (
				id       BIGSERIAL PRIMARY KEY,
				src      TEXT NOT NULL,
				dst      TEXT NOT NULL,
				amount   BIGINT NOT NULL,
				outcome  TEXT NOT NULL
			)`); err != nil {
			return err
		}

		for owner, balance := range map[string]int64{"alice": 100, "bob": 10} {
			sql, args, err := psql.Insert("accounts").
				Columns("owner", "balance").
				Values(owner, balance).
				Suffix("ON CONFLICT (owner) DO UPDATE SET balance = EXCLUDED.balance").
				ToSql()
			if err != nil {
				return err
			}
			if _, err := q.Exec(ctx, sql, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

var errInsufficientFunds = errors.New("insufficient funds")

func transfer(ctx context.Context, coord *coordinator.Coordinator, manager *postgres.TxManager, src, dst string, amount int64) error {
	def := tx.NewDefinition()
	def.Name = "demo.transfer"
	def.Isolation = tx.IsolationReadCommitted

	return coord.Execute(ctx, def, func(ctx context.Context) error {
		audit(ctx, coord, manager, src, dst, amount)

		q := manager.GetQuerier(ctx)

		var from account
		sql, args, err := psql.Select("id", "owner", "balance").
			From("accounts").Where(sq.Eq{"owner": src}).
			Suffix("FOR UPDATE").ToSql()
		if err != nil {
			return err
		}
		if err := pgxscan.Get(ctx, q, &from, sql, args...); err != nil {
			return err
		}
		if from.Balance < amount {
			return errInsufficientFunds
		}

		for owner, delta := range map[string]int64{src: -amount, dst: +amount} {
			sql, args, err := psql.Update("accounts").
				Set("balance", sq.Expr("balance + ?", delta)).
				Where(sq.Eq{"owner": owner}).ToSql()
			if err != nil {
				return err
			}
			if _, err := q.Exec(ctx, sql, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// audit writes the attempt in an independent transaction so it survives a
// rollback of the surrounding transfer.
func audit(ctx context.Context, coord *coordinator.Coordinator, manager *postgres.TxManager, src, dst string, amount int64) {
	def := tx.NewDefinition()
	def.Propagation = tx.PropagationRequiresNew
	def.Name = "demo.audit"

	err := coord.Execute(ctx, def, func(ctx context.Context) error {
		sql, args, err := psql.Insert("transfer_audit").
			Columns("src", "dst", "amount", "outcome").
			Values(src, dst, amount, "attempted").ToSql()
		if err != nil {
			return err
		}
		_, err = manager.GetQuerier(ctx).Exec(ctx, sql, args...)
		return err
	})
	if err != nil {
		logger.FromContext(ctx).Warnw("audit write failed", "error", err)
	}
}

func report(ctx context.Context, coord *coordinator.Coordinator, manager *postgres.TxManager) {
	def := tx.NewDefinition()
	def.ReadOnly = true

	_ = coord.Execute(ctx, def, func(ctx context.Context) error {
		var accounts []account
		sql, args, err := psql.Select("id", "owner", "balance").
			From("accounts").OrderBy("owner").ToSql()
		if err != nil {
			return err
		}
		if err := pgxscan.Select(ctx, manager.GetQuerier(ctx), &accounts, sql, args...); err != nil {
			return err
		}
		for _, a := range accounts {
			logger.FromContext(ctx).Infow("account", "owner", a.Owner, "balance", a.Balance)
		}
		return nil
	})
}
