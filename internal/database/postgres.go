package database

import (
	"context"
	"database/sql"
	"fmt"
)

type PgGroupSyncRepository struct {
	conn *sql.DB
}

func NewPgGroupSyncRepository(dsn string) (*PgGroupSyncRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgGroupSyncRepository{conn: db}, nil
}

func (db *PgGroupSyncRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgGroupSyncRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

func (db *PgGroupSyncRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}
