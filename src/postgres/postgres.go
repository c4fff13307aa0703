package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

var connectionString string

func ConfigurePostgres(connString string) {
	connectionString = connString
}

func GetConnection(ctx context.Context) (*pgx.Conn, error) {
	pg, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection to pg")
	}
	return pg, nil
}

func DoQuery(ctx context.Context, handler func(conn *pgx.Conn) error) error {
	conn, err := GetConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	return handler(conn)
}

// DoTx runs handler inside a single transaction, committing only if it
// returns nil
func DoTx(ctx context.Context, handler func(tx pgx.Tx) error) error {
	return DoQuery(ctx, func(conn *pgx.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to begin transaction")
		}
		defer tx.Rollback(ctx)
		if err := handler(tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func DoExec(ctx context.Context, command string) error {
	conn, err := GetConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, command)
	return err
}
