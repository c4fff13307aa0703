package postgres

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/onemorebsmith/bounty-escrow/src/journal"
	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

// Store is the durable journal. A batch is written in one pg transaction, so
// a duplicate action id or binding rolls back every row of the batch.
type Store struct{}

func NewStore(ctx context.Context) (*Store, error) {
	if err := EnsureSchema(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to bootstrap schema")
	}
	return &Store{}, nil
}

func amount(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errors.Wrapf(model.ErrInvalidArgument, "amount %d exceeds storage range", v)
	}
	return int64(v), nil
}

func translate(err error, format string, args ...any) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Wrapf(model.ErrAlreadyExists, "%s: %s", fmt.Sprintf(format, args...), pgErr.ConstraintName)
	}
	return errors.Wrapf(err, format, args...)
}

func (s *Store) Commit(ctx context.Context, batch *journal.Batch) ([]model.Event, error) {
	var committed []model.Event
	err := DoTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		for _, id := range batch.ActionIDs {
			if _, err := tx.Exec(ctx, `INSERT INTO action_ids(action_id, used) VALUES ($1, $2)`, id, now); err != nil {
				return translate(err, "action id %s", id)
			}
		}
		for _, b := range batch.Bindings {
			_, err := tx.Exec(ctx, `INSERT INTO capability_bindings(sponsor, token_hash, public_key, created)
				VALUES ($1, $2, $3, $4)`, string(b.Sponsor), b.TokenHash, b.PublicKey, b.Created)
			if err != nil {
				return translate(err, "binding for %s", b.Sponsor)
			}
		}
		for _, p := range batch.Pools {
			if err := putPool(ctx, tx, p); err != nil {
				return err
			}
		}
		for _, i := range batch.Issues {
			if err := putIssue(ctx, tx, i); err != nil {
				return err
			}
		}
		for _, e := range batch.Evidence {
			_, err := tx.Exec(ctx, `INSERT INTO evidence(action_id, sponsor, issue, reporter, digest, recorded)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				e.ActionID, string(e.Sponsor), int64(e.Issue), e.Reporter, e.Digest, e.Recorded)
			if err != nil {
				return translate(err, "evidence %s", e.ActionID)
			}
		}
		committed = make([]model.Event, 0, len(batch.Events))
		for _, e := range batch.Events {
			amt, err := amount(e.Amount)
			if err != nil {
				return err
			}
			var seq int64
			err = tx.QueryRow(ctx, `INSERT INTO events(id, type, sponsor, issue, amount, attributes, timestamp)
				VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING seq`,
				e.ID, string(e.Type), string(e.Sponsor), int64(e.Issue), amt, e.Attributes, e.Timestamp).Scan(&seq)
			if err != nil {
				return translate(err, "event %s", e.Type)
			}
			e.Seq = uint64(seq)
			committed = append(committed, e)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed committing batch")
	}
	return committed, nil
}

func putPool(ctx context.Context, tx pgx.Tx, p model.SponsorPool) error {
	balance, err := amount(p.Balance)
	if err != nil {
		return err
	}
	defaultPayout, err := amount(p.DefaultPayout)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO sponsor_pools(sponsor, name, default_payout, balance, status,
			refund_account, issue_count, created, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sponsor) DO UPDATE SET balance = EXCLUDED.balance, status = EXCLUDED.status,
			issue_count = EXCLUDED.issue_count, updated = EXCLUDED.updated`,
		string(p.Sponsor), p.Name, defaultPayout, balance, string(p.Status),
		p.RefundAccount, int64(p.IssueCount), p.Created, p.Updated)
	if err != nil {
		return translate(err, "pool %s", p.Sponsor)
	}
	return nil
}

func putIssue(ctx context.Context, tx pgx.Tx, i model.Issue) error {
	paid, err := amount(i.Paid)
	if err != nil {
		return err
	}
	// payout account and kind are never part of the update set
	_, err = tx.Exec(ctx, `INSERT INTO issues(sponsor, id, hacker, summary, accepted, completed, notified,
			paid, payout_account, payout_kind, submitted, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (sponsor, id) DO UPDATE SET accepted = EXCLUDED.accepted, completed = EXCLUDED.completed,
			notified = EXCLUDED.notified, paid = EXCLUDED.paid, updated = EXCLUDED.updated`,
		string(i.Sponsor), int64(i.ID), string(i.Hacker), i.Summary, i.Accepted, i.Completed, i.Notified,
		paid, i.PayoutAccount, string(i.PayoutKind), i.Submitted, i.Updated)
	if err != nil {
		return translate(err, "issue %s/%d", i.Sponsor, i.ID)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (*journal.Snapshot, error) {
	snap := &journal.Snapshot{}
	err := DoQuery(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT sponsor, name, default_payout, balance, status, refund_account,
			issue_count, created, updated FROM sponsor_pools ORDER BY sponsor`)
		if err != nil {
			return errors.Wrap(err, "failed to fetch pools from database")
		}
		for rows.Next() {
			var sponsor, status string
			var defaultPayout, balance, issueCount int64
			p := &model.SponsorPool{}
			if err := rows.Scan(&sponsor, &p.Name, &defaultPayout, &balance, &status, &p.RefundAccount,
				&issueCount, &p.Created, &p.Updated); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed unmarshalling pool")
			}
			p.Sponsor, p.Status = model.SponsorID(sponsor), model.PoolStatus(status)
			p.DefaultPayout, p.Balance, p.IssueCount = uint64(defaultPayout), uint64(balance), uint64(issueCount)
			snap.Pools = append(snap.Pools, p)
		}
		rows.Close()

		rows, err = conn.Query(ctx, `SELECT sponsor, id, hacker, summary, accepted, completed, notified, paid,
			payout_account, payout_kind, submitted, updated FROM issues ORDER BY sponsor, id`)
		if err != nil {
			return errors.Wrap(err, "failed to fetch issues from database")
		}
		for rows.Next() {
			var sponsor, hacker, kind string
			var id, paid int64
			i := &model.Issue{}
			if err := rows.Scan(&sponsor, &id, &hacker, &i.Summary, &i.Accepted, &i.Completed, &i.Notified,
				&paid, &i.PayoutAccount, &kind, &i.Submitted, &i.Updated); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed unmarshalling issue")
			}
			i.Sponsor, i.ID, i.Hacker = model.SponsorID(sponsor), model.IssueID(id), model.HackerID(hacker)
			i.Paid, i.PayoutKind = uint64(paid), model.AssetKind(kind)
			snap.Issues = append(snap.Issues, i)
		}
		rows.Close()

		rows, err = conn.Query(ctx, `SELECT sponsor, token_hash, public_key, created
			FROM capability_bindings ORDER BY sponsor`)
		if err != nil {
			return errors.Wrap(err, "failed to fetch bindings from database")
		}
		for rows.Next() {
			var sponsor string
			b := model.CapabilityBinding{}
			if err := rows.Scan(&sponsor, &b.TokenHash, &b.PublicKey, &b.Created); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed unmarshalling binding")
			}
			b.Sponsor = model.SponsorID(sponsor)
			snap.Bindings = append(snap.Bindings, b)
		}
		rows.Close()

		rows, err = conn.Query(ctx, `SELECT action_id FROM action_ids ORDER BY action_id`)
		if err != nil {
			return errors.Wrap(err, "failed to fetch action ids from database")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed unmarshalling action id")
			}
			snap.ActionIDs = append(snap.ActionIDs, id)
		}
		rows.Close()

		var lastSeq int64
		if err := conn.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&lastSeq); err != nil {
			return errors.Wrap(err, "failed to fetch last event seq")
		}
		snap.LastSeq = uint64(lastSeq)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) Events(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	var events []model.Event
	err := DoQuery(ctx, func(conn *pgx.Conn) error {
		query := `SELECT seq, id::text, type, sponsor, issue, amount, attributes, timestamp
			FROM events WHERE seq > $1 ORDER BY seq`
		args := []any{int64(after)}
		if limit > 0 {
			query += ` LIMIT $2`
			args = append(args, limit)
		}
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return errors.Wrap(err, "failed to fetch events from database")
		}
		defer rows.Close()
		for rows.Next() {
			var seq, issue, amt int64
			var eventType, sponsor string
			e := model.Event{}
			if err := rows.Scan(&seq, &e.ID, &eventType, &sponsor, &issue, &amt, &e.Attributes, &e.Timestamp); err != nil {
				return errors.Wrap(err, "failed unmarshalling event")
			}
			e.Seq, e.Type, e.Sponsor = uint64(seq), model.EventType(eventType), model.SponsorID(sponsor)
			e.Issue, e.Amount = model.IssueID(issue), uint64(amt)
			events = append(events, e)
		}
		return rows.Err()
	})
	return events, err
}

func (s *Store) Ping(ctx context.Context) error {
	return DoQuery(ctx, func(conn *pgx.Conn) error {
		return conn.Ping(ctx)
	})
}
