package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"scanproc/pkg/storage"
)

type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps an existing pool. Run Migrate before using it.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UpsertLatest persists the newest scan for a (ip, port, service) tuple
// inside one transaction. The row is locked for the read-compare-write so
// concurrent writers on the same key cannot lose an update; writes with a
// timestamp at or below the stored one commit without mutating anything.
func (r *Repository) UpsertLatest(ctx context.Context, record storage.ScanRecord) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(fmt.Errorf("begin upsert tx: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var stored int64
	row := tx.QueryRow(ctx,
		`SELECT last_scan_timestamp FROM service_scans
		 WHERE ip = $1 AND port = $2 AND service = $3
		 FOR UPDATE`,
		record.IP, int(record.Port), record.Service,
	)
	switch scanErr := row.Scan(&stored); {
	case errors.Is(scanErr, pgx.ErrNoRows):
		// Two first writes for a key can both see no row; FOR UPDATE has
		// nothing to lock yet. The conflict guard keeps the newer write.
		_, err = tx.Exec(ctx,
			`INSERT INTO service_scans (ip, port, service, last_scan_timestamp, service_response)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (ip, port, service)
			 DO UPDATE SET
			   last_scan_timestamp = EXCLUDED.last_scan_timestamp,
			   service_response = EXCLUDED.service_response
			 WHERE EXCLUDED.last_scan_timestamp > service_scans.last_scan_timestamp`,
			record.IP, int(record.Port), record.Service, record.Timestamp, record.Response,
		)
		if err != nil {
			return classify(fmt.Errorf("insert scan: %w", err))
		}
	case scanErr != nil:
		return classify(fmt.Errorf("read scan row: %w", scanErr))
	case record.Timestamp > stored:
		_, err = tx.Exec(ctx,
			`UPDATE service_scans
			 SET last_scan_timestamp = $4, service_response = $5
			 WHERE ip = $1 AND port = $2 AND service = $3`,
			record.IP, int(record.Port), record.Service, record.Timestamp, record.Response,
		)
		if err != nil {
			return classify(fmt.Errorf("update scan: %w", err))
		}
	default:
		// Stored row is already as new or newer; commit the no-op.
	}

	if err = tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit upsert tx: %w", err))
	}
	return nil
}

// Close helps when wiring Repository to a lifecycle manager.
func (r *Repository) Close() {
	r.pool.Close()
}

// classify tags transient failures with storage.ErrUnavailable so the
// pipeline retries them. Permanent errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if transient(err) {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return err
}

func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization failure, deadlock
			return true
		case "57P01", "53300": // admin shutdown, too many connections
			return true
		}
		// Class 08: connection exceptions.
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}
	return false
}

// NewDB opens a pgx pool with tuned defaults.
func NewDB(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	// Keep a small, steady pool; processor is lightweight.
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}
