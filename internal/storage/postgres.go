package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresTableName        = "teclient_storage"
	postgresOperationTimeout = 5 * time.Second
	postgresListenMinBackoff = 2 * time.Second
	postgresListenMaxBackoff = time.Minute
)

// postgresChange is the NOTIFY payload Apply sends on <table>_changes.
type postgresChange struct {
	Namespace string   `json:"ns"`
	Keys      []string `json:"keys"`
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres stores keys as rows of a single table. Namespace separates
// devices or deployments sharing one database.
type Postgres struct {
	dsn       string
	tableName string
	namespace string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgres(dsn, namespace string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "default"
	}
	return &Postgres{
		dsn:       dsn,
		tableName: postgresTableName,
		namespace: namespace,
		openDB:    sql.Open,
	}, nil
}

func (p *Postgres) Get(key string) (string, bool, error) {
	if err := p.ensureReady(); err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE namespace = $1 AND storage_key = $2", postgresQuoteIdentifier(p.tableName))
	var value string
	err := p.db.QueryRowContext(ctx, query, p.namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (p *Postgres) Apply(ops ...Op) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	upsert := fmt.Sprintf(`
		INSERT INTO %s (namespace, storage_key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, storage_key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, postgresQuoteIdentifier(p.tableName))
	remove := fmt.Sprintf("DELETE FROM %s WHERE namespace = $1 AND storage_key = $2", postgresQuoteIdentifier(p.tableName))
	for _, op := range ops {
		if op.Delete {
			_, err = tx.ExecContext(ctx, remove, p.namespace, op.Key)
		} else {
			_, err = tx.ExecContext(ctx, upsert, p.namespace, op.Key, op.Value)
		}
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	payload, err := encodePostgresChange(p.namespace, ops)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", p.changesChannel(), payload); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("notify storage change: %w", err)
	}
	return tx.Commit()
}

func (p *Postgres) changesChannel() string {
	return p.tableName + "_changes"
}

// Watch reports keys changed in this namespace by any writer, this process
// included, until ctx is done. Notifications are delivered on commit.
func (p *Postgres) Watch(ctx context.Context, fn func(keys []string)) error {
	if fn == nil {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	listener := pq.NewListener(p.dsn, postgresListenMinBackoff, postgresListenMaxBackoff, nil)
	if err := listener.Listen(p.changesChannel()); err != nil {
		_ = listener.Close()
		return fmt.Errorf("listen for storage changes: %w", err)
	}
	go func() {
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				// nil follows a reconnect; changes made while disconnected are lost.
				if n == nil {
					continue
				}
				if keys := decodePostgresChange(n.Extra, p.namespace); len(keys) > 0 {
					fn(keys)
				}
			}
		}
	}()
	return nil
}

func encodePostgresChange(namespace string, ops []Op) (string, error) {
	change := postgresChange{Namespace: namespace, Keys: make([]string, 0, len(ops))}
	for _, op := range ops {
		change.Keys = append(change.Keys, op.Key)
	}
	data, err := json.Marshal(change)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodePostgresChange(payload, namespace string) []string {
	var change postgresChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return nil
	}
	if change.Namespace != namespace {
		return nil
	}
	return change.Keys
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) ensureReady() error {
	if p == nil {
		return ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				namespace TEXT NOT NULL,
				storage_key TEXT NOT NULL,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (namespace, storage_key)
			)`, postgresQuoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
