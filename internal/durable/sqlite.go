package durable

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteQueue persists one producer's send-side state in SQLite (WAL mode).
// A single database file can host the state of many producers; each queue
// instance is scoped to one producer_id.
type SQLiteQueue struct {
	db         *sql.DB
	producerID string
	ownsDB     bool
}

// OpenSQLiteQueue opens (or creates) the database at path and initializes
// the schema.
func OpenSQLiteQueue(path, producerID string) (*SQLiteQueue, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	q := &SQLiteQueue{db: db, producerID: producerID, ownsDB: true}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return q, nil
}

func (q *SQLiteQueue) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS producer_state (
		producer_id      TEXT PRIMARY KEY,
		next_seq_nr      INTEGER NOT NULL DEFAULT 1,
		confirmed_seq_nr INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS unconfirmed (
		producer_id   TEXT NOT NULL,
		seq_nr        INTEGER NOT NULL,
		payload       BLOB,
		ack_requested INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (producer_id, seq_nr)
	);
	`
	_, err := q.db.Exec(schema)
	return err
}

func (q *SQLiteQueue) StoreMessageSent(m Message) error {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	// Replays of an already-stored seq keep the first copy.
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO unconfirmed (producer_id, seq_nr, payload, ack_requested) VALUES (?, ?, ?, ?)`,
		q.producerID, int64(m.SeqNr), m.Payload, boolToInt(m.AckRequested),
	); err != nil {
		return fmt.Errorf("insert unconfirmed: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO producer_state (producer_id, next_seq_nr) VALUES (?, ?)
		 ON CONFLICT(producer_id) DO UPDATE SET next_seq_nr = MAX(next_seq_nr, excluded.next_seq_nr)`,
		q.producerID, int64(m.SeqNr+1),
	); err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	return tx.Commit()
}

func (q *SQLiteQueue) StoreMessageConfirmed(seqNr uint64) error {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(
		`DELETE FROM unconfirmed WHERE producer_id = ? AND seq_nr <= ?`,
		q.producerID, int64(seqNr),
	); err != nil {
		return fmt.Errorf("delete confirmed: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO producer_state (producer_id, confirmed_seq_nr) VALUES (?, ?)
		 ON CONFLICT(producer_id) DO UPDATE SET confirmed_seq_nr = MAX(confirmed_seq_nr, excluded.confirmed_seq_nr)`,
		q.producerID, int64(seqNr),
	); err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	return tx.Commit()
}

func (q *SQLiteQueue) LoadState() (State, error) {
	st := State{CurrentSeqNr: 1}
	var next, confirmed int64
	err := q.db.QueryRow(
		`SELECT next_seq_nr, confirmed_seq_nr FROM producer_state WHERE producer_id = ?`,
		q.producerID,
	).Scan(&next, &confirmed)
	switch {
	case err == sql.ErrNoRows:
		return st, nil
	case err != nil:
		return st, fmt.Errorf("load state: %w", err)
	}
	st.CurrentSeqNr = uint64(next)

	rows, err := q.db.Query(
		`SELECT seq_nr, payload, ack_requested FROM unconfirmed
		 WHERE producer_id = ? AND seq_nr > ? ORDER BY seq_nr`,
		q.producerID, confirmed,
	)
	if err != nil {
		return st, fmt.Errorf("load unconfirmed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		var payload []byte
		var ack int
		if err := rows.Scan(&seq, &payload, &ack); err != nil {
			return st, fmt.Errorf("scan unconfirmed: %w", err)
		}
		st.Unconfirmed = append(st.Unconfirmed, Message{
			SeqNr:        uint64(seq),
			Payload:      payload,
			AckRequested: ack != 0,
		})
	}
	return st, rows.Err()
}

func (q *SQLiteQueue) Close() error {
	if !q.ownsDB {
		return nil
	}
	return q.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
