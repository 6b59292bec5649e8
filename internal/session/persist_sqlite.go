package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLitePersister stores snapshots in a sqlite database under the state
// directory. Selected via persistence.backend = "sqlite"; useful when the
// session count makes whole-file JSON rewrites noticeable.
type SQLitePersister struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agent_sessions (
	repo_id    TEXT NOT NULL,
	session_id TEXT NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (repo_id, session_id)
);
CREATE TABLE IF NOT EXISTS agent_session_entries (
	repo_id    TEXT NOT NULL,
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	data       TEXT NOT NULL,
	PRIMARY KEY (repo_id, session_id, seq)
);
`

// NewSQLitePersister opens (and migrates) <stateDir>/sessions.db.
func NewSQLitePersister(stateDir string) (*SQLitePersister, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(stateDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

// Close releases the database handle.
func (p *SQLitePersister) Close() error { return p.db.Close() }

// Save replaces the stored snapshot in one transaction.
func (p *SQLitePersister) Save(snap Snapshot) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM agent_sessions`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM agent_session_entries`); err != nil {
		return err
	}

	for repoID, sessions := range snap.AgentSessions {
		for id, sess := range sessions {
			data, err := json.Marshal(sess)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT INTO agent_sessions (repo_id, session_id, data) VALUES (?, ?, ?)`,
				repoID, id, string(data),
			); err != nil {
				return err
			}
		}
	}
	for repoID, bysession := range snap.AgentSessionEntries {
		for id, entries := range bysession {
			for seq, entry := range entries {
				data, err := json.Marshal(entry)
				if err != nil {
					return err
				}
				if _, err := tx.Exec(
					`INSERT INTO agent_session_entries (repo_id, session_id, seq, data) VALUES (?, ?, ?, ?)`,
					repoID, id, seq, string(data),
				); err != nil {
					return err
				}
			}
		}
	}

	return tx.Commit()
}

// Load reads the stored snapshot. An empty database yields nil.
func (p *SQLitePersister) Load() (*Snapshot, error) {
	snap := Snapshot{
		AgentSessions:       make(map[string]map[string]AgentSession),
		AgentSessionEntries: make(map[string]map[string][]Entry),
	}

	rows, err := p.db.Query(`SELECT repo_id, session_id, data FROM agent_sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var repoID, id, data string
		if err := rows.Scan(&repoID, &id, &data); err != nil {
			return nil, err
		}
		var sess AgentSession
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("parse session %s: %w", id, err)
		}
		if snap.AgentSessions[repoID] == nil {
			snap.AgentSessions[repoID] = make(map[string]AgentSession)
		}
		snap.AgentSessions[repoID][id] = sess
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	entryRows, err := p.db.Query(
		`SELECT repo_id, session_id, data FROM agent_session_entries ORDER BY repo_id, session_id, seq`)
	if err != nil {
		return nil, err
	}
	defer entryRows.Close()
	for entryRows.Next() {
		var repoID, id, data string
		if err := entryRows.Scan(&repoID, &id, &data); err != nil {
			return nil, err
		}
		var entry Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("parse entry for %s: %w", id, err)
		}
		if snap.AgentSessionEntries[repoID] == nil {
			snap.AgentSessionEntries[repoID] = make(map[string][]Entry)
		}
		snap.AgentSessionEntries[repoID][id] = append(snap.AgentSessionEntries[repoID][id], entry)
	}
	if err := entryRows.Err(); err != nil {
		return nil, err
	}

	if len(snap.AgentSessions) == 0 {
		return nil, nil
	}
	return &snap, nil
}
