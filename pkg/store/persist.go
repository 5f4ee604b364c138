package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/logvigil/logvigil/pkg/logger"
	"github.com/logvigil/logvigil/pkg/types"
)

const createIssuesTable = `
CREATE TABLE IF NOT EXISTS issues (
	id           INTEGER PRIMARY KEY,
	server_name  TEXT NOT NULL,
	file_name    TEXT NOT NULL,
	line_number  INTEGER NOT NULL,
	issue_type   TEXT NOT NULL,
	message      TEXT NOT NULL,
	full_detail  TEXT NOT NULL,
	detected_at  INTEGER NOT NULL,
	severity     TEXT NOT NULL,
	acknowledged INTEGER NOT NULL DEFAULT 0
)`

// Persister periodically snapshots the store to a SQLite file so issues
// survive restarts. The store stays authoritative; the database is a
// write-behind copy refreshed on a fixed interval and at shutdown.
type Persister struct {
	db       *sql.DB
	store    *Store
	interval time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPersister opens (creating if needed) the snapshot database.
func NewPersister(path string, st *Store, flushInterval time.Duration) (*Persister, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	if _, err := db.Exec(createIssuesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create issues table: %w", err)
	}
	return &Persister{
		db:       db,
		store:    st,
		interval: flushInterval,
		stopChan: make(chan struct{}),
	}, nil
}

// Load replays persisted issues into the store, oldest first, restoring
// acknowledgement state. Call before Start and before listeners subscribe.
func (p *Persister) Load() (int, error) {
	rows, err := p.db.Query(`SELECT id, server_name, file_name, line_number, issue_type,
		message, full_detail, detected_at, severity, acknowledged
		FROM issues ORDER BY detected_at ASC, id ASC`)
	if err != nil {
		return 0, fmt.Errorf("load issues: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var iss types.Issue
		var detectedAt int64
		var severity string
		var acked bool
		if err := rows.Scan(&iss.ID, &iss.ServerName, &iss.FileName, &iss.LineNumber,
			&iss.IssueType, &iss.Message, &iss.FullDetail, &detectedAt, &severity, &acked); err != nil {
			return loaded, fmt.Errorf("scan issue row: %w", err)
		}
		iss.DetectedAt = time.Unix(0, detectedAt)
		iss.Severity = types.Severity(severity)
		p.store.Add(iss)
		if acked {
			p.store.Acknowledge(iss.ID)
		}
		loaded++
	}
	return loaded, rows.Err()
}

// Start launches the periodic flush loop.
func (p *Persister) Start() {
	p.wg.Add(1)
	go p.run()
	logger.Infof("Issue persistence started, flushing every %s", p.interval)
}

// Stop flushes once more and closes the database.
func (p *Persister) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
	if err := p.Flush(); err != nil {
		logger.Errorf("Final snapshot flush failed: %v", err)
	}
	if err := p.db.Close(); err != nil {
		logger.Errorf("Closing snapshot database failed: %v", err)
	}
}

func (p *Persister) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			if err := p.Flush(); err != nil {
				logger.Errorf("Snapshot flush failed: %v", err)
			}
		}
	}
}

// Flush rewrites the snapshot table from the store's current contents in
// one transaction.
func (p *Persister) Flush() error {
	snapshots := p.store.All()

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM issues`); err != nil {
		return fmt.Errorf("clear issues table: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO issues (id, server_name, file_name, line_number,
		issue_type, message, full_detail, detected_at, severity, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snapshots {
		acked := 0
		if snap.Acknowledged {
			acked = 1
		}
		if _, err := stmt.Exec(snap.ID, snap.ServerName, snap.FileName, snap.LineNumber,
			snap.IssueType, snap.Message, snap.FullDetail, snap.DetectedAt.UnixNano(),
			string(snap.Severity), acked); err != nil {
			return fmt.Errorf("insert issue %d: %w", snap.ID, err)
		}
	}
	return tx.Commit()
}
