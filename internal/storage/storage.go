// Package storage provides SQLite-backed persistence for the record store, the
// enrichment store, notification snapshots and the run log.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/insiderwatch/internal/models"
	_ "modernc.org/sqlite"
)

// ErrPersist marks a failed write. No partial batch is left behind when it is returned.
var ErrPersist = errors.New("persist failure")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/insiderwatch/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "insiderwatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			filing_date      TEXT NOT NULL,
			ticker           TEXT NOT NULL,
			insider_name     TEXT NOT NULL,
			company_name     TEXT,
			title            TEXT,
			transaction_code TEXT NOT NULL,
			transaction_date TEXT,
			price            TEXT NOT NULL,
			quantity         INTEGER NOT NULL,
			value            TEXT NOT NULL,
			PRIMARY KEY (filing_date, ticker, insider_name)
		)`,
		`CREATE TABLE IF NOT EXISTS enriched (
			filing_date               TEXT NOT NULL,
			ticker                    TEXT NOT NULL,
			insider_name              TEXT NOT NULL,
			current_price             REAL,
			daily_volume_value        REAL,
			five_day_avg_volume_value REAL,
			atr_percent               REAL,
			market_cap                REAL,
			lookup_err                TEXT NOT NULL DEFAULT '',
			attempts                  INTEGER NOT NULL DEFAULT 1,
			enriched_at               INTEGER NOT NULL,
			PRIMARY KEY (filing_date, ticker, insider_name),
			FOREIGN KEY (filing_date, ticker, insider_name)
				REFERENCES trades(filing_date, ticker, insider_name)
		)`,
		`CREATE TABLE IF NOT EXISTS notification_snapshots (
			channel TEXT NOT NULL,
			ticker  TEXT NOT NULL,
			PRIMARY KEY (channel, ticker)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshot_commits (
			channel      TEXT PRIMARY KEY,
			committed_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id                TEXT PRIMARY KEY,
			step              TEXT NOT NULL,
			dry_run           INTEGER NOT NULL DEFAULT 0,
			started_at        INTEGER NOT NULL,
			finished_at       INTEGER NOT NULL,
			fetched           INTEGER NOT NULL DEFAULT 0,
			new_records       INTEGER NOT NULL DEFAULT 0,
			enriched          INTEGER NOT NULL DEFAULT 0,
			lookup_failures   INTEGER NOT NULL DEFAULT 0,
			qualified         INTEGER NOT NULL DEFAULT 0,
			disqualified      INTEGER NOT NULL DEFAULT 0,
			notified          INTEGER NOT NULL DEFAULT 0,
			dispatch_failures INTEGER NOT NULL DEFAULT 0,
			error_message     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	// databases created before these columns existed
	for _, c := range []struct{ table, column, def string }{
		{"enriched", "attempts", "INTEGER NOT NULL DEFAULT 1"},
		{"runs", "error_message", "TEXT NOT NULL DEFAULT ''"},
	} {
		if err := s.addColumn(c.table, c.column, c.def); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) addColumn(table, column, def string) error {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, def))
	return err
}

// AppendTrades writes a batch of new records in one transaction. Either every
// record is stored or none is. An empty batch performs no write.
func (s *Storage) AppendTrades(records []*models.TradeRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrPersist, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT INTO trades
			(filing_date, ticker, insider_name, company_name, title, transaction_code,
			 transaction_date, price, quantity, value)
		VALUES (?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("%w: failed to prepare trade insert: %w", ErrPersist, err)
	}
	defer stmt.Close()

	for _, r := range records {
		key := r.Key()
		if _, err := stmt.Exec(
			key.FilingDate, key.Ticker, key.InsiderName, r.CompanyName, r.Title, r.TransactionCode,
			formatDate(r.TransactionDate), r.Price.String(), r.Quantity, r.Value.String(),
		); err != nil {
			return fmt.Errorf("%w: failed to insert trade %s: %w", ErrPersist, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit trades: %w", ErrPersist, err)
	}
	return nil
}

// AllTrades returns every stored record in insertion order.
func (s *Storage) AllTrades() ([]*models.TradeRecord, error) {
	rows, err := s.db.Query(`SELECT ` + tradeCols + ` FROM trades t ORDER BY t.rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	records := []*models.TradeRecord{}
	for rows.Next() {
		r, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PendingEnrichment returns records present in the record store that have no
// enrichment row yet, in insertion order.
func (s *Storage) PendingEnrichment() ([]*models.TradeRecord, error) {
	rows, err := s.db.Query(`
		SELECT ` + tradeCols + `
		FROM trades t
		LEFT JOIN enriched e
			ON e.filing_date = t.filing_date AND e.ticker = t.ticker AND e.insider_name = t.insider_name
		WHERE e.ticker IS NULL
		ORDER BY t.rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending trades: %w", err)
	}
	defer rows.Close()

	records := []*models.TradeRecord{}
	for rows.Next() {
		r, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// FailedLookups returns records whose enrichment row carries a lookup error
// and has been attempted fewer than maxAttempts times, in insertion order.
func (s *Storage) FailedLookups(maxAttempts int) ([]*models.TradeRecord, error) {
	rows, err := s.db.Query(`
		SELECT ` + tradeCols + `
		FROM trades t
		JOIN enriched e
			ON e.filing_date = t.filing_date AND e.ticker = t.ticker AND e.insider_name = t.insider_name
		WHERE e.lookup_err != '' AND e.attempts < ?
		ORDER BY t.rowid`, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed lookups: %w", err)
	}
	defer rows.Close()

	records := []*models.TradeRecord{}
	for rows.Next() {
		r, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// AppendEnriched writes a batch of enriched rows in one transaction. A row
// left by a failed lookup is replaced and its attempt count carried forward;
// a record that already has a successful enrichment row fails the whole batch.
func (s *Storage) AppendEnriched(records []*models.EnrichedRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrPersist, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT INTO enriched
			(filing_date, ticker, insider_name, current_price, daily_volume_value,
			 five_day_avg_volume_value, atr_percent, market_cap, lookup_err, attempts, enriched_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("%w: failed to prepare enriched insert: %w", ErrPersist, err)
	}
	defer stmt.Close()

	for _, r := range records {
		key := r.Key()
		m := r.Market

		attempts := 1
		var prior int
		err := tx.QueryRow(`
			SELECT attempts FROM enriched
			WHERE filing_date = ? AND ticker = ? AND insider_name = ? AND lookup_err != ''`,
			key.FilingDate, key.Ticker, key.InsiderName).Scan(&prior)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return fmt.Errorf("%w: failed to read prior attempt for %s: %w", ErrPersist, key, err)
		default:
			attempts = prior + 1
			if _, err := tx.Exec(`
				DELETE FROM enriched WHERE filing_date = ? AND ticker = ? AND insider_name = ?`,
				key.FilingDate, key.Ticker, key.InsiderName); err != nil {
				return fmt.Errorf("%w: failed to clear failed lookup for %s: %w", ErrPersist, key, err)
			}
		}

		if _, err := stmt.Exec(
			key.FilingDate, key.Ticker, key.InsiderName,
			nullable(m.CurrentPrice), nullable(m.DailyVolumeValue), nullable(m.FiveDayAvgVolumeValue),
			nullable(m.ATRPercent), nullable(m.MarketCap),
			m.LookupErr, attempts, r.EnrichedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("%w: failed to insert enriched %s: %w", ErrPersist, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit enriched: %w", ErrPersist, err)
	}
	return nil
}

// AllEnriched returns every enriched record, raw fields included, in the order
// rows were appended to the enrichment store.
func (s *Storage) AllEnriched() ([]*models.EnrichedRecord, error) {
	rows, err := s.db.Query(`
		SELECT ` + tradeCols + `,
		       e.current_price, e.daily_volume_value, e.five_day_avg_volume_value,
		       e.atr_percent, e.market_cap, e.lookup_err, e.enriched_at
		FROM enriched e
		JOIN trades t
			ON e.filing_date = t.filing_date AND e.ticker = t.ticker AND e.insider_name = t.insider_name
		ORDER BY e.rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query enriched: %w", err)
	}
	defer rows.Close()

	records := []*models.EnrichedRecord{}
	for rows.Next() {
		var (
			price, dvv, favv, atr, mcap sql.NullFloat64
			lookupErr                   string
			enrichedAtNano              int64
		)
		trade, err := scanTrade(func(dest ...any) error {
			return rows.Scan(append(dest, &price, &dvv, &favv, &atr, &mcap, &lookupErr, &enrichedAtNano)...)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan enriched: %w", err)
		}
		records = append(records, &models.EnrichedRecord{
			TradeRecord: *trade,
			Market: models.MarketSnapshot{
				CurrentPrice:          nullFloat(price),
				DailyVolumeValue:      nullFloat(dvv),
				FiveDayAvgVolumeValue: nullFloat(favv),
				ATRPercent:            nullFloat(atr),
				MarketCap:             nullFloat(mcap),
				LookupErr:             lookupErr,
			},
			EnrichedAt: time.Unix(0, enrichedAtNano),
		})
	}
	return records, rows.Err()
}

// LoadSnapshot returns the tickers last notified on channel. ok is false when
// no snapshot was ever committed for the channel.
func (s *Storage) LoadSnapshot(channel models.Channel) (tickers map[string]struct{}, ok bool, err error) {
	var committedAt int64
	err = s.db.QueryRow(`SELECT committed_at FROM snapshot_commits WHERE channel = ?`, string(channel)).Scan(&committedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load snapshot commit for %s: %w", channel, err)
	}

	rows, err := s.db.Query(`SELECT ticker FROM notification_snapshots WHERE channel = ?`, string(channel))
	if err != nil {
		return nil, false, fmt.Errorf("failed to query snapshot for %s: %w", channel, err)
	}
	defer rows.Close()

	tickers = make(map[string]struct{})
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, false, fmt.Errorf("failed to scan snapshot ticker: %w", err)
		}
		tickers[t] = struct{}{}
	}
	return tickers, true, rows.Err()
}

// ReplaceSnapshots overwrites the snapshot of every channel in sets within a
// single transaction. An empty set still marks the channel as committed.
func (s *Storage) ReplaceSnapshots(sets map[models.Channel][]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", ErrPersist, err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UnixNano()
	for channel, tickers := range sets {
		if _, err := tx.Exec(`DELETE FROM notification_snapshots WHERE channel = ?`, string(channel)); err != nil {
			return fmt.Errorf("%w: failed to clear snapshot %s: %w", ErrPersist, channel, err)
		}
		for _, t := range tickers {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO notification_snapshots (channel, ticker) VALUES (?,?)`,
				string(channel), t); err != nil {
				return fmt.Errorf("%w: failed to insert snapshot %s/%s: %w", ErrPersist, channel, t, err)
			}
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO snapshot_commits (channel, committed_at) VALUES (?,?)`,
			string(channel), now); err != nil {
			return fmt.Errorf("%w: failed to mark snapshot %s: %w", ErrPersist, channel, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit snapshots: %w", ErrPersist, err)
	}
	return nil
}

// RecordRun appends a step summary to the run log.
func (s *Storage) RecordRun(run *models.RunSummary) error {
	_, err := s.db.Exec(`
		INSERT INTO runs
			(id, step, dry_run, started_at, finished_at, fetched, new_records, enriched,
			 lookup_failures, qualified, disqualified, notified, dispatch_failures, error_message)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Step, boolToInt(run.DryRun), run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(),
		run.Fetched, run.NewRecords, run.Enriched, run.LookupFailures,
		run.Qualified, run.Disqualified, run.Notified, run.DispatchFailures, run.Err,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to insert run %s: %w", ErrPersist, run.ID, err)
	}
	return nil
}

// RecentRuns returns the k most recently started runs, newest first.
func (s *Storage) RecentRuns(k int) ([]models.RunSummary, error) {
	rows, err := s.db.Query(`
		SELECT id, step, dry_run, started_at, finished_at, fetched, new_records, enriched,
		       lookup_failures, qualified, disqualified, notified, dispatch_failures, error_message
		FROM runs ORDER BY started_at DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunSummary
	for rows.Next() {
		var r models.RunSummary
		var dryRun int
		var startedNano, finishedNano int64
		err := rows.Scan(
			&r.ID, &r.Step, &dryRun, &startedNano, &finishedNano,
			&r.Fetched, &r.NewRecords, &r.Enriched, &r.LookupFailures,
			&r.Qualified, &r.Disqualified, &r.Notified, &r.DispatchFailures, &r.Err,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.DryRun = dryRun != 0
		r.StartedAt = time.Unix(0, startedNano)
		r.FinishedAt = time.Unix(0, finishedNano)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

const tradeCols = `t.filing_date, t.ticker, t.insider_name, t.company_name, t.title,
	t.transaction_code, t.transaction_date, t.price, t.quantity, t.value`

func scanTrade(scan func(...any) error) (*models.TradeRecord, error) {
	var r models.TradeRecord
	var filingDate string
	var companyName, title, transactionDate sql.NullString
	err := scan(
		&filingDate, &r.Ticker, &r.InsiderName, &companyName, &title,
		&r.TransactionCode, &transactionDate, &r.Price, &r.Quantity, &r.Value,
	)
	if err != nil {
		return nil, err
	}
	r.CompanyName = companyName.String
	r.Title = title.String
	r.FilingDate, err = time.Parse(models.FilingDateLayout, filingDate)
	if err != nil {
		return nil, fmt.Errorf("invalid filing date %q: %w", filingDate, err)
	}
	if transactionDate.String != "" {
		r.TransactionDate, err = time.Parse(models.TransactionDateLayout, transactionDate.String)
		if err != nil {
			return nil, fmt.Errorf("invalid transaction date %q: %w", transactionDate.String, err)
		}
	}
	return &r, nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(models.TransactionDateLayout)
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return models.Float(v.Float64)
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
