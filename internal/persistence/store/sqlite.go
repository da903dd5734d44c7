package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	// Several keeper processes may share one file; busy_timeout lets a losing
	// writer wait for the lock instead of failing the tick.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS slots (
			slot_index INTEGER PRIMARY KEY,
			state TEXT NOT NULL,
			rumble_id INTEGER NOT NULL DEFAULT 0,
			fighters_json TEXT NOT NULL DEFAULT '[]',
			turn_count INTEGER NOT NULL DEFAULT 0,
			remaining INTEGER NOT NULL DEFAULT 0,
			betting_deadline TEXT NOT NULL DEFAULT '',
			state_since TEXT NOT NULL DEFAULT '',
			cycle_started_at TEXT NOT NULL DEFAULT '',
			onchain INTEGER NOT NULL DEFAULT 0,
			auto_requeue_json TEXT NOT NULL DEFAULT '[]',
			combat_json TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS queue (
			fighter_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			auto_requeue INTEGER NOT NULL,
			joined_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_joined ON queue(joined_at);`,
		`CREATE TABLE IF NOT EXISTS turn_submissions (
			rumble_id INTEGER NOT NULL,
			turn INTEGER NOT NULL,
			fighter_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			hash TEXT NOT NULL DEFAULT '',
			move TEXT NOT NULL DEFAULT '',
			salt TEXT NOT NULL DEFAULT '',
			received_at TEXT NOT NULL,
			PRIMARY KEY (rumble_id, turn, fighter_id, kind)
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			rumble_id INTEGER NOT NULL,
			turn INTEGER NOT NULL,
			slot_index INTEGER NOT NULL,
			data_json TEXT NOT NULL,
			PRIMARY KEY (rumble_id, turn)
		);`,
		`CREATE TABLE IF NOT EXISTS rumbles (
			rumble_id INTEGER PRIMARY KEY,
			slot_index INTEGER NOT NULL,
			fighters_json TEXT NOT NULL,
			placements_json TEXT NOT NULL,
			winner_id TEXT NOT NULL,
			turns INTEGER NOT NULL,
			archive_path TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fighters (
			fighter_id TEXT PRIMARY KEY,
			rumbles INTEGER NOT NULL DEFAULT 0,
			wins INTEGER NOT NULL DEFAULT 0,
			podiums INTEGER NOT NULL DEFAULT 0,
			damage_dealt INTEGER NOT NULL DEFAULT 0,
			damage_taken INTEGER NOT NULL DEFAULT 0,
			last_rumble_id INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS fighter_endpoints (
			fighter_id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EnsureSlots creates idle rows for slot indices [0,n) that do not exist yet.
func (s *SQLiteStore) EnsureSlots(ctx context.Context, n int, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for i := 0; i < n; i++ {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO slots(slot_index,state,state_since,updated_at) VALUES(?,?,?,?)`,
			i, "idle", fmtTime(now), fmtTime(now),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const slotCols = `slot_index,state,rumble_id,fighters_json,turn_count,remaining,betting_deadline,state_since,cycle_started_at,onchain,auto_requeue_json,combat_json,version,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSlot(r scanner) (Slot, error) {
	var (
		sl                                Slot
		rumbleID                          int64
		fightersJSON, requeueJSON, combat string
		deadline, since, cycle, updated   string
		onchain                           int
	)
	if err := r.Scan(&sl.Index, &sl.State, &rumbleID, &fightersJSON, &sl.TurnCount, &sl.Remaining,
		&deadline, &since, &cycle, &onchain, &requeueJSON, &combat, &sl.Version, &updated); err != nil {
		return Slot{}, err
	}
	sl.RumbleID = uint64(rumbleID)
	if err := json.Unmarshal([]byte(fightersJSON), &sl.Fighters); err != nil {
		return Slot{}, fmt.Errorf("slot %d fighters: %w", sl.Index, err)
	}
	if err := json.Unmarshal([]byte(requeueJSON), &sl.AutoRequeue); err != nil {
		return Slot{}, fmt.Errorf("slot %d auto_requeue: %w", sl.Index, err)
	}
	if combat != "" {
		sl.Combat = json.RawMessage(combat)
	}
	sl.BettingDeadline = parseTime(deadline)
	sl.StateSince = parseTime(since)
	sl.CycleStartedAt = parseTime(cycle)
	sl.UpdatedAt = parseTime(updated)
	sl.Onchain = onchain != 0
	return sl, nil
}

func (s *SQLiteStore) querySlots(ctx context.Context, where string, args ...any) ([]Slot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+slotCols+` FROM slots `+where+` ORDER BY slot_index`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Slot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadSlots(ctx context.Context) ([]Slot, error) {
	return s.querySlots(ctx, "")
}

func (s *SQLiteStore) LoadActiveSlots(ctx context.Context) ([]Slot, error) {
	return s.querySlots(ctx, "WHERE state <> 'idle'")
}

func (s *SQLiteStore) LoadSlot(ctx context.Context, index int) (Slot, error) {
	sl, err := scanSlot(s.db.QueryRowContext(ctx, `SELECT `+slotCols+` FROM slots WHERE slot_index=?`, index))
	if errors.Is(err, sql.ErrNoRows) {
		return Slot{}, ErrNotFound
	}
	return sl, err
}

func (s *SQLiteStore) SaveSlotState(ctx context.Context, sl Slot, fx Effects, now time.Time) (Slot, error) {
	fighters, err := json.Marshal(nonNil(sl.Fighters))
	if err != nil {
		return Slot{}, err
	}
	requeue, err := json.Marshal(nonNil(sl.AutoRequeue))
	if err != nil {
		return Slot{}, err
	}
	sl.UpdatedAt = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Slot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE slots SET
			state=?, rumble_id=?, fighters_json=?, turn_count=?, remaining=?,
			betting_deadline=?, state_since=?, cycle_started_at=?, onchain=?,
			auto_requeue_json=?, combat_json=?, version=version+1, updated_at=?
		WHERE slot_index=? AND version=?`,
		sl.State, int64(sl.RumbleID), string(fighters), sl.TurnCount, sl.Remaining,
		fmtTime(sl.BettingDeadline), fmtTime(sl.StateSince), fmtTime(sl.CycleStartedAt), boolInt(sl.Onchain),
		string(requeue), string(sl.Combat), fmtTime(sl.UpdatedAt),
		sl.Index, sl.Version,
	)
	if err != nil {
		return Slot{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return Slot{}, err
	} else if n != 1 {
		return Slot{}, ErrStaleState
	}

	for _, id := range fx.Consume {
		res, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE fighter_id=?`, id)
		if err != nil {
			return Slot{}, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return Slot{}, err
		} else if n != 1 {
			return Slot{}, ErrStaleState
		}
	}
	for _, q := range fx.Requeue {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO queue(fighter_id,status,auto_requeue,joined_at) VALUES(?,?,?,?)`,
			q.FighterID, q.Status, boolInt(q.AutoRequeue), fmtTime(q.JoinedAt),
		); err != nil {
			return Slot{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Slot{}, err
	}
	sl.Version++
	return sl, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s *SQLiteStore) LoadQueueFighters(ctx context.Context) ([]QueueFighter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fighter_id,status,auto_requeue,joined_at FROM queue ORDER BY joined_at, fighter_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueueFighter
	for rows.Next() {
		var (
			q      QueueFighter
			auto   int
			joined string
		)
		if err := rows.Scan(&q.FighterID, &q.Status, &auto, &joined); err != nil {
			return nil, err
		}
		q.AutoRequeue = auto != 0
		q.JoinedAt = parseTime(joined)
		out = append(out, q)
	}
	return out, rows.Err()
}

// SaveQueueFighter inserts a queue row or updates status and auto-requeue
// while keeping the original join time. A fighter seated in a non-idle slot
// may only be written with auto-requeue set; otherwise ErrActive.
func (s *SQLiteStore) SaveQueueFighter(ctx context.Context, q QueueFighter) error {
	if q.FighterID == "" {
		return fmt.Errorf("empty fighter id")
	}
	if q.JoinedAt.IsZero() {
		return fmt.Errorf("queue fighter %s: zero join time", q.FighterID)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO queue(fighter_id,status,auto_requeue,joined_at)
		SELECT ?,?,?,?
		WHERE ? = 1 OR NOT EXISTS (
			SELECT 1 FROM slots, json_each(slots.fighters_json)
			WHERE slots.state <> 'idle' AND json_each.value = ?
		)
		ON CONFLICT(fighter_id) DO UPDATE SET status=excluded.status, auto_requeue=excluded.auto_requeue`,
		q.FighterID, q.Status, boolInt(q.AutoRequeue), fmtTime(q.JoinedAt),
		boolInt(q.AutoRequeue), q.FighterID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrActive
	}
	return nil
}

func (s *SQLiteStore) RemoveQueueFighter(ctx context.Context, fighterID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE fighter_id=?`, fighterID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// NextRumbleID hands out ids from a counter seeded with the current unix time,
// so a fresh database does not collide with rumble accounts created earlier.
func (s *SQLiteStore) NextRumbleID(ctx context.Context) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur uint64
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='next_rumble_id'`).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		cur = uint64(time.Now().Unix())
	case err != nil:
		return 0, err
	default:
		if _, err := fmt.Sscanf(raw, "%d", &cur); err != nil {
			return 0, fmt.Errorf("meta next_rumble_id: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES('next_rumble_id',?)`, fmt.Sprintf("%d", cur+1)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return cur, nil
}

// PutSubmission stores the first commit or reveal per fighter and turn. The
// insert is a compare-and-set on the slot running the turn: it needs the slot
// still at version and bumps it, so a tick that read the slot before the
// submission landed loses its own write instead of sealing without it.
// It reports false, leaving the version alone, when one was already on record.
func (s *SQLiteStore) PutSubmission(ctx context.Context, slotIndex int, version int64, sub Submission) (bool, error) {
	if sub.Kind != SubmissionCommit && sub.Kind != SubmissionReveal {
		return false, fmt.Errorf("bad submission kind %q", sub.Kind)
	}
	if sub.ReceivedAt.IsZero() {
		return false, fmt.Errorf("submission from %s: zero receive time", sub.FighterID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE slots SET version=version+1, updated_at=? WHERE slot_index=? AND version=?`,
		fmtTime(sub.ReceivedAt), slotIndex, version)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n != 1 {
		return false, ErrStaleState
	}

	res, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO turn_submissions(rumble_id,turn,fighter_id,kind,hash,move,salt,received_at)
		VALUES(?,?,?,?,?,?,?,?)`,
		int64(sub.RumbleID), sub.Turn, sub.FighterID, sub.Kind, strings.ToLower(sub.Hash), sub.Move, sub.Salt, fmtTime(sub.ReceivedAt))
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, nil
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) LoadSubmissions(ctx context.Context, rumbleID uint64, turn int) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fighter_id,kind,hash,move,salt,received_at FROM turn_submissions
		WHERE rumble_id=? AND turn=? ORDER BY received_at, fighter_id, kind`, int64(rumbleID), turn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Submission
	for rows.Next() {
		sub := Submission{RumbleID: rumbleID, Turn: turn}
		var received string
		if err := rows.Scan(&sub.FighterID, &sub.Kind, &sub.Hash, &sub.Move, &sub.Salt, &received); err != nil {
			return nil, err
		}
		sub.ReceivedAt = parseTime(received)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// AppendTurn records a sealed turn. Sealed turns never change, so a repeat
// insert from a racing process is ignored.
func (s *SQLiteStore) AppendTurn(ctx context.Context, rec TurnRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO turns(rumble_id,turn,slot_index,data_json) VALUES(?,?,?,?)`,
		int64(rec.RumbleID), rec.Turn, rec.SlotIdx, string(rec.Data))
	return err
}

func (s *SQLiteStore) LoadTurns(ctx context.Context, rumbleID uint64) ([]TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT turn,slot_index,data_json FROM turns WHERE rumble_id=? ORDER BY turn`, int64(rumbleID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TurnRecord
	for rows.Next() {
		rec := TurnRecord{RumbleID: rumbleID}
		var data string
		if err := rows.Scan(&rec.Turn, &rec.SlotIdx, &data); err != nil {
			return nil, err
		}
		rec.Data = json.RawMessage(data)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordRumble stores a finished rumble and folds it into fighter records.
// Recording the same rumble twice leaves the records untouched.
func (s *SQLiteStore) RecordRumble(ctx context.Context, rec RumbleRecord) error {
	fighters, err := json.Marshal(nonNil(rec.Fighters))
	if err != nil {
		return err
	}
	placements, err := json.Marshal(rec.Placements)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO rumbles(rumble_id,slot_index,fighters_json,placements_json,winner_id,turns,archive_path,started_at,finished_at)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		int64(rec.RumbleID), rec.SlotIndex, string(fighters), string(placements), rec.WinnerID, rec.Turns,
		rec.ArchivePath, fmtTime(rec.StartedAt), fmtTime(rec.FinishedAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	for _, p := range rec.Placements {
		win, podium := 0, 0
		if p.Placement == 1 {
			win = 1
		}
		if p.Placement >= 1 && p.Placement <= 3 {
			podium = 1
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO fighters(fighter_id,rumbles,wins,podiums,damage_dealt,damage_taken,last_rumble_id)
			VALUES(?,1,?,?,?,?,?)
			ON CONFLICT(fighter_id) DO UPDATE SET
				rumbles=rumbles+1,
				wins=wins+excluded.wins,
				podiums=podiums+excluded.podiums,
				damage_dealt=damage_dealt+excluded.damage_dealt,
				damage_taken=damage_taken+excluded.damage_taken,
				last_rumble_id=excluded.last_rumble_id`,
			p.FighterID, win, podium, p.DamageDealt, p.DamageTaken, int64(rec.RumbleID)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const rumbleCols = `rumble_id,slot_index,fighters_json,placements_json,winner_id,turns,archive_path,started_at,finished_at`

func scanRumble(r scanner) (RumbleRecord, error) {
	var (
		rec                  RumbleRecord
		id                   int64
		fighters, placements string
		started, finished    string
	)
	if err := r.Scan(&id, &rec.SlotIndex, &fighters, &placements, &rec.WinnerID, &rec.Turns, &rec.ArchivePath, &started, &finished); err != nil {
		return RumbleRecord{}, err
	}
	rec.RumbleID = uint64(id)
	if err := json.Unmarshal([]byte(fighters), &rec.Fighters); err != nil {
		return RumbleRecord{}, err
	}
	if err := json.Unmarshal([]byte(placements), &rec.Placements); err != nil {
		return RumbleRecord{}, err
	}
	rec.StartedAt = parseTime(started)
	rec.FinishedAt = parseTime(finished)
	return rec, nil
}

func (s *SQLiteStore) LoadRumble(ctx context.Context, rumbleID uint64) (RumbleRecord, error) {
	rec, err := scanRumble(s.db.QueryRowContext(ctx, `SELECT `+rumbleCols+` FROM rumbles WHERE rumble_id=?`, int64(rumbleID)))
	if errors.Is(err, sql.ErrNoRows) {
		return RumbleRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) RecentRumbles(ctx context.Context, limit int) ([]RumbleRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+rumbleCols+` FROM rumbles ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RumbleRecord
	for rows.Next() {
		rec, err := scanRumble(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadFighterRecord(ctx context.Context, fighterID string) (FighterRecord, error) {
	rec := FighterRecord{FighterID: fighterID}
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT rumbles,wins,podiums,damage_dealt,damage_taken,last_rumble_id FROM fighters WHERE fighter_id=?`, fighterID).
		Scan(&rec.Rumbles, &rec.Wins, &rec.Podiums, &rec.DamageDealt, &rec.DamageTaken, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	rec.LastRumbleID = uint64(last)
	return rec, err
}

func (s *SQLiteStore) SaveFighterEndpoint(ctx context.Context, fighterID, url string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO fighter_endpoints(fighter_id,url,updated_at) VALUES(?,?,?)
		ON CONFLICT(fighter_id) DO UPDATE SET url=excluded.url, updated_at=excluded.updated_at`,
		fighterID, url, fmtTime(now))
	return err
}

func (s *SQLiteStore) LoadFighterEndpoint(ctx context.Context, fighterID string) (string, error) {
	var url string
	err := s.db.QueryRowContext(ctx, `SELECT url FROM fighter_endpoints WHERE fighter_id=?`, fighterID).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return url, err
}
