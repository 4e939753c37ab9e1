// Package memory provides SQLite-based persistence for conversation
// turns, keyed by session. The database is opened lazily and created on
// first use. If opening the DB or executing queries fails, the store
// falls back to in-memory storage so a broken disk never takes the bot
// down.
package memory

import (
	"database/sql"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/daiyosei/cirno-go/internal/config"
	"github.com/daiyosei/cirno-go/internal/logger"
)

// Store retains a bounded window of turns per session. Appends within
// one session are serialized by a per-session lock so readers never see
// a partially appended session.
type Store struct {
	cfg config.MemoryConfig

	dbOnce  sync.Once
	db      *sql.DB
	initErr error

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	fallback map[string][]Turn // in-memory copy, also the fallback when sqlite is unavailable
	nextID   int64
}

// NewStore creates a store with the given retention policy. The
// database is not touched until the first append or read.
func NewStore(cfg config.MemoryConfig) *Store {
	return &Store{
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
		fallback: make(map[string][]Turn),
	}
}

// MaxTurns returns the configured per-session retention count.
func (s *Store) MaxTurns() int { return s.cfg.MaxTurns }

func (s *Store) initDB() {
	db, err := sql.Open("sqlite", "file:"+s.cfg.DBPath+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		s.initErr = err
		logger.L.Warn("sqlite open failed; using in-memory turn store", "error", err)
		return
	}
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT,
		image_url TEXT,
		tool_name TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);`); err != nil {
		s.initErr = err
		logger.L.Warn("sqlite table creation failed; using in-memory turn store", "error", err)
		return
	}
	s.db = db
	logger.L.Info("sqlite turn store initialized", "path", s.cfg.DBPath)
}

// sessionLock returns the mutex guarding one session's turn sequence.
func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Append stores a turn at the end of its session's sequence and applies
// the retention policy.
func (s *Store) Append(sessionID string, turn Turn) {
	s.dbOnce.Do(s.initDB)

	turn.SessionID = sessionID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if s.initErr == nil && s.db != nil {
		res, err := s.db.Exec(
			`INSERT INTO turns (session_id, role, content, image_url, tool_name, created_at) VALUES (?,?,?,?,?,?);`,
			turn.SessionID, turn.Role, turn.Content, turn.ImageURL, turn.ToolName, turn.CreatedAt,
		)
		if err != nil {
			logger.L.Error("failed to store turn in sqlite; falling back to memory", "error", err)
		} else if id, err := res.LastInsertId(); err == nil {
			turn.ID = id
		}
	}

	s.mu.Lock()
	if turn.ID == 0 {
		s.nextID++
		turn.ID = s.nextID
	}
	s.fallback[sessionID] = append(s.fallback[sessionID], turn)
	s.mu.Unlock()

	s.trim(sessionID)
}

// Recent returns at most limit turns of a session in chronological
// order. Turns from other sessions never appear.
func (s *Store) Recent(sessionID string, limit int) []Turn {
	s.dbOnce.Do(s.initDB)
	if limit <= 0 {
		return nil
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	cutoff := s.ttlCutoff()

	if s.initErr == nil && s.db != nil {
		rows, err := s.db.Query(
			`SELECT id, session_id, role, content, image_url, tool_name, created_at
			 FROM turns WHERE session_id = ? AND created_at >= ?
			 ORDER BY id DESC LIMIT ?;`,
			sessionID, cutoff, limit,
		)
		if err == nil {
			defer rows.Close()
			var out []Turn
			for rows.Next() {
				var t Turn
				if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.ImageURL, &t.ToolName, &t.CreatedAt); err == nil {
					out = append(out, t)
				}
			}
			sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
			return out
		}
		logger.L.Error("sqlite query failed; reading from memory", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.fallback[sessionID]
	var out []Turn
	for _, t := range turns {
		if !t.CreatedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (s *Store) ttlCutoff() time.Time {
	if s.cfg.TTL <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-s.cfg.TTL)
}

// trim enforces the per-session max turn count. Caller holds the
// session lock.
func (s *Store) trim(sessionID string) {
	max := s.cfg.MaxTurns
	if max <= 0 {
		return
	}

	s.mu.Lock()
	if turns := s.fallback[sessionID]; len(turns) > max {
		trimmed := make([]Turn, max)
		copy(trimmed, turns[len(turns)-max:])
		s.fallback[sessionID] = trimmed
	}
	s.mu.Unlock()

	if s.initErr == nil && s.db != nil {
		_, err := s.db.Exec(
			`DELETE FROM turns WHERE session_id = ? AND id NOT IN (
				SELECT id FROM turns WHERE session_id = ? ORDER BY id DESC LIMIT ?
			);`,
			sessionID, sessionID, max,
		)
		if err != nil {
			logger.L.Warn("sqlite retention trim failed", "error", err)
		}
	}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
