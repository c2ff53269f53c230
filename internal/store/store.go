// Package store implements the relational log: conversations, messages,
// and mission logs, over a database/sql pool backed by lib/pq.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/marketpulse/missioncore/internal/telemetry"
)

// Mission statuses, monotonic: PENDING -> IN_PROGRESS -> a terminal status
// reached at most once.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"

	queryMaxLen = 255
	titleMaxLen = 60
)

// Conversation is the top-level identity a mission and its messages belong
// to. It never materializes a back-pointer to its missions/messages; those
// are resolved via a WHERE conversation_id = ? query.
type Conversation struct {
	ID        int64
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one append-only turn in a conversation.
type Message struct {
	ID             int64
	ConversationID int64
	Role           string
	Content        string
	CreatedAt      time.Time
}

// MissionLog captures one mission attempt.
type MissionLog struct {
	ID             int64
	ConversationID int64
	Query          string
	Response       string
	Status         string
	CreatedAt      time.Time
}

// ErrTerminal is returned when a caller attempts to move a MissionLog past
// its terminal status.
type ErrTerminal struct {
	MissionID int64
	Status    string
}

func (e *ErrTerminal) Error() string {
	return fmt.Sprintf("mission %d already reached terminal status %s", e.MissionID, e.Status)
}

// ErrNotFound is returned when a lookup by id finds no row.
type ErrNotFound struct {
	Entity string
	ID     int64
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// Store wraps the relational connection pool. It is a process-wide
// singleton, constructed once by the process entry point.
type Store struct {
	db  *sql.DB
	tel *telemetry.Telemetry
}

// Open builds a connection pool against dsn (defaults: max open 15,
// 5-minute lifetime) and pre-pings it before returning.
func Open(dsn string, maxOpenConns int, connMaxLifetime time.Duration, tel *telemetry.Telemetry) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxOpenConns <= 0 {
		maxOpenConns = 15
	}
	if connMaxLifetime <= 0 {
		connMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db, tel), nil
}

// New wraps an already-configured *sql.DB, used directly by tests against a
// sqlmock connection.
func New(db *sql.DB, tel *telemetry.Telemetry) *Store {
	return &Store{db: db, tel: tel}
}

// DB exposes the underlying pool, used by the Vector Store Adapter which
// shares the same Postgres instance.
func (s *Store) DB() *sql.DB { return s.db }

// Ping is used by the health check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// deriveTitle collapses whitespace and truncates to 60 chars, appending
// "..." (first 57 chars + suffix) when truncation occurs.
func deriveTitle(firstInput string) string {
	collapsed := strings.TrimSpace(whitespaceRun.ReplaceAllString(firstInput, " "))
	if len(collapsed) <= titleMaxLen {
		return collapsed
	}
	runes := []rune(collapsed)
	if len(runes) <= titleMaxLen {
		return collapsed
	}
	return string(runes[:titleMaxLen-3]) + "..."
}

// EnsureConversation returns an existing conversation id verbatim, or
// creates a new conversation titled from firstInput when id is nil.
func (s *Store) EnsureConversation(ctx context.Context, id *int64, firstInput string) (int64, error) {
	if id != nil {
		var exists bool
		err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`, *id).Scan(&exists)
		if err != nil {
			return 0, fmt.Errorf("check conversation: %w", err)
		}
		if !exists {
			return 0, &ErrNotFound{Entity: "conversation", ID: *id}
		}
		return *id, nil
	}
	return s.CreateConversation(ctx, deriveTitle(firstInput))
}

// CreateConversation inserts a new conversation row.
func (s *Store) CreateConversation(ctx context.Context, title string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO conversations (title, created_at, updated_at) VALUES ($1, now(), now()) RETURNING id`,
		title,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// GetConversation fetches a single conversation by id.
func (s *Store) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "conversation", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// DeleteConversation removes a conversation; the schema's ON DELETE CASCADE
// foreign keys take care of its messages and mission logs.
func (s *Store) DeleteConversation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &ErrNotFound{Entity: "conversation", ID: id}
	}
	return nil
}

// AppendMessage records one append-only turn.
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, role, content string) error {
	if role != roleUser && role != roleAssistant {
		return fmt.Errorf("invalid message role %q", role)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES ($1, $2, $3, now())`,
		conversationID, role, content,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// CreateMissionLog inserts a PENDING mission row, truncating query to 255
// chars. One row is created per mission attempt.
func (s *Store) CreateMissionLog(ctx context.Context, conversationID int64, query string) (int64, error) {
	if len(query) > queryMaxLen {
		query = query[:queryMaxLen]
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO mission_logs (conversation_id, query, response, status, created_at) VALUES ($1, $2, '', $3, now()) RETURNING id`,
		conversationID, query, StatusPending,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create mission log: %w", err)
	}
	return id, nil
}

// MarkInProgress transitions PENDING -> IN_PROGRESS.
func (s *Store) MarkInProgress(ctx context.Context, missionID int64) error {
	return s.transition(ctx, missionID, StatusInProgress, "", []string{StatusPending})
}

// CompleteMission transitions to the terminal COMPLETED status with the
// full synthesized report.
func (s *Store) CompleteMission(ctx context.Context, missionID int64, report string) error {
	return s.transition(ctx, missionID, StatusCompleted, report, []string{StatusPending, StatusInProgress})
}

// FailMission transitions to the terminal FAILED status with the
// partial/error response.
func (s *Store) FailMission(ctx context.Context, missionID int64, response string) error {
	return s.transition(ctx, missionID, StatusFailed, response, []string{StatusPending, StatusInProgress})
}

func (s *Store) transition(ctx context.Context, missionID int64, newStatus, response string, allowedFrom []string) error {
	placeholders := make([]string, len(allowedFrom))
	args := make([]any, 0, len(allowedFrom)+3)
	args = append(args, newStatus, response, missionID)
	for i, st := range allowedFrom {
		placeholders[i] = fmt.Sprintf("$%d", i+4)
		args = append(args, st)
	}
	stmt := fmt.Sprintf(
		`UPDATE mission_logs SET status = $1, response = CASE WHEN $2 = '' THEN response ELSE $2 END WHERE id = $3 AND status IN (%s)`,
		strings.Join(placeholders, ", "),
	)
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("transition mission %d to %s: %w", missionID, newStatus, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var current string
		if scanErr := s.db.QueryRowContext(ctx, `SELECT status FROM mission_logs WHERE id = $1`, missionID).Scan(&current); scanErr == nil {
			if current == StatusCompleted || current == StatusFailed {
				return &ErrTerminal{MissionID: missionID, Status: current}
			}
		}
		return &ErrNotFound{Entity: "mission_log", ID: missionID}
	}
	return nil
}

// ListMissionLogs returns all mission logs ordered by created_at
// descending, for the reports-listing external interface.
func (s *Store) ListMissionLogs(ctx context.Context) ([]MissionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, query, response, status, created_at FROM mission_logs ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list mission logs: %w", err)
	}
	defer rows.Close()

	var out []MissionLog
	for rows.Next() {
		var m MissionLog
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Query, &m.Response, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mission log: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMissionLog fetches one mission log by id.
func (s *Store) GetMissionLog(ctx context.Context, id int64) (*MissionLog, error) {
	var m MissionLog
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, query, response, status, created_at FROM mission_logs WHERE id = $1`, id,
	).Scan(&m.ID, &m.ConversationID, &m.Query, &m.Response, &m.Status, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "mission_log", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get mission log: %w", err)
	}
	return &m, nil
}

// Stats summarizes mission counts by terminal status for the stats
// external interface.
type Stats struct {
	TotalMissions     int
	CompletedMissions int
	FailedMissions    int
}

// Stats computes {total_missions, completed_missions, failed_missions}.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2)
		FROM mission_logs
	`, StatusCompleted, StatusFailed).Scan(&st.TotalMissions, &st.CompletedMissions, &st.FailedMissions)
	if err != nil {
		return Stats{}, fmt.Errorf("mission stats: %w", err)
	}
	return st, nil
}
