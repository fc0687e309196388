// Package sqlite provides a SQLite-backed lobby storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/storage"
	"github.com/dkeye/Lobby/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists positions, friendships and friend chats in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps SQLITE_BUSY out of the fire-and-forget paths.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// GetPosition returns storage.ErrNotFound when the subject has no saved pose.
func (s *Store) GetPosition(ctx context.Context, subjectID string) (domain.Pose, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Pose{}, err
	}
	var p domain.Pose
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT x, y, z, qx, qy, qz, qw FROM positions WHERE subject_id = ?`,
		subjectID,
	).Scan(
		&p.Coords.X, &p.Coords.Y, &p.Coords.Z,
		&p.Quaternion.X, &p.Quaternion.Y, &p.Quaternion.Z, &p.Quaternion.W,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Pose{}, storage.ErrNotFound
		}
		return domain.Pose{}, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

func (s *Store) PutPosition(ctx context.Context, subjectID string, pose domain.Pose) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(subjectID) == "" {
		return fmt.Errorf("subject id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO positions (subject_id, x, y, z, qx, qy, qz, qw, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(subject_id) DO UPDATE SET
		   x = excluded.x, y = excluded.y, z = excluded.z,
		   qx = excluded.qx, qy = excluded.qy, qz = excluded.qz, qw = excluded.qw,
		   updated_at = excluded.updated_at`,
		subjectID,
		pose.Coords.X, pose.Coords.Y, pose.Coords.Z,
		pose.Quaternion.X, pose.Quaternion.Y, pose.Quaternion.Z, pose.Quaternion.W,
		toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("put position: %w", err)
	}
	return nil
}

func (s *Store) GetFriends(ctx context.Context, subjectID string) ([]domain.Friend, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT friend_uid, friend_name, created_at
		 FROM friends
		 WHERE owner_uid = ?
		 ORDER BY created_at ASC, friend_uid ASC`,
		subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("get friends: %w", err)
	}
	defer rows.Close()

	friends := make([]domain.Friend, 0)
	for rows.Next() {
		var (
			f         domain.Friend
			createdAt int64
		)
		if err := rows.Scan(&f.UID, &f.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("get friends: %w", err)
		}
		f.CreatedAt = fromMillis(createdAt)
		friends = append(friends, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get friends: %w", err)
	}
	return friends, nil
}

func (s *Store) FriendExists(ctx context.Context, subjectID string, otherID string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	var found int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM friends WHERE owner_uid = ? AND friend_uid = ?`,
		subjectID, otherID,
	).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("friend exists: %w", err)
	}
	return true, nil
}

func (s *Store) AtomicAddFriendPair(ctx context.Context, a domain.FriendRef, b domain.FriendRef) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := checkPair(a.UID, b.UID); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add friend pair: %w", err)
	}
	if err := addPair(ctx, tx, a, b, toMillis(s.now())); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("add friend pair: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add friend pair: %w", err)
	}
	return nil
}

func (s *Store) RequestFriendship(ctx context.Context, from domain.FriendRef, to domain.FriendRef) (storage.FriendRequestOutcome, domain.FriendRef, error) {
	if err := s.ready(ctx); err != nil {
		return 0, to, err
	}
	if err := checkPair(from.UID, to.UID); err != nil {
		return 0, to, err
	}
	now := toMillis(s.now())

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, to, fmt.Errorf("request friendship: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var found int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM friends WHERE owner_uid = ? AND friend_uid = ?`,
		from.UID, to.UID,
	).Scan(&found)
	switch {
	case err == nil:
		return storage.AlreadyFriends, to, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, to, fmt.Errorf("request friendship: %w", err)
	}

	var reverseName string
	err = tx.QueryRowContext(ctx,
		`SELECT from_name FROM friend_requests WHERE to_uid = ? AND from_uid = ?`,
		from.UID, to.UID,
	).Scan(&reverseName)
	switch {
	case err == nil:
		if to.Name == "" {
			to.Name = reverseName
		}
		if err := addPair(ctx, tx, from, to, now); err != nil {
			return 0, to, fmt.Errorf("request friendship: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, to, fmt.Errorf("request friendship: %w", err)
		}
		return storage.FriendsAdded, to, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, to, fmt.Errorf("request friendship: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO friend_requests (to_uid, from_uid, from_name, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(to_uid, from_uid) DO UPDATE SET
		   from_name = excluded.from_name,
		   created_at = excluded.created_at`,
		to.UID, from.UID, from.Name, now,
	); err != nil {
		return 0, to, fmt.Errorf("request friendship: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, to, fmt.Errorf("request friendship: %w", err)
	}
	return storage.RequestStored, to, nil
}

func (s *Store) AcceptFriendRequest(ctx context.Context, to domain.FriendRef, fromUID string) (domain.FriendRequest, error) {
	if err := s.ready(ctx); err != nil {
		return domain.FriendRequest{}, err
	}
	if err := checkPair(to.UID, fromUID); err != nil {
		return domain.FriendRequest{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FriendRequest{}, fmt.Errorf("accept friend request: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	req := domain.FriendRequest{ToUID: to.UID, FromUID: fromUID}
	var createdAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT from_name, created_at FROM friend_requests WHERE to_uid = ? AND from_uid = ?`,
		to.UID, fromUID,
	).Scan(&req.FromName, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FriendRequest{}, storage.ErrNotFound
		}
		return domain.FriendRequest{}, fmt.Errorf("accept friend request: %w", err)
	}
	req.CreatedAt = fromMillis(createdAt)

	if err := addPair(ctx, tx, to, domain.FriendRef{UID: fromUID, Name: req.FromName}, toMillis(s.now())); err != nil {
		return domain.FriendRequest{}, fmt.Errorf("accept friend request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.FriendRequest{}, fmt.Errorf("accept friend request: %w", err)
	}
	return req, nil
}

func checkPair(a, b string) error {
	if a == "" || b == "" {
		return fmt.Errorf("friend uids are required")
	}
	if a == b {
		return fmt.Errorf("friend uids must differ")
	}
	return nil
}

// addPair writes both directed edges and clears requests either way.
func addPair(ctx context.Context, tx *sql.Tx, a, b domain.FriendRef, now int64) error {
	const upsert = `INSERT INTO friends (owner_uid, friend_uid, friend_name, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(owner_uid, friend_uid) DO UPDATE SET friend_name = excluded.friend_name`
	if _, err := tx.ExecContext(ctx, upsert, a.UID, b.UID, b.Name, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, upsert, b.UID, a.UID, a.Name, now); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`DELETE FROM friend_requests
		 WHERE (to_uid = ? AND from_uid = ?) OR (to_uid = ? AND from_uid = ?)`,
		a.UID, b.UID, b.UID, a.UID,
	)
	return err
}

func (s *Store) GetFriendRequest(ctx context.Context, toUID string, fromUID string) (domain.FriendRequest, error) {
	if err := s.ready(ctx); err != nil {
		return domain.FriendRequest{}, err
	}
	req := domain.FriendRequest{ToUID: toUID}
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT from_uid, from_name, created_at
		 FROM friend_requests
		 WHERE to_uid = ? AND from_uid = ?`,
		toUID, fromUID,
	).Scan(&req.FromUID, &req.FromName, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FriendRequest{}, storage.ErrNotFound
		}
		return domain.FriendRequest{}, fmt.Errorf("get friend request: %w", err)
	}
	req.CreatedAt = fromMillis(createdAt)
	return req, nil
}

func (s *Store) ListFriendRequests(ctx context.Context, toUID string) ([]domain.FriendRequest, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT from_uid, from_name, created_at
		 FROM friend_requests
		 WHERE to_uid = ?
		 ORDER BY created_at ASC, from_uid ASC`,
		toUID,
	)
	if err != nil {
		return nil, fmt.Errorf("list friend requests: %w", err)
	}
	defer rows.Close()

	out := make([]domain.FriendRequest, 0)
	for rows.Next() {
		req := domain.FriendRequest{ToUID: toUID}
		var createdAt int64
		if err := rows.Scan(&req.FromUID, &req.FromName, &createdAt); err != nil {
			return nil, fmt.Errorf("list friend requests: %w", err)
		}
		req.CreatedAt = fromMillis(createdAt)
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list friend requests: %w", err)
	}
	return out, nil
}

func (s *Store) PutFriendRequest(ctx context.Context, req domain.FriendRequest) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if req.ToUID == "" || req.FromUID == "" {
		return fmt.Errorf("friend request uids are required")
	}
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO friend_requests (to_uid, from_uid, from_name, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(to_uid, from_uid) DO UPDATE SET
		   from_name = excluded.from_name,
		   created_at = excluded.created_at`,
		req.ToUID, req.FromUID, req.FromName, toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("put friend request: %w", err)
	}
	return nil
}

func (s *Store) DeleteFriendRequest(ctx context.Context, toUID string, fromUID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM friend_requests WHERE to_uid = ? AND from_uid = ?`,
		toUID, fromUID,
	)
	if err != nil {
		return fmt.Errorf("delete friend request: %w", err)
	}
	return nil
}

// GetChatHistory returns up to limit most recent messages, oldest first.
func (s *Store) GetChatHistory(ctx context.Context, chatKey string, limit int) ([]domain.ChatMessage, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT sender_uid, sender_name, message, sent_at
		 FROM chat_messages
		 WHERE chat_key = ?
		 ORDER BY sent_at DESC, id DESC
		 LIMIT ?`,
		chatKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get chat history: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ChatMessage, 0, limit)
	for rows.Next() {
		var m domain.ChatMessage
		if err := rows.Scan(&m.Sender, &m.SenderName, &m.Message, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("get chat history: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get chat history: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// AppendChatMessage stores msg and refreshes the thread summary in one transaction.
func (s *Store) AppendChatMessage(ctx context.Context, chatKey string, participants [2]string, msg domain.ChatMessage) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if chatKey == "" {
		return fmt.Errorf("chat key is required")
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (chat_key, sender_uid, sender_name, message, sent_at)
		 VALUES (?, ?, ?, ?, ?)`,
		chatKey, msg.Sender, msg.SenderName, msg.Message, msg.Timestamp,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("append chat message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats (chat_key, participant_a, participant_b, last_sender, last_message, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chat_key) DO UPDATE SET
		   last_sender = excluded.last_sender,
		   last_message = excluded.last_message,
		   updated_at = excluded.updated_at`,
		chatKey, participants[0], participants[1], msg.Sender, msg.Message, msg.Timestamp,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("append chat message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}
