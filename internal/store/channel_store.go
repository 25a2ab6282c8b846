package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/omnidesk/internal/domain"
)

var (
	// ErrNotFound is returned when a channel ID is unknown.
	ErrNotFound = domain.ErrChannelNotFound
	// ErrDuplicateName is returned when a channel name is already taken.
	ErrDuplicateName = errors.New("channel name already exists")
)

const timeLayout = time.RFC3339Nano

// ChannelStore persists channel records. It is the only place channel IDs
// are minted.
type ChannelStore struct {
	db *DB
}

// NewChannelStore creates a channel store using the given database.
func NewChannelStore(db *DB) *ChannelStore {
	return &ChannelStore{db: db}
}

// CreateChannel registers a new channel in the disconnected state.
func (s *ChannelStore) CreateChannel(ctx context.Context, name string, typ domain.ChannelType) (domain.ChannelRecord, error) {
	now := time.Now().UTC()
	rec := domain.ChannelRecord{
		ID:        uuid.New().String(),
		Name:      name,
		Type:      typ,
		State:     domain.StateDisconnected,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO channels (id, name, type, state, connected, last_error, last_synced_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, '', '', ?, ?)`,
		rec.ID, rec.Name, string(rec.Type), string(rec.State),
		now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ChannelRecord{}, fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		return domain.ChannelRecord{}, fmt.Errorf("inserting channel: %w", err)
	}

	s.db.log.Info().Str("channel", rec.ID).Str("name", name).Str("type", string(typ)).Msg("channel created")
	return rec, nil
}

// EnsureChannel returns the channel with the given name, creating it if needed.
func (s *ChannelStore) EnsureChannel(ctx context.Context, name string, typ domain.ChannelType) (domain.ChannelRecord, bool, error) {
	row := s.db.sql.QueryRowContext(ctx, selectChannel+` WHERE name = ?`, name)
	rec, err := scanChannel(row)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.ChannelRecord{}, false, err
	}
	rec, err = s.CreateChannel(ctx, name, typ)
	return rec, err == nil, err
}

// GetChannel returns a channel by ID.
func (s *ChannelStore) GetChannel(ctx context.Context, id string) (domain.ChannelRecord, error) {
	row := s.db.sql.QueryRowContext(ctx, selectChannel+` WHERE id = ?`, id)
	return scanChannel(row)
}

// ListChannels returns all channels ordered by name.
func (s *ChannelStore) ListChannels(ctx context.Context) ([]domain.ChannelRecord, error) {
	rows, err := s.db.sql.QueryContext(ctx, selectChannel+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	defer rows.Close()

	var recs []domain.ChannelRecord
	for rows.Next() {
		rec, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UpdateChannelState records the last-known connection state of a channel.
func (s *ChannelStore) UpdateChannelState(ctx context.Context, id string, u domain.ChannelStateUpdate) error {
	connected := 0
	if u.Connected {
		connected = 1
	}
	syncedAt := u.LastSyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}

	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE channels
		 SET state = ?, connected = ?, last_error = ?, last_synced_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(u.State), connected, u.LastError,
		syncedAt.UTC().Format(timeLayout), time.Now().UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("updating channel %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating channel %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// DeleteChannel removes a channel by ID.
func (s *ChannelStore) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.db.sql.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting channel %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.db.log.Info().Str("channel", id).Msg("channel deleted")
	return nil
}

const selectChannel = `SELECT id, name, type, state, connected, last_error, last_synced_at, created_at, updated_at FROM channels`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (domain.ChannelRecord, error) {
	var (
		rec                            domain.ChannelRecord
		typ, state                     string
		connected                      int
		syncedAt, createdAt, updatedAt string
	)
	err := row.Scan(&rec.ID, &rec.Name, &typ, &state, &connected, &rec.LastError, &syncedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ChannelRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.ChannelRecord{}, fmt.Errorf("scanning channel: %w", err)
	}

	rec.Type = domain.ChannelType(typ)
	rec.State = domain.ConnectionState(state)
	rec.Connected = connected != 0
	rec.LastSyncedAt = parseTime(syncedAt)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

// parseTime accepts both our own layout and SQLite's datetime('now') default.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.DateTime, s)
	return t
}
