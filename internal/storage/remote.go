package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/artai8/la/internal/config"
	"github.com/artai8/la/internal/model"
)

// MemberSink is the optional remote member store (settings target db1).
type MemberSink interface {
	InsertMembers(ctx context.Context, members []model.Member) error
	FetchUsernames(ctx context.Context, limit int) ([]string, error)
	Close()
}

// MessageSink is the optional remote chat-message store (settings target db2).
type MessageSink interface {
	InsertMessages(ctx context.Context, texts []string) error
	FetchMessages(ctx context.Context, limit int) ([]string, error)
	Close()
}

// PostgresMemberSink persists extracted members to a remote Postgres table.
type PostgresMemberSink struct {
	pool *pgxpool.Pool
}

// NewPostgresMemberSink connects to the configured target and ensures the
// members table exists.
func NewPostgresMemberSink(ctx context.Context, target config.RemoteDB) (*PostgresMemberSink, error) {
	connString := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		target.Host, target.Port, target.User, target.Pass, target.Name)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MaxConnLifetime = time.Hour

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(dialCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping member store: %w", err)
	}

	_, err = pool.Exec(dialCtx, `
		CREATE TABLE IF NOT EXISTS members (
			member_id BIGINT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			source_group TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to prepare member store: %w", err)
	}

	return &PostgresMemberSink{pool: pool}, nil
}

// InsertMembers upserts members keyed by their platform id.
func (s *PostgresMemberSink) InsertMembers(ctx context.Context, members []model.Member) error {
	for _, m := range members {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO members (member_id, username, first_name, last_name, source_group, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (member_id) DO UPDATE SET
				username = EXCLUDED.username,
				first_name = EXCLUDED.first_name,
				last_name = EXCLUDED.last_name,
				source_group = EXCLUDED.source_group,
				updated_at = now()`,
			m.ID, m.Username, m.FirstName, m.LastName, m.SourceGroup)
		if err != nil {
			return fmt.Errorf("failed to insert member %d: %w", m.ID, err)
		}
	}
	return nil
}

// FetchUsernames returns up to limit usernames from the remote store.
func (s *PostgresMemberSink) FetchUsernames(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT username FROM members WHERE username <> '' ORDER BY updated_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch members: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the connection pool.
func (s *PostgresMemberSink) Close() { s.pool.Close() }

// RedisMessageSink persists scraped chat messages to a remote Redis list.
type RedisMessageSink struct {
	client *redis.Client
	key    string
}

// NewRedisMessageSink connects to the configured target. The list key is the
// configured database name, falling back to "chat_messages".
func NewRedisMessageSink(ctx context.Context, target config.RemoteDB) (*RedisMessageSink, error) {
	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%s", target.Host, target.Port),
		Password:     target.Pass,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to message store: %w", err)
	}

	key := strings.TrimSpace(target.Name)
	if key == "" {
		key = "chat_messages"
	}
	return &RedisMessageSink{client: client, key: key}, nil
}

// InsertMessages appends texts to the message list.
func (s *RedisMessageSink) InsertMessages(ctx context.Context, texts []string) error {
	if len(texts) == 0 {
		return nil
	}
	args := make([]interface{}, len(texts))
	for i, t := range texts {
		args[i] = t
	}
	if err := s.client.RPush(ctx, s.key, args...).Err(); err != nil {
		return fmt.Errorf("failed to push messages: %w", err)
	}
	return nil
}

// FetchMessages returns up to limit stored messages.
func (s *RedisMessageSink) FetchMessages(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	vals, err := s.client.LRange(ctx, s.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return vals, nil
}

// Close closes the Redis connection.
func (s *RedisMessageSink) Close() { _ = s.client.Close() }
