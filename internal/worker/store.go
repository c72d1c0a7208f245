package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionRecord is the projected audit view of one session.
type SessionRecord struct {
	SessionID       string    `json:"session_id"`
	PatientID       string    `json:"patient_id,omitempty"`
	Mode            string    `json:"mode,omitempty"`
	Status          string    `json:"status"`
	Events          int64     `json:"events"`
	LastEvent       string    `json:"last_event"`
	PrimarySyndrome string    `json:"primary_syndrome,omitempty"`
	Completed       int64     `json:"completed_modalities"`
	Failed          int64     `json:"failed_modalities"`
	Error           string    `json:"error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Update is one projection step. Empty fields leave the stored value alone.
type Update struct {
	EventType       string
	At              time.Time
	PatientID       string
	Mode            string
	Status          string
	PrimarySyndrome string
	Error           string
	CompletedDelta  int64
	FailedDelta     int64
}

// RedisStore keeps session records as Redis hashes.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore stores records under prefix. Records and idempotency
// claims expire after ttl; zero keeps them forever.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "fivediag:audit"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + ":session:" + id }

func (s *RedisStore) claimKey(eventID string) string { return s.prefix + ":seen:" + eventID }

// ClaimEvent returns false when eventID was already processed.
func (s *RedisStore) ClaimEvent(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.claimKey(eventID), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", eventID, err)
	}
	return ok, nil
}

// ReleaseEvent drops a claim so the event can be processed again.
func (s *RedisStore) ReleaseEvent(ctx context.Context, eventID string) error {
	return s.client.Del(ctx, s.claimKey(eventID)).Err()
}

// Apply folds u into the record of sessionID.
func (s *RedisStore) Apply(ctx context.Context, sessionID string, u Update) error {
	key := s.sessionKey(sessionID)
	fields := map[string]any{
		"session_id": sessionID,
		"last_event": u.EventType,
		"updated_at": u.At.UTC().Format(time.RFC3339Nano),
	}
	for name, v := range map[string]string{
		"patient_id":       u.PatientID,
		"mode":             u.Mode,
		"status":           u.Status,
		"primary_syndrome": u.PrimarySyndrome,
		"error":            u.Error,
	} {
		if v != "" {
			fields[name] = v
		}
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.HIncrBy(ctx, key, "events", 1)
		if u.CompletedDelta != 0 {
			pipe.HIncrBy(ctx, key, "completed", u.CompletedDelta)
		}
		if u.FailedDelta != 0 {
			pipe.HIncrBy(ctx, key, "failed", u.FailedDelta)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply %s to %s: %w", u.EventType, sessionID, err)
	}
	return nil
}

// Get loads the record of sessionID.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("load %s: %w", sessionID, err)
	}
	if len(vals) == 0 {
		return SessionRecord{}, false, nil
	}
	rec := SessionRecord{
		SessionID:       vals["session_id"],
		PatientID:       vals["patient_id"],
		Mode:            vals["mode"],
		Status:          vals["status"],
		LastEvent:       vals["last_event"],
		PrimarySyndrome: vals["primary_syndrome"],
		Error:           vals["error"],
	}
	rec.Events, _ = strconv.ParseInt(vals["events"], 10, 64)
	rec.Completed, _ = strconv.ParseInt(vals["completed"], 10, 64)
	rec.Failed, _ = strconv.ParseInt(vals["failed"], 10, 64)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, vals["updated_at"])
	return rec, true, nil
}
