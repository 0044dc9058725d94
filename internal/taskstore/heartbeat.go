package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	v1 "github.com/gitfix/gitfix/pkg/api/v1"
)

const daemonsKey = "system:status:daemons"

func daemonTTLKey(daemonID string) string { return "system:status:daemon:" + daemonID }

// RecordHeartbeat upserts a daemon's heartbeat and refreshes its liveness
// key. A daemon whose liveness key has expired is treated as dead by
// readers even though its map entry lingers.
func (s *Store) RecordHeartbeat(ctx context.Context, hb *v1.DaemonHeartbeat, ttl time.Duration) error {
	if hb.DaemonID == "" {
		return fmt.Errorf("record heartbeat: empty daemon id")
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}

	raw, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, daemonsKey, hb.DaemonID, raw)
	pipe.Set(ctx, daemonTTLKey(hb.DaemonID), hb.Timestamp.Format(time.RFC3339), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record heartbeat %s: %w", hb.DaemonID, err)
	}
	return nil
}

// ListHeartbeats returns live daemons only. Entries whose liveness key
// has expired are pruned from the map in passing.
func (s *Store) ListHeartbeats(ctx context.Context) ([]*v1.DaemonHeartbeat, error) {
	all, err := s.rdb.HGetAll(ctx, daemonsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}

	out := make([]*v1.DaemonHeartbeat, 0, len(all))
	for daemonID, raw := range all {
		alive, err := s.rdb.Exists(ctx, daemonTTLKey(daemonID)).Result()
		if err != nil {
			return nil, fmt.Errorf("check daemon liveness %s: %w", daemonID, err)
		}
		if alive == 0 {
			if err := s.rdb.HDel(ctx, daemonsKey, daemonID).Err(); err != nil {
				s.log.Debug("stale heartbeat prune failed",
					zap.String("daemon_id", daemonID), zap.Error(err))
			}
			continue
		}

		var hb v1.DaemonHeartbeat
		if err := json.Unmarshal([]byte(raw), &hb); err != nil {
			s.log.Warn("skipping unreadable heartbeat",
				zap.String("daemon_id", daemonID), zap.Error(err))
			continue
		}
		out = append(out, &hb)
	}
	return out, nil
}

// RemoveHeartbeat deregisters a daemon on clean shutdown.
func (s *Store) RemoveHeartbeat(ctx context.Context, daemonID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, daemonsKey, daemonID)
	pipe.Del(ctx, daemonTTLKey(daemonID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove heartbeat %s: %w", daemonID, err)
	}
	return nil
}

func commentWatermarkKey(owner, repo string, prNumber int) string {
	return fmt.Sprintf("pr:%s-%s-%d:last-comment", owner, repo, prNumber)
}

// LastCommentTime returns the newest PR comment timestamp already
// processed. ok is false when no watermark exists.
func (s *Store) LastCommentTime(ctx context.Context, owner, repo string, prNumber int) (time.Time, bool, error) {
	raw, err := s.rdb.Get(ctx, commentWatermarkKey(owner, repo, prNumber)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("load comment watermark: %w", err)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse comment watermark %q: %w", raw, err)
	}
	return t, true, nil
}

// SetLastCommentTime advances the PR comment watermark.
func (s *Store) SetLastCommentTime(ctx context.Context, owner, repo string, prNumber int, t time.Time) error {
	key := commentWatermarkKey(owner, repo, prNumber)
	if err := s.rdb.Set(ctx, key, t.UTC().Format(time.RFC3339), watermarkTTL).Err(); err != nil {
		return fmt.Errorf("set comment watermark: %w", err)
	}
	return nil
}
