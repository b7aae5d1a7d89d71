package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Pod info, nick claims and member records expire unless refreshed by a
// heartbeat within their TTL, so a crashed pod frees its nicknames.
const (
	podInfoTTL        = 30 * time.Second
	presenceTTL       = podInfoTTL
	HeartbeatInterval = 10 * time.Second
	activePodsKey     = "pods:active"
)

// refreshNickScript extends the claim KEYS[1] only while it maps to ARGV[1].
const refreshNickScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// Roster reports the local clients of this pod.
type Roster interface {
	// Count is the number of connected clients.
	Count() int
	// Named maps the id of every client holding a nickname to that nickname.
	Named() map[string]string
}

// PodInfo represents metadata about a running server process
type PodInfo struct {
	PodID         string    `json:"pod_id"`
	StartTime     time.Time `json:"start_time"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	MemberCount   int       `json:"member_count"`
	Version       string    `json:"version"`
}

// RegisterPod registers this pod in the pod registry with initial heartbeat
func (c *Client) RegisterPod(ctx context.Context, version string) error {
	now := time.Now()
	return c.writePodInfo(ctx, PodInfo{
		PodID:         c.podID,
		StartTime:     now,
		LastHeartbeat: now,
		Version:       version,
	})
}

// Heartbeat refreshes this pod's info and TTL.
func (c *Client) Heartbeat(ctx context.Context, memberCount int, version string) error {
	info := PodInfo{
		PodID:         c.podID,
		StartTime:     time.Now(),
		LastHeartbeat: time.Now(),
		MemberCount:   memberCount,
		Version:       version,
	}

	// Preserve StartTime if it exists
	existing, err := c.rdb.Get(ctx, podInfoKey(c.podID)).Result()
	if err == nil {
		var prev PodInfo
		if err := json.Unmarshal([]byte(existing), &prev); err == nil {
			info.StartTime = prev.StartTime
		}
	} else if err != goredis.Nil {
		return fmt.Errorf("failed to read pod info: %w", err)
	}

	return c.writePodInfo(ctx, info)
}

func (c *Client) writePodInfo(ctx context.Context, info PodInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal pod info: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, podInfoKey(c.podID), data, podInfoTTL)
	pipe.SAdd(ctx, activePodsKey, c.podID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write pod info: %w", err)
	}
	return nil
}

// Reconcile brings this pod's presence records in line with named, which
// reports the nicknames its clients hold right now. Claims and member records
// of those clients get a fresh TTL. Members recorded for this pod that are no
// longer named are orphans of a teardown that could not reach Redis: their
// claims are released and their records removed. It returns the number of
// orphans.
func (c *Client) Reconcile(ctx context.Context, named func() map[string]string) (int, error) {
	// members must be listed before the roster is read, or a client named in
	// between would look orphaned
	ids, err := c.rdb.SMembers(ctx, podMembersKey(c.podID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list pod members: %w", err)
	}
	current := named()

	ttl := presenceTTL.Milliseconds()
	for id, nick := range current {
		held, err := c.rdb.Eval(ctx, refreshNickScript, []string{nickKey(nick)}, id, ttl).Int()
		if err != nil {
			return 0, fmt.Errorf("failed to refresh nick: %w", err)
		}
		if held == 0 {
			log.Warnf("Claim on nickname '%s' of local client %s lapsed or is held elsewhere", nick, id)
		}
		if err := c.rdb.Expire(ctx, memberKey(id), presenceTTL).Err(); err != nil {
			return 0, fmt.Errorf("failed to refresh member: %w", err)
		}
	}
	if len(current) > 0 {
		if err := c.rdb.Expire(ctx, podMembersKey(c.podID), presenceTTL).Err(); err != nil {
			return 0, fmt.Errorf("failed to refresh pod members: %w", err)
		}
	}

	orphans := 0
	for _, id := range ids {
		if _, ok := current[id]; ok {
			continue
		}
		if err := c.dropMember(ctx, id); err != nil {
			return orphans, err
		}
		log.Infof("Removed orphaned member %s", id)
		orphans++
	}
	return orphans, nil
}

// dropMember releases the nickname recorded for member id and unregisters it.
func (c *Client) dropMember(ctx context.Context, id string) error {
	raw, err := c.rdb.Get(ctx, memberKey(id)).Result()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("failed to read member: %w", err)
	}
	if err == nil {
		var m Member
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			log.Debugf("Dropping malformed member record %s: %v", id, err)
		} else if m.Nick != "" {
			if err := c.ReleaseNick(ctx, id, m.Nick); err != nil {
				return err
			}
		}
	}
	return c.UnregisterMember(ctx, id)
}

// RunHeartbeat sends a heartbeat and reconciles presence against roster every
// interval until ctx is done.
func (c *Client) RunHeartbeat(ctx context.Context, interval time.Duration, roster Roster, version string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("Started heartbeat goroutine (%s interval)", interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("Heartbeat goroutine stopped")
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			c.beat(hbCtx, roster, version)
			cancel()
		}
	}
}

func (c *Client) beat(ctx context.Context, roster Roster, version string) {
	n := roster.Count()
	if err := c.Heartbeat(ctx, n, version); err != nil {
		log.Errorf("Failed to send heartbeat: %v", err)
		return
	}
	orphans, err := c.Reconcile(ctx, roster.Named)
	if err != nil {
		log.Errorf("Failed to reconcile presence: %v", err)
		return
	}
	log.Debugf("Heartbeat sent (connected: %d, orphans removed: %d)", n, orphans)
}

// Shutdown removes this pod from the pod registry. Members still recorded for
// the pod are dropped along with their nickname claims.
func (c *Client) Shutdown(ctx context.Context) error {
	ids, err := c.rdb.SMembers(ctx, podMembersKey(c.podID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list pod members: %w", err)
	}
	for _, id := range ids {
		if err := c.dropMember(ctx, id); err != nil {
			return err
		}
	}

	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, podMembersKey(c.podID), podInfoKey(c.podID))
	pipe.SRem(ctx, activePodsKey, c.podID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove pod state: %w", err)
	}
	return nil
}
