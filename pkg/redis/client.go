// Package redis shares chat room state between server processes.
// Several servers pointed at one Redis see a single nickname namespace and
// relay each other's broadcasts to their local clients.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const eventsChannel = "gchat:events"

// Client wraps the Redis client and implements the server's presence mirror.
type Client struct {
	rdb    *redis.Client
	pubsub *redis.PubSub
	podID  string // Unique identifier for this server process
}

// Member is a named client as seen by every pod.
type Member struct {
	UUID     string    `json:"uuid"`
	Nick     string    `json:"nick"`
	Host     string    `json:"host"`
	PodID    string    `json:"pod_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// Event is a broadcast line published by one pod for the others.
type Event struct {
	Type  string `json:"type"` // JOIN, LEAVE, CHAT
	PodID string `json:"pod_id"`
	Nick  string `json:"nick"`
	Line  string `json:"line"`
}

// releaseNickScript deletes KEYS[1] only while it still maps to ARGV[1].
const releaseNickScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

func nickKey(nick string) string { return fmt.Sprintf("nick:%s", nick) }
func memberKey(id string) string { return fmt.Sprintf("member:%s", id) }
func podMembersKey(pod string) string { return fmt.Sprintf("pod:%s:members", pod) }
func podInfoKey(pod string) string { return fmt.Sprintf("pod:%s:info", pod) }

// NewClient connects to redisURL and checks the connection with a ping.
func NewClient(redisURL string, podID string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		rdb:   rdb,
		podID: podID,
	}, nil
}

// PodID returns the identifier this client publishes under.
func (c *Client) PodID() string { return c.podID }

// Close closes the subscription, if any, and the Redis connection.
func (c *Client) Close() error {
	if c.pubsub != nil {
		if err := c.pubsub.Close(); err != nil {
			return fmt.Errorf("failed to close pubsub: %w", err)
		}
	}
	return c.rdb.Close()
}

// ClaimNick reserves nick for id unless another client already holds it.
// Claiming a nickname the same id already holds succeeds. The claim expires
// after presenceTTL unless a heartbeat refreshes it.
func (c *Client) ClaimNick(ctx context.Context, id, nick string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, nickKey(nick), id, presenceTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim nick: %w", err)
	}
	if ok {
		return true, nil
	}

	owner, err := c.rdb.Get(ctx, nickKey(nick)).Result()
	if err == redis.Nil {
		// released between SETNX and GET, try once more
		return c.rdb.SetNX(ctx, nickKey(nick), id, presenceTTL).Result()
	}
	if err != nil {
		return false, fmt.Errorf("failed to check nick owner: %w", err)
	}
	return owner == id, nil
}

// ReleaseNick drops the reservation of nick if id still owns it.
func (c *Client) ReleaseNick(ctx context.Context, id, nick string) error {
	if err := c.rdb.Eval(ctx, releaseNickScript, []string{nickKey(nick)}, id).Err(); err != nil {
		return fmt.Errorf("failed to release nick: %w", err)
	}
	return nil
}

// RegisterMember records a named client of this pod.
func (c *Client) RegisterMember(ctx context.Context, id, nick, addr string) error {
	data, err := json.Marshal(Member{
		UUID:     id,
		Nick:     nick,
		Host:     addr,
		PodID:    c.podID,
		JoinedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal member data: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, memberKey(id), data, presenceTTL)
	pipe.SAdd(ctx, podMembersKey(c.podID), id)
	pipe.Expire(ctx, podMembersKey(c.podID), presenceTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register member: %w", err)
	}
	return nil
}

// UnregisterMember removes a client of this pod.
func (c *Client) UnregisterMember(ctx context.Context, id string) error {
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, memberKey(id))
	pipe.SRem(ctx, podMembersKey(c.podID), id)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unregister member: %w", err)
	}
	return nil
}

// Publish sends a formatted broadcast line to every other pod.
func (c *Client) Publish(ctx context.Context, kind, nick, line string) error {
	return c.PublishEvent(ctx, Event{Type: kind, PodID: c.podID, Nick: nick, Line: line})
}

// PublishEvent publishes an event to all pods via Redis Pub/Sub
func (c *Client) PublishEvent(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := c.rdb.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// SubscribeEvents subscribes to events from all pods, this one included.
// The channel closes when ctx is done or the subscription ends.
func (c *Client) SubscribeEvents(ctx context.Context) (<-chan *Event, error) {
	c.pubsub = c.rdb.Subscribe(ctx, eventsChannel)

	// Wait for subscription confirmation
	if _, err := c.pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	eventChan := make(chan *Event)

	go func() {
		defer close(eventChan)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-c.pubsub.Channel():
				if !ok {
					return
				}
				if msg == nil {
					continue
				}
				event, err := decodeEvent(msg.Payload)
				if err != nil {
					log.Debugf("Dropping malformed event: %v", err)
					continue
				}
				select {
				case eventChan <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventChan, nil
}

// Relay delivers every event published by other pods to deliver until ctx is
// done. deliver is typically the local registry's BroadcastToAll.
func (c *Client) Relay(ctx context.Context, deliver func(line string) int) error {
	events, err := c.SubscribeEvents(ctx)
	if err != nil {
		return err
	}
	log.Println("Subscribed to Redis events, relaying messages from other servers...")

	for event := range events {
		if !c.foreign(event) {
			continue
		}
		n := deliver(event.Line)
		log.Debugf("Relayed %s event from pod %s, %d bytes sent", event.Type, event.PodID, n)
	}
	return ctx.Err()
}

func (c *Client) foreign(event *Event) bool {
	return event != nil && event.PodID != c.podID && event.Line != ""
}

func decodeEvent(payload string) (*Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &event, nil
}
