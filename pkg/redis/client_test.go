package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tehcyx/gchat/pkg/server"
)

var _ server.Presence = (*Client)(nil)

func TestKeys(t *testing.T) {
	assert.Equal(t, "nick:alice", nickKey("alice"))
	assert.Equal(t, "member:42", memberKey("42"))
	assert.Equal(t, "pod:p1:members", podMembersKey("p1"))
	assert.Equal(t, "pod:p1:info", podInfoKey("p1"))
}

func TestDecodeEvent(t *testing.T) {
	data, err := json.Marshal(Event{Type: server.EventChat, PodID: "p2", Nick: "alice", Line: "!alice: hi\n"})
	require.NoError(t, err)

	event, err := decodeEvent(string(data))
	require.NoError(t, err)
	assert.Equal(t, &Event{Type: "CHAT", PodID: "p2", Nick: "alice", Line: "!alice: hi\n"}, event)

	_, err = decodeEvent("{not json")
	assert.Error(t, err)
}

func TestForeign(t *testing.T) {
	c := &Client{podID: "p1"}
	assert.Equal(t, "p1", c.PodID())

	assert.True(t, c.foreign(&Event{PodID: "p2", Line: "!bob: hi\n"}))
	assert.False(t, c.foreign(&Event{PodID: "p1", Line: "!bob: hi\n"}), "own events are already delivered locally")
	assert.False(t, c.foreign(&Event{PodID: "p2"}))
	assert.False(t, c.foreign(nil))
}

func TestNewClient_BadURL(t *testing.T) {
	_, err := NewClient("not-a-redis-url", "p1")
	assert.ErrorContains(t, err, "failed to parse Redis URL")
}

func TestNewClient_Unreachable(t *testing.T) {
	_, err := NewClient("redis://127.0.0.1:1/0", "p1")
	assert.ErrorContains(t, err, "failed to connect to Redis")
}

// testClient connects a client for podID to mr.
func testClient(t *testing.T, mr *miniredis.Miniredis, podID string) *Client {
	t.Helper()
	c, err := NewClient("redis://"+mr.Addr()+"/0", podID)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_NickClaims(t *testing.T) {
	c := testClient(t, miniredis.RunT(t), "pod-"+uuid.NewString())
	ctx := context.Background()
	nick := "n" + uuid.NewString()[:8]
	a, b := uuid.NewString(), uuid.NewString()

	ok, err := c.ClaimNick(ctx, a, nick)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ClaimNick(ctx, a, nick)
	require.NoError(t, err)
	assert.True(t, ok, "re-claiming one's own nick")

	ok, err = c.ClaimNick(ctx, b, nick)
	require.NoError(t, err)
	assert.False(t, ok)

	// only the owner can release
	require.NoError(t, c.ReleaseNick(ctx, b, nick))
	ok, err = c.ClaimNick(ctx, b, nick)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseNick(ctx, a, nick))
	ok, err = c.ClaimNick(ctx, b, nick)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, c.ReleaseNick(ctx, b, nick))
}

func TestClient_MembersAndPod(t *testing.T) {
	c := testClient(t, miniredis.RunT(t), "pod-"+uuid.NewString())
	ctx := context.Background()
	id := uuid.NewString()

	require.NoError(t, c.RegisterPod(ctx, "test"))
	require.NoError(t, c.RegisterMember(ctx, id, "alice", "127.0.0.1"))

	members, err := c.rdb.SMembers(ctx, podMembersKey(c.podID)).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, members)

	require.NoError(t, c.Heartbeat(ctx, 1, "test"))
	raw, err := c.rdb.Get(ctx, podInfoKey(c.podID)).Result()
	require.NoError(t, err)
	var info PodInfo
	require.NoError(t, json.Unmarshal([]byte(raw), &info))
	assert.Equal(t, 1, info.MemberCount)

	require.NoError(t, c.Shutdown(ctx))
	n, err := c.rdb.Exists(ctx, memberKey(id), podMembersKey(c.podID), podInfoKey(c.podID)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClient_Relay(t *testing.T) {
	mr := miniredis.RunT(t)
	local := testClient(t, mr, "pod-"+uuid.NewString())
	remote := testClient(t, mr, "pod-"+uuid.NewString())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan string, 4)
	go local.Relay(ctx, func(line string) int {
		delivered <- line
		return len(line)
	})
	// let the subscription settle
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, local.Publish(ctx, server.EventChat, "me", "!me: skipped\n"))
	require.NoError(t, remote.Publish(ctx, server.EventChat, "bob", "!bob: hi\n"))

	select {
	case line := <-delivered:
		assert.Equal(t, "!bob: hi\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not deliver the remote event")
	}
}
