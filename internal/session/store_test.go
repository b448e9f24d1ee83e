package session

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and
// flushes leftover test keys before returning. Tests that call this helper
// require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	clean := func() {
		for _, pattern := range []string{
			sessionPrefix + "test_*",
			userSessionsPrefix + "test_*",
			userRoomsPrefix + "test_*",
		} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStoreWithClient(client, "gw-test")
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "test_sess_1", "test_user_1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	sess, err := store.Get(ctx, "test_sess_1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess == nil {
		t.Fatal("expected session, got nil")
	}
	if sess.UserID != "test_user_1" {
		t.Errorf("UserID = %q, want %q", sess.UserID, "test_user_1")
	}
	if sess.Gateway != "gw-test" {
		t.Errorf("Gateway = %q, want %q", sess.Gateway, "gw-test")
	}

	count, err := store.SessionCount(ctx, "test_user_1")
	if err != nil {
		t.Fatalf("SessionCount() error: %v", err)
	}
	if count != 1 {
		t.Errorf("SessionCount = %d, want 1", count)
	}
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.Get(context.Background(), "test_sess_missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected nil for missing session, got %+v", sess)
	}
}

func TestDeleteLastSessionStartsRoomCountdown(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_user_countdown"

	if err := store.Create(ctx, "test_sess_cd", user); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := store.JoinRoom(ctx, user, "chat-1"); err != nil {
		t.Fatalf("JoinRoom() error: %v", err)
	}

	remaining, err := store.Delete(ctx, "test_sess_cd", user)
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}

	// The room set must now be counting down toward the recovery window.
	ttl, err := store.client.TTL(ctx, userRoomsPrefix+user).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > RecoveryWindow {
		t.Errorf("room set TTL = %v, want in (0, %v]", ttl, RecoveryWindow)
	}
}

func TestDeleteKeepsRoomsWhileSessionsRemain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_user_multi"

	store.Create(ctx, "test_sess_m1", user)
	store.Create(ctx, "test_sess_m2", user)
	store.JoinRoom(ctx, user, "chat-1")

	remaining, err := store.Delete(ctx, "test_sess_m1", user)
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("remaining = %d, want 1", remaining)
	}

	// Still connected elsewhere: no countdown.
	ttl, err := store.client.TTL(ctx, userRoomsPrefix+user).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	// Negative TTL means no expiry is set.
	if ttl > 0 {
		t.Errorf("room set TTL = %v, want no expiry", ttl)
	}
}

func TestRestoreRoomsWithinWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_user_restore"

	store.Create(ctx, "test_sess_r1", user)
	store.JoinRoom(ctx, user, "chat-1")
	store.JoinRoom(ctx, user, "search_stats_room")
	store.Delete(ctx, "test_sess_r1", user)

	// Reconnect within the window: rooms come back and the countdown stops.
	rooms, err := store.RestoreRooms(ctx, user)
	if err != nil {
		t.Fatalf("RestoreRooms() error: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("restored %d rooms, want 2: %v", len(rooms), rooms)
	}

	ttl, err := store.client.TTL(ctx, userRoomsPrefix+user).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl > 0 {
		t.Errorf("room set TTL = %v after restore, want no expiry", ttl)
	}
}

func TestLeaveRoom(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	user := "test_user_leave"

	store.JoinRoom(ctx, user, "chat-1")
	store.JoinRoom(ctx, user, "chat-2")
	if err := store.LeaveRoom(ctx, user, "chat-1"); err != nil {
		t.Fatalf("LeaveRoom() error: %v", err)
	}

	rooms, err := store.Rooms(ctx, user)
	if err != nil {
		t.Fatalf("Rooms() error: %v", err)
	}
	if len(rooms) != 1 || rooms[0] != "chat-2" {
		t.Errorf("rooms = %v, want [chat-2]", rooms)
	}
}
