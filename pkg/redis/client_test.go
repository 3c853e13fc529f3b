package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/config"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	return NewFromRaw(raw), mr
}

func TestSetNXGetDel(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	ok, err := client.SetNX(ctx, "k", "owner-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first setnx to win, ok=%v err=%v", ok, err)
	}
	ok, err = client.SetNX(ctx, "k", "owner-2", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second setnx to lose, ok=%v err=%v", ok, err)
	}

	got, err := client.Get(ctx, "k")
	if err != nil || got != "owner-1" {
		t.Fatalf("unexpected value %q err=%v", got, err)
	}
	if ttl := mr.TTL("k"); ttl != time.Minute {
		t.Fatalf("expected ttl 1m got %v", ttl)
	}

	if err := client.Del(ctx, "k"); err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if _, err := client.Get(ctx, "k"); !errors.Is(err, Nil) {
		t.Fatalf("expected Nil after delete, got %v", err)
	}
}

func TestPingAndUninitialized(t *testing.T) {
	client, _ := newTestClient(t)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	empty := &Client{}
	if err := empty.Ping(context.Background()); err == nil {
		t.Fatal("expected error from uninitialized client")
	}
	if err := empty.Close(); err != nil {
		t.Fatalf("close on empty client should be a no-op, got %v", err)
	}
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	if got := client.IdempotencyKey("gateway-events", "evt_1"); got != "contratapro:idempotency:gateway-events:evt_1" {
		t.Fatalf("unexpected idempotency key %q", got)
	}
	if got := client.LeaseKey("subscription-resolver", "PROD"); got != "contratapro:lease:subscription-resolver:prod" {
		t.Fatalf("unexpected lease key %q", got)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	if _, err := optionsFromConfig(config.RedisConfig{}); err == nil {
		t.Fatal("expected error without url or address")
	}

	opts, err := optionsFromConfig(config.RedisConfig{URL: "redis://localhost:6379/3", PoolSize: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.DB != 3 || opts.PoolSize != 7 {
		t.Fatalf("unexpected options db=%d pool=%d", opts.DB, opts.PoolSize)
	}

	opts, err = optionsFromConfig(config.RedisConfig{Address: "cache:6379", DB: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Addr != "cache:6379" || opts.DB != 2 {
		t.Fatalf("unexpected address options %+v", opts)
	}
}

func TestRunScript(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)
	if err := mr.Set("k", "owner-1"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	delIfOwner := redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`)

	got, err := client.RunScript(ctx, delIfOwner, []string{"k"}, "owner-2")
	if err != nil || got != int64(0) {
		t.Fatalf("foreign owner must not delete, got %v err=%v", got, err)
	}
	got, err = client.RunScript(ctx, delIfOwner, []string{"k"}, "owner-1")
	if err != nil || got != int64(1) {
		t.Fatalf("expected delete, got %v err=%v", got, err)
	}
	if mr.Exists("k") {
		t.Fatalf("key should be gone")
	}

	if _, err := (&Client{}).RunScript(ctx, delIfOwner, []string{"k"}); err == nil {
		t.Fatalf("expected error from uninitialized client")
	}
}
