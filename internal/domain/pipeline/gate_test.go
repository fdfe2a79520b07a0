package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestLocalGateLimitsPerUser(t *testing.T) {
	gate := NewLocalGate(2)
	ctx := context.Background()
	userID := uuid.New()

	r1, err := gate.Acquire(ctx, userID, "a")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := gate.Acquire(ctx, userID, "b")
	if err != nil {
		t.Fatal(err)
	}

	// other users are unaffected
	other, err := gate.Acquire(ctx, uuid.New(), "c")
	if err != nil {
		t.Fatal(err)
	}
	other()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := gate.Acquire(short, userID, "d"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	acquired := make(chan func())
	go func() {
		release, err := gate.Acquire(ctx, userID, "e")
		if err != nil {
			t.Error(err)
			close(acquired)
			return
		}
		acquired <- release
	}()

	r1()
	select {
	case release := <-acquired:
		if release != nil {
			release()
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after release")
	}
	r2()

	gate.mu.Lock()
	defer gate.mu.Unlock()
	if len(gate.users) != 0 {
		t.Fatalf("idle users not released: %d", len(gate.users))
	}
}

func TestSignalEventShape(t *testing.T) {
	genID := uuid.New()
	evt, err := NewSignalEvent(EventPipelineFailed, "generate-"+genID.String(), SignalData{GenerationID: genID}, errors.New("boom"))
	if err != nil {
		t.Fatal(err)
	}
	if evt.ID != EventPipelineFailed+"-generate-"+genID.String() || evt.Type != EventPipelineFailed {
		t.Fatalf("unexpected event %s/%s", evt.ID, evt.Type)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(evt.Data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["sourceFunctionId"] != FunctionID || raw["error"] != "boom" {
		t.Fatalf("unexpected payload %v", raw)
	}
	original, _ := raw["originalEvent"].(map[string]interface{})
	data, _ := original["data"].(map[string]interface{})
	if data["generationId"] != genID.String() {
		t.Fatalf("generation id missing from payload %v", raw)
	}
}

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisGateLostLeaseIsReclaimed(t *testing.T) {
	client := setupTestRedis(t)
	gate := NewRedisGate(client, 1)
	gate.prefix = "test:gate:" + uuid.NewString() + ":"
	ctx := context.Background()
	userID := uuid.New()
	key := gate.key(userID)
	t.Cleanup(func() { client.Del(context.Background(), key) })

	release, err := gate.Acquire(ctx, userID, "run-a")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	// run-a's lease expired and run-b took the only slot
	client.ZRem(ctx, key, "run-a")
	client.ZAdd(ctx, key, redis.Z{Score: float64(time.Now().Add(time.Minute).UnixMilli()), Member: "run-b"})

	held, err := gate.tryAcquire(ctx, key, "run-a")
	if err != nil {
		t.Fatal(err)
	}
	if held {
		t.Fatal("renewal over-admitted past the limit")
	}
	if lost := gate.logRenewal(key, "run-a", held, nil, false); !lost {
		t.Fatal("lost lease not reported")
	}

	client.ZRem(ctx, key, "run-b")
	held, err = gate.tryAcquire(ctx, key, "run-a")
	if err != nil || !held {
		t.Fatalf("slot not reclaimed: %v %v", held, err)
	}
	if lost := gate.logRenewal(key, "run-a", held, nil, true); lost {
		t.Fatal("reclaimed lease still reported lost")
	}
}

func TestRedisGateRenewalState(t *testing.T) {
	gate := &RedisGate{}
	tests := []struct {
		name    string
		held    bool
		err     error
		wasLost bool
		want    bool
	}{
		{"held", true, nil, false, false},
		{"lost", false, nil, false, true},
		{"still lost", false, nil, true, true},
		{"reclaimed", true, nil, true, false},
		{"error keeps lost", false, errors.New("timeout"), true, true},
		{"error keeps held", false, errors.New("timeout"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gate.logRenewal("k", "tok", tt.held, tt.err, tt.wasLost); got != tt.want {
				t.Fatalf("lost = %v, want %v", got, tt.want)
			}
		})
	}
}
