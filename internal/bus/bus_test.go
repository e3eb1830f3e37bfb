package bus

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeSessions struct {
	sessions map[string][]string
}

func (f *fakeSessions) RoomSessionIDs(_ context.Context, roomToken string) ([]string, error) {
	return f.sessions[roomToken], nil
}

func openTestBus(t *testing.T) (*Bus, *time.Time) {
	t.Helper()
	b, err := Open(filepath.Join(t.TempDir(), "bus.db"), &fakeSessions{
		sessions: map[string][]string{
			"room1": {"s1", "s2", "s3"},
		},
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })

	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func payloads(messages []Message) []string {
	var out []string
	for _, msg := range messages {
		out = append(out, string(msg.Payload))
	}
	return out
}

func TestPollAndConsume_VisibilityLag(t *testing.T) {
	b, now := openTestBus(t)
	ctx := context.Background()
	start := *now

	// x at t=0, y at t=0.5s.
	if err := b.Enqueue(ctx, "a", "s1", []byte("x")); err != nil {
		t.Fatalf("Enqueue(x) error = %v", err)
	}
	*now = start.Add(500 * time.Millisecond)
	if err := b.Enqueue(ctx, "a", "s1", []byte("y")); err != nil {
		t.Fatalf("Enqueue(y) error = %v", err)
	}

	// t=0.9s: nothing is past the 1s lag yet.
	*now = start.Add(900 * time.Millisecond)
	messages, err := b.PollAndConsume(ctx, "s1")
	if err != nil {
		t.Fatalf("PollAndConsume() error = %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("poll at 0.9s returned %v, want none", payloads(messages))
	}

	// t=1.3s: x is past the lag, y is not.
	*now = start.Add(1300 * time.Millisecond)
	messages, err = b.PollAndConsume(ctx, "s1")
	if err != nil {
		t.Fatalf("PollAndConsume() error = %v", err)
	}
	if got := payloads(messages); len(got) != 1 || got[0] != "x" {
		t.Fatalf("poll at 1.3s returned %v, want [x]", got)
	}

	// t=2.1s: y is visible, x must not reappear.
	*now = start.Add(2100 * time.Millisecond)
	messages, err = b.PollAndConsume(ctx, "s1")
	if err != nil {
		t.Fatalf("PollAndConsume() error = %v", err)
	}
	if got := payloads(messages); len(got) != 1 || got[0] != "y" {
		t.Fatalf("poll at 2.1s returned %v, want [y]", got)
	}

	// Everything consumed.
	messages, err = b.PollAndConsume(ctx, "s1")
	if err != nil {
		t.Fatalf("PollAndConsume() error = %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("final poll returned %v, want none", payloads(messages))
	}
}

func TestPollAndConsume_Order(t *testing.T) {
	b, now := openTestBus(t)
	ctx := context.Background()

	for _, payload := range []string{"1", "2", "3"} {
		if err := b.Enqueue(ctx, "a", "s1", []byte(payload)); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", payload, err)
		}
	}

	*now = now.Add(2 * time.Second)
	messages, err := b.PollAndConsume(ctx, "s1")
	if err != nil {
		t.Fatalf("PollAndConsume() error = %v", err)
	}
	got := payloads(messages)
	if len(got) != 3 || got[0] != "1" || got[1] != "2" || got[2] != "3" {
		t.Fatalf("poll returned %v, want [1 2 3]", got)
	}
}

func TestEnqueueForRoom_FanOut(t *testing.T) {
	b, now := openTestBus(t)
	ctx := context.Background()

	if err := b.EnqueueForRoom(ctx, "room1", []byte("hello")); err != nil {
		t.Fatalf("EnqueueForRoom() error = %v", err)
	}

	*now = now.Add(2 * time.Second)
	for _, sessionID := range []string{"s1", "s2", "s3"} {
		messages, err := b.PollAndConsume(ctx, sessionID)
		if err != nil {
			t.Fatalf("PollAndConsume(%s) error = %v", sessionID, err)
		}
		if len(messages) != 1 {
			t.Fatalf("session %s got %d messages, want 1", sessionID, len(messages))
		}
		msg := messages[0]
		if msg.Sender != sessionID || msg.Recipient != sessionID {
			t.Errorf("fan-out message not self-addressed: sender=%s recipient=%s", msg.Sender, msg.Recipient)
		}
		if string(msg.Payload) != "hello" {
			t.Errorf("payload = %s, want hello", msg.Payload)
		}
	}
}

func TestEnqueueForRoom_ConcurrentWithPolls(t *testing.T) {
	b, _ := openTestBus(t)
	ctx := context.Background()

	// A clock jumping 2s per reading makes every committed row visible to
	// any later poll, so the pollers race the fan-out transactions directly.
	var clockMu sync.Mutex
	current := time.Unix(1700000000, 0)
	b.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		current = current.Add(2 * time.Second)
		return current
	}

	const batches = 25
	sessionIDs := []string{"s1", "s2", "s3"}

	var resMu sync.Mutex
	results := make(map[string][]string)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < batches; i++ {
			if err := b.EnqueueForRoom(ctx, "room1", []byte(fmt.Sprintf("m%02d", i))); err != nil {
				t.Errorf("EnqueueForRoom() #%d error = %v", i, err)
				return
			}
		}
	}()

	for _, sessionID := range sessionIDs {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			var got []string
			deadline := time.Now().Add(10 * time.Second)
			for len(got) < batches && time.Now().Before(deadline) {
				messages, err := b.PollAndConsume(ctx, sessionID)
				if err != nil {
					t.Errorf("PollAndConsume(%s) error = %v", sessionID, err)
					return
				}
				if len(messages) == 0 {
					time.Sleep(time.Millisecond)
					continue
				}
				got = append(got, payloads(messages)...)
			}
			resMu.Lock()
			results[sessionID] = got
			resMu.Unlock()
		}(sessionID)
	}
	wg.Wait()

	for _, sessionID := range sessionIDs {
		got := results[sessionID]
		if len(got) != batches {
			t.Fatalf("session %s received %d messages, want %d: %v", sessionID, len(got), batches, got)
		}
		for i, payload := range got {
			if want := fmt.Sprintf("m%02d", i); payload != want {
				t.Errorf("session %s message #%d = %s, want %s", sessionID, i, payload, want)
			}
		}
	}
}

func TestEnqueueForRoom_NoSessions(t *testing.T) {
	b, _ := openTestBus(t)
	if err := b.EnqueueForRoom(context.Background(), "empty-room", []byte("hello")); err != nil {
		t.Fatalf("EnqueueForRoom() on empty room error = %v", err)
	}
}

func TestPollAndConsume_OtherRecipientsUntouched(t *testing.T) {
	b, now := openTestBus(t)
	ctx := context.Background()

	b.Enqueue(ctx, "a", "s1", []byte("for-s1"))
	b.Enqueue(ctx, "a", "s2", []byte("for-s2"))

	*now = now.Add(2 * time.Second)
	if _, err := b.PollAndConsume(ctx, "s1"); err != nil {
		t.Fatalf("PollAndConsume(s1) error = %v", err)
	}

	messages, err := b.PollAndConsume(ctx, "s2")
	if err != nil {
		t.Fatalf("PollAndConsume(s2) error = %v", err)
	}
	if got := payloads(messages); len(got) != 1 || got[0] != "for-s2" {
		t.Fatalf("s2 poll returned %v, want [for-s2]", got)
	}
}

func TestExpire(t *testing.T) {
	b, now := openTestBus(t)
	ctx := context.Background()
	start := *now

	b.Enqueue(ctx, "a", "s1", []byte("old"))
	*now = start.Add(30 * time.Minute)
	b.Enqueue(ctx, "a", "s1", []byte("fresh"))

	*now = start.Add(time.Hour)
	n, err := b.Expire(ctx, 45*time.Minute)
	if err != nil {
		t.Fatalf("Expire() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Expire() removed %d rows, want 1", n)
	}

	messages, err := b.PollAndConsume(ctx, "s1")
	if err != nil {
		t.Fatalf("PollAndConsume() error = %v", err)
	}
	if got := payloads(messages); len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("poll after expire returned %v, want [fresh]", got)
	}
}
