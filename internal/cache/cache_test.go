package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/clock"
)

func newTestCache(t *testing.T, b Backend, clk clock.Clock, maxBytes int64) *Cache {
	t.Helper()
	c, err := New(b, clk, zerolog.Nop(), Options{MaxBytes: maxBytes})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func entryAt(fp string, payload string, created time.Time, ttl time.Duration) Entry {
	return Entry{
		Fingerprint:    fp,
		Payload:        json.RawMessage(payload),
		CreatedAt:      created,
		ExpiresAt:      created.Add(ttl),
		SourceProvider: "weather/primary",
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	clk := clock.NewFake(clock.Epoch)
	disk, err := NewDiskBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := newTestCache(t, disk, clk, 0)

	payload := `{"service":"weather","operation":"current","current":{"observed":{"temperature_c":21.5}}}`
	if err := c.Put("weather", entryAt("weather.current-abc", payload, clk.Now(), time.Hour)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got := c.Get("weather", "weather.current-abc")
	if got.Status != Hit {
		t.Fatalf("status = %s, want hit", got.Status)
	}
	if string(got.Entry.Payload) != payload {
		t.Errorf("payload = %s", got.Entry.Payload)
	}
	if got.Entry.SourceProvider != "weather/primary" {
		t.Errorf("source = %q", got.Entry.SourceProvider)
	}

	// A fresh cache over the same directory sees the entry too.
	reopened := newTestCache(t, disk, clk, 0)
	if got := reopened.Get("weather", "weather.current-abc"); got.Status != Hit || string(got.Entry.Payload) != payload {
		t.Errorf("reopened lookup = %s", got.Status)
	}
	if u := reopened.Usage(); u.Entries != 1 || u.Bytes != int64(len(payload)) {
		t.Errorf("usage = %+v", u)
	}
}

func TestExpiryIsStrict(t *testing.T) {
	clk := clock.NewFake(clock.Epoch)
	c := newTestCache(t, NewMemoryBackend(), clk, 0)

	if err := c.Put("rates", entryAt("k", `{}`, clk.Now(), time.Minute)); err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Minute)
	if got := c.Get("rates", "k").Status; got != Hit {
		t.Errorf("at expiry: %s, want hit", got)
	}
	clk.Advance(time.Millisecond)
	got := c.Get("rates", "k")
	if got.Status != Expired {
		t.Fatalf("past expiry: %s, want expired", got.Status)
	}
	if got.Entry == nil || string(got.Entry.Payload) != `{}` {
		t.Error("expired lookup should still carry the payload")
	}
	// Reads never evict.
	if got := c.Get("rates", "k").Status; got != Expired {
		t.Errorf("second read: %s", got)
	}
}

func TestMissAndNamespaceIsolation(t *testing.T) {
	clk := clock.NewFake(clock.Epoch)
	c := newTestCache(t, NewMemoryBackend(), clk, 0)
	if err := c.Put("weather", entryAt("same", `1`, clk.Now(), time.Hour)); err != nil {
		t.Fatal(err)
	}
	if got := c.Get("rates", "same").Status; got != Miss {
		t.Errorf("other namespace: %s, want miss", got)
	}
	if got := c.Get("weather", "absent").Status; got != Miss {
		t.Errorf("absent: %s, want miss", got)
	}
}

func TestPutRejects(t *testing.T) {
	clk := clock.NewFake(clock.Epoch)
	c := newTestCache(t, NewMemoryBackend(), clk, 8)

	if err := c.Put("ns", entryAt("big", `"0123456789"`, clk.Now(), time.Hour)); !errors.Is(err, ErrEntryTooLarge) {
		t.Errorf("oversized: err = %v", err)
	}
	bad := entryAt("k", `1`, clk.Now(), time.Hour)
	bad.ExpiresAt = bad.CreatedAt.Add(-time.Second)
	if err := c.Put("ns", bad); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("expires before created: err = %v", err)
	}
	if err := c.Put("ns", entryAt("", `1`, clk.Now(), time.Hour)); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("empty fingerprint: err = %v", err)
	}
	if u := c.Usage(); u.Entries != 0 {
		t.Errorf("rejected entries were indexed: %+v", u)
	}
}

func TestOverwriteAccounting(t *testing.T) {
	clk := clock.NewFake(clock.Epoch)
	c := newTestCache(t, NewMemoryBackend(), clk, 0)
	_ = c.Put("ns", entryAt("k", `"aaaa"`, clk.Now(), time.Hour))
	_ = c.Put("ns", entryAt("k", `"aa"`, clk.Now(), time.Hour))
	if u := c.Usage(); u.Entries != 1 || u.Bytes != 4 {
		t.Errorf("usage = %+v, want 1 entry of 4 bytes", u)
	}
	if got := c.Get("ns", "k"); string(got.Entry.Payload) != `"aa"` {
		t.Errorf("payload = %s", got.Entry.Payload)
	}
}

func TestEvictionOldestFirstToEightyPercent(t *testing.T) {
	clk := clock.NewFake(clock.Epoch)
	c := newTestCache(t, NewMemoryBackend(), clk, 100)

	// Ten 10-byte entries fill the bound exactly.
	for i := range 10 {
		fp := fmt.Sprintf("k%d", i)
		if err := c.Put("ns", entryAt(fp, `"01234567"`, clk.Now(), time.Hour)); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Second)
	}
	if u := c.Usage(); u.Bytes != 100 {
		t.Fatalf("bytes = %d", u.Bytes)
	}

	// One more pushes it over; usage must drop to at most 80.
	if err := c.Put("ns", entryAt("k10", `"01234567"`, clk.Now(), time.Hour)); err != nil {
		t.Fatal(err)
	}
	u := c.Usage()
	if u.Bytes > 80 {
		t.Errorf("bytes after eviction = %d, want <= 80", u.Bytes)
	}
	for i := range 3 {
		if got := c.Get("ns", fmt.Sprintf("k%d", i)).Status; got != Miss {
			t.Errorf("k%d: %s, want evicted", i, got)
		}
	}
	if got := c.Get("ns", "k10").Status; got != Hit {
		t.Errorf("newest entry: %s, want hit", got)
	}
}

func TestInvalidate(t *testing.T) {
	clk := clock.NewFake(clock.Epoch)
	disk, err := NewDiskBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c := newTestCache(t, disk, clk, 0)
	for _, fp := range []string{"a", "b"} {
		_ = c.Put("weather", entryAt(fp, `1`, clk.Now(), time.Hour))
	}
	_ = c.Put("rates", entryAt("a", `1`, clk.Now(), time.Hour))

	if err := c.Invalidate("weather", "a"); err != nil {
		t.Fatal(err)
	}
	if got := c.Get("weather", "a").Status; got != Miss {
		t.Errorf("invalidated entry: %s", got)
	}
	if got := c.Get("weather", "b").Status; got != Hit {
		t.Errorf("sibling entry: %s", got)
	}

	if err := c.Invalidate("weather", ""); err != nil {
		t.Fatal(err)
	}
	if got := c.Get("weather", "b").Status; got != Miss {
		t.Errorf("after namespace purge: %s", got)
	}
	if got := c.Get("rates", "a").Status; got != Hit {
		t.Errorf("other namespace purged: %s", got)
	}
	if u := c.Usage(); u.Entries != 1 {
		t.Errorf("usage = %+v", u)
	}
}

// hookBackend runs beforeStore ahead of every Store.
type hookBackend struct {
	Backend
	beforeStore func(e *Entry)
}

func (h *hookBackend) Store(e *Entry) error {
	if h.beforeStore != nil {
		h.beforeStore(e)
	}
	return h.Backend.Store(e)
}

func TestInvalidateDuringPutDoesNotResurrect(t *testing.T) {
	for _, fp := range []string{"a", ""} {
		t.Run("fp="+fp, func(t *testing.T) {
			clk := clock.NewFake(clock.Epoch)
			hb := &hookBackend{Backend: NewMemoryBackend()}
			c := newTestCache(t, hb, clk, 0)

			done := make(chan error, 1)
			hb.beforeStore = func(*Entry) {
				go func() { done <- c.Invalidate("weather", fp) }()
				// Give the invalidation every chance to overtake the write.
				time.Sleep(20 * time.Millisecond)
			}
			if err := c.Put("weather", entryAt("a", `1`, clk.Now(), time.Hour)); err != nil {
				t.Fatal(err)
			}
			if err := <-done; err != nil {
				t.Fatal(err)
			}

			if got := c.Get("weather", "a").Status; got != Miss {
				t.Errorf("entry survived invalidation: %s", got)
			}
			if u := c.Usage(); u.Entries != 0 || u.Bytes != 0 {
				t.Errorf("index survived invalidation: %+v", u)
			}
		})
	}
}

func TestSweep(t *testing.T) {
	clk := clock.NewFake(clock.Epoch)
	c := newTestCache(t, NewMemoryBackend(), clk, 0)
	_ = c.Put("ns", entryAt("short", `1`, clk.Now(), time.Minute))
	_ = c.Put("ns", entryAt("long", `1`, clk.Now(), time.Hour))

	clk.Advance(2 * time.Minute)
	if n := c.Sweep(); n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if got := c.Get("ns", "short").Status; got != Miss {
		t.Errorf("short: %s", got)
	}
	if got := c.Get("ns", "long").Status; got != Hit {
		t.Errorf("long: %s", got)
	}
}

func TestStartSweeperStopsOnCancel(t *testing.T) {
	clk := clock.NewFake(clock.Epoch)
	c := newTestCache(t, NewMemoryBackend(), clk, 0)
	_ = c.Put("ns", entryAt("old", `1`, clk.Now(), time.Minute))
	clk.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := c.StartSweeper(ctx, time.Hour)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
	// The initial sweep runs before the loop.
	if u := c.Usage(); u.Entries != 0 {
		t.Errorf("usage = %+v", u)
	}
}

func TestDiskLayoutAndSanitisation(t *testing.T) {
	root := t.TempDir()
	disk, err := NewDiskBackend(root)
	if err != nil {
		t.Fatal(err)
	}
	if disk.Root() != root {
		t.Errorf("Root() = %q, want %q", disk.Root(), root)
	}
	clk := clock.NewFake(clock.Epoch)
	c := newTestCache(t, disk, clk, 0)

	fp := `weather.current-../x:y*z`
	if err := c.Put("we/ather", entryAt(fp, `1`, clk.Now(), time.Hour)); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(disk.Root(), "we_ather", "weather.current-.._x_y_z.json")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected file at %s: %v", want, err)
	}
	if got := c.Get("we/ather", fp).Status; got != Hit {
		t.Errorf("lookup after sanitised write: %s", got)
	}

	// Names that collide after sanitising are told apart by the stored key.
	fresh := newTestCache(t, disk, clk, 0)
	if got := fresh.Get("we/ather", `weather.current-.._x_y_z`).Status; got != Miss {
		t.Errorf("colliding name: %s, want miss", got)
	}

	entries, _ := os.ReadDir(filepath.Join(root, "we_ather"))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSanitise(t *testing.T) {
	tests := []struct{ in, want string }{
		{"weather", "weather"},
		{"a/b\\c", "a_b_c"},
		{"", "_"},
		{".", "__"},
		{"..", "___"},
		{"x\x00y", "x_y"},
	}
	for _, tt := range tests {
		if got := sanitise(tt.in); got != tt.want {
			t.Errorf("sanitise(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := sanitise(strings.Repeat("a", 500)); len(got) > maxNameBytes {
		t.Errorf("long name not capped: %d bytes", len(got))
	}
}

func TestListSkipsTempAndCorruptFiles(t *testing.T) {
	root := t.TempDir()
	disk, err := NewDiskBackend(root)
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(root, "ns")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, ".tmp-123"), []byte("partial"), 0o600)
	os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o600)

	clk := clock.NewFake(clock.Epoch)
	c := newTestCache(t, disk, clk, 0)
	if u := c.Usage(); u.Entries != 0 {
		t.Errorf("usage = %+v", u)
	}
	if _, err := os.Stat(filepath.Join(dir, ".tmp-123")); !os.IsNotExist(err) {
		t.Error("temp file should be removed on load")
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("weather", "current", map[string]string{"location": "paris", "days": "3"}, "metric", "en")
	b := Fingerprint("weather", "current", map[string]string{"days": " 3", "Location": "paris "}, "METRIC", "en")
	if a != b {
		t.Errorf("equivalent requests differ:\n%s\n%s", a, b)
	}
	if !strings.HasPrefix(a, "weather.current-") || len(a) != len("weather.current-")+64 {
		t.Errorf("fingerprint shape = %q", a)
	}

	variants := []string{
		Fingerprint("weather", "forecast", map[string]string{"location": "paris", "days": "3"}, "metric", "en"),
		Fingerprint("weather", "current", map[string]string{"location": "lyon", "days": "3"}, "metric", "en"),
		Fingerprint("weather", "current", map[string]string{"location": "paris", "days": "3"}, "metric", "fr"),
		// Field boundaries are unambiguous.
		Fingerprint("weather", "current", map[string]string{"location": "paris3", "days": ""}, "metric", "en"),
	}
	for i, v := range variants {
		if v == a {
			t.Errorf("variant %d collides with base", i)
		}
	}
}

func TestFingerprintFoldedDuplicateNames(t *testing.T) {
	args := map[string]string{"Location": "paris", "location": "lyon"}
	want := Fingerprint("weather", "current", map[string]string{"location": "paris"}, "metric", "en")
	for i := 0; i < 50; i++ {
		if got := Fingerprint("weather", "current", args, "metric", "en"); got != want {
			t.Fatalf("run %d: got %s, want %s", i, got, want)
		}
	}
}

func TestBuildSingleFlight(t *testing.T) {
	clk := clock.NewFake(clock.Epoch)
	c := newTestCache(t, NewMemoryBackend(), clk, 0)

	const callers = 20
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	build := func(ctx context.Context) (string, error) {
		calls.Add(1)
		once.Do(func() { close(started) })
		<-release
		return "result", nil
	}

	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _, errs[0] = Build(context.Background(), c, "chat", "fp", build)
	}()
	<-started
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = Build(context.Background(), c, "chat", "fp", build)
		}(i)
	}
	// Give the waiters time to join the in-flight build.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("builder ran %d times, want 1", n)
	}
	for i := range callers {
		if errs[i] != nil || results[i] != "result" {
			t.Errorf("caller %d: %q, %v", i, results[i], errs[i])
		}
	}
}

func TestBuildWaiterRetriesAfterLeaderCancel(t *testing.T) {
	clk := clock.NewFake(clock.Epoch)
	c := newTestCache(t, NewMemoryBackend(), clk, 0)

	var calls atomic.Int32
	started := make(chan struct{})
	build := func(ctx context.Context) (int, error) {
		n := calls.Add(1)
		if n == 1 {
			close(started)
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 42, nil
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := Build(leaderCtx, c, "rates", "fp", build)
		leaderErr <- err
	}()
	<-started

	waiterDone := make(chan struct{})
	var got int
	var werr error
	go func() {
		defer close(waiterDone)
		got, _, werr = Build(context.Background(), c, "rates", "fp", build)
	}()
	time.Sleep(50 * time.Millisecond)
	cancelLeader()

	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("leader err = %v", err)
	}
	select {
	case <-waiterDone:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never finished")
	}
	if werr != nil || got != 42 {
		t.Errorf("waiter = %d, %v; want 42", got, werr)
	}
}

func TestBuildPropagatesRealErrors(t *testing.T) {
	c := newTestCache(t, NewMemoryBackend(), clock.NewFake(clock.Epoch), 0)
	boom := errors.New("upstream exhausted")
	_, _, err := Build(context.Background(), c, "ns", "fp", func(context.Context) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}
