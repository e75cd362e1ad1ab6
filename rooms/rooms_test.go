package rooms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetingfiles/config"
	"fleetingfiles/core"
	"fleetingfiles/presign"
	"fleetingfiles/scheduler"
	"fleetingfiles/session"
	"fleetingfiles/stores/memory"

	"golang.org/x/crypto/bcrypt"
)

// countingObjects wraps the memory object store with call counters and
// injectable failures.
type countingObjects struct {
	mem memoryObjects

	mu         sync.Mutex
	puts       int
	deletes    int
	presigns   int
	putErr     error
	deleteErr  error
	presignErr error
	onPut      func(key string)
}

type memoryObjects interface {
	core.ObjectStore
	core.BlobReader
	Len() int
}

func (c *countingObjects) Put(ctx context.Context, key string, data []byte, contentType string) error {
	c.mu.Lock()
	c.puts++
	err, hook := c.putErr, c.onPut
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := c.mem.Put(ctx, key, data, contentType); err != nil {
		return err
	}
	if hook != nil {
		hook(key)
	}
	return nil
}

func (c *countingObjects) DeleteMany(ctx context.Context, keys []string) error {
	c.mu.Lock()
	c.deletes++
	err := c.deleteErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.mem.DeleteMany(ctx, keys)
}

func (c *countingObjects) Presign(ctx context.Context, key, downloadName string, ttl time.Duration) (string, error) {
	c.mu.Lock()
	c.presigns++
	err := c.presignErr
	c.mu.Unlock()
	if err != nil {
		return "", err
	}
	return c.mem.Presign(ctx, key, downloadName, ttl)
}

func (c *countingObjects) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts + c.deletes + c.presigns
}

type recordingEvents struct {
	mu      sync.Mutex
	changed []string
	expired []string
}

func (r *recordingEvents) FilesChanged(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, roomID)
}

func (r *recordingEvents) RoomExpired(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, roomID)
}

type failingScheduler struct{ err error }

func (f failingScheduler) Schedule(ctx context.Context, roomName, roomID string, fireAt time.Time) error {
	return f.err
}

func (f failingScheduler) Expedite(ctx context.Context, roomName, roomID string) error {
	return f.err
}

func (f failingScheduler) Cancel(ctx context.Context, roomName, roomID string) error { return nil }

type env struct {
	store     core.MetadataStore
	objects   *countingObjects
	events    *recordingEvents
	signer    *presign.Signer
	sessions  *session.Manager
	scheduler *scheduler.Scheduler
	purger    *Purger
	registry  *Registry
	guard     *Guard
	service   *Service

	mu  sync.Mutex
	now time.Time
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

const testMaxUpload = 5 * 1024 * 1024

// setup wires the service on in-memory backends with a fake clock. The clock
// starts an hour ahead so membership tokens, which are checked against the
// wall clock, stay valid while the test moves room time forward.
func setup(t *testing.T, ttl time.Duration) *env {
	t.Helper()
	e := &env{now: time.Now().Add(time.Hour).Truncate(time.Second)}

	e.store = memory.NewStore()
	e.signer = presign.NewSigner([]byte("link-secret"), "http://files.local").WithClock(e.clock)
	e.objects = &countingObjects{mem: memory.NewObjectStore(e.signer)}
	e.events = &recordingEvents{}
	e.sessions = session.NewManager("session-secret")

	e.purger = NewPurger(e.store, e.store, e.objects, e.events)
	e.scheduler = scheduler.New(e.store, e.purger, config.Default().Scheduler).WithClock(e.clock)

	e.registry = NewRegistry(e.store, e.scheduler, e.purger, ttl)
	e.registry.cost = bcrypt.MinCost
	e.registry.now = e.clock
	e.guard = NewGuard(e.store)
	e.guard.now = e.clock
	e.service = NewService(e.registry, e.guard, e.store, e.objects, e.sessions, Options{
		MaxUploadSize: testMaxUpload,
		PresignTTL:    10 * time.Second,
		Events:        e.events,
	})
	e.service.now = e.clock
	return e
}

func (e *env) createRoom(t *testing.T, name, passphrase string) (*session.Session, *core.Room) {
	t.Helper()
	token, room, err := e.service.CreateRoom(context.Background(), name, passphrase)
	if err != nil {
		t.Fatalf("CreateRoom(%s) failed: %v", name, err)
	}
	sess, err := e.sessions.Parse(token)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	return sess, room
}

func (e *env) upload(t *testing.T, sess *session.Session, name string, data []byte) *core.File {
	t.Helper()
	file, err := e.service.Upload(context.Background(), sess, name, "application/octet-stream", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Upload(%s) failed: %v", name, err)
	}
	return file
}

func (e *env) fetch(t *testing.T, link string) ([]byte, error) {
	t.Helper()
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("invalid link %q: %v", link, err)
	}
	key := strings.TrimPrefix(u.Path, "/blobs/")
	if _, err := e.signer.Verify(key, u.Query().Get("token")); err != nil {
		return nil, err
	}
	return e.objects.mem.Get(context.Background(), key)
}

func TestCreateRoom_ConcurrentSameName(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()

	const creators = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*core.Room
		taken   int
	)
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, room, err := e.service.CreateRoom(ctx, "alpha", "secret")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, room)
			case errors.Is(err, core.ErrNameTaken):
				taken++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 || taken != creators-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", creators-1, len(winners), taken)
	}
	job, err := e.store.GetJob(ctx, "alpha")
	if err != nil {
		t.Fatalf("winner has no purge job: %v", err)
	}
	if job.RoomID != winners[0].ID || !job.FireAt.Equal(winners[0].ExpiresAt) {
		t.Errorf("job does not belong to the winner: %+v", job)
	}
}

func TestCreateRoom_Validation(t *testing.T) {
	e := setup(t, time.Minute)
	tests := []struct {
		name       string
		room       string
		passphrase string
	}{
		{"empty name", "", "secret"},
		{"blank name", "   ", "secret"},
		{"long name", strings.Repeat("a", MaxNameLength+1), "secret"},
		{"empty passphrase", "alpha", ""},
		{"long passphrase", "alpha", strings.Repeat("p", MaxPassphraseLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := e.service.CreateRoom(context.Background(), tt.room, tt.passphrase)
			if !errors.Is(err, core.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	if _, _, err := e.service.CreateRoom(context.Background(), strings.Repeat("é", MaxNameLength), "secret"); err != nil {
		t.Errorf("name length is counted in characters: %v", err)
	}
}

func TestCreateRoom_PassphraseMayRepeat(t *testing.T) {
	e := setup(t, time.Minute)
	e.createRoom(t, "alpha", "secret")
	e.createRoom(t, "beta", "secret")
}

func TestCreateRoom_RollbackWhenSchedulingFails(t *testing.T) {
	e := setup(t, time.Minute)
	e.registry.scheduler = failingScheduler{err: errors.New("job store down")}
	ctx := context.Background()

	if _, _, err := e.service.CreateRoom(ctx, "alpha", "secret"); err == nil {
		t.Fatal("CreateRoom() should fail when scheduling fails")
	}
	if _, err := e.store.GetRoom(ctx, "alpha"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("room must be rolled back, got %v", err)
	}
}

func TestCreateRoom_ReclaimsExpiredName(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()

	oldSess, old := e.createRoom(t, "alpha", "secret")
	e.upload(t, oldSess, "a.txt", []byte("old"))

	e.advance(2 * time.Minute)
	_, fresh := e.createRoom(t, "alpha", "other")
	if fresh.ID == old.ID {
		t.Fatal("recreated room must be a new generation")
	}
	if e.objects.mem.Len() != 0 {
		t.Error("blobs of the expired room should be purged")
	}
	job, err := e.store.GetJob(ctx, "alpha")
	if err != nil || job.RoomID != fresh.ID {
		t.Errorf("job should belong to the new room: %+v, %v", job, err)
	}
	if _, err := e.service.ListFiles(ctx, oldSess); !errors.Is(err, core.ErrRoomExpired) {
		t.Errorf("old session must not reach the new room, got %v", err)
	}
}

func TestJoinRoom(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	_, room := e.createRoom(t, "alpha", "secret")

	token, joined, err := e.service.JoinRoom(ctx, "alpha", "secret")
	if err != nil {
		t.Fatalf("JoinRoom() failed: %v", err)
	}
	if joined.ID != room.ID || token == "" {
		t.Errorf("joined wrong room: %+v", joined)
	}

	for _, tc := range []struct{ name, passphrase string }{
		{"alpha", "wrong"},
		{"missing", "secret"},
	} {
		if _, _, err := e.service.JoinRoom(ctx, tc.name, tc.passphrase); !errors.Is(err, core.ErrInvalidCredentials) {
			t.Errorf("JoinRoom(%s, %s) = %v, want ErrInvalidCredentials", tc.name, tc.passphrase, err)
		}
	}

	e.advance(2 * time.Minute)
	if _, _, err := e.service.JoinRoom(ctx, "alpha", "secret"); !errors.Is(err, core.ErrInvalidCredentials) {
		t.Errorf("expired room must not be joinable, got %v", err)
	}
}

func TestPurge_Idempotent(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	sess, room := e.createRoom(t, "alpha", "secret")
	e.upload(t, sess, "a.txt", []byte("a"))

	for i := 0; i < 2; i++ {
		if err := e.purger.Purge(ctx, room.Name, room.ID, TriggerExpiry); err != nil {
			t.Fatalf("purge %d failed: %v", i+1, err)
		}
	}
	if e.objects.mem.Len() != 0 {
		t.Error("blobs should be gone")
	}
	if _, err := e.store.GetRoom(ctx, "alpha"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("room should be gone, got %v", err)
	}
	if len(e.events.expired) != 1 {
		t.Errorf("expected a single room-expired event, got %d", len(e.events.expired))
	}
}

func TestPurge_ConcurrentReportsOneCleanup(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	sess, room := e.createRoom(t, "alpha", "secret")
	e.upload(t, sess, "a.txt", []byte("a"))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.purger.Purge(ctx, room.Name, room.ID, TriggerExplicit)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("purge %d failed: %v", i, err)
		}
	}
	if e.objects.deletes != 1 {
		t.Errorf("expected one store cleanup, got %d", e.objects.deletes)
	}
}

// sharedLockStore stands in for a room store shared by several processes.
type sharedLockStore struct {
	core.MetadataStore

	mu    sync.Mutex
	locks int
}

func (s *sharedLockStore) LockRoom(ctx context.Context, name string) (func(), error) {
	s.mu.Lock()
	s.locks++
	return s.mu.Unlock, nil
}

func TestPurge_ProcessesShareRoomLock(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	sess, room := e.createRoom(t, "alpha", "secret")
	e.upload(t, sess, "a.txt", []byte("a"))

	shared := &sharedLockStore{MetadataStore: e.store}
	events := &recordingEvents{}
	first := NewPurger(shared, shared, e.objects, events)
	second := NewPurger(shared, shared, e.objects, events)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		p := first
		if i%2 == 1 {
			p = second
		}
		wg.Add(1)
		go func(i int, p *Purger) {
			defer wg.Done()
			errs[i] = p.Purge(ctx, room.Name, room.ID, TriggerExplicit)
		}(i, p)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("purge %d failed: %v", i, err)
		}
	}
	if e.objects.deletes != 1 {
		t.Errorf("expected one store cleanup across processes, got %d", e.objects.deletes)
	}
	if len(events.expired) != 1 {
		t.Errorf("expected one room-expired event, got %d", len(events.expired))
	}
	if shared.locks != len(errs) {
		t.Errorf("every purge should take the shared lock, got %d", shared.locks)
	}
}

func TestPurge_PartialFailureKeepsRecords(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	sess, room := e.createRoom(t, "alpha", "secret")
	file := e.upload(t, sess, "a.txt", []byte("a"))

	e.objects.deleteErr = &core.PartialFailureError{FailedKeys: []string{file.StorageKey}}
	err := e.purger.Purge(ctx, room.Name, room.ID, TriggerExpiry)
	if !errors.Is(err, core.ErrPartialFailure) {
		t.Fatalf("expected ErrPartialFailure, got %v", err)
	}

	files, err := e.store.ListFiles(ctx, room.ID)
	if err != nil || len(files) != 1 {
		t.Fatalf("file records must survive a failed purge: %v, %v", files, err)
	}
	if _, err := e.service.ListFiles(ctx, sess); !errors.Is(err, core.ErrRoomExpired) {
		t.Errorf("a room being purged is no longer usable, got %v", err)
	}
	if _, err := e.service.Upload(ctx, sess, "b.txt", "", bytes.NewReader([]byte("b"))); !errors.Is(err, core.ErrRoomExpired) {
		t.Errorf("uploads into a purging room must fail, got %v", err)
	}

	e.objects.deleteErr = nil
	if err := e.purger.Purge(ctx, room.Name, room.ID, TriggerExpiry); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if _, err := e.store.GetRoom(ctx, "alpha"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("room should be gone after retry, got %v", err)
	}
}

func TestPurge_OtherGenerationIsNoop(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	e.createRoom(t, "alpha", "secret")

	if err := e.purger.Purge(ctx, "alpha", "stale-generation", TriggerExpiry); err != nil {
		t.Fatalf("Purge() failed: %v", err)
	}
	if _, err := e.store.GetRoom(ctx, "alpha"); err != nil {
		t.Errorf("live room must not be touched: %v", err)
	}
}

func TestUpload_OversizeBeforeStore(t *testing.T) {
	e := setup(t, time.Minute)
	sess, _ := e.createRoom(t, "alpha", "secret")

	data := make([]byte, testMaxUpload+1)
	_, err := e.service.Upload(context.Background(), sess, "big.bin", "", bytes.NewReader(data))
	if !errors.Is(err, core.ErrOversize) {
		t.Fatalf("expected ErrOversize, got %v", err)
	}
	if e.objects.calls() != 0 {
		t.Errorf("object store received %d calls", e.objects.calls())
	}

	e.upload(t, sess, "exact.bin", make([]byte, testMaxUpload))
}

func TestUpload_Rejections(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()

	if _, err := e.service.Upload(ctx, nil, "a.txt", "", bytes.NewReader([]byte("a"))); !errors.Is(err, core.ErrNoActiveRoom) {
		t.Errorf("expected ErrNoActiveRoom, got %v", err)
	}

	sess, _ := e.createRoom(t, "alpha", "secret")
	for _, name := range []string{"", "..", "/"} {
		if _, err := e.service.Upload(ctx, sess, name, "", bytes.NewReader([]byte("a"))); !errors.Is(err, core.ErrNoFile) {
			t.Errorf("Upload(%q) = %v, want ErrNoFile", name, err)
		}
	}
	if _, err := e.service.Upload(ctx, sess, "a.txt", "", nil); !errors.Is(err, core.ErrNoFile) {
		t.Errorf("expected ErrNoFile for missing body, got %v", err)
	}

	e.objects.putErr = core.ErrStoreUnavailable
	if _, err := e.service.Upload(ctx, sess, "a.txt", "", bytes.NewReader([]byte("a"))); !errors.Is(err, core.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestUpload_StripsDirectories(t *testing.T) {
	e := setup(t, time.Minute)
	sess, _ := e.createRoom(t, "alpha", "secret")
	file := e.upload(t, sess, `C:\Users\me\report.pdf`, []byte("x"))
	if file.OriginalName != "report.pdf" {
		t.Errorf("OriginalName = %q, want report.pdf", file.OriginalName)
	}
}

func TestUpload_RacingPurgeRemovesBlob(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	sess, room := e.createRoom(t, "alpha", "secret")

	e.objects.onPut = func(string) { e.store.MarkPurging(ctx, room.ID) }
	_, err := e.service.Upload(ctx, sess, "a.txt", "", bytes.NewReader([]byte("a")))
	if !errors.Is(err, core.ErrRoomExpired) {
		t.Fatalf("expected ErrRoomExpired, got %v", err)
	}
	if e.objects.mem.Len() != 0 {
		t.Error("blob of a rejected upload must be removed")
	}
}

func TestDownload_RoundTripAndLinkExpiry(t *testing.T) {
	e := setup(t, time.Hour)
	ctx := context.Background()
	sess, _ := e.createRoom(t, "alpha", "secret")

	data := bytes.Repeat([]byte("fleeting"), 1000)
	file := e.upload(t, sess, "notes.txt", data)

	link, err := e.service.Download(ctx, sess, file.ID)
	if err != nil {
		t.Fatalf("Download() failed: %v", err)
	}
	got, err := e.fetch(t, link)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("downloaded content differs from upload")
	}

	e.advance(11 * time.Second)
	if _, err := e.fetch(t, link); !errors.Is(err, presign.ErrLinkExpired) {
		t.Errorf("expected ErrLinkExpired after the link window, got %v", err)
	}
}

func TestDownload_ForeignFileLooksMissing(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	sessA, _ := e.createRoom(t, "alpha", "secret")
	sessB, _ := e.createRoom(t, "beta", "secret")
	fileB := e.upload(t, sessB, "b.txt", []byte("b"))

	_, foreignErr := e.service.Download(ctx, sessA, fileB.ID)
	_, missingErr := e.service.Download(ctx, sessA, "does-not-exist")
	if !errors.Is(foreignErr, core.ErrNotFound) || !errors.Is(missingErr, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for both, got %v and %v", foreignErr, missingErr)
	}
	if foreignErr.Error() != missingErr.Error() {
		t.Errorf("foreign and missing files must be indistinguishable: %q vs %q", foreignErr, missingErr)
	}
	if e.objects.presigns != 0 {
		t.Error("no link may be issued for a foreign file")
	}
}

func TestDownload_PresignFailure(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	sess, _ := e.createRoom(t, "alpha", "secret")
	file := e.upload(t, sess, "a.txt", []byte("a"))

	e.objects.presignErr = errors.New("signing endpoint unreachable")
	if _, err := e.service.Download(ctx, sess, file.ID); !errors.Is(err, core.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}

	e.objects.presignErr = fmt.Errorf("%w: throttled", core.ErrStoreUnavailable)
	if _, err := e.service.Download(ctx, sess, file.ID); !errors.Is(err, core.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestDeleteRoom(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	sess, room := e.createRoom(t, "alpha", "secret")
	e.upload(t, sess, "a.txt", []byte("a"))

	if err := e.service.DeleteRoom(ctx, sess); err != nil {
		t.Fatalf("DeleteRoom() failed: %v", err)
	}
	if _, err := e.store.GetJob(ctx, "alpha"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("job should be cancelled, got %v", err)
	}
	if e.objects.mem.Len() != 0 {
		t.Error("blobs should be gone")
	}
	if len(e.events.expired) != 1 || e.events.expired[0] != room.ID {
		t.Errorf("expected room-expired event for %s, got %v", room.ID, e.events.expired)
	}

	if _, err := e.service.ListFiles(ctx, sess); !errors.Is(err, core.ErrRoomExpired) {
		t.Errorf("expected ErrRoomExpired, got %v", err)
	}
	if err := e.service.DeleteRoom(ctx, sess); !errors.Is(err, core.ErrRoomExpired) {
		t.Errorf("expected ErrRoomExpired on second delete, got %v", err)
	}
	if err := e.service.DeleteRoom(ctx, nil); !errors.Is(err, core.ErrNoActiveRoom) {
		t.Errorf("expected ErrNoActiveRoom without session, got %v", err)
	}
}

func TestDeleteRoom_FailureMovesJobUp(t *testing.T) {
	e := setup(t, time.Hour)
	ctx := context.Background()
	sess, _ := e.createRoom(t, "alpha", "secret")
	e.upload(t, sess, "a.txt", []byte("a"))

	e.objects.deleteErr = core.ErrStoreUnavailable
	if err := e.service.DeleteRoom(ctx, sess); !errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	job, err := e.store.GetJob(ctx, "alpha")
	if err != nil {
		t.Fatalf("job must survive a failed delete: %v", err)
	}
	if job.NextAttemptAt.After(e.clock()) {
		t.Errorf("retry should be due now, next attempt at %v", job.NextAttemptAt)
	}

	e.objects.deleteErr = nil
	if n, err := e.scheduler.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("RunOnce() = %d, %v", n, err)
	}
	if _, err := e.store.GetRoom(ctx, "alpha"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("room should be purged by the retry, got %v", err)
	}
}

func TestDeleteRoom_FailureKeepsRetryState(t *testing.T) {
	e := setup(t, time.Hour)
	ctx := context.Background()
	sess, room := e.createRoom(t, "alpha", "secret")
	e.upload(t, sess, "a.txt", []byte("a"))
	e.objects.deleteErr = core.ErrStoreUnavailable

	later := e.clock().Add(time.Hour)
	if err := e.store.RescheduleJob(ctx, "alpha", room.ID, 3, later, "earlier failure"); err != nil {
		t.Fatalf("RescheduleJob() failed: %v", err)
	}
	if err := e.service.DeleteRoom(ctx, sess); !errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	job, err := e.store.GetJob(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if job.Attempts != 3 || job.LastError != "earlier failure" {
		t.Errorf("delete must keep the retry history, got attempts=%d last=%q", job.Attempts, job.LastError)
	}
	if job.NextAttemptAt.After(e.clock()) {
		t.Errorf("retry should be due now, next attempt at %v", job.NextAttemptAt)
	}

	if err := e.store.ParkJob(ctx, "alpha", room.ID, 10, "gave up"); err != nil {
		t.Fatalf("ParkJob() failed: %v", err)
	}
	if err := e.registry.Delete(ctx, room); !errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	job, err = e.store.GetJob(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if !job.Failed || job.Attempts != 10 {
		t.Errorf("a parked job must stay parked, got failed=%v attempts=%d", job.Failed, job.Attempts)
	}
}

func TestLeaveRoom(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	sess, _ := e.createRoom(t, "alpha", "secret")

	if err := e.service.LeaveRoom(ctx, sess); err != nil {
		t.Fatalf("LeaveRoom() failed: %v", err)
	}
	if _, err := e.store.GetRoom(ctx, "alpha"); err != nil {
		t.Errorf("leaving must not change the room: %v", err)
	}
}

func TestScenario_RoomExpiresAfterTTL(t *testing.T) {
	e := setup(t, time.Second)
	ctx := context.Background()

	owner, _ := e.createRoom(t, "alpha", "secret")
	report := bytes.Repeat([]byte{0xAB}, 1024*1024)
	e.upload(t, owner, "report.pdf", report)

	token, _, err := e.service.JoinRoom(ctx, "alpha", "secret")
	if err != nil {
		t.Fatalf("JoinRoom() failed: %v", err)
	}
	guest, err := e.sessions.Parse(token)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	files, err := e.service.ListFiles(ctx, guest)
	if err != nil {
		t.Fatalf("ListFiles() failed: %v", err)
	}
	if len(files) != 1 || files[0].OriginalName != "report.pdf" || files[0].Size != int64(len(report)) {
		t.Fatalf("unexpected listing: %+v", files)
	}

	e.advance(2 * time.Second)
	if _, err := e.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	if _, err := e.service.ListFiles(ctx, guest); !errors.Is(err, core.ErrRoomExpired) {
		t.Errorf("expected ErrRoomExpired, got %v", err)
	}
	if e.objects.mem.Len() != 0 {
		t.Error("object store still holds the blob")
	}
}

func TestGuard_CheckFileOwnership(t *testing.T) {
	g := NewGuard(nil)
	room := &core.Room{ID: "r1"}
	if !g.CheckFileOwnership(&core.File{RoomID: "r1"}, room) {
		t.Error("own file rejected")
	}
	if g.CheckFileOwnership(&core.File{RoomID: "r2"}, room) {
		t.Error("foreign file accepted")
	}
	if g.CheckFileOwnership(nil, room) {
		t.Error("nil file accepted")
	}
}
