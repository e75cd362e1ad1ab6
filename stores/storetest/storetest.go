// Package storetest holds the behaviour every core.MetadataStore backend must
// share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fleetingfiles/core"

	"github.com/oklog/ulid/v2"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) core.MetadataStore

// Run executes the conformance suite against the backend.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s core.MetadataStore)
	}{
		{"InsertRoom_GetRoom", testInsertGet},
		{"InsertRoom_NameTaken", testNameTaken},
		{"InsertRoom_Concurrent", testConcurrentInsert},
		{"GetRoom_NotFound", testGetRoomNotFound},
		{"DeleteRoom_Idempotent", testDeleteRoomIdempotent},
		{"AddFile_ListGet", testAddListGet},
		{"AddFile_RoomMissing", testAddFileRoomMissing},
		{"AddFile_RoomPurging", testAddFileRoomPurging},
		{"DeleteFiles", testDeleteFiles},
		{"Jobs_UpsertGetDelete", testJobsUpsertGetDelete},
		{"Jobs_DeleteOtherGeneration", testJobsDeleteOtherGeneration},
		{"Jobs_Claim", testJobsClaim},
		{"Jobs_RescheduleAndPark", testJobsRescheduleAndPark},
		{"ListUnscheduledRooms", testListUnscheduledRooms},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

// NewRoom builds a room that expires after ttl.
func NewRoom(name string, ttl time.Duration) *core.Room {
	now := time.Now().Truncate(time.Millisecond)
	return &core.Room{
		ID:             ulid.Make().String(),
		Name:           name,
		PassphraseHash: []byte("hash-" + name),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

func newFile(roomID, name string, at time.Time) *core.File {
	id := ulid.Make().String()
	return &core.File{
		ID:           id,
		RoomID:       roomID,
		StorageKey:   "rooms/" + roomID + "/" + id,
		OriginalName: name,
		Size:         42,
		ContentType:  "application/pdf",
		UploadedAt:   at.Truncate(time.Millisecond),
	}
}

func mustInsert(t *testing.T, s core.MetadataStore, room *core.Room) {
	t.Helper()
	if err := s.InsertRoom(context.Background(), room); err != nil {
		t.Fatalf("InsertRoom(%s) failed: %v", room.Name, err)
	}
}

func testInsertGet(t *testing.T, s core.MetadataStore) {
	ctx := context.Background()
	room := NewRoom("alpha", time.Hour)
	mustInsert(t, s, room)

	got, err := s.GetRoom(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetRoom() failed: %v", err)
	}
	if got.ID != room.ID || got.Name != room.Name || string(got.PassphraseHash) != string(room.PassphraseHash) {
		t.Errorf("room mismatch: got %+v, want %+v", got, room)
	}
	if !got.CreatedAt.Equal(room.CreatedAt) || !got.ExpiresAt.Equal(room.ExpiresAt) {
		t.Errorf("timestamps mismatch: got %s/%s, want %s/%s", got.CreatedAt, got.ExpiresAt, room.CreatedAt, room.ExpiresAt)
	}
	if got.Purging {
		t.Error("new room should not be purging")
	}
}

func testNameTaken(t *testing.T, s core.MetadataStore) {
	mustInsert(t, s, NewRoom("alpha", time.Hour))

	err := s.InsertRoom(context.Background(), NewRoom("alpha", time.Hour))
	if !errors.Is(err, core.ErrNameTaken) {
		t.Errorf("expected ErrNameTaken, got %v", err)
	}
}

func testConcurrentInsert(t *testing.T, s core.MetadataStore) {
	const creators = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		taken   int
	)

	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InsertRoom(context.Background(), NewRoom("contested", time.Hour))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, core.ErrNameTaken):
				taken++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 || taken != creators-1 {
		t.Errorf("expected 1 winner and %d losers, got %d and %d", creators-1, winners, taken)
	}
}

func testGetRoomNotFound(t *testing.T, s core.MetadataStore) {
	if _, err := s.GetRoom(context.Background(), "ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testDeleteRoomIdempotent(t *testing.T, s core.MetadataStore) {
	ctx := context.Background()
	room := NewRoom("alpha", time.Hour)
	mustInsert(t, s, room)

	for i := 0; i < 2; i++ {
		if err := s.DeleteRoom(ctx, room.ID); err != nil {
			t.Fatalf("DeleteRoom() #%d failed: %v", i+1, err)
		}
	}
	if _, err := s.GetRoom(ctx, "alpha"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("room should be gone, got %v", err)
	}

	// the name is free again
	mustInsert(t, s, NewRoom("alpha", time.Hour))
}

func testAddListGet(t *testing.T, s core.MetadataStore) {
	ctx := context.Background()
	room := NewRoom("alpha", time.Hour)
	other := NewRoom("beta", time.Hour)
	mustInsert(t, s, room)
	mustInsert(t, s, other)

	base := time.Now()
	first := newFile(room.ID, "report.pdf", base)
	second := newFile(room.ID, "notes.txt", base.Add(time.Second))
	foreign := newFile(other.ID, "secret.txt", base)
	for _, f := range []*core.File{second, first, foreign} {
		if err := s.AddFile(ctx, f); err != nil {
			t.Fatalf("AddFile(%s) failed: %v", f.OriginalName, err)
		}
	}

	files, err := s.ListFiles(ctx, room.ID)
	if err != nil {
		t.Fatalf("ListFiles() failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].ID != first.ID || files[1].ID != second.ID {
		t.Errorf("files not ordered by upload time: %s, %s", files[0].OriginalName, files[1].OriginalName)
	}

	got, err := s.GetFile(ctx, foreign.ID)
	if err != nil {
		t.Fatalf("GetFile() failed: %v", err)
	}
	if got.RoomID != other.ID || got.StorageKey != foreign.StorageKey || got.OriginalName != "secret.txt" || got.Size != 42 {
		t.Errorf("file mismatch: %+v", got)
	}

	if _, err := s.GetFile(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	empty, err := s.ListFiles(ctx, "no-such-room")
	if err != nil {
		t.Fatalf("ListFiles() on unknown room failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no files, got %d", len(empty))
	}
}

func testAddFileRoomMissing(t *testing.T, s core.MetadataStore) {
	err := s.AddFile(context.Background(), newFile("no-such-room", "a.txt", time.Now()))
	if !errors.Is(err, core.ErrRoomExpired) {
		t.Errorf("expected ErrRoomExpired, got %v", err)
	}
}

func testAddFileRoomPurging(t *testing.T, s core.MetadataStore) {
	ctx := context.Background()
	room := NewRoom("alpha", time.Hour)
	mustInsert(t, s, room)

	if err := s.MarkPurging(ctx, room.ID); err != nil {
		t.Fatalf("MarkPurging() failed: %v", err)
	}
	got, err := s.GetRoom(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetRoom() failed: %v", err)
	}
	if !got.Purging {
		t.Error("room should be purging")
	}

	if err := s.AddFile(ctx, newFile(room.ID, "late.txt", time.Now())); !errors.Is(err, core.ErrRoomExpired) {
		t.Errorf("expected ErrRoomExpired, got %v", err)
	}

	if err := s.MarkPurging(ctx, "no-such-room"); err != nil {
		t.Errorf("MarkPurging() on unknown room should be a no-op, got %v", err)
	}
}

func testDeleteFiles(t *testing.T, s core.MetadataStore) {
	ctx := context.Background()
	room := NewRoom("alpha", time.Hour)
	mustInsert(t, s, room)

	f := newFile(room.ID, "a.txt", time.Now())
	if err := s.AddFile(ctx, f); err != nil {
		t.Fatalf("AddFile() failed: %v", err)
	}
	if err := s.DeleteFiles(ctx, room.ID); err != nil {
		t.Fatalf("DeleteFiles() failed: %v", err)
	}

	files, err := s.ListFiles(ctx, room.ID)
	if err != nil {
		t.Fatalf("ListFiles() failed: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected no files, got %d", len(files))
	}
	if _, err := s.GetFile(ctx, f.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteFiles(ctx, room.ID); err != nil {
		t.Errorf("second DeleteFiles() should succeed, got %v", err)
	}
}

func jobFor(room *core.Room) *core.PurgeJob {
	return &core.PurgeJob{
		RoomName:      room.Name,
		RoomID:        room.ID,
		FireAt:        room.ExpiresAt,
		NextAttemptAt: room.ExpiresAt,
	}
}

func testJobsUpsertGetDelete(t *testing.T, s core.MetadataStore) {
	ctx := context.Background()
	room := NewRoom("alpha", time.Hour)

	if err := s.UpsertJob(ctx, jobFor(room)); err != nil {
		t.Fatalf("UpsertJob() failed: %v", err)
	}
	// A second upsert for the same name replaces the first.
	if err := s.UpsertJob(ctx, jobFor(room)); err != nil {
		t.Fatalf("UpsertJob() again failed: %v", err)
	}

	job, err := s.GetJob(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if job.RoomID != room.ID || !job.FireAt.Equal(room.ExpiresAt) || job.Attempts != 0 || job.Failed {
		t.Errorf("job mismatch: %+v", job)
	}

	if err := s.DeleteJob(ctx, "alpha", room.ID); err != nil {
		t.Fatalf("DeleteJob() failed: %v", err)
	}
	if _, err := s.GetJob(ctx, "alpha"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteJob(ctx, "alpha", room.ID); err != nil {
		t.Errorf("second DeleteJob() should succeed, got %v", err)
	}
}

func testJobsDeleteOtherGeneration(t *testing.T, s core.MetadataStore) {
	ctx := context.Background()
	current := NewRoom("alpha", time.Hour)
	if err := s.UpsertJob(ctx, jobFor(current)); err != nil {
		t.Fatalf("UpsertJob() failed: %v", err)
	}

	if err := s.DeleteJob(ctx, "alpha", "stale-generation"); err != nil {
		t.Fatalf("DeleteJob() failed: %v", err)
	}
	if _, err := s.GetJob(ctx, "alpha"); err != nil {
		t.Errorf("job of the current generation must survive, got %v", err)
	}
}

func testJobsClaim(t *testing.T, s core.MetadataStore) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	due := NewRoom("due", -time.Second)
	later := NewRoom("later", time.Hour)
	for _, r := range []*core.Room{due, later} {
		if err := s.UpsertJob(ctx, jobFor(r)); err != nil {
			t.Fatalf("UpsertJob() failed: %v", err)
		}
	}

	claimed, err := s.ClaimDueJobs(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs() failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].RoomName != "due" {
		t.Fatalf("expected only the due job, got %+v", claimed)
	}

	again, err := s.ClaimDueJobs(ctx, now.Add(time.Second), time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs() failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("leased job must not be claimed twice, got %d", len(again))
	}

	afterLease, err := s.ClaimDueJobs(ctx, now.Add(2*time.Minute), time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs() failed: %v", err)
	}
	if len(afterLease) != 1 {
		t.Errorf("expired lease should make the job claimable, got %d", len(afterLease))
	}
}

func testJobsRescheduleAndPark(t *testing.T, s core.MetadataStore) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	room := NewRoom("alpha", -time.Second)
	if err := s.UpsertJob(ctx, jobFor(room)); err != nil {
		t.Fatalf("UpsertJob() failed: %v", err)
	}
	if _, err := s.ClaimDueJobs(ctx, now, time.Minute, 10); err != nil {
		t.Fatalf("ClaimDueJobs() failed: %v", err)
	}

	next := now.Add(10 * time.Second)
	if err := s.RescheduleJob(ctx, "alpha", room.ID, 1, next, "store down"); err != nil {
		t.Fatalf("RescheduleJob() failed: %v", err)
	}
	job, err := s.GetJob(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if job.Attempts != 1 || !job.NextAttemptAt.Equal(next) || job.LastError != "store down" {
		t.Errorf("reschedule not recorded: %+v", job)
	}

	early, err := s.ClaimDueJobs(ctx, now.Add(time.Second), time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs() failed: %v", err)
	}
	if len(early) != 0 {
		t.Errorf("job must wait for its backoff, got %d", len(early))
	}
	onTime, err := s.ClaimDueJobs(ctx, next, time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs() failed: %v", err)
	}
	if len(onTime) != 1 || onTime[0].Attempts != 1 {
		t.Fatalf("rescheduled job should be claimable after backoff, got %+v", onTime)
	}

	if err := s.ParkJob(ctx, "alpha", room.ID, 2, "gave up"); err != nil {
		t.Fatalf("ParkJob() failed: %v", err)
	}
	parked, err := s.ClaimDueJobs(ctx, now.Add(time.Hour), time.Minute, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs() failed: %v", err)
	}
	if len(parked) != 0 {
		t.Errorf("parked job must not be claimed, got %d", len(parked))
	}
	job, err = s.GetJob(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if !job.Failed || job.Attempts != 2 || job.LastError != "gave up" {
		t.Errorf("park not recorded: %+v", job)
	}
}

func testListUnscheduledRooms(t *testing.T, s core.MetadataStore) {
	ctx := context.Background()
	scheduled := NewRoom("scheduled", time.Hour)
	orphan := NewRoom("orphan", time.Hour)
	stale := NewRoom("stale", time.Hour)
	for _, r := range []*core.Room{scheduled, orphan, stale} {
		mustInsert(t, s, r)
	}
	if err := s.UpsertJob(ctx, jobFor(scheduled)); err != nil {
		t.Fatalf("UpsertJob() failed: %v", err)
	}
	staleJob := jobFor(stale)
	staleJob.RoomID = "previous-generation"
	if err := s.UpsertJob(ctx, staleJob); err != nil {
		t.Fatalf("UpsertJob() failed: %v", err)
	}

	rooms, err := s.ListUnscheduledRooms(ctx)
	if err != nil {
		t.Fatalf("ListUnscheduledRooms() failed: %v", err)
	}
	names := make(map[string]bool)
	for _, r := range rooms {
		names[r.Name] = true
	}
	if len(rooms) != 2 || !names["orphan"] || !names["stale"] {
		t.Errorf("expected orphan and stale, got %v", fmt.Sprint(names))
	}
}
