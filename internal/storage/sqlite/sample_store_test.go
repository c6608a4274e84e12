package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oralable/oralytics/internal/sensor"
)

func setupTestSampleStore(t *testing.T) (*SampleStore, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "sample_store_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := Open(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open database: %v", err)
	}

	store := NewSampleStore(db)

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return store, cleanup
}

var storeBase = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSampleStore_SaveBatchIgnoresDuplicates(t *testing.T) {
	store, cleanup := setupTestSampleStore(t)
	defer cleanup()

	ctx := context.Background()
	samples := []sensor.Sample{
		sensor.NewSample(storeBase, sensor.KindHeartRate, 70),
		sensor.NewSample(storeBase, sensor.KindSpO2, 98),
		sensor.NewSample(storeBase.Add(time.Second), sensor.KindHeartRate, 71),
	}

	n, err := store.SaveBatch(ctx, samples)
	if err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 inserted, got %d", n)
	}

	// Same identities again plus one new sample.
	again := append(samples, sensor.NewSample(storeBase.Add(2*time.Second), sensor.KindHeartRate, 72))
	n, err = store.SaveBatch(ctx, again)
	if err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 inserted on replay, got %d", n)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 4 {
		t.Errorf("expected count 4, got %d", count)
	}
}

func TestSampleStore_SaveBatchSkipsInvalid(t *testing.T) {
	store, cleanup := setupTestSampleStore(t)
	defer cleanup()

	ctx := context.Background()
	n, err := store.SaveBatch(ctx, []sensor.Sample{
		{Kind: sensor.KindHeartRate, Value: 60}, // zero timestamp
		sensor.NewSample(storeBase, sensor.KindHeartRate, 60),
	})
	if err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected only the valid sample, got %d", n)
	}
}

func TestSampleStore_RangeRoundTrip(t *testing.T) {
	store, cleanup := setupTestSampleStore(t)
	defer cleanup()

	ctx := context.Background()
	accel := sensor.NewAccelSample(storeBase.Add(time.Second), sensor.Vector3{X: 1, Y: -2, Z: 16384})
	withQuality := sensor.NewSample(storeBase.Add(2*time.Second), sensor.KindPPGRed, 5000).WithQuality(0.8)
	samples := []sensor.Sample{
		sensor.NewSample(storeBase, sensor.KindTemperature, 36.6),
		sensor.NewSample(storeBase, sensor.KindBattery, 88),
		accel,
		withQuality,
		sensor.NewSample(storeBase.Add(time.Minute), sensor.KindHeartRate, 65),
	}
	if _, err := store.SaveBatch(ctx, samples); err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}

	got, err := store.Range(ctx, storeBase, storeBase.Add(time.Minute))
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 samples (end is exclusive), got %d", len(got))
	}

	// Same timestamp: ordered by kind, not by name.
	if got[0].Kind != sensor.KindTemperature || got[1].Kind != sensor.KindBattery {
		t.Errorf("expected temperature before battery, got %v, %v", got[0].Kind, got[1].Kind)
	}
	if got[2].Accel != accel.Accel {
		t.Errorf("accel vector lost: %+v", got[2].Accel)
	}
	if got[3].Quality == nil || *got[3].Quality != 0.8 {
		t.Errorf("quality lost: %v", got[3].Quality)
	}
	if got[0].Quality != nil {
		t.Error("absent quality must stay absent")
	}
	if !got[0].Timestamp.Equal(storeBase) {
		t.Errorf("timestamp mismatch: %v", got[0].Timestamp)
	}

	hr, err := store.Range(ctx, storeBase, storeBase.Add(time.Hour), sensor.KindHeartRate)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(hr) != 1 || hr[0].Value != 65 {
		t.Errorf("expected one heart-rate sample, got %+v", hr)
	}

	none, err := store.Range(ctx, storeBase, storeBase)
	if err != nil || none != nil {
		t.Errorf("empty interval should return nil, got %v, %v", none, err)
	}
}

func TestSampleStore_PruneAndClear(t *testing.T) {
	store, cleanup := setupTestSampleStore(t)
	defer cleanup()

	ctx := context.Background()
	var samples []sensor.Sample
	for i := 0; i < 10; i++ {
		samples = append(samples, sensor.NewSample(storeBase.Add(time.Duration(i)*time.Hour), sensor.KindHeartRate, 60))
	}
	if _, err := store.SaveBatch(ctx, samples); err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}

	deleted, err := store.Prune(ctx, storeBase.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if deleted != 4 {
		t.Errorf("expected 4 deleted, got %d", deleted)
	}

	latest, ok, err := store.Latest(ctx)
	if err != nil || !ok {
		t.Fatalf("Latest failed: %v ok=%v", err, ok)
	}
	if !latest.Timestamp.Equal(storeBase.Add(9 * time.Hour)) {
		t.Errorf("unexpected latest %v", latest.Timestamp)
	}

	cleared, err := store.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if cleared != 6 {
		t.Errorf("expected 6 cleared, got %d", cleared)
	}

	_, ok, err = store.Latest(ctx)
	if err != nil || ok {
		t.Errorf("expected no latest after clear, got ok=%v err=%v", ok, err)
	}
}

func TestSampleStore_Summary(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	defer db.Close()
	store := NewSampleStore(db)

	ctx := context.Background()
	_, err = store.SaveBatch(ctx, []sensor.Sample{
		sensor.NewSample(storeBase, sensor.KindHeartRate, 60),
		sensor.NewSample(storeBase.Add(time.Hour), sensor.KindHeartRate, 62),
		sensor.NewEvent(storeBase.Add(time.Minute), sensor.KindGrinding),
	})
	if err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}

	sum, err := store.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if len(sum) != 2 {
		t.Fatalf("expected 2 kinds, got %d", len(sum))
	}
	if sum[0].Kind != sensor.KindHeartRate || sum[0].Count != 2 {
		t.Errorf("unexpected heart-rate summary %+v", sum[0])
	}
	if !sum[0].Last.Equal(storeBase.Add(time.Hour)) {
		t.Errorf("unexpected last %v", sum[0].Last)
	}
	if sum[1].Kind != sensor.KindGrinding {
		t.Errorf("unexpected second kind %v", sum[1].Kind)
	}
}

func TestDB_CheckpointTruncatesWAL(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "wal.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	store := NewSampleStore(db)
	if _, err := store.SaveBatch(ctx, []sensor.Sample{sensor.NewSample(storeBase, sensor.KindHeartRate, 70)}); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	if err := db.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if info, err := os.Stat(dbPath + "-wal"); err == nil && info.Size() != 0 {
		t.Errorf("WAL size after checkpoint = %d, want 0", info.Size())
	}
	if db.InMemory() {
		t.Error("file database reported as in-memory")
	}
}

func TestDB_OpenMemory(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	if !db.InMemory() {
		t.Error("InMemory() = false")
	}
	if err := db.Checkpoint(context.Background()); err != nil {
		t.Errorf("Checkpoint on memory database: %v", err)
	}
}
