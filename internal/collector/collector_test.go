package collector

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/nexus-siem/backend/internal/storage"
)

func testSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := OpenSpool(filepath.Join(t.TempDir(), "spool.db"))
	if err != nil {
		t.Fatalf("OpenSpool: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ── Spool ─────────────────────────────────────────────────────────────────────

func TestSpoolEnqueueDequeueAck(t *testing.T) {
	s := testSpool(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.Enqueue(ctx, Item{
			DeviceID: "dev-1", DeviceType: "linux", LogType: "auth",
			Payload: "cGF5bG9hZA==",
		})
		if err != nil {
			t.Fatalf("Enqueue[%d]: %v", i, err)
		}
	}
	if s.Depth() != 3 {
		t.Errorf("depth: want 3, got %d", s.Depth())
	}

	items, err := s.Dequeue(ctx, 2)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("want 2 items, got %d", len(items))
	}
	if items[0].ID >= items[1].ID {
		t.Error("want oldest-first order")
	}

	// Dequeue does not consume: same items come back until acked.
	again, err := s.Dequeue(ctx, 2)
	if err != nil {
		t.Fatalf("second Dequeue: %v", err)
	}
	if len(again) != 2 || again[0].ID != items[0].ID {
		t.Error("unacked items must be returned again")
	}

	if err := s.Ack(ctx, []int64{items[0].ID, items[1].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if s.Depth() != 1 {
		t.Errorf("depth after ack: want 1, got %d", s.Depth())
	}

	// Ack is idempotent.
	if err := s.Ack(ctx, []int64{items[0].ID}); err != nil {
		t.Fatalf("repeat Ack: %v", err)
	}
	if s.Depth() != 1 {
		t.Errorf("depth after repeat ack: want 1, got %d", s.Depth())
	}
}

func TestSpoolDepthSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")
	ctx := context.Background()

	s, err := OpenSpool(path)
	if err != nil {
		t.Fatalf("OpenSpool: %v", err)
	}
	s.Enqueue(ctx, Item{DeviceID: "d", DeviceType: "linux", LogType: "auth", Payload: "eA=="})
	s.Enqueue(ctx, Item{DeviceID: "d", DeviceType: "linux", LogType: "syslog", Payload: "eQ=="})
	s.Close()

	s, err = OpenSpool(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if s.Depth() != 2 {
		t.Errorf("depth after reopen: want 2, got %d", s.Depth())
	}
}

// ── Collection & delivery ─────────────────────────────────────────────────────

type fakeReader struct {
	files  map[string][]byte
	closed bool
}

func (f *fakeReader) ReadFile(path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

type fakeRawLogStore struct {
	devices map[string]storage.Device
	logs    map[string]string // deviceID/logType -> payload
	upErr   error
}

func newFakeRawLogStore() *fakeRawLogStore {
	return &fakeRawLogStore{devices: map[string]storage.Device{}, logs: map[string]string{}}
}

func (f *fakeRawLogStore) EnsureDevice(_ context.Context, d storage.Device) error {
	f.devices[d.ID] = d
	return nil
}

func (f *fakeRawLogStore) UpsertRawLog(_ context.Context, deviceID, logType, payload string) (int64, error) {
	if f.upErr != nil {
		return 0, f.upErr
	}
	f.logs[deviceID+"/"+logType] = payload
	return int64(len(f.logs)), nil
}

func testMachine() Machine {
	return Machine{
		SFTPConfig: SFTPConfig{Host: "10.0.0.2", User: "siem", Password: "x"},
		DeviceType: "remote-server",
		Logs: []LogFile{
			{Type: "auth", Path: "/var/log/auth.log"},
			{Type: "syslog", Path: "/var/log/syslog"},
		},
	}
}

func TestCollectAndDeliver(t *testing.T) {
	spool := testSpool(t)
	store := newFakeRawLogStore()
	reader := &fakeReader{files: map[string][]byte{
		"/var/log/auth.log": []byte("line one\nline two\n"),
		"/var/log/syslog":   []byte("kernel: boot\n"),
	}}

	c := New([]Machine{testMachine()}, spool, store, 0, quietLogger())
	c.dial = func(SFTPConfig) (FileReader, error) { return reader, nil }

	c.runOnce(context.Background())

	if !reader.closed {
		t.Error("reader must be closed after the pass")
	}
	if len(store.devices) != 1 {
		t.Fatalf("want 1 registered device, got %d", len(store.devices))
	}

	deviceID := DeviceID("10.0.0.2")
	dev := store.devices[deviceID]
	if dev.Type != "remote-server" || dev.IPAddress != "10.0.0.2" {
		t.Errorf("device: %+v", dev)
	}

	got := store.logs[deviceID+"/auth"]
	want := base64.StdEncoding.EncodeToString([]byte("line one\nline two\n"))
	if got != want {
		t.Errorf("auth payload: want %q, got %q", want, got)
	}
	if spool.Depth() != 0 {
		t.Errorf("spool should be drained, depth %d", spool.Depth())
	}
}

func TestCollectSkipsUnreadableFile(t *testing.T) {
	spool := testSpool(t)
	store := newFakeRawLogStore()
	// Only auth.log is present; syslog read fails and is skipped.
	reader := &fakeReader{files: map[string][]byte{
		"/var/log/auth.log": []byte("x"),
	}}

	c := New([]Machine{testMachine()}, spool, store, 0, quietLogger())
	c.dial = func(SFTPConfig) (FileReader, error) { return reader, nil }

	c.runOnce(context.Background())

	if len(store.logs) != 1 {
		t.Errorf("want 1 delivered log, got %d", len(store.logs))
	}
}

func TestDeliverLeavesFailedItemsPending(t *testing.T) {
	spool := testSpool(t)
	store := newFakeRawLogStore()
	store.upErr = errors.New("store down")
	ctx := context.Background()

	spool.Enqueue(ctx, Item{DeviceID: "d", DeviceType: "linux", LogType: "auth", Payload: "eA=="})

	c := New(nil, spool, store, 0, quietLogger())
	if err := c.Deliver(ctx); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if spool.Depth() != 1 {
		t.Errorf("failed item must stay pending, depth %d", spool.Depth())
	}

	// Store recovers: the same item is delivered on the next pass.
	store.upErr = nil
	if err := c.Deliver(ctx); err != nil {
		t.Fatalf("Deliver after recovery: %v", err)
	}
	if spool.Depth() != 0 {
		t.Errorf("want drained spool, depth %d", spool.Depth())
	}
}

func TestDeviceIDStable(t *testing.T) {
	if DeviceID("10.0.0.2") != DeviceID("10.0.0.2") {
		t.Error("device id must be deterministic")
	}
	if DeviceID("10.0.0.2") == DeviceID("10.0.0.3") {
		t.Error("distinct hosts must get distinct ids")
	}
}
