package persist

import (
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shriven-zenith/internal/book"
	"shriven-zenith/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestSink(t *testing.T, maxMB int) (*Sink, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, "ticks", maxMB, 1024, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func readAll(t *testing.T, dir string) []byte {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var data []byte
	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		data = append(data, b...)
	}
	return data
}

func TestTickRecordRoundTrip(t *testing.T) {
	t.Parallel()
	s, dir := openTestSink(t, 100)

	u := types.MarketUpdate{
		TickerId:    9,
		Type:        types.UpdateTrade,
		Side:        types.Buy,
		Price:       1_000_500,
		Qty:         250_000_000,
		Sequence:    77,
		TimestampNs: 123456789,
	}
	s.WriteTick(&u)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	data := readAll(t, dir)
	if len(data) != headerSize+26 {
		t.Fatalf("file holds %d bytes, want %d", len(data), headerSize+26)
	}

	// Header: timestamp_ns u64 | ticker_id u32 | type u8 | length u16.
	if got := binary.BigEndian.Uint64(data[0:8]); got != 123456789 {
		t.Errorf("timestamp = %d", got)
	}
	if got := binary.BigEndian.Uint32(data[8:12]); got != 9 {
		t.Errorf("ticker = %d", got)
	}
	if data[12] != RecordTick {
		t.Errorf("type = %d, want %d", data[12], RecordTick)
	}
	if got := binary.BigEndian.Uint16(data[13:15]); got != 26 {
		t.Errorf("length = %d, want 26", got)
	}

	payload := data[headerSize:]
	if payload[0] != byte(types.UpdateTrade) || payload[1] != byte(types.Buy) {
		t.Errorf("payload tags = %d/%d", payload[0], payload[1])
	}
	if got := binary.BigEndian.Uint64(payload[2:10]); got != 1_000_500 {
		t.Errorf("price = %d", got)
	}
	if got := binary.BigEndian.Uint64(payload[18:26]); got != 77 {
		t.Errorf("sequence = %d", got)
	}
}

func TestSnapshotRecord(t *testing.T) {
	t.Parallel()
	s, dir := openTestSink(t, 100)

	snap := book.Snapshot{
		TickerId:        4,
		LastSequence:    99,
		LastTimestampNs: 5,
		BidCount:        2,
		AskCount:        1,
	}
	snap.Bids[0] = book.Level{Price: 1_000_000, Qty: 5_00000000, OrderCount: 3}
	snap.Bids[1] = book.Level{Price: 999_900, Qty: 1_00000000, OrderCount: 1}
	snap.Asks[0] = book.Level{Price: 1_000_100, Qty: 2_00000000, OrderCount: 2}

	s.WriteSnapshot(&snap)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	data := readAll(t, dir)
	wantPayload := 10 + 3*20
	if len(data) != headerSize+wantPayload {
		t.Fatalf("file holds %d bytes, want %d", len(data), headerSize+wantPayload)
	}
	if data[12] != RecordSnapshot {
		t.Errorf("type = %d", data[12])
	}
	payload := data[headerSize:]
	if got := binary.BigEndian.Uint64(payload[0:8]); got != 99 {
		t.Errorf("last sequence = %d", got)
	}
	if payload[8] != 2 || payload[9] != 1 {
		t.Errorf("counts = %d/%d", payload[8], payload[9])
	}
	if got := binary.BigEndian.Uint64(payload[10:18]); got != 1_000_000 {
		t.Errorf("first bid price = %d", got)
	}
	if got := binary.BigEndian.Uint32(payload[26:30]); got != 3 {
		t.Errorf("first bid order count = %d", got)
	}
}

func TestRecordsAppendInOrder(t *testing.T) {
	t.Parallel()
	s, dir := openTestSink(t, 100)

	for i := uint64(1); i <= 10; i++ {
		u := types.MarketUpdate{TickerId: 1, Type: types.UpdateAdd, Side: types.Buy, Sequence: i, TimestampNs: i}
		s.WriteTick(&u)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	data := readAll(t, dir)
	recLen := headerSize + 26
	if len(data) != 10*recLen {
		t.Fatalf("file holds %d bytes, want %d", len(data), 10*recLen)
	}
	for i := 0; i < 10; i++ {
		off := i * recLen
		seq := binary.BigEndian.Uint64(data[off+headerSize+18 : off+headerSize+26])
		if seq != uint64(i+1) {
			t.Fatalf("record %d sequence = %d, want %d", i, seq, i+1)
		}
	}
}

func TestRotationBySize(t *testing.T) {
	t.Parallel()
	s, dir := openTestSink(t, 1) // 1 MB files

	// Full-depth snapshots are ~825 bytes on disk; 2000 of them cross 1 MB.
	snap := book.Snapshot{TickerId: 1, BidCount: book.MaxDepth, AskCount: book.MaxDepth}
	for i := 0; i < 2000; i++ {
		snap.LastSequence = uint64(i)
		s.WriteSnapshot(&snap)
		// Pace the producer so the 1024-slot ring never overflows.
		if i%500 == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Errorf("files = %d, want rotation to have produced at least 2", len(entries))
	}
	if s.Dropped() != 0 {
		t.Errorf("dropped = %d records during paced write", s.Dropped())
	}
}

func TestOverflowDropsWithoutBlocking(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Tiny ring; stop the drain goroutine's progress by closing after.
	s, err := Open(dir, "t", 100, 4, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	u := types.MarketUpdate{TickerId: 1, Type: types.UpdateAdd}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10_000; i++ {
			s.WriteTick(&u)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WriteTick blocked")
	}
	s.Close()
}
