// Package persist is the fire-and-forget sink for tick records and book
// snapshots.
//
// Hot-path writers encode a record directly into a ring slot and move on;
// a dedicated writer goroutine drains the ring and appends length-prefixed
// binary records to rotating files under data_dir. Replay is a consumer
// concern — this package only ever appends.
//
// On-disk record layout (big-endian):
//
//	timestamp_ns u64 | ticker_id u32 | type u8 | length u16 | payload
//
// Tick payloads carry the normalized update scalars; snapshot payloads
// carry the level arrays. Files rotate when they exceed the configured
// size; rotated files are never touched again.
package persist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"shriven-zenith/internal/book"
	"shriven-zenith/internal/ring"
	"shriven-zenith/pkg/types"
)

// Record types.
const (
	RecordTick     uint8 = 1
	RecordSnapshot uint8 = 2
)

const (
	headerSize     = 8 + 4 + 1 + 2
	maxPayload     = 1024
	flushInterval  = 100 * time.Millisecond
)

// record is the fixed-size ring slot.
type record struct {
	timestampNs uint64
	tickerId    types.TickerId
	kind        uint8
	length      uint16
	payload     [maxPayload]byte
}

// Sink owns the ring, the writer goroutine, and the current file.
type Sink struct {
	ring        *ring.SPSC[record]
	dir         string
	prefix      string
	maxFileSize int64

	file    *os.File
	bw      *bufio.Writer
	written int64
	fileSeq int

	dropped atomic.Uint64
	_       [56]byte

	stop chan struct{}
	done chan struct{}
	once sync.Once

	logger *slog.Logger
}

// Open creates the sink writing into dir. maxFileSizeMB bounds each file;
// ringCapacity must be a power of two.
func Open(dir, prefix string, maxFileSizeMB int, ringCapacity uint64, logger *slog.Logger) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Sink{
		ring:        ring.New[record](ringCapacity),
		dir:         dir,
		prefix:      prefix,
		maxFileSize: int64(maxFileSizeMB) * 1024 * 1024,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger.With("component", "persist"),
	}
	if err := s.rotate(); err != nil {
		return nil, err
	}
	go s.drain()
	return s, nil
}

// Dropped returns the number of records lost to ring overflow.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Close flushes and stops the writer.
func (s *Sink) Close() error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}

// WriteTick enqueues one normalized update. Never blocks; drops on overflow.
func (s *Sink) WriteTick(u *types.MarketUpdate) {
	slot := s.ring.Reserve()
	if slot == nil {
		s.dropped.Add(1)
		return
	}
	slot.timestampNs = u.TimestampNs
	slot.tickerId = u.TickerId
	slot.kind = RecordTick

	p := slot.payload[:]
	p[0] = byte(u.Type)
	p[1] = byte(u.Side)
	binary.BigEndian.PutUint64(p[2:10], uint64(u.Price))
	binary.BigEndian.PutUint64(p[10:18], uint64(u.Qty))
	binary.BigEndian.PutUint64(p[18:26], u.Sequence)
	slot.length = 26

	s.ring.CommitWrite()
}

// WriteSnapshot enqueues one book snapshot. Never blocks; drops on overflow.
func (s *Sink) WriteSnapshot(snap *book.Snapshot) {
	slot := s.ring.Reserve()
	if slot == nil {
		s.dropped.Add(1)
		return
	}
	slot.timestampNs = snap.LastTimestampNs
	slot.tickerId = snap.TickerId
	slot.kind = RecordSnapshot

	p := slot.payload[:]
	binary.BigEndian.PutUint64(p[0:8], snap.LastSequence)
	p[8] = byte(snap.BidCount)
	p[9] = byte(snap.AskCount)
	off := 10
	writeLevels := func(levels []book.Level, n int) {
		for i := 0; i < n; i++ {
			binary.BigEndian.PutUint64(p[off:off+8], uint64(levels[i].Price))
			binary.BigEndian.PutUint64(p[off+8:off+16], uint64(levels[i].Qty))
			binary.BigEndian.PutUint32(p[off+16:off+20], levels[i].OrderCount)
			off += 20
		}
	}
	writeLevels(snap.Bids[:], snap.BidCount)
	writeLevels(snap.Asks[:], snap.AskCount)
	slot.length = uint16(off)

	s.ring.CommitWrite()
}

// ————————————————————————————————————————————————————————————————————————
// Writer goroutine
// ————————————————————————————————————————————————————————————————————————

func (s *Sink) drain() {
	defer close(s.done)
	defer s.closeFile()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	// An idle writer re-polls the ring every millisecond rather than
	// waiting for the next flush tick.
	poll := time.NewTicker(time.Millisecond)
	defer poll.Stop()

	for {
		progressed := false
		for {
			rec := s.ring.Peek()
			if rec == nil {
				break
			}
			if err := s.writeRecord(rec); err != nil {
				s.logger.Error("write failed, record lost", "error", err)
			}
			s.ring.CommitRead()
			progressed = true
		}
		if progressed {
			continue
		}
		select {
		case <-s.stop:
			// Final drain.
			for {
				rec := s.ring.Peek()
				if rec == nil {
					return
				}
				if err := s.writeRecord(rec); err != nil {
					s.logger.Error("write failed, record lost", "error", err)
				}
				s.ring.CommitRead()
			}
		case <-ticker.C:
			if s.bw != nil {
				s.bw.Flush()
			}
		case <-poll.C:
		}
	}
}

func (s *Sink) writeRecord(rec *record) error {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], rec.timestampNs)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(rec.tickerId))
	hdr[12] = rec.kind
	binary.BigEndian.PutUint16(hdr[13:15], rec.length)

	if _, err := s.bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := s.bw.Write(rec.payload[:rec.length]); err != nil {
		return err
	}
	s.written += int64(headerSize) + int64(rec.length)

	if s.maxFileSize > 0 && s.written >= s.maxFileSize {
		return s.rotate()
	}
	return nil
}

// rotate closes the current file and opens the next in the sequence.
func (s *Sink) rotate() error {
	s.closeFile()

	s.fileSeq++
	name := fmt.Sprintf("%s-%06d.bin", s.prefix, s.fileSeq)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	s.file = f
	s.bw = bufio.NewWriterSize(f, 1<<16)
	s.written = 0
	return nil
}

func (s *Sink) closeFile() {
	if s.bw != nil {
		s.bw.Flush()
		s.bw = nil
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}
