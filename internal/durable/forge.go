package durable

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	segmentPrefix     = "seg-"
	segmentSuffix     = ".wal"
	defaultMaxSegment = 16 * 1024 * 1024
)

const (
	recordSent      = "s"
	recordConfirmed = "c"
)

// forgeRecord is one durable log entry. Payloads ride through base64 via the
// standard JSON []byte encoding.
type forgeRecord struct {
	Kind         string `json:"k"`
	SeqNr        uint64 `json:"seq"`
	Payload      []byte `json:"p,omitempty"`
	AckRequested bool   `json:"a,omitempty"`
}

// ForgeQueue is a file-backed Queue: an append-only segmented log of
// sent/confirmed records with CRC32-checked frames. Each store is fsynced
// before returning. Compaction rewrites the live state into a fresh segment
// once the current one outgrows the size bound.
type ForgeQueue struct {
	mu             sync.Mutex
	dir            string
	csf            *os.File
	csWriter       *bufio.Writer
	csIdx          int
	csSize         int64
	maxSegmentSize int64

	// Folded state, kept in step with the log so LoadState and compaction
	// never re-read segments.
	nextSeq     uint64
	confirmed   uint64
	unconfirmed []Message
}

// OpenForgeQueue opens (or creates) the segmented log under dir and replays
// it. A torn frame at the tail of the last segment is truncated away; torn
// frames anywhere else are corruption and fail the open.
func OpenForgeQueue(dir string) (*ForgeQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	q := &ForgeQueue{dir: dir, maxSegmentSize: defaultMaxSegment, nextSeq: 1}

	segments, err := q.segments()
	if err != nil {
		return nil, err
	}
	for i, seg := range segments {
		last := i == len(segments)-1
		if err := q.replaySegment(seg, last); err != nil {
			return nil, err
		}
	}

	idx := 0
	if n := len(segments); n > 0 {
		idx = segmentIndex(segments[n-1])
	}
	if err := q.openSegment(idx, os.O_CREATE|os.O_WRONLY|os.O_APPEND); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *ForgeQueue) StoreMessageSent(m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, have := range q.unconfirmed {
		if have.SeqNr == m.SeqNr {
			return nil
		}
	}
	if err := q.appendRecord(forgeRecord{
		Kind: recordSent, SeqNr: m.SeqNr, Payload: m.Payload, AckRequested: m.AckRequested,
	}); err != nil {
		return err
	}
	q.foldSent(m)
	return q.maybeCompact()
}

func (q *ForgeQueue) StoreMessageConfirmed(seqNr uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.appendRecord(forgeRecord{Kind: recordConfirmed, SeqNr: seqNr}); err != nil {
		return err
	}
	q.foldConfirmed(seqNr)
	return q.maybeCompact()
}

func (q *ForgeQueue) LoadState() (State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.unconfirmed))
	copy(out, q.unconfirmed)
	return State{CurrentSeqNr: q.nextSeq, Unconfirmed: out}, nil
}

func (q *ForgeQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.csf == nil {
		return nil
	}
	if err := q.csWriter.Flush(); err != nil {
		return err
	}
	if err := q.csf.Sync(); err != nil {
		return err
	}
	err := q.csf.Close()
	q.csf = nil
	return err
}

// Format per frame: CRC32 (4 bytes) | size of record (4 bytes) | record data
func (q *ForgeQueue) appendRecord(rec forgeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(data)))
	if _, err := q.csWriter.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := q.csWriter.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := q.csWriter.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err := q.csf.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	q.csSize += int64(len(hdr) + len(data))
	return nil
}

func (q *ForgeQueue) foldSent(m Message) {
	if m.SeqNr >= q.nextSeq {
		q.nextSeq = m.SeqNr + 1
	}
	cp := m
	cp.Payload = append([]byte(nil), m.Payload...)
	q.unconfirmed = append(q.unconfirmed, cp)
}

func (q *ForgeQueue) foldConfirmed(seqNr uint64) {
	if seqNr > q.confirmed {
		q.confirmed = seqNr
	}
	kept := q.unconfirmed[:0]
	for _, m := range q.unconfirmed {
		if m.SeqNr > q.confirmed {
			kept = append(kept, m)
		}
	}
	q.unconfirmed = kept
}

// maybeCompact rewrites the folded state into a fresh segment and removes
// the old ones once the current segment exceeds the size bound.
func (q *ForgeQueue) maybeCompact() error {
	if q.csSize < q.maxSegmentSize {
		return nil
	}
	old, err := q.segments()
	if err != nil {
		return err
	}
	if err := q.csWriter.Flush(); err != nil {
		return err
	}
	if err := q.csf.Close(); err != nil {
		return err
	}
	if err := q.openSegment(q.csIdx+1, os.O_CREATE|os.O_WRONLY|os.O_TRUNC); err != nil {
		return err
	}
	for _, m := range q.unconfirmed {
		if err := q.appendRecord(forgeRecord{Kind: recordSent, SeqNr: m.SeqNr, Payload: m.Payload, AckRequested: m.AckRequested}); err != nil {
			return err
		}
	}
	if q.confirmed > 0 {
		if err := q.appendRecord(forgeRecord{Kind: recordConfirmed, SeqNr: q.confirmed}); err != nil {
			return err
		}
	}
	// Seq continuity must survive compaction even with nothing unconfirmed.
	if len(q.unconfirmed) == 0 && q.nextSeq > 1 {
		if err := q.appendRecord(forgeRecord{Kind: recordSent, SeqNr: q.nextSeq - 1}); err != nil {
			return err
		}
		if err := q.appendRecord(forgeRecord{Kind: recordConfirmed, SeqNr: q.nextSeq - 1}); err != nil {
			return err
		}
	}
	for _, seg := range old {
		if err := os.Remove(seg); err != nil {
			return fmt.Errorf("prune segment %s: %w", seg, err)
		}
	}
	slog.Debug("COMPACT",
		slog.String("dir", q.dir),
		slog.Int("segment", q.csIdx),
		slog.Int("live_entries", len(q.unconfirmed)))
	return nil
}

func (q *ForgeQueue) openSegment(idx int, flags int) error {
	name := filepath.Join(q.dir, fmt.Sprintf("%s%d%s", segmentPrefix, idx, segmentSuffix))
	f, err := os.OpenFile(name, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", name, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	q.csf = f
	q.csWriter = bufio.NewWriter(f)
	q.csIdx = idx
	q.csSize = st.Size()
	return nil
}

func (q *ForgeQueue) replaySegment(path string, last bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	hdr := make([]byte, 8)
	var offset int64
	for {
		if _, err := io.ReadFull(reader, hdr); err != nil {
			if err == io.EOF {
				return nil
			}
			return q.tornFrame(path, f, offset, last, err)
		}
		crc := binary.LittleEndian.Uint32(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return q.tornFrame(path, f, offset, last, err)
		}
		if crc32.ChecksumIEEE(data) != crc {
			// A bad frame with more bytes behind it is not a torn tail.
			if _, err := reader.Peek(1); err == nil {
				return fmt.Errorf("corrupt segment %s at offset %d: crc32 mismatch", path, offset)
			}
			return q.tornFrame(path, f, offset, last, fmt.Errorf("crc32 mismatch"))
		}
		var rec forgeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal record in %s: %w", path, err)
		}
		switch rec.Kind {
		case recordSent:
			q.foldSent(Message{SeqNr: rec.SeqNr, Payload: rec.Payload, AckRequested: rec.AckRequested})
		case recordConfirmed:
			q.foldConfirmed(rec.SeqNr)
		}
		offset += int64(len(hdr)) + int64(size)
	}
}

// tornFrame truncates an incomplete tail frame on the final segment; a torn
// frame in an older segment is real corruption.
func (q *ForgeQueue) tornFrame(path string, f *os.File, offset int64, last bool, cause error) error {
	if !last {
		return fmt.Errorf("corrupt segment %s at offset %d: %w", path, offset, cause)
	}
	slog.Warn("truncating torn frame at queue tail",
		slog.String("segment", path),
		slog.Int64("offset", offset),
		slog.Any("cause", cause))
	wf, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopen for truncate %s: %w", path, err)
	}
	defer wf.Close()
	if err := wf.Truncate(offset); err != nil {
		return fmt.Errorf("truncate %s: %w", path, err)
	}
	return wf.Sync()
}

// segments returns the segment files ordered by index ascending.
func (q *ForgeQueue) segments() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(q.dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, err
	}
	sort.Slice(matches, func(i, j int) bool {
		return segmentIndex(matches[i]) < segmentIndex(matches[j])
	})
	return matches, nil
}

func segmentIndex(path string) int {
	base := filepath.Base(path)
	idxStr := strings.TrimSuffix(strings.TrimPrefix(base, segmentPrefix), segmentSuffix)
	n, _ := strconv.Atoi(idxStr)
	return n
}
