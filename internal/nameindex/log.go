package nameindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// recordKind tags each mutation-log entry. The log only ever needs to
// remember "this name now resolves to this hash" or "this name was
// removed."
type recordKind byte

const (
	recordBind   recordKind = 1
	recordUnbind recordKind = 2
)

// hashHexLen is the fixed width of a hex-encoded SHA-256 content hash.
const hashHexLen = 64

// record is one durable mutation-log entry.
type record struct {
	kind       recordKind
	name       string
	hash       string // only set for recordBind
	compressed bool
	sizeRaw    uint32
}

// mutationLog is an append-only, fsync-backed record of every bind/unbind:
// records are framed with fixed little-endian fields and buffered through a
// bufio.Writer; flush drains the buffer and fsyncs the underlying file.
type mutationLog struct {
	file      *os.File
	writer    *bufio.Writer
	flushLock sync.Mutex
}

const logBufferSize = 16 * 4096

func openLog(path string) (*mutationLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("nameindex: open log %s: %w", path, err)
	}
	return &mutationLog{
		file:   f,
		writer: bufio.NewWriterSize(f, logBufferSize),
	}, nil
}

// encode writes r's on-disk form: kind(1) nameLen(1) name(nameLen)
// [hash(64) compressed(1) sizeRaw(4) — bind only].
func encodeRecord(w io.Writer, r record) error {
	if len(r.name) > 255 {
		return fmt.Errorf("nameindex: record name %q exceeds 255 bytes", r.name)
	}
	header := make([]byte, 2, 2+hashHexLen+1+4)
	header[0] = byte(r.kind)
	header[1] = byte(len(r.name))
	header = append(header, r.name...)
	if r.kind == recordBind {
		if len(r.hash) != hashHexLen {
			return fmt.Errorf("nameindex: bind record hash %q is not %d hex chars", r.hash, hashHexLen)
		}
		header = append(header, r.hash...)
		var tail [5]byte
		if r.compressed {
			tail[0] = 1
		}
		binary.LittleEndian.PutUint32(tail[1:], r.sizeRaw)
		header = append(header, tail[:]...)
	}
	_, err := w.Write(header)
	return err
}

// append buffers r for the next Flush; the caller must hold the index's
// write lock so log order matches application order.
func (l *mutationLog) append(r record) error {
	return encodeRecord(l.writer, r)
}

// flush drains the buffer and fsyncs the file, so the caller may only
// acknowledge the mutation to its own caller once this returns nil.
func (l *mutationLog) flush() error {
	l.flushLock.Lock()
	defer l.flushLock.Unlock()
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("nameindex: flush log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("nameindex: fsync log: %w", err)
	}
	return nil
}

func (l *mutationLog) close() error {
	if err := l.flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// replay reads every record in path in order, in an independent *os.File so
// the caller's append-mode handle is untouched.
func replayLog(path string, visit func(record) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("nameindex: open log %s for replay: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, logBufferSize)
	var offset int64
	for {
		rec, n, err := decodeRecord(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return ErrCorruptLog{Offset: offset, Reason: err.Error()}
		}
		offset += n
		if err := visit(rec); err != nil {
			return err
		}
	}
}

func decodeRecord(r io.Reader) (record, int64, error) {
	var fixed [2]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return record{}, 0, err
	}
	kind := recordKind(fixed[0])
	nameLen := int(fixed[1])
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return record{}, 0, io.ErrUnexpectedEOF
	}
	rec := record{kind: kind, name: string(name)}
	n := int64(2 + nameLen)

	if kind == recordBind {
		var tail [hashHexLen + 1 + 4]byte
		if _, err := io.ReadFull(r, tail[:]); err != nil {
			return record{}, 0, io.ErrUnexpectedEOF
		}
		rec.hash = string(tail[:hashHexLen])
		rec.compressed = tail[hashHexLen] != 0
		rec.sizeRaw = binary.LittleEndian.Uint32(tail[hashHexLen+1:])
		n += int64(len(tail))
	} else if kind != recordUnbind {
		return record{}, 0, fmt.Errorf("unknown record kind %d", kind)
	}
	return rec, n, nil
}
