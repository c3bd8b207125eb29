package msglog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// BackendFile is the registry name of the file backend.
const BackendFile = "file"

func init() {
	if err := Register(BackendFile, func(_ map[string]any) (Log, error) {
		return NewFile(), nil
	}); err != nil {
		panic(fmt.Errorf("msglog: failed to register file backend: %w", err))
	}
}

// File log layout: a fixed magic and format version, then one length-prefixed
// record per message. All integers are little-endian, the same framing idiom
// the discovery codecs use.
const (
	fileMagic   = "XTLOG"
	fileVersion = uint16(1)
)

var (
	ErrNotOpen = errors.New("msglog: log not open")
	ErrClosed  = errors.New("msglog: log closed")
)

// File is an append-only file-backed Log.
type File struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	closed bool
}

var _ Log = (*File)(nil)

// NewFile returns an unopened file log.
func NewFile() *File {
	return &File{}
}

// Open creates or truncates the log file at path and writes the file header.
func (l *File) Open(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.f != nil {
		return fmt.Errorf("msglog: log already open")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("msglog: open %q: %w", path, err)
	}

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(fileMagic); err != nil {
		_ = f.Close()
		return fmt.Errorf("msglog: write header: %w", err)
	}
	var ver [2]byte
	binary.LittleEndian.PutUint16(ver[:], fileVersion)
	if _, err := w.Write(ver[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("msglog: write header: %w", err)
	}

	l.f = f
	l.w = w
	return nil
}

// InsertMessage appends one framed record.
func (l *File) InsertMessage(tsUTC int64, topic, msgType string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.f == nil {
		return ErrNotOpen
	}

	var u64 [8]byte
	put := func(n uint64) error {
		binary.LittleEndian.PutUint64(u64[:], n)
		_, err := l.w.Write(u64[:])
		return err
	}

	if err := put(uint64(tsUTC)); err != nil {
		return fmt.Errorf("msglog: write record: %w", err)
	}
	for _, s := range []string{topic, msgType} {
		if err := put(uint64(len(s))); err != nil {
			return fmt.Errorf("msglog: write record: %w", err)
		}
		if _, err := l.w.WriteString(s); err != nil {
			return fmt.Errorf("msglog: write record: %w", err)
		}
	}
	if err := put(uint64(len(data))); err != nil {
		return fmt.Errorf("msglog: write record: %w", err)
	}
	if _, err := l.w.Write(data); err != nil {
		return fmt.Errorf("msglog: write record: %w", err)
	}
	return nil
}

// Close flushes and closes the file. Idempotent.
func (l *File) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.f == nil {
		return nil
	}
	var err error
	if ferr := l.w.Flush(); ferr != nil {
		err = ferr
	}
	if cerr := l.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	l.f = nil
	l.w = nil
	return err
}

// Record is one decoded entry of a file log.
type Record struct {
	TsUTC   int64
	Topic   string
	MsgType string
	Data    []byte
}

// ReadFile decodes every record of a file log written by File. It exists for
// tooling and tests; replaying a log is a read-side concern.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("msglog: open %q: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != fileMagic {
		return nil, fmt.Errorf("msglog: %q is not a message log", path)
	}
	var ver [2]byte
	if _, err := io.ReadFull(r, ver[:]); err != nil {
		return nil, fmt.Errorf("msglog: read header: %w", err)
	}
	if v := binary.LittleEndian.Uint16(ver[:]); v != fileVersion {
		return nil, fmt.Errorf("msglog: unsupported log version %d", v)
	}

	var u64 [8]byte
	next := func() (uint64, error) {
		_, err := io.ReadFull(r, u64[:])
		return binary.LittleEndian.Uint64(u64[:]), err
	}

	var out []Record
	for {
		ts, err := next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("msglog: read record: %w", err)
		}

		var rec Record
		rec.TsUTC = int64(ts)
		for _, dst := range []*string{&rec.Topic, &rec.MsgType} {
			n, err := next()
			if err != nil {
				return nil, fmt.Errorf("msglog: read record: %w", err)
			}
			b := make([]byte, n)
			if _, err := io.ReadFull(r, b); err != nil {
				return nil, fmt.Errorf("msglog: read record: %w", err)
			}
			*dst = string(b)
		}
		n, err := next()
		if err != nil {
			return nil, fmt.Errorf("msglog: read record: %w", err)
		}
		rec.Data = make([]byte, n)
		if _, err := io.ReadFull(r, rec.Data); err != nil {
			return nil, fmt.Errorf("msglog: read record: %w", err)
		}
		out = append(out, rec)
	}
}
