// Package spool is the durable store-and-forward queue for weight reports
// that could not be delivered. Records are kept one JSON object per line.
package spool

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	logger "github.com/sirupsen/logrus"
)

const (
	// FileName is the canonical log inside the spool directory.
	FileName = "spool.jsonl"
	// RebuildName holds undelivered records while a flush is running.
	RebuildName = "spool.rebuild"

	DefaultMaxEntries = 500
)

// ErrFull is returned by Enqueue when the log holds the maximum number of records.
var ErrFull = errors.New("spool: at capacity")

// Record is one pending report.
type Record struct {
	TS   uint32  `json:"ts"`   // epoch seconds, 0 when the clock was not valid
	Diff float64 `json:"diff"` // weight change
}

// PostFunc delivers one record and reports whether it was accepted.
type PostFunc func(ts uint32, diff float64) bool

// Queue is safe for concurrent use. Every operation holds the queue lock for
// its whole duration, including the post callbacks of a flush.
type Queue struct {
	mu      sync.Mutex
	path    string
	rebuild string
	max     int
	log     *logger.Entry
}

// Open prepares the spool in dir, creating the log if needed. A rebuild file
// left by an interrupted flush is discarded: the canonical log still holds
// every record that was pending when that flush started.
func Open(dir string, maxEntries int) (*Queue, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	q := &Queue{
		path:    filepath.Join(dir, FileName),
		rebuild: filepath.Join(dir, RebuildName),
		max:     maxEntries,
		log:     logger.WithField("component", "spool"),
	}

	if err := os.Remove(q.rebuild); err == nil {
		q.log.Warn("Discarded rebuild file from an interrupted flush")
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale rebuild file: %w", err)
	}

	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create spool log: %w", err)
	}
	f.Close()

	return q, nil
}

// Path returns the canonical log path.
func (q *Queue) Path() string {
	return q.path
}

// Max returns the capacity.
func (q *Queue) Max() int {
	return q.max
}

// Enqueue appends a record. It never evicts: a full queue rejects the new
// record with ErrFull.
func (q *Queue) Enqueue(ts uint32, diff float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.countLocked()
	if err != nil {
		return err
	}
	if n >= q.max {
		return ErrFull
	}

	line, err := json.Marshal(Record{TS: ts, Diff: diff})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open spool log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync spool log: %w", err)
	}
	return f.Close()
}

// Flush offers every pending record to post in order. Records that post
// rejects are written to the rebuild file, which then atomically replaces the
// log. Malformed lines are dropped. Flush returns the number of records
// delivered. On error the log is left as it was before the flush, so records
// already delivered are offered again next time; the returned count still
// includes them.
func (q *Queue) Flush(post PostFunc) (int, error) {
	if post == nil {
		return 0, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	src, err := os.Open(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open spool log: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(q.rebuild, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create rebuild file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			dst.Close()
			os.Remove(q.rebuild)
		}
	}()

	w := bufio.NewWriter(dst)
	delivered, kept, dropped := 0, 0, 0

	err = eachLine(src, func(line []byte) error {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			q.log.WithError(err).Warnf("Dropping malformed record %q", line)
			dropped++
			return nil
		}
		if post(rec.TS, rec.Diff) {
			delivered++
			return nil
		}
		kept++
		if _, err := w.Write(line); err != nil {
			return err
		}
		return w.WriteByte('\n')
	})
	if err != nil {
		return delivered, fmt.Errorf("rebuild spool: %w", err)
	}

	if err := w.Flush(); err != nil {
		return delivered, fmt.Errorf("write rebuild file: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return delivered, fmt.Errorf("sync rebuild file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return delivered, fmt.Errorf("close rebuild file: %w", err)
	}
	if err := os.Rename(q.rebuild, q.path); err != nil {
		os.Remove(q.rebuild)
		committed = true
		return delivered, fmt.Errorf("replace spool log: %w", err)
	}
	committed = true
	syncDir(filepath.Dir(q.path))

	if delivered > 0 || dropped > 0 {
		q.log.Infof("Flushed spool: delivered=%d kept=%d dropped=%d", delivered, kept, dropped)
	}
	return delivered, nil
}

// Count returns the number of pending lines, malformed ones included.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, err := q.countLocked()
	if err != nil {
		q.log.WithError(err).Error("Count failed")
		return 0
	}
	return n
}

// Records returns the decodable pending records in order.
func (q *Queue) Records() ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.Open(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open spool log: %w", err)
	}
	defer f.Close()

	var out []Record
	err = eachLine(f, func(line []byte) error {
		var rec Record
		if json.Unmarshal(line, &rec) == nil {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (q *Queue) countLocked() (int, error) {
	f, err := os.Open(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open spool log: %w", err)
	}
	defer f.Close()

	n := 0
	err = eachLine(f, func([]byte) error {
		n++
		return nil
	})
	return n, err
}

// maxLine bounds one record. Real records are a few dozen bytes; anything
// longer is corrupt and reaches fn truncated, where it fails to decode.
const maxLine = 4096

// eachLine calls fn for every non-blank line of r, without the newline.
func eachLine(r io.Reader, fn func(line []byte) error) error {
	br := bufio.NewReaderSize(r, maxLine)
	for {
		line, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			line = append([]byte(nil), line...)
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = br.ReadSlice('\n')
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			if ferr := fn(line); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return nil
		}
	}
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
