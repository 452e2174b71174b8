// Package scanner walks one worker's partition.Range of a FASTA file in
// fixed-size mapped windows, reassembling records that straddle window
// boundaries through a carry buffer (spec §4.3).
package scanner

import (
	"bytes"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/grailbio/fex/mmapio"
	"github.com/grailbio/fex/partition"
	"github.com/grailbio/fex/record"
)

// DefaultWindowSize is the maximum span mapped at once when no override is
// configured (spec §4.3).
const DefaultWindowSize = 256 * 1024 * 1024

// Scanner produces the sequence of Records contained in one partition.Range,
// in order, by mapping it window by window.
type Scanner struct {
	f          *os.File
	windowSize int64

	partEnd      int64
	nextRawStart int64
	isFirstWin   bool
	firstSkew    int64

	curMap []byte
	cursor int
	winEnd int

	carry    []byte
	carrying bool

	pending *record.Record
	rec     record.Record
	err     error
	done    bool
}

// New creates a Scanner over r within f. windowSize <= 0 selects
// DefaultWindowSize; it is rounded down to a multiple of the system page
// size (with a floor of one page).
func New(f *os.File, r partition.Range, windowSize int64) (*Scanner, error) {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	p := int64(mmapio.PageSize)
	windowSize = (windowSize / p) * p
	if windowSize < p {
		windowSize = p
	}
	return &Scanner{
		f:            f,
		windowSize:   windowSize,
		partEnd:      r.End(),
		nextRawStart: r.PageOffset,
		isFirstWin:   true,
		firstSkew:    r.Skew,
	}, nil
}

// Scan advances to the next Record, returning false at end of partition or
// on error (distinguish the two with Err).
func (s *Scanner) Scan() bool {
	if s.err != nil || s.done {
		return false
	}
	if s.pending != nil {
		s.rec, s.pending = *s.pending, nil
		return true
	}
	for {
		if s.curMap == nil {
			ok, err := s.loadNextWindow()
			if err != nil {
				s.err = err
				return false
			}
			if !ok {
				s.done = true
				return false
			}
			if s.pending != nil {
				s.rec, s.pending = *s.pending, nil
				return true
			}
			continue
		}
		if s.cursor >= s.winEnd {
			if err := s.unmapCurrent(); err != nil {
				s.err = err
				return false
			}
			continue
		}
		rec, next, err := parseOneRecord(s.curMap, s.cursor, s.winEnd)
		if err != nil {
			s.err = err
			return false
		}
		s.rec = rec
		s.cursor = next
		return true
	}
}

// Record returns the record produced by the most recent successful Scan.
// Its byte slices alias mapped memory (or the internal carry buffer) and
// are only valid until the next call to Scan.
func (s *Scanner) Record() record.Record { return s.rec }

// Err returns the error that stopped scanning, if any.
func (s *Scanner) Err() error { return s.err }

// Close releases the currently mapped window, if any. It does not close the
// underlying file, which the caller owns.
func (s *Scanner) Close() error {
	return s.unmapCurrent()
}

func (s *Scanner) unmapCurrent() error {
	if s.curMap == nil {
		return nil
	}
	_ = mmapio.Unlock(s.curMap)
	err := mmapio.Unmap(s.curMap)
	s.curMap = nil
	return err
}

// loadNextWindow maps the next window of the partition, performs end-trim
// and begin-adjust (spec §4.3 steps 3-4), and reports whether a window was
// mapped (false at end of partition).
func (s *Scanner) loadNextWindow() (bool, error) {
	rawStart := s.nextRawStart
	if rawStart >= s.partEnd {
		return false, nil
	}
	remaining := s.partEnd - rawStart

	var mapLen int64
	var logicalStart int
	if s.isFirstWin {
		// The skew lies within the first page, so a window of windowSize
		// bytes from PageOffset keeps every later window's offset aligned.
		want := s.windowSize
		if want > remaining {
			want = remaining
		}
		mapLen = want
		logicalStart = int(s.firstSkew)
		s.isFirstWin = false
	} else {
		want := s.windowSize
		if want > remaining {
			want = remaining
		}
		mapLen = want
		logicalStart = 0
	}

	buf, err := mmapio.Map(s.f, rawStart, int(mapLen))
	if err != nil {
		return false, err
	}
	// Both calls are best-effort; a failure is logged and never fatal.
	if err := mmapio.AdviseSequential(buf); err != nil {
		log.Printf("scanner: %v", err)
	}
	if err := mmapio.Lock(buf); err != nil {
		log.Printf("scanner: %v", err)
	}
	s.curMap = buf
	s.nextRawStart = rawStart + mapLen
	terminal := s.nextRawStart >= s.partEnd

	var contentEnd int
	var noBoundary bool
	if terminal {
		contentEnd = len(buf)
	} else if idx, ok := lastRecordStart(buf); ok {
		contentEnd = idx
	} else {
		noBoundary = true
	}

	if noBoundary {
		// No record start anywhere in this window: every byte from
		// logicalStart onward is a continuation of whatever record is
		// already straddling the boundary (spec §4.3 step 4). Append the
		// whole window to the carry; nothing here parses as a record, and
		// there is no new tail to start a fresh carry with.
		s.carry = append(s.carry, buf[logicalStart:]...)
		s.carrying = true
		s.cursor = len(buf)
		s.winEnd = len(buf)
		return true, nil
	}

	if s.carrying {
		// Search up to the end of the mapping, not contentEnd: when the
		// trimmed tail's record start is the window's only one, it is also
		// where the carried record ends.
		if idx, ok := nextRecordStart(buf, logicalStart, len(buf)); ok {
			s.carry = append(s.carry, buf[logicalStart:idx]...)
			rec, err := parseCarryRecord(s.carry)
			if err != nil {
				return false, err
			}
			s.pending = &rec
			s.carry = nil
			s.carrying = false
			s.cursor = idx
		} else {
			s.carry = append(s.carry, buf[logicalStart:contentEnd]...)
			s.cursor = contentEnd
			if terminal {
				rec, err := parseCarryRecord(s.carry)
				if err != nil {
					return false, err
				}
				s.pending = &rec
				s.carry = nil
				s.carrying = false
			}
		}
	} else {
		s.cursor = logicalStart
	}

	if !terminal && !s.carrying {
		s.carry = append([]byte(nil), buf[contentEnd:]...)
		s.carrying = true
	}
	s.winEnd = contentEnd
	return true, nil
}

func parseCarryRecord(buf []byte) (record.Record, error) {
	nl := bytes.IndexByte(buf, '\n')
	if nl < 0 {
		return record.Record{}, errors.E(errors.Invalid, "scanner: unterminated header in reassembled record")
	}
	return record.Record{Header: buf[:nl+1], Body: buf[nl+1:]}, nil
}

func parseOneRecord(buf []byte, cursor, limit int) (record.Record, int, error) {
	if buf[cursor] != '>' {
		return record.Record{}, 0, errors.E(errors.Invalid, "scanner: cursor not at record start")
	}
	rel := bytes.IndexByte(buf[cursor:limit], '\n')
	if rel < 0 {
		return record.Record{}, 0, errors.E(errors.Invalid, "scanner: unterminated header")
	}
	headerEnd := cursor + rel + 1
	bodyStart := headerEnd
	bodyEnd := limit
	if idx, ok := nextRecordStart(buf, bodyStart, limit); ok {
		bodyEnd = idx
	}
	return record.Record{Header: buf[cursor:headerEnd], Body: buf[bodyStart:bodyEnd]}, bodyEnd, nil
}

// nextRecordStart returns the first index in [from, limit) at which a
// record begins: a '>' at byte 0 of the file, or preceded by '\n'.
func nextRecordStart(buf []byte, from, limit int) (int, bool) {
	for i := from; i < limit; i++ {
		if buf[i] != '>' {
			continue
		}
		if i == 0 || buf[i-1] == '\n' {
			return i, true
		}
	}
	return 0, false
}

// lastRecordStart returns the last record-start index within buf, scanning
// backward.
func lastRecordStart(buf []byte) (int, bool) {
	for i := len(buf) - 1; i >= 0; i-- {
		if buf[i] != '>' {
			continue
		}
		if i == 0 || buf[i-1] == '\n' {
			return i, true
		}
	}
	return 0, false
}
