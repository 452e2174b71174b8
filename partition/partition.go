// Package partition carves a FASTA file into record-aligned, page-aligned
// byte ranges for a pool of workers (spec §4.2).
package partition

import (
	"io"
	"os"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/fex/mmapio"
)

// Range is one worker's slice of the input file. The partition's contents
// start at PageOffset+Skew and run for Length bytes; PageOffset is always a
// multiple of the system page size, a precondition for mmap.
type Range struct {
	PageOffset int64
	Skew       int64
	Length     int64
}

// End returns the byte offset immediately following the range.
func (r Range) End() int64 { return r.PageOffset + r.Skew + r.Length }

// Plan partitions f into at most workers Ranges. It may return fewer than
// workers ranges (reported as the second return value) if the file is too
// small to give every worker a non-empty, record-aligned range; shrinking
// the pool is preferred over producing an empty partition (spec §4.2
// Rationale).
func Plan(f *os.File, workers int) ([]Range, int, error) {
	size, err := mmapio.Size(f)
	if err != nil {
		return nil, 0, err
	}
	if size < 1 {
		return nil, 0, errors.E(errors.Invalid, "partition: empty input file")
	}
	if workers < 1 {
		return nil, 0, errors.E(errors.Invalid, "partition: workers must be >= 1")
	}
	pageSize := int64(mmapio.PageSize)

	for {
		if workers == 1 {
			return []Range{{PageOffset: 0, Skew: 0, Length: size}}, 1, nil
		}
		nominal := pageAlign(ceilDiv(size, int64(workers)), pageSize)
		if nominal == 0 {
			workers--
			continue
		}
		ranges, ok, err := buildPlan(f, size, workers, pageSize, nominal)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			workers--
			continue
		}
		return ranges, workers, nil
	}
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func pageAlign(n, pageSize int64) int64 {
	return (n / pageSize) * pageSize
}

// buildPlan attempts one partition plan for the given worker count and
// nominal partition size. A false second return value means some
// non-terminal partition would have zero length (a single record spans the
// whole partition) and the caller should retry with one fewer worker.
func buildPlan(f *os.File, size int64, workers int, pageSize, nominal int64) ([]Range, bool, error) {
	ranges := make([]Range, 0, workers)
	var prevEnd int64
	for i := 0; i < workers; i++ {
		var pageOffset, skew int64
		if i == 0 {
			pageOffset, skew = 0, 0
		} else {
			pageOffset = pageAlign(prevEnd, pageSize)
			skew = prevEnd - pageOffset
		}

		var length int64
		if i == workers-1 {
			length = size - (pageOffset + skew)
		} else {
			windowEnd := pageOffset + nominal
			if windowEnd > size {
				windowEnd = size
			}
			recStart, err := findRecordStartBackward(f, pageOffset, windowEnd, pageSize)
			if err != nil {
				return nil, false, err
			}
			length = recStart - (pageOffset + skew)
			if length <= 0 {
				return nil, false, nil
			}
		}

		ranges = append(ranges, Range{PageOffset: pageOffset, Skew: skew, Length: length})
		prevEnd = pageOffset + skew + length
	}
	return ranges, true, nil
}

// findRecordStartBackward scans backward from windowEnd, one page at a
// time, for the last byte that both equals '>' and begins a record (i.e. is
// preceded by '\n', or is byte 0 of the file). It scans no page below
// pageOffset, bounding its work to windowEnd-pageOffset bytes plus the one
// byte before a candidate '>' that sits at a page's first byte (spec §4.2
// Failure modes).
func findRecordStartBackward(f *os.File, pageOffset, windowEnd, pageSize int64) (int64, error) {
	buf := make([]byte, pageSize)
	for pageStart := windowEnd - pageSize; pageStart >= pageOffset; pageStart -= pageSize {
		n, err := f.ReadAt(buf, pageStart)
		if err != nil && err != io.EOF {
			return 0, errors.E(err, "partition: read")
		}
		page := buf[:n]
		for j := len(page) - 1; j >= 0; j-- {
			if page[j] != '>' {
				continue
			}
			global := pageStart + int64(j)
			if global == 0 {
				return global, nil
			}
			var prev byte
			if j > 0 {
				prev = page[j-1]
			} else {
				pb := make([]byte, 1)
				if _, err := f.ReadAt(pb, pageStart-1); err != nil {
					return 0, errors.E(err, "partition: read boundary byte")
				}
				prev = pb[0]
			}
			if prev == '\n' {
				return global, nil
			}
		}
	}
	return 0, errors.E(errors.Invalid, "partition: no record start found within partition window; malformed FASTA or window too small")
}
