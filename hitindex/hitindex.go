// Package hitindex builds and queries the hit-list used by lookup mode: the
// set of identifiers a record's header must match against, sourced from a
// BLAST tabular file or a plain one-ID-per-line file (spec §4.1).
package hitindex

import (
	"bufio"
	"bytes"
	"io"
	"sort"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/exp/slices"
)

// maxIDLen is the truncation length applied to every identifier read from
// the hit-list input, so that all workers building the same index from the
// same file agree byte-for-byte regardless of how long the source IDs are.
const maxIDLen = 63

// Format selects how Build parses each non-empty line of the hit-list input
// (spec §4.1/§6): the two formats are mutually exclusive and the caller,
// not line content, decides which applies.
type Format int

const (
	// BlastTable reads each line as BLAST tabular output: the first
	// whitespace-separated token is the query ID, the second is the hit ID.
	// A line whose hit ID equals its own query ID is skipped.
	BlastTable Format = iota
	// IDList reads each line, trimmed, as a single hit ID in full —
	// including any internal whitespace.
	IDList
)

type entry struct {
	id   []byte
	seen int64
}

// Index is a built hit-list: an insertion-ordered set of entries plus a
// sorted view for exact-match lookups.
type Index struct {
	entries   []*entry
	sortedIDs [][]byte
	sorted    []*entry
}

// Build reads r (transparently gunzipping if r holds gzip-magic bytes) and
// constructs an Index, parsing each line according to format. Empty input is
// an error.
func Build(r io.Reader, format Format) (*Index, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, errors.E(err, "hitindex: peek")
	}
	var lineSource io.Reader = br
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.E(err, "hitindex: gzip")
		}
		defer gz.Close()
		lineSource = gz
	}

	idx := &Index{}
	scanner := bufio.NewScanner(lineSource)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		n++
		var queryID, hitID []byte
		if format == BlastTable {
			tokens := bytes.Fields(line)
			if len(tokens) < 2 {
				return nil, errors.E(errors.Invalid, "hitindex: malformed BLAST tabular line", string(line))
			}
			queryID, hitID = tokens[0], tokens[1]
		} else {
			hitID = line
		}
		hitID = truncate(hitID)
		if queryID != nil && bytes.Equal(truncate(queryID), hitID) {
			continue
		}
		idx.add(hitID)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.E(err, "hitindex: scan")
	}
	if n == 0 {
		return nil, errors.E(errors.Invalid, "hitindex: empty hit-list input")
	}

	idx.sorted = append([]*entry(nil), idx.entries...)
	sort.Slice(idx.sorted, func(i, j int) bool {
		return bytes.Compare(idx.sorted[i].id, idx.sorted[j].id) < 0
	})
	idx.sortedIDs = make([][]byte, len(idx.sorted))
	for i, e := range idx.sorted {
		idx.sortedIDs[i] = e.id
	}
	return idx, nil
}

func truncate(id []byte) []byte {
	if len(id) <= maxIDLen {
		return append([]byte(nil), id...)
	}
	log.Printf("hitindex: truncating oversize identifier %q to %d bytes", id, maxIDLen)
	return append([]byte(nil), id[:maxIDLen]...)
}

// add inserts id, eliding it if already present (spec §4.1: "duplicates
// within the hit list are elided").
func (idx *Index) add(id []byte) {
	for _, e := range idx.entries {
		if bytes.Equal(e.id, id) {
			return
		}
	}
	idx.entries = append(idx.entries, &entry{id: id})
}

// Len returns the number of distinct hit entries.
func (idx *Index) Len() int { return len(idx.entries) }

// Contains reports whether id is present in the index, exactly. It uses the
// sorted view for O(log n) lookup; suited to the plain ID-list fast path
// where the candidate ID is already at the hit-list's own truncation length.
func (idx *Index) Contains(id []byte) bool {
	_, ok := slices.BinarySearchFunc(idx.sortedIDs, id, bytes.Compare)
	return ok
}

// Match reports whether any indexed hit ID is a byte-for-byte prefix match
// of h: the entry (possibly truncated at build time to maxIDLen) equals the
// first len(entry) bytes of h. On a match, the matching entry's seen-count
// is atomically incremented and the entry is returned.
func (idx *Index) Match(h []byte) (id []byte, ok bool) {
	for _, e := range idx.entries {
		if len(e.id) > len(h) {
			continue
		}
		if bytes.Equal(e.id, h[:len(e.id)]) {
			atomic.AddInt64(&e.seen, 1)
			return e.id, true
		}
	}
	return nil, false
}

// NotFound returns the IDs, in insertion order, whose seen-count is zero
// after scanning. Callers in a distributed run should sum per-worker counts
// (see the coordinator's reduction step) before calling this.
func (idx *Index) NotFound() [][]byte {
	var out [][]byte
	for _, e := range idx.entries {
		if atomic.LoadInt64(&e.seen) == 0 {
			out = append(out, e.id)
		}
	}
	return out
}

// SeenCounts returns a snapshot of every entry's seen-count, in insertion
// order, for cross-worker reduction by the coordinator.
func (idx *Index) SeenCounts() []int64 {
	counts := make([]int64, len(idx.entries))
	for i, e := range idx.entries {
		counts[i] = atomic.LoadInt64(&e.seen)
	}
	return counts
}

// AddSeenCounts merges externally-computed per-entry counts (e.g. a
// cross-worker reduction) into this index's counts, in insertion order.
func (idx *Index) AddSeenCounts(counts []int64) error {
	if len(counts) != len(idx.entries) {
		return errors.E(errors.Invalid, "hitindex: seen-count length mismatch")
	}
	for i, c := range counts {
		atomic.AddInt64(&idx.entries[i].seen, c)
	}
	return nil
}

// SetSeenCounts overwrites this index's per-entry counts with an externally
// computed, already-authoritative total (e.g. the result of a cross-worker
// reduction that already includes this index's own contribution).
func (idx *Index) SetSeenCounts(counts []int64) error {
	if len(counts) != len(idx.entries) {
		return errors.E(errors.Invalid, "hitindex: seen-count length mismatch")
	}
	for i, c := range counts {
		atomic.StoreInt64(&idx.entries[i].seen, c)
	}
	return nil
}
