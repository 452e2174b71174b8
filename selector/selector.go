// Package selector evaluates the active predicate (filter or lookup)
// against each scanned record, applies the annotation-trimming policy, and
// enforces the per-worker byte and record budgets before writing (spec
// §4.4).
package selector

import (
	"io"
	"math"

	"github.com/biogo/store/interval"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/grailbio/fex/hitindex"
	"github.com/grailbio/fex/record"
)

// AnnotPolicy selects what is written for each accepted record (spec §4.4).
type AnnotPolicy int

const (
	AnnotAll AnnotPolicy = iota
	AnnotNone
	AnnotFirstNWithBody
	AnnotFirstNWithoutBody
)

// Annotation is a decoded annotation-mode option; N is only meaningful for
// the FirstN policies.
type Annotation struct {
	Policy AnnotPolicy
	N      int
}

// allSentinel is the signed-count value that selects AnnotAll; any other
// value decodes as NONE (0), first-N-with-body (positive), or
// first-N-without-body (negative), except math.MinInt32, whose magnitude
// does not fit an int32 and which is rejected.
const allSentinel = math.MaxInt32

// DecodeAnnotMode decodes the config's signed-count annotation encoding.
// math.MinInt32 is a configuration error (errors.Invalid).
func DecodeAnnotMode(n int32) (Annotation, error) {
	switch {
	case n == allSentinel:
		return Annotation{Policy: AnnotAll}, nil
	case n == math.MinInt32:
		return Annotation{}, errors.E(errors.Invalid, "selector: annotation mode out of range")
	case n == 0:
		return Annotation{Policy: AnnotNone}, nil
	case n > 0:
		return Annotation{Policy: AnnotFirstNWithBody, N: int(n)}, nil
	default:
		return Annotation{Policy: AnnotFirstNWithoutBody, N: int(-n)}, nil
	}
}

// EvalFunc evaluates one record and reports whether it is accepted, plus
// (for lookup predicates whose matched ID is not the header's first field)
// the byte offset within the header content at which the matched ID
// begins, so the emitted header can be rewritten to promote it.
type EvalFunc func(rec record.Record) (matched bool, rewriteOffset int)

// FilterPredicate implements spec §4.4's filter predicate: accept on exact
// sequence-length match or inclusive-range membership; accept everything if
// neither is configured.
type FilterPredicate struct {
	lengths   map[int]bool
	ranges    interval.IntTree
	hasRanges bool
}

// NewFilterPredicate builds a FilterPredicate from up to 5 exact lengths and
// up to 5 inclusive [lo, hi] ranges (duplicates de-duplicated, per spec
// §6).
func NewFilterPredicate(lengths []int, ranges [][2]int) (*FilterPredicate, error) {
	fp := &FilterPredicate{lengths: make(map[int]bool, len(lengths))}
	for _, l := range lengths {
		fp.lengths[l] = true
	}
	seen := make(map[[2]int]bool, len(ranges))
	var id uintptr
	for _, rg := range ranges {
		lo, hi := rg[0], rg[1]
		if lo > hi {
			return nil, errors.E(errors.Invalid, "selector: range lo > hi")
		}
		key := [2]int{lo, hi}
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := fp.ranges.Insert(rangeInterval{lo: lo, hi: hi, id: id}, true); err != nil {
			return nil, errors.E(err, "selector: insert range")
		}
		id++
		fp.hasRanges = true
	}
	return fp, nil
}

// Eval adapts FilterPredicate to EvalFunc. The filter predicate never
// rewrites headers.
func (fp *FilterPredicate) Eval(rec record.Record) (bool, int) {
	return fp.accept(rec.SeqLen()), 0
}

func (fp *FilterPredicate) accept(seqLen int) bool {
	if len(fp.lengths) == 0 && !fp.hasRanges {
		return true
	}
	if fp.lengths[seqLen] {
		return true
	}
	if fp.hasRanges && len(fp.ranges.Get(rangeInterval{lo: seqLen, hi: seqLen})) > 0 {
		return true
	}
	return false
}

// rangeInterval is one configured [lo, hi] range, adapted to
// biogo/store/interval's half-open IntRange convention.
type rangeInterval struct {
	lo, hi int
	id     uintptr
}

func (r rangeInterval) Overlap(b interval.IntRange) bool {
	return r.lo < b.End && b.Start <= r.hi
}
func (r rangeInterval) ID() uintptr { return r.id }
func (r rangeInterval) Range() interval.IntRange {
	return interval.IntRange{Start: r.lo, End: r.hi + 1}
}

// LookupPredicate implements spec §4.4's lookup predicate: accept if any of
// the record's header IDs matches the hit index.
type LookupPredicate struct {
	idx *hitindex.Index
}

// NewLookupPredicate wraps a built hitindex.Index.
func NewLookupPredicate(idx *hitindex.Index) *LookupPredicate {
	return &LookupPredicate{idx: idx}
}

// Eval adapts LookupPredicate to EvalFunc.
func (lp *LookupPredicate) Eval(rec record.Record) (bool, int) {
	content := record.HeaderContent(rec.Header)
	for _, id := range record.IDs(content) {
		if _, ok := lp.idx.Match(id.Bytes); ok {
			return true, id.Offset
		}
	}
	return false, 0
}

// Selector evaluates records against an EvalFunc, applies the configured
// Annotation, and writes accepted records to w subject to the byte and
// record budgets.
type Selector struct {
	w            io.Writer
	eval         EvalFunc
	annotation   Annotation
	byteBudget   int64
	recordBudget int

	bytesWritten   int64
	recordsWritten int
}

// New builds a Selector. byteBudget <= 0 means unlimited; recordBudget <= 0
// means unlimited.
func New(w io.Writer, eval EvalFunc, ann Annotation, byteBudget int64, recordBudget int) *Selector {
	return &Selector{w: w, eval: eval, annotation: ann, byteBudget: byteBudget, recordBudget: recordBudget}
}

// Offer evaluates rec. If rejected, wrote and stop are both false. If the
// record would exceed the record or byte budget, stop is true and nothing
// is written — no partial record is ever written (spec §4.4). Otherwise the
// record is written in full and wrote is true.
func (s *Selector) Offer(rec record.Record) (wrote bool, stop bool, err error) {
	matched, offset := s.eval(rec)
	if !matched {
		return false, false, nil
	}
	if s.recordBudget > 0 && s.recordsWritten >= s.recordBudget {
		return false, true, nil
	}
	out := buildOutput(rec, s.annotation, offset)
	if s.byteBudget > 0 && s.bytesWritten+int64(len(out)) > s.byteBudget {
		return false, true, nil
	}
	n, werr := s.w.Write(out)
	s.bytesWritten += int64(n)
	if n < len(out) {
		log.Printf("selector: short write: wrote %d of %d bytes", n, len(out))
	}
	if werr != nil {
		return n > 0, false, errors.E(werr, "selector: write")
	}
	s.recordsWritten++
	return true, false, nil
}

// BytesWritten returns the cumulative bytes actually written so far.
func (s *Selector) BytesWritten() int64 { return s.bytesWritten }

// RecordsWritten returns the count of fully-written records so far.
func (s *Selector) RecordsWritten() int { return s.recordsWritten }

// buildOutput computes the exact bytes to emit for rec under ann, given a
// lookup rewriteOffset (0 for no rewrite, or filter predicates).
func buildOutput(rec record.Record, ann Annotation, rewriteOffset int) []byte {
	switch ann.Policy {
	case AnnotNone:
		return append([]byte(nil), rec.Body...)
	case AnnotFirstNWithBody:
		effective := record.HeaderContent(rec.Header)[rewriteOffset:]
		end := record.FieldEnd(effective, ann.N)
		out := make([]byte, 0, 1+end+1+len(rec.Body))
		out = append(out, '>')
		out = append(out, effective[:end]...)
		out = append(out, '\n')
		out = append(out, rec.Body...)
		return out
	case AnnotFirstNWithoutBody:
		effective := record.HeaderContent(rec.Header)[rewriteOffset:]
		end := record.FieldEnd(effective, ann.N)
		out := make([]byte, 0, end+1)
		out = append(out, effective[:end]...)
		out = append(out, '\n')
		return out
	default: // AnnotAll
		// ALL always writes the full, unmodified header line (spec §4.4);
		// header-rewrite-on-match is an annotation-trimming behavior, not
		// something ALL applies.
		out := make([]byte, 0, len(rec.Header)+len(rec.Body))
		out = append(out, rec.Header...)
		out = append(out, rec.Body...)
		return out
	}
}
