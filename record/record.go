// Package record holds the FASTA record and header-annotation data model
// shared by the scanner and the selector. Everything here is a read-only
// view into mapped bytes or a carry buffer: nothing in this package copies
// or mutates the underlying storage.
package record

// soh is the byte used inside a FASTA header to concatenate alternative
// identifiers for one record (see spec §3, GLOSSARY).
const soh = 0x01

// Delim reports whether b is a header field delimiter: '|' or SOH.
func Delim(b byte) bool {
	return b == '|' || b == soh
}

// Record is one FASTA record as located by the scanner.
//
// Header is the header line's bytes, from '>' through and including the
// terminating '\n'. Body is every byte between the header's '\n' and the
// start of the next record (or the end of the scanned region), including
// any internal '\n' line breaks.
type Record struct {
	Header []byte
	Body   []byte
}

// SeqLen returns the logical sequence length: the count of non-newline
// bytes in Body (spec §3).
func (r Record) SeqLen() int {
	n := 0
	for _, b := range r.Body {
		if b != '\n' {
			n++
		}
	}
	return n
}

// HeaderContent returns the header with its leading '>' and trailing line
// terminator stripped.
func HeaderContent(header []byte) []byte {
	c := header
	if len(c) > 0 && c[0] == '>' {
		c = c[1:]
	}
	for len(c) > 0 && (c[len(c)-1] == '\n' || c[len(c)-1] == '\r') {
		c = c[:len(c)-1]
	}
	return c
}

// fields splits header content at every '|' or SOH delimiter, returning the
// fields in order along with the byte offset and delimiter of each boundary
// (delimPos[i] is the offset of the delimiter ending fields[i]).
func fields(content []byte) (flds [][]byte, delimPos []int, delimByte []byte) {
	start := 0
	for i := 0; i < len(content); i++ {
		if Delim(content[i]) {
			flds = append(flds, content[start:i])
			delimPos = append(delimPos, i)
			delimByte = append(delimByte, content[i])
			start = i + 1
		}
	}
	flds = append(flds, content[start:])
	return flds, delimPos, delimByte
}

// FieldEnd returns the byte offset, within content, of the end of the n-th
// field (n >= 1), counting fields by '|' or SOH delimiters. If n exceeds the
// number of fields present, FieldEnd returns len(content) (spec §4.4: "If N
// exceeds the header's field count, the full header ... is used").
func FieldEnd(content []byte, n int) int {
	if n <= 0 {
		return 0
	}
	_, delimPos, _ := fields(content)
	if n-1 < len(delimPos) {
		return delimPos[n-1]
	}
	return len(content)
}

// ID is one header identifier together with the offset, within the header
// content, at which it begins.
type ID struct {
	Bytes  []byte
	Offset int
}

// IDs returns the record's header identifier list (spec §4.4): the primary
// ID (the first field) plus every ID that begins immediately after an SOH
// delimiter.
func IDs(content []byte) []ID {
	flds, delimPos, delimByte := fields(content)
	ids := make([]ID, 0, 2)
	ids = append(ids, ID{Bytes: flds[0], Offset: 0})
	for i := 1; i < len(flds); i++ {
		if delimByte[i-1] == soh {
			ids = append(ids, ID{Bytes: flds[i], Offset: delimPos[i-1] + 1})
		}
	}
	return ids
}
