package record_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/grailbio/fex/record"
)

func TestHeaderContent(t *testing.T) {
	assert.Equal(t, []byte("r1|alpha"), record.HeaderContent([]byte(">r1|alpha\n")))
	assert.Equal(t, []byte("r1|alpha"), record.HeaderContent([]byte(">r1|alpha\r\n")))
}

func TestFieldEnd(t *testing.T) {
	content := []byte("a|x")
	assert.Equal(t, 1, record.FieldEnd(content, 1))
	assert.Equal(t, len(content), record.FieldEnd(content, 2))
	assert.Equal(t, len(content), record.FieldEnd(content, 5))
}

func TestIDsPrimaryOnly(t *testing.T) {
	ids := record.IDs([]byte("r1|alpha"))
	if assert.Len(t, ids, 1) {
		assert.Equal(t, "r1", string(ids[0].Bytes))
		assert.Equal(t, 0, ids[0].Offset)
	}
}

func TestIDsWithSOH(t *testing.T) {
	content := []byte("z|foo\x01h2|bar")
	ids := record.IDs(content)
	if assert.Len(t, ids, 2) {
		assert.Equal(t, "z", string(ids[0].Bytes))
		assert.Equal(t, "h2", string(ids[1].Bytes))
		// Offset must point right after the SOH, and the remainder of content
		// from that offset includes the trailing "|bar".
		assert.Equal(t, "h2|bar", string(content[ids[1].Offset:]))
	}
}

func TestRecordSeqLen(t *testing.T) {
	r := record.Record{Header: []byte(">r1\n"), Body: []byte("ACGT\nGG\n")}
	assert.Equal(t, 6, r.SeqLen())
}
