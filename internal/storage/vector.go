package storage

import (
	"strconv"
	"strings"
)

// pgvector's text representation: "[0.1,0.2,0.3]". Vectors travel into
// the database as text and are cast with ::vector in SQL; nothing reads
// them back (read paths project `embedding IS NOT NULL`), so only the
// encoder exists. A dedicated codec would save a copy but ties us to one
// driver's binary protocol.

// encodeVector renders a float32 slice in pgvector text format.
func encodeVector(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

