package materialize

import (
	"encoding/hex"
	"hash"
	"strconv"
	"time"

	"github.com/spaolacci/murmur3"
)

const (
	cellSep = 0x1f
	rowSep  = 0x1e
)

// contentHash digests coerced table content with murmur3-128. Values are
// written in a canonical text form tagged by kind so that NULL, "" and 0 differ.
type contentHash struct {
	h   hash.Hash
	buf []byte
}

func newContentHash(columns []string) *contentHash {
	c := &contentHash{h: murmur3.New128()}
	for _, name := range columns {
		c.h.Write([]byte(name))
		c.h.Write([]byte{cellSep})
	}
	c.h.Write([]byte{rowSep})
	return c
}

func (c *contentHash) cell(v any) {
	b := c.buf[:0]
	switch x := v.(type) {
	case nil:
		b = append(b, 'N')
	case int64:
		b = append(b, 'i')
		b = strconv.AppendInt(b, x, 10)
	case float64:
		b = append(b, 'f')
		b = strconv.AppendFloat(b, x, 'g', -1, 64)
	case time.Time:
		b = append(b, 'd')
		b = x.AppendFormat(b, "2006-01-02")
	case string:
		b = append(b, 's')
		b = append(b, x...)
	default:
		b = append(b, '?')
	}
	b = append(b, cellSep)
	c.h.Write(b)
	c.buf = b
}

func (c *contentHash) endRow() {
	c.h.Write([]byte{rowSep})
}

func (c *contentHash) sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}
