// Package cache provides a content-addressed result cache for grouped
// fetches: murmur3-fingerprinted specs, snappy-compressed payloads on a
// bounded local disk tier, bloom-filter admission, and an optional shared
// object-storage tier.
package cache

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/spaolacci/murmur3"

	"github.com/pivora/pivora/internal/tabular"
)

// Fingerprint returns a stable 128-bit hex key for a fetch spec. Two specs
// that render the same query produce the same fingerprint; any field that
// changes the result changes the key.
func Fingerprint(spec *tabular.GroupedFetchSpec) string {
	var b bytes.Buffer
	b.WriteString(spec.Table)
	b.WriteByte('\n')

	for _, col := range spec.Select {
		b.WriteString(strconv.Itoa(int(col.Kind)))
		writeField(&b, col.Column)
		writeField(&b, col.Numerator)
		writeField(&b, col.Denom)
		writeField(&b, col.Expression)
		writeField(&b, col.Alias)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	for _, g := range spec.GroupBy {
		writeField(&b, g)
	}
	b.WriteByte('\n')

	for _, p := range spec.Where {
		b.WriteString(strconv.Itoa(int(p.Op)))
		writeField(&b, p.Column)
		writeField(&b, fmt.Sprintf("%v", p.Value))
		for _, v := range p.Values {
			writeField(&b, fmt.Sprintf("%v", v))
		}
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	for _, o := range spec.OrderBy {
		writeField(&b, o.Alias)
		if o.Desc {
			b.WriteByte('-')
		}
		b.WriteByte('\n')
	}

	b.WriteString(strconv.Itoa(spec.Limit))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(spec.Offset))

	h1, h2 := murmur3.Sum128(b.Bytes())
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// writeField writes a length-prefixed field so that adjacent values can
// never collide by concatenation.
func writeField(b *bytes.Buffer, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
	b.WriteByte('|')
}
