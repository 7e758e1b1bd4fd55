// Package bloom provides a probabilistic set used by the result-cache
// admission policy to track fingerprints it has seen before.
package bloom

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Filter is a fixed-size bloom filter. Contains never returns a false
// negative: once an item is added it is always reported as present.
type Filter struct {
	mu     sync.RWMutex
	words  []uint64
	bits   uint64
	hashes uint64
	count  uint64
}

// New creates a filter with the given number of bits and hash functions.
// The bit count is rounded up to a multiple of 64.
func New(numBits, numHashes int) *Filter {
	if numBits <= 0 {
		numBits = 1024
	}
	if numHashes <= 0 {
		numHashes = 7
	}
	numWords := (numBits + 63) / 64
	return &Filter{
		words:  make([]uint64, numWords),
		bits:   uint64(numWords) * 64,
		hashes: uint64(numHashes),
	}
}

// NewWithEstimates creates a filter sized for the expected number of items
// at the target false positive rate.
func NewWithEstimates(expectedItems int, targetFPR float64) *Filter {
	return New(OptimalParameters(expectedItems, targetFPR))
}

// OptimalParameters returns the bit and hash counts that minimize the false
// positive rate for the expected item count:
//
//	m = -n*ln(p) / ln(2)^2
//	k = (m/n) * ln(2)
func OptimalParameters(expectedItems int, targetFPR float64) (numBits, numHashes int) {
	if expectedItems <= 0 {
		expectedItems = 1000
	}
	if targetFPR <= 0 || targetFPR >= 1 {
		targetFPR = 0.01
	}

	n := float64(expectedItems)
	m := -n * math.Log(targetFPR) / (math.Ln2 * math.Ln2)
	k := (m / n) * math.Ln2

	numBits = int(math.Ceil(m))
	numHashes = int(math.Ceil(k))
	if numBits < 64 {
		numBits = 64
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return numBits, numHashes
}

// Add records an item in the filter.
func (f *Filter) Add(item []byte) {
	h1, h2 := murmur3.Sum128(item)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < f.hashes; i++ {
		// Double hashing: position i is h1 + i*h2
		pos := (h1 + i*h2) % f.bits
		f.words[pos>>6] |= 1 << (pos & 63)
	}
	f.count++
}

// Contains reports whether the item may have been added. A false result is
// definitive; a true result may be a false positive.
func (f *Filter) Contains(item []byte) bool {
	h1, h2 := murmur3.Sum128(item)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.hashes; i++ {
		pos := (h1 + i*h2) % f.bits
		if f.words[pos>>6]&(1<<(pos&63)) == 0 {
			return false
		}
	}
	return true
}

// Count returns the number of Add calls.
func (f *Filter) Count() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// NumBits returns the filter width in bits.
func (f *Filter) NumBits() int { return int(f.bits) }

// NumHashes returns the number of hash functions.
func (f *Filter) NumHashes() int { return int(f.hashes) }

// FalsePositiveRate estimates the current false positive rate from the
// fill level: (1 - e^(-k*n/m))^k.
func (f *Filter) FalsePositiveRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.count == 0 {
		return 0
	}
	k := float64(f.hashes)
	n := float64(f.count)
	m := float64(f.bits)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
