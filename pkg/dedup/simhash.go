package dedup

import (
	"crypto/md5"
	"encoding/binary"
	"math/bits"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// stemRunes is the token prefix length used for similarity hashing.
// Truncating tokens folds inflected variants ("file"/"files",
// "ransom"/"ransomware") onto the same feature.
const stemRunes = 4

// SimHash computes a 64-bit similarity hash over the stemmed whitespace
// tokens of text. Each token contributes a per-bit vote derived from its
// MD5 digest; the sign of each accumulated vote becomes the output bit.
// Texts whose stemmed token multisets match land within a small Hamming
// distance of each other.
func SimHash(text string) uint64 {
	var votes [64]int
	for _, tok := range tokenize(text) {
		sum := md5.Sum([]byte(tok))
		h := binary.BigEndian.Uint64(sum[:8])
		for i := 0; i < 64; i++ {
			if h&(1<<uint(i)) != 0 {
				votes[i]++
			} else {
				votes[i]--
			}
		}
	}
	var out uint64
	for i := 0; i < 64; i++ {
		if votes[i] > 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

// HammingDistance counts differing bits between two hashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// tokenize folds case, applies NFKC, strips punctuation at token edges,
// and stems each token to its leading runes so visually and
// morphologically equivalent spellings hash to the same feature.
func tokenize(text string) []string {
	folded := strings.ToLower(norm.NFKC.String(text))
	fields := strings.Fields(folded)
	toks := fields[:0]
	for _, tok := range fields {
		tok = strings.TrimFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if tok == "" {
			continue
		}
		if r := []rune(tok); len(r) > stemRunes {
			tok = string(r[:stemRunes])
		}
		toks = append(toks, tok)
	}
	return toks
}
