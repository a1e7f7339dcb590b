package dedup

import (
	"context"
	"math"
	"strings"
	"unicode"

	"groomline/internal/domain"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
	"to": true, "for": true, "in": true, "on": true, "with": true, "is": true,
	"be": true, "as": true, "at": true, "by": true, "it": true, "this": true,
	"that": true, "from": true, "into": true, "we": true, "should": true,
}

func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Keywords extracts the normalized keyword set of text.
func Keywords(text string) []string {
	var out []string
	for _, tok := range tokens(text) {
		if len(tok) > 1 && !stopwords[tok] {
			out = append(out, tok)
		}
	}
	return domain.NormalizeSet(out)
}

// NormalizeTitle lowercases and collapses whitespace.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// TitleSimilarity is the Levenshtein ratio (|a|+|b|-d)/(|a|+|b|) of the
// normalized titles.
func TitleSimilarity(a, b string) float64 {
	ra, rb := []rune(NormalizeTitle(a)), []rune(NormalizeTitle(b))
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	return float64(total-levenshtein(ra, rb)) / float64(total)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// Jaccard is |a ∩ b| / |a ∪ b| of two sets; two empty sets are unrelated.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	in := make(map[string]bool, len(a))
	for _, s := range a {
		in[s] = true
	}
	both := 0
	union := len(in)
	seen := map[string]bool{}
	for _, s := range b {
		if seen[s] {
			continue
		}
		seen[s] = true
		if in[s] {
			both++
		} else {
			union++
		}
	}
	return float64(both) / float64(union)
}

// BagOfWords is the fallback Comparator: cosine similarity of term counts.
func BagOfWords(_ context.Context, a, b string) (float64, error) {
	ca, cb := termCounts(a), termCounts(b)
	var dot, na, nb float64
	for t, x := range ca {
		na += x * x
		dot += x * cb[t]
	}
	for _, y := range cb {
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

func termCounts(text string) map[string]float64 {
	out := map[string]float64{}
	for _, tok := range tokens(text) {
		if !stopwords[tok] {
			out[tok]++
		}
	}
	return out
}

func itemText(it domain.WorkItem) string {
	if it.Description == "" {
		return it.Title
	}
	return it.Title + "\n" + it.Description
}
