// Package wer scores transcription accuracy with a word-level edit distance.
//
// WER = (substitutions + deletions + insertions) / reference words.
// The reference is the denominator, so Rate(a, b) and Rate(b, a) generally differ.
package wer

import (
	"strings"
	"unicode"
)

// DefaultPassThreshold is the WER at or below which a transcript is acceptable.
const DefaultPassThreshold = 0.15

// Normalize lowercases s, keeps only a-z, 0-9, spaces and apostrophes,
// collapses whitespace runs to one space and trims the result.
// Any whitespace rune counts as a word separator.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true // suppress leading space
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '\'':
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Words returns the normalized tokens of s.
func Words(s string) []string {
	return strings.Fields(Normalize(s))
}

// Rate returns the word error rate of hypothesis against reference in [0, 1].
// An empty reference scores 1 when the hypothesis has words, 0 otherwise.
func Rate(reference, hypothesis string) float64 {
	ref, hyp := Words(reference), Words(hypothesis)
	return rate(distance(ref, hyp), len(ref), len(hyp))
}

func rate(dist, n, m int) float64 {
	if n == 0 {
		if m > 0 {
			return 1
		}
		return 0
	}
	r := float64(dist) / float64(n)
	if r > 1 {
		return 1
	}
	return r
}

// distance is the unit-cost Levenshtein distance between two word slices,
// keeping only two rows of the (n+1)x(m+1) table.
func distance(ref, hyp []string) int {
	prev := make([]int, len(hyp)+1)
	cur := make([]int, len(hyp)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ref); i++ {
		cur[0] = i
		for j := 1; j <= len(hyp); j++ {
			cost := 1
			if ref[i-1] == hyp[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(hyp)]
}

// Substitution is a reference word the hypothesis replaced.
type Substitution struct {
	Reference  string `json:"reference"`
	Hypothesis string `json:"hypothesis"`
}

// Breakdown is the alignment of a hypothesis against a reference.
type Breakdown struct {
	Rate            float64        `json:"rate"`
	Distance        int            `json:"distance"`
	ReferenceWords  int            `json:"reference_words"`
	HypothesisWords int            `json:"hypothesis_words"`
	Hits            int            `json:"hits"`
	Substitutions   []Substitution `json:"substitutions"`
	Deletions       []string       `json:"deletions"`
	Insertions      []string       `json:"insertions"`
}

// Align computes the full DP table and backtracks one minimal alignment.
// Ties prefer a match, then deletion, then insertion, then substitution.
func Align(reference, hypothesis string) Breakdown {
	ref, hyp := Words(reference), Words(hypothesis)
	n, m := len(ref), len(hyp)

	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
		dp[i][0] = i
	}
	for j := 0; j <= m; j++ {
		dp[0][j] = j
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if ref[i-1] == hyp[j-1] {
				dp[i][j] = dp[i-1][j-1]
				continue
			}
			dp[i][j] = 1 + min(dp[i-1][j], dp[i][j-1], dp[i-1][j-1])
		}
	}

	b := Breakdown{
		Distance:        dp[n][m],
		ReferenceWords:  n,
		HypothesisWords: m,
		Substitutions:   []Substitution{},
		Deletions:       []string{},
		Insertions:      []string{},
	}
	b.Rate = rate(b.Distance, n, m)

	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && ref[i-1] == hyp[j-1] && dp[i][j] == dp[i-1][j-1]:
			b.Hits++
			i, j = i-1, j-1
		case i > 0 && dp[i][j] == dp[i-1][j]+1:
			b.Deletions = append(b.Deletions, ref[i-1])
			i--
		case j > 0 && dp[i][j] == dp[i][j-1]+1:
			b.Insertions = append(b.Insertions, hyp[j-1])
			j--
		default:
			b.Substitutions = append(b.Substitutions, Substitution{Reference: ref[i-1], Hypothesis: hyp[j-1]})
			i, j = i-1, j-1
		}
	}
	reverse(b.Substitutions)
	reverse(b.Deletions)
	reverse(b.Insertions)
	return b
}

// Acceptable reports whether rate is within threshold. A non-positive
// threshold falls back to DefaultPassThreshold.
func Acceptable(rate, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultPassThreshold
	}
	return rate <= threshold
}

func reverse[T any](s []T) {
	for l, r := 0, len(s)-1; l < r; l, r = l+1, r-1 {
		s[l], s[r] = s[r], s[l]
	}
}
