package docdiff

import (
	"sort"

	"github.com/valdo404/docx-session/internal/oxml"
	"github.com/valdo404/docx-session/internal/patch"
)

// DefaultSimilarityThreshold decides modification vs remove+add pairing.
const DefaultSimilarityThreshold = 0.6

// tableDimRatio is the dimension divergence beyond which two tables are
// never considered the same table.
const tableDimRatio = 0.5

// Options tunes a comparison.
type Options struct {
	// SimilarityThreshold in [0, 1]. Zero means the default.
	SimilarityThreshold float64
}

// Result is a full comparison outcome.
type Result struct {
	// Changes lists body-level differences in patch emission order.
	Changes []Change

	// Patches transforms the old body into the new one when applied in
	// order through the patch engine.
	Patches []patch.Op

	// Uncovered lists non-body part differences, reported as metadata.
	Uncovered []UncoveredChange
}

// Empty reports whether the comparison found nothing at all.
func (r *Result) Empty() bool {
	return len(r.Changes) == 0 && len(r.Uncovered) == 0
}

// pair is one matched (A index, B index) couple.
type pair struct {
	a, b int
}

// Compare diffs document a (old) against b (new).
func Compare(a, b *oxml.Document, opts Options) *Result {
	threshold := opts.SimilarityThreshold
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}

	as := snapshotBody(a)
	bs := snapshotBody(b)

	matchA := make([]int, len(as))
	matchB := make([]int, len(bs))

	for i := range matchA {
		matchA[i] = -1
	}

	for i := range matchB {
		matchB[i] = -1
	}

	// Pass 1: longest common subsequence on fingerprints. Everything on
	// the LCS is unchanged in place; index shifts caused by surrounding
	// insertions and removals are not moves.
	for _, p := range lcsPairs(as, bs) {
		matchA[p.a] = p.b
		matchB[p.b] = p.a
	}

	// Pass 2: exact-fingerprint claims over the remainder. Content that
	// is identical but off the LCS genuinely changed position. Ties
	// among duplicates prefer the closest index, then the earliest.
	var moves []pair

	for bi := range bs {
		if matchB[bi] >= 0 {
			continue
		}

		best := -1

		for ai := range as {
			if matchA[ai] >= 0 || as[ai].Fingerprint != bs[bi].Fingerprint {
				continue
			}

			if best < 0 || absInt(ai-bi) < absInt(best-bi) {
				best = ai
			}
		}

		if best < 0 {
			continue
		}

		matchA[best] = bi
		matchB[bi] = best

		if best != bi {
			moves = append(moves, pair{a: best, b: bi})
		}
	}

	// Pass 3: similarity pairing over what's left, best score first.
	mods := similarityPairs(as, bs, matchA, matchB, threshold)

	var removals, additions []int

	for ai := range as {
		if matchA[ai] < 0 {
			removals = append(removals, ai)
		}
	}

	for bi := range bs {
		if matchB[bi] < 0 {
			additions = append(additions, bi)
		}
	}

	res := &Result{
		Uncovered: comparePartsUncovered(a, b),
	}

	emit(res, b, as, bs, matchA, removals, moves, mods, additions)

	return res
}

// lcsPairs computes the longest common subsequence of the two snapshot
// lists under fingerprint equality.
func lcsPairs(as, bs []ElementSnapshot) []pair {
	n, m := len(as), len(bs)
	if n == 0 || m == 0 {
		return nil
	}

	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}

	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if as[i].Fingerprint == bs[j].Fingerprint {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	var out []pair

	for i, j := 0, 0; i < n && j < m; {
		switch {
		case as[i].Fingerprint == bs[j].Fingerprint:
			out = append(out, pair{a: i, b: j})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}

	return out
}

// scored is one candidate similarity pairing.
type scored struct {
	pair
	score float64
}

// similarityPairs greedily pairs the unmatched remainders by text
// similarity. Pairs at or above threshold become modifications.
func similarityPairs(as, bs []ElementSnapshot, matchA, matchB []int, threshold float64) []pair {
	var candidates []scored

	for ai := range as {
		if matchA[ai] >= 0 {
			continue
		}

		for bi := range bs {
			if matchB[bi] >= 0 {
				continue
			}

			s := similarity(&as[ai], &bs[bi])
			if s >= threshold {
				candidates = append(candidates, scored{pair: pair{a: ai, b: bi}, score: s})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}

		return absInt(candidates[i].a-candidates[i].b) < absInt(candidates[j].a-candidates[j].b)
	})

	var mods []pair

	for _, c := range candidates {
		if matchA[c.a] >= 0 || matchB[c.b] >= 0 {
			continue
		}

		matchA[c.a] = c.b
		matchB[c.b] = c.a

		mods = append(mods, c.pair)
	}

	sort.Slice(mods, func(i, j int) bool { return mods[i].b < mods[j].b })

	return mods
}

// lengthPenaltyWeight discounts Jaccard overlap when the two texts have
// very different lengths.
const lengthPenaltyWeight = 0.3

// similarity scores two snapshots in [0, 1]: normalized token Jaccard
// with a length penalty. Tables whose dimensions diverge by more than
// half never match.
func similarity(a, b *ElementSnapshot) float64 {
	if a.Type == TypeTable || b.Type == TypeTable {
		if a.Type != b.Type {
			return 0
		}

		if !tableDimsCompatible(a, b) {
			return 0
		}
	}

	aTokens := tokenSet(a.Text)
	bTokens := tokenSet(b.Text)

	if len(aTokens) == 0 && len(bTokens) == 0 {
		return 1
	}

	if len(aTokens) == 0 || len(bTokens) == 0 {
		return 0
	}

	inter := 0

	for tok := range aTokens {
		if bTokens[tok] {
			inter++
		}
	}

	union := len(aTokens) + len(bTokens) - inter
	jaccard := float64(inter) / float64(union)

	la, lb := float64(len(a.Text)), float64(len(b.Text))

	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}

	if maxLen == 0 {
		return jaccard
	}

	penalty := lengthPenaltyWeight * (absFloat(la-lb) / maxLen)

	s := jaccard * (1 - penalty)
	if s < 0 {
		return 0
	}

	return s
}

func tableDimsCompatible(a, b *ElementSnapshot) bool {
	ar, ac := a.dims()
	br, bc := b.dims()

	return dimClose(ar, br) && dimClose(ac, bc)
}

func dimClose(x, y int) bool {
	if x == y {
		return true
	}

	maxDim := x
	if y > maxDim {
		maxDim = y
	}

	if maxDim == 0 {
		return true
	}

	return absFloat(float64(x-y))/float64(maxDim) <= tableDimRatio
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)

	for _, tok := range splitTokens(s) {
		out[tok] = true
	}

	return out
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}

	return x
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}

	return x
}
