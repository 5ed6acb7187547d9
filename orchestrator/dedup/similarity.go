package dedup

// Ratcliff-Obershelp similarity: twice the matched character count over the
// combined length, where matching finds the longest common substring and
// recurses into the unmatched pieces on each side. The two bound functions
// are cheap over-estimates used to skip the quadratic ratio on candidates
// that cannot reach the threshold.

type span struct {
	aLo, aHi int
	bLo, bHi int
}

// SimilarityRatio returns the Ratcliff-Obershelp ratio in [0, 1].
func SimilarityRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1.0
	}

	matched := 0
	stack := []span{{0, len(ra), 0, len(rb)}}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		ai, bi, size := longestCommonSubstring(ra, rb, s)
		if size == 0 {
			continue
		}
		matched += size
		stack = append(stack,
			span{s.aLo, ai, s.bLo, bi},
			span{ai + size, s.aHi, bi + size, s.bHi})
	}
	return 2 * float64(matched) / float64(total)
}

// longestCommonSubstring finds the longest run of equal runes within the
// given sub-ranges, preferring the earliest on ties. Rolling-row dynamic
// programming keeps memory linear in the b range.
func longestCommonSubstring(a, b []rune, s span) (ai, bi, size int) {
	width := s.bHi - s.bLo
	if width <= 0 || s.aHi-s.aLo <= 0 {
		return 0, 0, 0
	}
	prev := make([]int, width+1)
	curr := make([]int, width+1)
	for i := s.aLo; i < s.aHi; i++ {
		for j := s.bLo; j < s.bHi; j++ {
			col := j - s.bLo + 1
			if a[i] != b[j] {
				curr[col] = 0
				continue
			}
			run := prev[col-1] + 1
			curr[col] = run
			if run > size {
				size = run
				ai = i - run + 1
				bi = j - run + 1
			}
		}
		prev, curr = curr, prev
		for x := range curr {
			curr[x] = 0
		}
	}
	return ai, bi, size
}

// LengthUpperBound bounds the ratio from above using lengths alone.
func LengthUpperBound(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	total := la + lb
	if total == 0 {
		return 1.0
	}
	shorter := la
	if lb < la {
		shorter = lb
	}
	return 2 * float64(shorter) / float64(total)
}

// QuickRatio bounds the ratio from above using the rune multiset
// intersection, ignoring order.
func QuickRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1.0
	}
	avail := make(map[rune]int, len(rb))
	for _, r := range rb {
		avail[r]++
	}
	matched := 0
	for _, r := range ra {
		if avail[r] > 0 {
			avail[r]--
			matched++
		}
	}
	return 2 * float64(matched) / float64(total)
}
