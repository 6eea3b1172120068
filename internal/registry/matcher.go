package registry

import (
	"sort"
	"strings"
)

// Fuzzy threshold bands. Best score at or above fuzzyAccept resolves to a
// single program; the band between the two produces a disambiguation with
// at most maxCandidates entries; anything lower is no match.
const (
	fuzzyAccept    = 0.85
	fuzzyAmbiguous = 0.75
	maxCandidates  = 3
)

type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchExact
	MatchFuzzy
	MatchAmbiguous
)

type Candidate struct {
	Program *Program
	Score   float64
}

// Match is the outcome of resolving a normalized query against one
// snapshot of the program table.
type Match struct {
	Kind       MatchKind
	Program    *Program
	Score      float64
	Candidates []Candidate
}

// Match resolves a normalized query. Strategies run in order and
// short-circuit on the first hit: exact canonical-name lookup, token
// containment (single-shot entries before general programs), then fuzzy
// scoring against all canonical names. Pure function of the snapshot.
func (s *Snapshot) Match(query string) Match {
	if query == "" {
		return Match{Kind: MatchNone}
	}

	if p := s.byName[query]; p != nil {
		return Match{Kind: MatchExact, Program: p, Score: 1}
	}

	if p := containmentHit(s.singles, query); p != nil {
		return Match{Kind: MatchExact, Program: p, Score: 1}
	}
	if p := containmentHit(s.general, query); p != nil {
		return Match{Kind: MatchExact, Program: p, Score: 1}
	}

	scored := make([]Candidate, 0, len(s.singles)+len(s.general))
	for _, e := range s.general {
		scored = append(scored, Candidate{Program: e.program, Score: similarity(query, e.name)})
	}
	for _, e := range s.singles {
		scored = append(scored, Candidate{Program: e.program, Score: similarity(query, e.name)})
	}
	if len(scored) == 0 {
		return Match{Kind: MatchNone}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		ni, nj := []rune(scored[i].Program.Name), []rune(scored[j].Program.Name)
		if len(ni) != len(nj) {
			return len(ni) < len(nj)
		}
		return scored[i].Program.Name < scored[j].Program.Name
	})

	best := scored[0]
	switch {
	case best.Score >= fuzzyAccept:
		return Match{Kind: MatchFuzzy, Program: best.Program, Score: best.Score}
	case best.Score >= fuzzyAmbiguous:
		n := maxCandidates
		if len(scored) < n {
			n = len(scored)
		}
		candidates := make([]Candidate, n)
		copy(candidates, scored[:n])
		return Match{Kind: MatchAmbiguous, Candidates: candidates, Score: best.Score}
	default:
		return Match{Kind: MatchNone, Score: best.Score}
	}
}

func containmentHit(entries []*entry, query string) *Program {
	for _, e := range entries {
		if strings.Contains(e.name, query) {
			return e.program
		}
		for _, alias := range e.aliases {
			if strings.Contains(alias, query) {
				return e.program
			}
		}
	}
	return nil
}

// similarity is a normalized longest-common-subsequence ratio over runes:
// 2*LCS / (len(a)+len(b)), in [0,1].
func similarity(a, b string) float64 {
	ar, br := []rune(a), []rune(b)
	if len(ar) == 0 && len(br) == 0 {
		return 1
	}
	if len(ar) == 0 || len(br) == 0 {
		return 0
	}
	prev := make([]int, len(br)+1)
	curr := make([]int, len(br)+1)
	for i := 1; i <= len(ar); i++ {
		for j := 1; j <= len(br); j++ {
			if ar[i-1] == br[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return 2 * float64(prev[len(br)]) / float64(len(ar)+len(br))
}
