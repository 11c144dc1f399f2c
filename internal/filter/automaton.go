package filter

// automaton is one immutable generation of the multi-pattern matcher: a
// trie over lowercased pattern runes with failure links, enabling a scan in
// O(len(text) + matches) regardless of dictionary size.
type automaton struct {
	states   []state
	patterns []compiledPattern
}

type state struct {
	next map[rune]int
	fail int
	// out lists the indices of patterns ending at this state, including
	// those inherited through failure links.
	out []int
}

type compiledPattern struct {
	entry Entry
	runes []rune
	allow []allowContext
}

// allowContext is a pre-located allowlist phrase: the lowercased context
// runes and the rune offset of the pattern within them.
type allowContext struct {
	runes    []rune
	patStart int
}

func buildAutomaton(patterns []compiledPattern) *automaton {
	a := &automaton{
		states:   []state{{next: make(map[rune]int)}},
		patterns: patterns,
	}
	for i, p := range patterns {
		a.addPattern(i, p.runes)
	}
	a.buildFailureLinks()
	return a
}

func (a *automaton) addPattern(idx int, runes []rune) {
	cur := 0
	for _, r := range runes {
		nxt, ok := a.states[cur].next[r]
		if !ok {
			nxt = len(a.states)
			a.states = append(a.states, state{next: make(map[rune]int)})
			a.states[cur].next[r] = nxt
		}
		cur = nxt
	}
	a.states[cur].out = append(a.states[cur].out, idx)
}

// buildFailureLinks runs the standard BFS: each state's failure link points
// to the longest proper suffix of its path that is also a trie prefix, and
// output sets are merged down the links.
func (a *automaton) buildFailureLinks() {
	queue := make([]int, 0, len(a.states))
	for _, s := range a.states[0].next {
		a.states[s].fail = 0
		queue = append(queue, s)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for r, nxt := range a.states[cur].next {
			queue = append(queue, nxt)
			f := a.states[cur].fail
			for f != 0 {
				if _, ok := a.states[f].next[r]; ok {
					break
				}
				f = a.states[f].fail
			}
			fail := 0
			if t, ok := a.states[f].next[r]; ok && t != nxt {
				fail = t
			}
			a.states[nxt].fail = fail
			a.states[nxt].out = append(a.states[nxt].out, a.states[fail].out...)
		}
	}
}

// step advances the automaton from state s on rune r, following failure
// links on mismatch.
func (a *automaton) step(s int, r rune) int {
	for {
		if nxt, ok := a.states[s].next[r]; ok {
			return nxt
		}
		if s == 0 {
			return 0
		}
		s = a.states[s].fail
	}
}
