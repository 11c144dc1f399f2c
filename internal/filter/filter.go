// Package filter scans arbitrary text for dictionary words and phrases and
// resolves them to block/mask/warn actions. Matching runs against an
// immutable automaton generation; dictionary updates build a new generation
// off the hot path and swap it in with a single atomic pointer store, so
// in-flight scans never observe a half-rebuilt structure and readers need
// no lock.
package filter

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/kbpipeline/retrieval-platform/pkg/apperrors"
)

// Action is what the caller must do about a match. Ordering matters:
// higher values are more restrictive and win when overlapping patterns
// disagree.
type Action int

const (
	ActionNone Action = iota
	ActionWarn
	ActionMask
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionMask:
		return "mask"
	case ActionBlock:
		return "block"
	default:
		return "none"
	}
}

// ParseAction converts a stored action string to an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warn":
		return ActionWarn, nil
	case "mask":
		return ActionMask, nil
	case "block":
		return ActionBlock, nil
	default:
		return ActionNone, fmt.Errorf("unknown filter action %q", s)
	}
}

// Entry is one dictionary pattern. Patterns match case-insensitively and,
// unless Substring is set, only at whole-token boundaries. An allowlist
// context suppresses a match only when the exact surrounding phrase is
// present at the match site.
type Entry struct {
	Pattern       string
	Action        Action
	AllowContexts []string
	Substring     bool
}

// Match is one pattern occurrence in scanned text. Offsets are byte
// offsets into the original text.
type Match struct {
	Pattern string
	Start   int
	End     int
	Action  Action
}

// Result is the outcome of scanning one text. Action is the most
// restrictive action across all matches, or ActionNone when the text is
// clean.
type Result struct {
	Matches []Match
	Action  Action
}

// MaskToken replaces each masked span. It is fixed-length by design so the
// redacted output does not leak the length of the original span.
const MaskToken = "█████"

type generation struct {
	auto    *automaton
	num     uint64
	entries int
}

// Filter holds the active automaton generation.
type Filter struct {
	gen    atomic.Pointer[generation]
	mu     sync.Mutex
	logger *slog.Logger
}

// New creates a Filter with an empty dictionary.
func New() *Filter {
	f := &Filter{logger: slog.Default().With("component", "pattern-filter")}
	f.gen.Store(&generation{auto: buildAutomaton(nil), num: 0})
	return f
}

// Rebuild validates entries, constructs a new automaton generation, and
// swaps it in atomically. On validation failure the previous generation
// remains active and the error wraps apperrors.ErrDictionaryRebuild.
func (f *Filter) Rebuild(entries []Entry) error {
	compiled := make([]compiledPattern, 0, len(entries))
	for _, e := range entries {
		cp, err := compileEntry(e)
		if err != nil {
			return apperrors.Newf(apperrors.ErrDictionaryRebuild, 400, "%v", err)
		}
		compiled = append(compiled, cp)
	}

	// Serialize rebuilds so generation numbers stay monotonic.
	f.mu.Lock()
	defer f.mu.Unlock()
	next := &generation{
		auto:    buildAutomaton(compiled),
		num:     f.gen.Load().num + 1,
		entries: len(compiled),
	}
	f.gen.Store(next)
	f.logger.Info("dictionary automaton rebuilt",
		"generation", next.num,
		"entries", next.entries,
	)
	return nil
}

// Generation returns the active automaton generation number.
func (f *Filter) Generation() uint64 {
	return f.gen.Load().num
}

// EntryCount returns the number of patterns in the active generation.
func (f *Filter) EntryCount() int {
	return f.gen.Load().entries
}

// Scan reports every dictionary match in text. The whole scan runs against
// one automaton generation even if a rebuild lands concurrently.
func (f *Filter) Scan(text string) Result {
	gen := f.gen.Load()
	a := gen.auto
	if len(a.patterns) == 0 || text == "" {
		return Result{}
	}

	runes := []rune(text)
	lower := make([]rune, len(runes))
	byteOff := make([]int, len(runes)+1)
	off := 0
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
		byteOff[i] = off
		off += len(string(r))
	}
	byteOff[len(runes)] = off

	var matches []Match
	s := 0
	for i, r := range lower {
		s = a.step(s, r)
		for _, pi := range a.states[s].out {
			p := a.patterns[pi]
			start := i - len(p.runes) + 1
			if !p.entry.Substring && !onTokenBoundary(lower, start, i) {
				continue
			}
			if allowSuppressed(lower, start, p) {
				continue
			}
			matches = append(matches, Match{
				Pattern: p.entry.Pattern,
				Start:   byteOff[start],
				End:     byteOff[i+1],
				Action:  p.entry.Action,
			})
		}
	}
	if len(matches) == 0 {
		return Result{}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Start != matches[j].Start {
			return matches[i].Start < matches[j].Start
		}
		return matches[i].End < matches[j].End
	})
	overall := ActionNone
	for _, m := range matches {
		if m.Action > overall {
			overall = m.Action
		}
	}
	return Result{Matches: matches, Action: overall}
}

// Apply masks every span whose resolved action is mask or stronger and
// returns the redacted text. Callers handle block before calling Apply;
// warn-only matches leave the text unchanged.
func Apply(text string, matches []Match) string {
	type span struct{ start, end int }
	var spans []span
	for _, m := range matches {
		if m.Action < ActionMask {
			continue
		}
		if n := len(spans); n > 0 && m.Start <= spans[n-1].end {
			if m.End > spans[n-1].end {
				spans[n-1].end = m.End
			}
			continue
		}
		spans = append(spans, span{m.Start, m.End})
	}
	if len(spans) == 0 {
		return text
	}

	var b strings.Builder
	prev := 0
	for _, sp := range spans {
		b.WriteString(text[prev:sp.start])
		b.WriteString(MaskToken)
		prev = sp.end
	}
	b.WriteString(text[prev:])
	return b.String()
}

// PatternNames extracts the distinct pattern strings from matches, for
// admin-visible block reporting. Never show these to end users: they leak
// dictionary content.
func PatternNames(matches []Match) []string {
	seen := make(map[string]struct{}, len(matches))
	var names []string
	for _, m := range matches {
		if _, ok := seen[m.Pattern]; ok {
			continue
		}
		seen[m.Pattern] = struct{}{}
		names = append(names, m.Pattern)
	}
	sort.Strings(names)
	return names
}

func compileEntry(e Entry) (compiledPattern, error) {
	pat := strings.TrimSpace(strings.ToLower(e.Pattern))
	if pat == "" {
		return compiledPattern{}, fmt.Errorf("empty pattern")
	}
	if e.Action != ActionWarn && e.Action != ActionMask && e.Action != ActionBlock {
		return compiledPattern{}, fmt.Errorf("pattern %q has no action", e.Pattern)
	}
	cp := compiledPattern{entry: e, runes: []rune(pat)}
	for _, ctx := range e.AllowContexts {
		lowered := strings.TrimSpace(strings.ToLower(ctx))
		idx := strings.Index(lowered, pat)
		if idx < 0 {
			return compiledPattern{}, fmt.Errorf("allow context %q does not contain pattern %q", ctx, e.Pattern)
		}
		cp.allow = append(cp.allow, allowContext{
			runes:    []rune(lowered),
			patStart: len([]rune(lowered[:idx])),
		})
	}
	return cp, nil
}

// onTokenBoundary reports whether lower[start..end] is delimited by
// non-token runes (or text edges) on both sides.
func onTokenBoundary(lower []rune, start, end int) bool {
	if start > 0 && isTokenRune(lower[start-1]) {
		return false
	}
	if end+1 < len(lower) && isTokenRune(lower[end+1]) {
		return false
	}
	return true
}

func isTokenRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// allowSuppressed reports whether the match starting at start sits inside
// one of the pattern's exact allowlisted surrounding phrases.
func allowSuppressed(lower []rune, start int, p compiledPattern) bool {
	for _, ac := range p.allow {
		ctxStart := start - ac.patStart
		ctxEnd := ctxStart + len(ac.runes)
		if ctxStart < 0 || ctxEnd > len(lower) {
			continue
		}
		if runesEqual(lower[ctxStart:ctxEnd], ac.runes) {
			return true
		}
	}
	return false
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
