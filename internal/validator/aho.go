// Package validator implements C4, the admission-time threat scanner. It
// matches a task description against a fixed table of patterns using an
// Aho-Corasick automaton so every pattern in the table is checked in a
// single pass over the input, the same multi-pattern-in-one-pass approach
// the signature engine's scanner uses for rule matching
// (services/signature-engine/scanner/aho.go), adapted here from byte-exact
// literal matching to whole-word, case-insensitive phrase matching.
package validator

import "strings"

type acNode struct {
	next map[byte]*acNode
	fail *acNode
	out  []*Pattern
}

type automaton struct {
	root *acNode
}

func buildAutomaton(patterns []*Pattern) *automaton {
	root := &acNode{next: make(map[byte]*acNode)}
	for _, p := range patterns {
		cur := root
		needle := normalize(p.Phrase)
		for i := 0; i < len(needle); i++ {
			b := needle[i]
			nxt, ok := cur.next[b]
			if !ok {
				nxt = &acNode{next: make(map[byte]*acNode)}
				cur.next[b] = nxt
			}
			cur = nxt
		}
		cur.out = append(cur.out, p)
	}
	queue := make([]*acNode, 0, len(root.next))
	for _, n := range root.next {
		n.fail = root
		queue = append(queue, n)
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for b, nxt := range n.next {
			f := n.fail
			for f != nil && f.next[b] == nil {
				f = f.fail
			}
			if f == nil {
				nxt.fail = root
			} else {
				nxt.fail = f.next[b]
			}
			if nxt.fail != nil && len(nxt.fail.out) > 0 {
				nxt.out = append(nxt.out, nxt.fail.out...)
			}
			queue = append(queue, nxt)
		}
	}
	return &automaton{root: root}
}

// match reports every Pattern found in text, normalized case-insensitively.
// Matches that land on a letter/digit boundary on either side are discarded
// so that, e.g., "admin" inside "administrator" does not trip the
// privilege-escalation category.
func (a *automaton) match(text string) []*Pattern {
	norm := normalize(text)
	n := a.root
	var hits []*Pattern
	for i := 0; i < len(norm); i++ {
		b := norm[i]
		for n != nil && n.next[b] == nil {
			n = n.fail
		}
		if n == nil {
			n = a.root
			continue
		}
		n = n.next[b]
		if len(n.out) == 0 {
			continue
		}
		for _, p := range n.out {
			needle := normalize(p.Phrase)
			start := i - len(needle) + 1
			if start < 0 {
				continue
			}
			if p.WholeWord && !wordBoundary(norm, start, i) {
				continue
			}
			hits = append(hits, p)
		}
	}
	return hits
}

func normalize(s string) string {
	return strings.ToLower(s)
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '_'
}

func wordBoundary(s string, start, end int) bool {
	if start > 0 && isWordByte(s[start-1]) {
		return false
	}
	if end+1 < len(s) && isWordByte(s[end+1]) {
		return false
	}
	return true
}
