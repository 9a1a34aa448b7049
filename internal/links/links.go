// Package links extracts links from wikitext: a pure function yielding
// the four link classes the wiki's syntax distinguishes (page, template,
// file, category). It scans the raw wikitext source, never rendered
// HTML.
package links

import (
	"strings"

	"gitlab.com/wikiarchive/archiver/internal/store"
)

// Extract scans wikitext and returns the set of links it contains, in
// first-encountered order with duplicates and empty targets dropped, since
// (source, target, type) is what storage keys links by. Extraction does
// not recurse: only the outermost "[[...]]" or "{{...}}" span delimits a
// link. Braces or brackets nested inside a target are treated as literal
// characters of that target, never as the start of a further, nested
// link. This is the chosen policy for nested templates.
func Extract(wikitext string) []store.Link {
	var found []store.Link
	seen := map[store.Link]bool{}
	add := func(link store.Link) {
		if link.TargetTitle == "" || seen[link] {
			return
		}
		seen[link] = true
		found = append(found, link)
	}

	runes := []rune(wikitext)
	n := len(runes)

	for i := 0; i < n; {
		switch {
		case i+1 < n && runes[i] == '[' && runes[i+1] == '[':
			end := indexOf(runes, i+2, "]]")
			if end < 0 {
				i++
				continue
			}
			target := string(runes[i+2 : end])
			add(classifyBracketLink(target))
			i = end + 2
		case i+1 < n && runes[i] == '{' && runes[i+1] == '{':
			end := indexOf(runes, i+2, "}}")
			if end < 0 {
				i++
				continue
			}
			name := string(runes[i+2 : end])
			add(store.Link{TargetTitle: normalizeTarget(name), LinkType: store.LinkTemplate})
			i = end + 2
		default:
			i++
		}
	}

	return found
}

// indexOf returns the rune index of the first occurrence of sep in runes at
// or after start, or -1 if absent.
func indexOf(runes []rune, start int, sep string) int {
	sepRunes := []rune(sep)
	for i := start; i+len(sepRunes) <= len(runes); i++ {
		match := true
		for j, r := range sepRunes {
			if runes[i+j] != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// classifyBracketLink distinguishes a "[[...]]" span's namespace prefix
// before falling through to the plain page class: "[[File:...]]" -> file,
// "[[Category:...]]" -> category, everything else -> page.
func classifyBracketLink(raw string) store.Link {
	target := normalizeTarget(raw)
	target = strings.TrimPrefix(target, ":")

	prefix, _, hasColon := strings.Cut(target, ":")
	if hasColon {
		switch strings.ToLower(strings.TrimSpace(prefix)) {
		case "file", "image", "media":
			return store.Link{TargetTitle: target, LinkType: store.LinkFile}
		case "category":
			return store.Link{TargetTitle: target, LinkType: store.LinkCategory}
		}
	}

	return store.Link{TargetTitle: target, LinkType: store.LinkPage}
}

// normalizeTarget strips a piped display text ("[[Target|Display]]") and a
// trailing section fragment ("[[Target#Section]]"), returning only the
// page title being linked to.
func normalizeTarget(raw string) string {
	target, _, _ := strings.Cut(raw, "|")
	target, _, _ = strings.Cut(target, "#")
	return strings.TrimSpace(target)
}
