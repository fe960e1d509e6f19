// Package lang implements the language registry: Accept-Language parsing,
// preference ordering, and fallback chains used when selecting displays and
// designations.
package lang

import (
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

// Languages is an ordered preference list of language tags, strongest first.
type Languages []string

// Parse parses an Accept-Language header (or a comma-separated tag list) into
// an ordered preference list. Quality values are honoured; malformed entries
// are skipped. The wildcard "*" is dropped since it adds no selection
// information.
func Parse(header string) Languages {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	type weighted struct {
		tag string
		q   float64
		pos int
	}
	var entries []weighted
	for i, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tag := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx >= 0 {
			tag = strings.TrimSpace(part[:idx])
			for _, p := range strings.Split(part[idx+1:], ";") {
				p = strings.TrimSpace(p)
				if strings.HasPrefix(p, "q=") {
					if v, err := strconv.ParseFloat(p[2:], 64); err == nil {
						q = v
					}
				}
			}
		}
		if tag == "" || tag == "*" {
			continue
		}
		if _, err := language.Parse(tag); err != nil {
			continue
		}
		entries = append(entries, weighted{tag: tag, q: q, pos: i})
	}
	sort.SliceStable(entries, func(a, b int) bool {
		if entries[a].q != entries[b].q {
			return entries[a].q > entries[b].q
		}
		return entries[a].pos < entries[b].pos
	})
	out := make(Languages, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.tag)
	}
	return out
}

// New builds a preference list from explicit tags, skipping malformed ones.
func New(tags ...string) Languages {
	var out Languages
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, err := language.Parse(t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Expand returns the fallback chain for the preference list: each tag followed
// by its ancestors (de-CH → de), without duplicates, preserving order.
func (l Languages) Expand() Languages {
	var out Languages
	seen := map[string]bool{}
	add := func(tag string) {
		key := strings.ToLower(tag)
		if !seen[key] {
			seen[key] = true
			out = append(out, tag)
		}
	}
	for _, t := range l {
		add(t)
		tag, err := language.Parse(t)
		if err != nil {
			continue
		}
		for {
			tag = tag.Parent()
			if tag == language.Und {
				break
			}
			add(tag.String())
		}
	}
	return out
}

// Matches reports whether candidate satisfies any preference in the list.
// A regioned preference (de-CH) accepts an exact region match or a bare
// primary-language candidate; a bare preference (es) accepts any variant.
func (l Languages) Matches(candidate string) bool {
	if candidate == "" {
		return false
	}
	cand, err := language.Parse(candidate)
	if err != nil {
		return false
	}
	cb, _ := cand.Base()
	cr, crConf := cand.Region()
	for _, pref := range l {
		p, err := language.Parse(pref)
		if err != nil {
			continue
		}
		pb, _ := p.Base()
		if pb != cb {
			continue
		}
		pr, prConf := p.Region()
		// No region on either side, or on the preference: base match is enough.
		if prConf == language.No {
			return true
		}
		// Preference has a region: candidate must either lack one or agree.
		if crConf == language.No || pr == cr {
			return true
		}
	}
	return false
}

// IsEmpty reports whether no preferences are present.
func (l Languages) IsEmpty() bool { return len(l) == 0 }

// String renders the preference list as a comma-joined header value.
func (l Languages) String() string { return strings.Join(l, ", ") }
