package processor

import (
	"regexp"
	"strings"
)

// TitleRule folds a family of near-duplicate section headers into one
// canonical group key ("Key Insight" and "Key Insights" are one group).
type TitleRule struct {
	Pattern *regexp.Regexp
	Key     string
}

// DefaultTitleRules covers the five section categories chunk summaries
// are prompted to produce. The table is pluggable so new document
// taxonomies can be added without touching the merge engine.
func DefaultTitleRules() []TitleRule {
	return []TitleRule{
		{regexp.MustCompile(`(?i)^(overview|summary|introduction|background)$`), "overview"},
		{regexp.MustCompile(`(?i)^(key\s+insights?|key\s+points?|main\s+ideas?|highlights?)$`), "key insights"},
		{regexp.MustCompile(`(?i)^(risks?|risks?\s*(&|and)\s*concerns?|concerns?|warnings?)$`), "risks"},
		{regexp.MustCompile(`(?i)^(decisions?|action\s+items?|next\s+steps?|recommendations?)$`), "decisions"},
		{regexp.MustCompile(`(?i)^(open\s+questions?|unresolved|questions?)$`), "open questions"},
	}
}

// DefaultCategories is the fixed ordered list the final summary is
// assembled against. Resolved groups match categories by substring
// containment; leftovers backfill; output is capped at five sections.
func DefaultCategories() []string {
	return []string{"overview", "key insights", "risks", "decisions", "open questions"}
}

const minFragmentLen = 20

// Merger combines per-chunk summaries into a single document summary.
type Merger struct {
	rules      []TitleRule
	categories []string
}

func NewMerger(rules []TitleRule, categories []string) *Merger {
	if len(rules) == 0 {
		rules = DefaultTitleRules()
	}
	if len(categories) == 0 {
		categories = DefaultCategories()
	}
	return &Merger{rules: rules, categories: categories}
}

// group accumulates every contribution to one canonical section.
type group struct {
	key         string
	titleCounts map[string]int
	titleOrder  []string
	paragraphs  []string
	seen        map[string]bool
}

// section is a parsed "### Title" block from one chunk summary.
type section struct {
	title string
	body  string
}

// Merge unions the sections of all chunk summaries into at most five
// ordered sections. Returns "" when no summary contributed any usable
// content; callers must treat that as a hard abort, never as a valid
// document summary.
func (m *Merger) Merge(chunkSummaries []string) string {
	groups := make(map[string]*group)
	var order []string

	for _, summary := range chunkSummaries {
		for _, sec := range parseSections(summary) {
			key := m.canonicalKey(sec.title)
			g, ok := groups[key]
			if !ok {
				g = &group{
					key:         key,
					titleCounts: make(map[string]int),
					seen:        make(map[string]bool),
				}
				groups[key] = g
				order = append(order, key)
			}
			if g.titleCounts[sec.title] == 0 {
				g.titleOrder = append(g.titleOrder, sec.title)
			}
			g.titleCounts[sec.title]++

			for _, para := range splitParagraphs(sec.body) {
				if len(para) < minFragmentLen {
					continue
				}
				if g.seen[para] {
					continue
				}
				g.seen[para] = true
				g.paragraphs = append(g.paragraphs, para)
			}
		}
	}

	// Drop groups that collected nothing but fragments.
	var resolved []string
	for _, key := range order {
		if len(groups[key].paragraphs) > 0 {
			resolved = append(resolved, key)
		}
	}
	if len(resolved) == 0 {
		return ""
	}

	picked := m.assemble(groups, resolved)

	var out strings.Builder
	for i, key := range picked {
		g := groups[key]
		if i > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString("### ")
		out.WriteString(g.displayTitle())
		out.WriteString("\n\n")
		out.WriteString(strings.Join(g.paragraphs, "\n\n"))
	}
	return out.String()
}

// assemble matches resolved groups to the ordered category list by
// substring containment, backfills with leftover groups, and caps at
// len(categories) sections.
func (m *Merger) assemble(groups map[string]*group, resolved []string) []string {
	used := make(map[string]bool)
	var picked []string

	for _, cat := range m.categories {
		for _, key := range resolved {
			if used[key] {
				continue
			}
			if strings.Contains(key, cat) || strings.Contains(cat, key) {
				picked = append(picked, key)
				used[key] = true
				break
			}
		}
	}

	for _, key := range resolved {
		if len(picked) >= len(m.categories) {
			break
		}
		if !used[key] {
			picked = append(picked, key)
			used[key] = true
		}
	}

	if len(picked) > len(m.categories) {
		picked = picked[:len(m.categories)]
	}
	return picked
}

func (m *Merger) canonicalKey(title string) string {
	trimmed := strings.TrimSpace(title)
	for _, r := range m.rules {
		if r.Pattern.MatchString(trimmed) {
			return r.Key
		}
	}
	return strings.ToLower(trimmed)
}

// displayTitle picks the most frequent literal title in the group,
// first-seen winning ties.
func (g *group) displayTitle() string {
	best := ""
	bestCount := 0
	for _, t := range g.titleOrder {
		if g.titleCounts[t] > bestCount {
			best = t
			bestCount = g.titleCounts[t]
		}
	}
	return best
}

// parseSections splits a chunk summary into "### Title" sections. Text
// before the first header is treated as an untitled Overview block.
func parseSections(summary string) []section {
	var sections []section
	var current *section
	var body strings.Builder

	flush := func() {
		if current == nil {
			return
		}
		current.body = strings.TrimSpace(body.String())
		if current.body != "" {
			sections = append(sections, *current)
		}
		body.Reset()
		current = nil
	}

	for _, line := range strings.Split(summary, "\n") {
		if title, ok := strings.CutPrefix(strings.TrimSpace(line), "### "); ok {
			flush()
			current = &section{title: strings.TrimSpace(title)}
			continue
		}
		if current == nil {
			if strings.TrimSpace(line) == "" {
				continue
			}
			current = &section{title: "Overview"}
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()

	return sections
}

var paragraphSplit = regexp.MustCompile(`\n\s*\n`)

func splitParagraphs(body string) []string {
	var out []string
	for _, para := range paragraphSplit.Split(body, -1) {
		para = strings.TrimSpace(para)
		if para != "" {
			out = append(out, para)
		}
	}
	return out
}
