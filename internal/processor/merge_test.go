package processor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_UnionsDeduplicatedParagraphs(t *testing.T) {
	m := NewMerger(nil, nil)

	a := "### Key Insights\n\nThe launch window moves to Q3 next year.\n\nBudget approval is still pending review."
	b := "### Key Insights\n\nThe launch window moves to Q3 next year.\n\nStaffing for the rollout is now confirmed."

	out := m.Merge([]string{a, b})

	assert.Equal(t, 1, strings.Count(out, "The launch window moves to Q3 next year."))
	assert.Contains(t, out, "Budget approval is still pending review.")
	assert.Contains(t, out, "Staffing for the rollout is now confirmed.")
	assert.Equal(t, 1, strings.Count(out, "### "))
}

func TestMerge_CanonicalizesTitleVariants(t *testing.T) {
	m := NewMerger(nil, nil)

	out := m.Merge([]string{
		"### Summary\n\nThis document covers the migration plan in detail.",
		"### Overview\n\nIt also describes the rollback procedure thoroughly.",
		"### Introduction\n\nAnd it lists the stakeholders who signed off on it.",
	})

	// All three variants fold into one section.
	require.Equal(t, 1, strings.Count(out, "### "))
	assert.Contains(t, out, "migration plan")
	assert.Contains(t, out, "rollback procedure")
	assert.Contains(t, out, "stakeholders")
}

func TestMerge_DisplayTitleMostFrequent(t *testing.T) {
	m := NewMerger(nil, nil)

	out := m.Merge([]string{
		"### Summary\n\nFirst contribution with enough length to keep.",
		"### Overview\n\nSecond contribution with enough length to keep.",
		"### Overview\n\nThird contribution with enough length to keep.",
	})

	assert.True(t, strings.HasPrefix(out, "### Overview\n"))
	assert.NotContains(t, out, "### Summary")
}

func TestMerge_CategoryOrder(t *testing.T) {
	m := NewMerger(nil, nil)

	out := m.Merge([]string{
		"### Open Questions\n\nIs the vendor contract renewable at current rates?",
		"### Risks\n\nThe data migration might exceed the maintenance window.",
		"### Overview\n\nThis plan covers the full datacenter migration effort.",
	})

	overviewAt := strings.Index(out, "### Overview")
	risksAt := strings.Index(out, "### Risks")
	questionsAt := strings.Index(out, "### Open Questions")
	require.True(t, overviewAt >= 0 && risksAt >= 0 && questionsAt >= 0)
	assert.Less(t, overviewAt, risksAt)
	assert.Less(t, risksAt, questionsAt)
}

func TestMerge_PreambleBecomesOverview(t *testing.T) {
	m := NewMerger(nil, nil)

	out := m.Merge([]string{
		"A plain paragraph before any header, long enough to survive.",
	})

	assert.True(t, strings.HasPrefix(out, "### Overview\n"))
	assert.Contains(t, out, "plain paragraph before any header")
}

func TestMerge_DropsShortFragments(t *testing.T) {
	m := NewMerger(nil, nil)

	out := m.Merge([]string{
		"### Risks\n\nOK.\n\nA real risk paragraph that clears the length floor.",
	})

	assert.NotContains(t, out, "OK.")
	assert.Contains(t, out, "length floor")
}

func TestMerge_CapsSectionCount(t *testing.T) {
	m := NewMerger(nil, nil)

	summaries := []string{
		"### Overview\n\nOverview body long enough to keep around here.",
		"### Key Insights\n\nInsights body long enough to keep around here.",
		"### Risks\n\nRisks body long enough to keep around here.",
		"### Decisions\n\nDecisions body long enough to keep around here.",
		"### Open Questions\n\nQuestions body long enough to keep around here.",
		"### Appendix\n\nAppendix body long enough to keep around here.",
		"### Glossary\n\nGlossary body long enough to keep around here.",
	}

	out := m.Merge(summaries)
	assert.Equal(t, 5, strings.Count(out, "### "))
	assert.NotContains(t, out, "Appendix")
	assert.NotContains(t, out, "Glossary")
}

func TestMerge_UnmatchedGroupsBackfill(t *testing.T) {
	m := NewMerger(nil, nil)

	out := m.Merge([]string{
		"### Methodology\n\nThe study used a double-blind protocol throughout.",
		"### Overview\n\nAn overview paragraph long enough to be retained.",
	})

	// Methodology matches no category but there is room left.
	assert.Contains(t, out, "### Methodology")
	assert.Less(t, strings.Index(out, "### Overview"), strings.Index(out, "### Methodology"))
}

func TestMerge_EmptyInputs(t *testing.T) {
	m := NewMerger(nil, nil)

	assert.Equal(t, "", m.Merge(nil))
	assert.Equal(t, "", m.Merge([]string{"", "   ", "\n\n"}))
	// Nothing but fragments below the floor.
	assert.Equal(t, "", m.Merge([]string{"### Risks\n\nshort", "tiny"}))
}
