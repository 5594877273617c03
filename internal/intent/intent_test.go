package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtractsModifiers(t *testing.T) {
	p := Parse("login bug +owner:alice +limit:10 +format:summary")
	assert.Equal(t, "alice", p.Interpreted.People.Owner)
	assert.Equal(t, 10, p.Interpreted.Limit)
	assert.Equal(t, FormatSummary, p.Interpreted.Output.Format)
	assert.Contains(t, p.Interpreted.Content, "login")
	assert.Contains(t, p.Interpreted.Content, "bug")
	assert.Empty(t, p.ValidationErrors)
}

func TestParseRejectsOutOfRangeLimit(t *testing.T) {
	p := Parse("+limit:5000")
	require.NotEmpty(t, p.ValidationErrors)
	assert.Equal(t, "limit", p.ValidationErrors[0].Field)
}

func TestParseRejectsInvertedTimeRange(t *testing.T) {
	p := Parse("+since:2026-05-01 +until:2026-01-01")
	found := false
	for _, e := range p.ValidationErrors {
		if e.Field == "time" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestParseRejectsUnrecognizedSortWithoutPanicking(t *testing.T) {
	assert.NotPanics(t, func() {
		p := Parse("+sort:alphabetical")
		assert.NotEmpty(t, p.ValidationErrors)
	})
}

func TestParsePriorityMapsToScoreWindow(t *testing.T) {
	p := Parse("+priority:critical")
	require.NotNil(t, p.Interpreted.Score)
	assert.Equal(t, 0.8, p.Interpreted.Score.Min)
}

func TestParseNaturalLanguageTimePhrase(t *testing.T) {
	p := Parse("last 3 days")
	assert.Equal(t, "3d", p.Interpreted.Time.Last)
}

func TestParseOwnerFromAtMention(t *testing.T) {
	p := Parse("work assigned to @bob this week")
	assert.Equal(t, "bob", p.Interpreted.People.Owner)
}

func TestParseOwnerFromPossessive(t *testing.T) {
	p := Parse("carol's work")
	assert.Equal(t, "carol", p.Interpreted.People.Owner)
}

func TestTemplateDailyStandup(t *testing.T) {
	p := Parse("standup")
	assert.Equal(t, "24h", p.Interpreted.Time.Last)
	assert.Equal(t, GroupFrame, p.Interpreted.Output.GroupBy)
}

func TestTemplateDailyStandupForNamedOwner(t *testing.T) {
	p := Parse("standup for alice")
	assert.Equal(t, "24h", p.Interpreted.Time.Last)
	assert.Equal(t, "alice", p.Interpreted.People.Owner)
	assert.Equal(t, GroupFrame, p.Interpreted.Output.GroupBy)
	assert.Empty(t, p.ValidationErrors)
}

func TestTemplateSecurityAudit(t *testing.T) {
	p := Parse("security audit")
	assert.Contains(t, p.Interpreted.Content, "vulnerability")
}

func TestSynonymExpansionCoversAuthFamily(t *testing.T) {
	p := Parse("+topic:auth")
	assert.Contains(t, p.Expanded.Content, "oauth")
	assert.Contains(t, p.Expanded.Content, "jwt")
	assert.Contains(t, p.Expanded.Content, "auth")
}

func TestTopicPluralNormalization(t *testing.T) {
	p := Parse("open bugs")
	assert.Contains(t, p.Interpreted.Content, "bug")
}

func TestFormatQueryRoundTripIsStable(t *testing.T) {
	p1 := Parse("+owner:alice +limit:10 +format:summary")
	q2 := FormatQuery(p1.Interpreted)
	p2 := Parse(q2)
	assert.Equal(t, p1.Interpreted.People.Owner, p2.Interpreted.People.Owner)
	assert.Equal(t, p1.Interpreted.Limit, p2.Interpreted.Limit)
	assert.Equal(t, p1.Interpreted.Output.Format, p2.Interpreted.Output.Format)
}

func TestFormatQueryIsIdempotentUnderReparse(t *testing.T) {
	original := Parse("+owner:alice +team:core +limit:25")
	once := FormatQuery(original.Interpreted)
	reparsed := Parse(once)
	twice := FormatQuery(reparsed.Interpreted)
	assert.Equal(t, once, twice)
}

func TestUnrecognizedModifierKeyBecomesContentNotError(t *testing.T) {
	p := Parse("+color:blue")
	assert.Empty(t, p.ValidationErrors)
	assert.Contains(t, p.Interpreted.Content, "color:blue")
}
