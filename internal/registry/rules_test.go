package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinrev/cohort-cli/internal/model"
)

const sampleCatalog = `
rules:
  - id: 1
    key: nsaid_no_gastro
    name: NSAID without gastroprotection
    match_sql: SELECT patient_id, start_date, end_date FROM rule_1_matches
  - id: 4
    key: triple_whammy
    name: ACE inhibitor + diuretic + NSAID
    match_sql: SELECT patient_id, start_date, end_date FROM rule_4_matches
  - id: 9
    key: long_term_benzo
    name: Long-term benzodiazepine use
    match_sql: SELECT patient_id, start_date, end_date FROM rule_9_matches
`

func TestParseCatalog(t *testing.T) {
	c, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []model.RuleID{1, 4, 9}, c.IDs())

	def, ok := c.Rule(4)
	require.True(t, ok)
	assert.Equal(t, "triple_whammy", def.Key)
	assert.Contains(t, def.MatchSQL, "rule_4_matches")

	_, ok = c.Rule(99)
	assert.False(t, ok)
}

func TestParseCatalog_PreservesOrder(t *testing.T) {
	c, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)

	rules := c.Rules()
	require.Len(t, rules, 3)
	assert.Equal(t, model.RuleID(1), rules[0].ID)
	assert.Equal(t, model.RuleID(4), rules[1].ID)
	assert.Equal(t, model.RuleID(9), rules[2].ID)
}

func TestParseCatalog_InvalidID(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - id: 0
    key: bad
    match_sql: SELECT 1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid rule id")
}

func TestParseCatalog_MissingSQL(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - id: 2
    key: no_sql
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing match_sql")
}

func TestParseCatalog_DuplicateID(t *testing.T) {
	_, err := Parse([]byte(`
rules:
  - id: 3
    key: a
    match_sql: SELECT 1
  - id: 3
    key: b
    match_sql: SELECT 2
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rule id")
}

func TestParseCatalog_BadYAML(t *testing.T) {
	_, err := Parse([]byte("rules: ["))
	assert.Error(t, err)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())
}

func TestLoadCatalog_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
