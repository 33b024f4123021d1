package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Re-serializing a parsed rule set and parsing the output must yield the
// identical rule list, with every sigil in canonical "@" form.
func TestRuleSerializeReparseRoundTrip(t *testing.T) {
	const text = `
# comment lines and blanks are dropped
test.Svc work-web vault ask default_target=vault
test.Svc $tag:work $dispvm:$tag:dvm-base allow user=operator
test.Svc @type:AppVM @default allow target=@dispvm
test.Svc $anyvm $anyvm deny
other.Svc+arg dom0 @adminvm allow
`
	e := NewEngine()
	require.NoError(t, e.LoadString(text))
	first := e.Rules()
	require.Len(t, first, 5)

	var lines []string
	for _, r := range first {
		lines = append(lines, r.String())
	}
	reserialized := strings.Join(lines, "\n")
	require.NotContains(t, reserialized, "$", "output is always canonical @-form")

	e2 := NewEngine()
	require.NoError(t, e2.LoadString(reserialized))
	require.Equal(t, first, e2.Rules())
}

func TestLegacyCommaJoinedOptionsAccepted(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadString("test.Svc work-web vault allow,target=other-vm,user=root"))

	rules := e.Rules()
	require.Len(t, rules, 1)
	require.Equal(t, ActionAllow, rules[0].Action)
	require.Equal(t, "other-vm", rules[0].Target)
	require.Equal(t, "root", rules[0].User)
}

func TestDenyRejectsExecutionOptions(t *testing.T) {
	e := NewEngine()
	require.Error(t, e.LoadString("test.Svc work-web vault deny,target=other-vm"))
	require.Error(t, e.LoadString("test.Svc work-web vault deny user=root"))
	require.NoError(t, e.LoadString("test.Svc work-web vault deny"))
}

func TestBothSigilSpellingsParseIdentically(t *testing.T) {
	legacy := NewEngine()
	require.NoError(t, legacy.LoadString("test.Svc $tag:work $dispvm allow"))

	current := NewEngine()
	require.NoError(t, current.LoadString("test.Svc @tag:work @dispvm allow"))

	require.Equal(t, legacy.Rules(), current.Rules())
}
