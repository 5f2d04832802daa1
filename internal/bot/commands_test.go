package bot

import (
	"testing"

	"realm-steward/internal/quota"

	"github.com/stretchr/testify/require"
)

const (
	alice = "111111111111111111"
	bob   = "222222222222222222"
	carol = "333333333333333333"
)

func TestParseCommand(t *testing.T) {
	name, args, ok := parseCommand("!", "  !LogRuns general 1 0 <@111111111111111111>")
	require.True(t, ok)
	require.Equal(t, "logruns", name)
	require.Equal(t, []string{"general", "1", "0", "<@111111111111111111>"}, args)

	_, _, ok = parseCommand("!", "hello there")
	require.False(t, ok)
	_, _, ok = parseCommand("!", "!   ")
	require.False(t, ok)
}

func TestParseMentions(t *testing.T) {
	id, ok := parseUserID("<@!" + alice + ">")
	require.True(t, ok)
	require.Equal(t, alice, id)

	id, ok = parseRoleID("<@&" + bob + ">")
	require.True(t, ok)
	require.Equal(t, bob, id)

	id, ok = parseChannelID("<#" + carol + ">")
	require.True(t, ok)
	require.Equal(t, carol, id)

	_, ok = parseUserID("<@12>")
	require.False(t, ok)
	_, ok = parseUserID("someone")
	require.False(t, ok)
}

func TestParseSingleContribution(t *testing.T) {
	batch, err := parseSingleContribution("logassist", []string{"eg", "2", "<@" + alice + ">", bob})
	require.NoError(t, err)
	require.Equal(t, quota.Batch{
		quota.Endgame: {Assists: quota.Assists{Members: []string{alice, bob}, Count: 2}},
	}, batch)

	batch, err = parseSingleContribution("logfail", []string{"general", "1", alice})
	require.NoError(t, err)
	require.Equal(t, 1, batch[quota.General].Main.Failed)

	_, err = parseSingleContribution("logmain", []string{"nowhere", "1", alice})
	require.ErrorIs(t, err, errUsage)
	_, err = parseSingleContribution("logmain", []string{"general", "-1", alice})
	require.ErrorIs(t, err, errUsage)
	_, err = parseSingleContribution("logmain", []string{"general", "1"})
	require.ErrorIs(t, err, errUsage)
}

func TestParseRunsBatch(t *testing.T) {
	args := []string{
		"general", "3", "1", alice, "assists", "2", bob, carol + ";",
		"rc", "1", "0", bob,
	}
	batch, err := parseRunsBatch(args)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, quota.Contribution{
		Main:    quota.Main{Members: []string{alice}, Completed: 3, Failed: 1},
		Assists: quota.Assists{Members: []string{bob, carol}, Count: 2},
	}, batch[quota.General])
	require.Equal(t, []string{bob}, batch[quota.RealmClearing].Main.Members)

	_, err = parseRunsBatch([]string{"general", "1", "0", alice, ";", "g", "1", "0", bob})
	require.ErrorIs(t, err, errUsage)

	_, err = parseRunsBatch([]string{"general", "1", "0", alice, "-a", "2"})
	require.ErrorIs(t, err, errUsage)

	_, err = parseRunsBatch(nil)
	require.ErrorIs(t, err, errUsage)
}

func TestSplitSections(t *testing.T) {
	sections := splitSections([]string{"a", "b;c", ";", "d;", "e"})
	require.Equal(t, [][]string{{"a", "b"}, {"c"}, {"d"}, {"e"}}, sections)
}

func TestParseMuteArgs(t *testing.T) {
	parsed, err := parseMuteArgs([]string{"<@" + alice + ">", "-t", "30m", "-r", "spamming", "-t", "links"})
	require.NoError(t, err)
	require.Equal(t, muteArgs{userID: alice, duration: "30m", reason: "spamming -t links"}, parsed)

	parsed, err = parseMuteArgs([]string{alice})
	require.NoError(t, err)
	require.Empty(t, parsed.duration)

	_, err = parseMuteArgs([]string{alice, "-t"})
	require.ErrorIs(t, err, errUsage)
}

func TestParseSuspendArgs(t *testing.T) {
	parsed, err := parseSuspendArgs([]string{alice, "5d", "broke", "rules"})
	require.NoError(t, err)
	require.Equal(t, muteArgs{userID: alice, duration: "5d", reason: "broke rules"}, parsed)

	_, err = parseSuspendArgs([]string{alice, "5d"})
	require.ErrorIs(t, err, errUsage)
}
