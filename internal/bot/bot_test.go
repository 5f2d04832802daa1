package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"realm-steward/internal/config"
	"realm-steward/internal/punish"
	"realm-steward/internal/storage"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testGuild     = "900000000000000001"
	mutedRole     = "900000000000000010"
	suspendedRole = "900000000000000011"
)

type roleLoss struct {
	kind   punish.Kind
	userID string
}

type fakePunisher struct {
	mu        sync.Mutex
	lost      []roleLoss
	deleted   []punish.Kind
	scheduler *punish.Scheduler
}

func (p *fakePunisher) Issue(context.Context, punish.IssueRequest) (punish.Result, error) {
	return punish.Result{}, nil
}

func (p *fakePunisher) Lift(context.Context, punish.Kind, string, string, string) (punish.Result, error) {
	return punish.Result{}, nil
}

func (p *fakePunisher) HandleRoleLost(_ context.Context, kind punish.Kind, _, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lost = append(p.lost, roleLoss{kind: kind, userID: userID})
	return nil
}

func (p *fakePunisher) HandleRoleDeleted(_ context.Context, kind punish.Kind, _ string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, kind)
	return 1, nil
}

func (p *fakePunisher) Recover(context.Context) (punish.RecoveryStats, error) {
	return punish.RecoveryStats{}, nil
}

func (p *fakePunisher) Scheduler() *punish.Scheduler {
	return p.scheduler
}

type fakeGuilds struct {
	guild   *discordgo.Guild
	members map[string]*discordgo.Member
}

func (g *fakeGuilds) Guild(string) (*discordgo.Guild, error) {
	if g.guild == nil {
		return nil, errors.New("guild unavailable")
	}
	return g.guild, nil
}

func (g *fakeGuilds) Member(_, userID string) (*discordgo.Member, error) {
	member, ok := g.members[userID]
	if !ok {
		return nil, errors.New("unknown member")
	}
	return member, nil
}

func newTestBot(t *testing.T) (*Bot, *fakePunisher, *storage.Store) {
	t.Helper()
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate())
	require.NoError(t, store.UpsertGuildSettings(context.Background(), storage.GuildSettings{
		GuildID:         testGuild,
		MutedRoleID:     mutedRole,
		SuspendedRoleID: suspendedRole,
	}))

	punisher := &fakePunisher{scheduler: punish.NewScheduler()}
	b := &Bot{
		cfg:       config.DefaultConfig(),
		logger:    zap.NewNop(),
		store:     store,
		guilds:    &fakeGuilds{},
		punish:    punisher,
		modLogAgg: make(map[string]*modLogAggregate),
	}
	return b, punisher, store
}

func memberUpdate(userID string, before []string, after ...string) *discordgo.GuildMemberUpdate {
	event := &discordgo.GuildMemberUpdate{
		Member: &discordgo.Member{GuildID: testGuild, User: &discordgo.User{ID: userID}, Roles: after},
	}
	if before != nil {
		event.BeforeUpdate = &discordgo.Member{GuildID: testGuild, User: &discordgo.User{ID: userID}, Roles: before}
	}
	return event
}

func TestMemberUpdateReportsRemovedPunishmentRole(t *testing.T) {
	b, punisher, _ := newTestBot(t)

	b.onGuildMemberUpdate(nil, memberUpdate("u1", []string{mutedRole, "A"}, "A"))
	require.Equal(t, []roleLoss{{kind: punish.KindMute, userID: "u1"}}, punisher.lost)
}

func TestMemberUpdateIgnoresUnchangedRoles(t *testing.T) {
	b, punisher, _ := newTestBot(t)

	b.onGuildMemberUpdate(nil, memberUpdate("u1", []string{"A"}, "A", "B"))
	b.onGuildMemberUpdate(nil, memberUpdate("u1", []string{suspendedRole}, suspendedRole, mutedRole))
	require.Empty(t, punisher.lost)
}

func TestMemberUpdateWithoutCachedMemberChecksEveryMissingRole(t *testing.T) {
	b, punisher, _ := newTestBot(t)

	b.onGuildMemberUpdate(nil, memberUpdate("u1", nil, suspendedRole))
	require.Equal(t, []roleLoss{{kind: punish.KindMute, userID: "u1"}}, punisher.lost)

	punisher.lost = nil
	b.onGuildMemberUpdate(nil, memberUpdate("u2", nil))
	require.Equal(t, []roleLoss{
		{kind: punish.KindMute, userID: "u2"},
		{kind: punish.KindSuspension, userID: "u2"},
	}, punisher.lost)
}

func TestRoleDeleteClearsMatchingSetting(t *testing.T) {
	b, punisher, store := newTestBot(t)
	ctx := context.Background()

	b.onRoleDelete(nil, &discordgo.GuildRoleDelete{GuildID: testGuild, RoleID: "unrelated"})
	require.Empty(t, punisher.deleted)

	b.onRoleDelete(nil, &discordgo.GuildRoleDelete{GuildID: testGuild, RoleID: suspendedRole})
	require.Equal(t, []punish.Kind{punish.KindSuspension}, punisher.deleted)

	settings, err := store.GetGuildSettings(ctx, testGuild, storage.GuildSettings{GuildID: testGuild})
	require.NoError(t, err)
	require.Empty(t, settings.SuspendedRoleID)
	require.Equal(t, mutedRole, settings.MutedRoleID)
}

func TestCanModerateFailsClosed(t *testing.T) {
	b, _, _ := newTestBot(t)
	require.False(t, b.canModerate(testGuild, "mod", "target"))
}

func TestCanModerateComparesRoleHierarchy(t *testing.T) {
	b, _, _ := newTestBot(t)
	b.guilds = &fakeGuilds{
		guild: &discordgo.Guild{
			ID:      testGuild,
			OwnerID: "owner",
			Roles: []*discordgo.Role{
				{ID: "staff", Position: 5},
				{ID: "helper", Position: 3},
			},
		},
		members: map[string]*discordgo.Member{
			"mod":    {Roles: []string{"staff"}},
			"helper": {Roles: []string{"helper"}},
			"peer":   {Roles: []string{"staff"}},
			"owner":  {},
		},
	}

	require.True(t, b.canModerate(testGuild, "mod", "helper"))
	require.True(t, b.canModerate(testGuild, "mod", "stranger"))
	require.False(t, b.canModerate(testGuild, "mod", "peer"))
	require.False(t, b.canModerate(testGuild, "helper", "mod"))
	require.False(t, b.canModerate(testGuild, "mod", "owner"))
	require.False(t, b.canModerate(testGuild, "mod", "mod"))
	require.True(t, b.canModerate(testGuild, "owner", "mod"))
	require.False(t, b.canModerate(testGuild, "ghost", "helper"))
}

func TestCloseStopsTimersWithinDeadline(t *testing.T) {
	b, punisher, _ := newTestBot(t)
	session, err := discordgo.New("Bot test")
	require.NoError(t, err)
	b.session = session
	require.NoError(t, punisher.scheduler.Schedule(punish.KindMute, testGuild, "u1", time.Hour, func() {}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Close(ctx)
	require.Zero(t, punisher.scheduler.Len())
}
