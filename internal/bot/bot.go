package bot

import (
	"context"
	"strings"
	"sync"

	"realm-steward/internal/config"
	"realm-steward/internal/modules/audit"
	"realm-steward/internal/punish"
	"realm-steward/internal/quota"
	"realm-steward/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// punisher is the slice of the punishment lifecycle the gateway drives.
type punisher interface {
	Issue(ctx context.Context, req punish.IssueRequest) (punish.Result, error)
	Lift(ctx context.Context, kind punish.Kind, guildID, userID, moderatorID string) (punish.Result, error)
	HandleRoleLost(ctx context.Context, kind punish.Kind, guildID, userID string) error
	HandleRoleDeleted(ctx context.Context, kind punish.Kind, guildID string) (int, error)
	Recover(ctx context.Context) (punish.RecoveryStats, error)
	Scheduler() *punish.Scheduler
}

type Bot struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *storage.Store
	audit     *audit.Logger
	session   *discordgo.Session
	guilds    guildLookup
	quota     *quota.Aggregator
	punish    punisher
	recovered sync.Once
	modLogMu  sync.Mutex
	modLogAgg map[string]*modLogAggregate
}

type modLogAggregate struct {
	channelID string
	messageID string
	count     int
}

func New(cfg config.Config, logger *zap.Logger, store *storage.Store, auditLogger *audit.Logger, scheduler *punish.Scheduler) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent

	b := &Bot{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		audit:     auditLogger,
		session:   session,
		guilds:    &sessionLookup{session: session},
		modLogAgg: make(map[string]*modLogAggregate),
	}

	b.quota = quota.NewAggregator(store, &boardPublisher{session: session, colors: cfg.Notifications.EmbedColors, lines: cfg.Quota.LeaderboardLines}, b.quotaChannel, logger)
	service := punish.NewService(store, &roleActuator{session: session}, b.punishmentRole, scheduler, auditLogger, logger, punish.Options{
		RestoreConcurrency: cfg.Moderation.RestoreConcurrency,
	})
	service.SetNotifier(&punishNotifier{bot: b})
	b.punish = service
	if b.audit != nil {
		b.audit.SetNotifier(b.notifyAudit)
	}

	return b, nil
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onGuildMemberUpdate)
	b.session.AddHandler(b.onRoleDelete)

	return b.session.Open()
}

// Close disarms every punishment timer before the gateway goes away. The
// persisted deadlines bring them back on the next start. Closing the
// websocket is abandoned once ctx is done.
func (b *Bot) Close(ctx context.Context) {
	b.punish.Scheduler().Stop()
	if b.session == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.session.Close(); err != nil {
			b.logger.Warn("discord session close failed", zap.Error(err))
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("discord session close timed out", zap.Error(ctx.Err()))
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready", zap.String("user", event.User.Username), zap.Int("guilds", len(event.Guilds)))
	b.recovered.Do(func() {
		stats, err := b.punish.Recover(context.Background())
		if err != nil {
			b.logger.Error("punishment recovery failed", zap.Error(err))
			return
		}
		b.logger.Info("punishment recovery finished", zap.Int("expired", stats.Expired), zap.Int("scheduled", stats.Scheduled))
	})
}

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil || msg.Author.Bot {
		return
	}
	if msg.GuildID == "" {
		return
	}

	name, args, ok := parseCommand(b.cfg.Prefix, msg.Content)
	if !ok {
		return
	}
	b.handleCommand(context.Background(), msg, name, args)
}

// onGuildMemberUpdate notices punishment roles removed by someone else.
// Members missing from the state cache arrive without BeforeUpdate, so any
// punishment role absent from the new role list is checked against the
// store instead.
func (b *Bot) onGuildMemberUpdate(session *discordgo.Session, event *discordgo.GuildMemberUpdate) {
	if event.Member == nil || event.User == nil {
		return
	}
	ctx := context.Background()
	for _, kind := range []punish.Kind{punish.KindMute, punish.KindSuspension} {
		roleID, err := b.punishmentRole(ctx, event.GuildID, kind)
		if err != nil {
			continue
		}
		if hasString(event.Roles, roleID) {
			continue
		}
		if event.BeforeUpdate != nil && !hasString(event.BeforeUpdate.Roles, roleID) {
			continue
		}
		if err := b.punish.HandleRoleLost(ctx, kind, event.GuildID, event.User.ID); err != nil {
			b.logger.Warn("role loss bookkeeping failed",
				zap.String("guild_id", event.GuildID),
				zap.String("user_id", event.User.ID),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
	}
}

func (b *Bot) onRoleDelete(session *discordgo.Session, event *discordgo.GuildRoleDelete) {
	if event.GuildID == "" {
		return
	}
	ctx := context.Background()
	settings := b.guildSettings(ctx, event.GuildID)
	for kind, roleID := range map[punish.Kind]string{
		punish.KindMute:       settings.MutedRoleID,
		punish.KindSuspension: settings.SuspendedRoleID,
	} {
		if roleID == "" || roleID != event.RoleID {
			continue
		}
		removed, err := b.punish.HandleRoleDeleted(ctx, kind, event.GuildID)
		if err != nil {
			b.logger.Error("role deletion cleanup failed", zap.String("guild_id", event.GuildID), zap.String("kind", string(kind)), zap.Error(err))
			continue
		}
		b.logger.Info("punishment role deleted", zap.String("guild_id", event.GuildID), zap.String("kind", string(kind)), zap.Int("cleared", removed))

		if kind == punish.KindMute {
			settings.MutedRoleID = ""
		} else {
			settings.SuspendedRoleID = ""
		}
		if err := b.store.UpsertGuildSettings(ctx, settings); err != nil {
			b.logger.Warn("clear deleted role failed", zap.String("guild_id", event.GuildID), zap.Error(err))
		}
	}
}

func (b *Bot) guildSettings(ctx context.Context, guildID string) storage.GuildSettings {
	defaults := storage.GuildSettings{
		GuildID:         guildID,
		MutedRoleID:     b.cfg.Moderation.MutedRoleID,
		SuspendedRoleID: b.cfg.Moderation.SuspendedRoleID,
		QuotaChannelID:  b.cfg.Quota.DefaultChannelID,
		ModLogChannelID: b.cfg.Moderation.ModLogChannelID,
	}

	settings, err := b.store.GetGuildSettings(ctx, guildID, defaults)
	if err != nil {
		b.logger.Warn("guild settings fallback", zap.Error(err))
		return defaults
	}
	return settings
}

func (b *Bot) quotaChannel(ctx context.Context, guildID string) (string, error) {
	return b.guildSettings(ctx, guildID).QuotaChannelID, nil
}

// punishmentRole resolves the configured role of a kind, falling back to a
// guild role with the configured name.
func (b *Bot) punishmentRole(ctx context.Context, guildID string, kind punish.Kind) (string, error) {
	settings := b.guildSettings(ctx, guildID)
	name := b.cfg.Moderation.MutedRoleName
	roleID := settings.MutedRoleID
	if kind == punish.KindSuspension {
		name = b.cfg.Moderation.SuspendedRoleName
		roleID = settings.SuspendedRoleID
	}
	if roleID != "" {
		return roleID, nil
	}

	roles, err := b.guildRoles(guildID)
	if err != nil {
		return "", err
	}
	for _, role := range roles {
		if !strings.EqualFold(role.Name, name) {
			continue
		}
		// remember the id so a later deletion of the role can be matched
		if kind == punish.KindSuspension {
			settings.SuspendedRoleID = role.ID
		} else {
			settings.MutedRoleID = role.ID
		}
		if err := b.store.UpsertGuildSettings(ctx, settings); err != nil {
			b.logger.Warn("persist punishment role failed", zap.String("guild_id", guildID), zap.Error(err))
		}
		return role.ID, nil
	}
	return "", punish.ErrRoleNotConfigured
}

func (b *Bot) guildRoles(guildID string) ([]*discordgo.Role, error) {
	guild, err := b.guilds.Guild(guildID)
	if err != nil {
		return nil, err
	}
	return guild.Roles, nil
}

func (b *Bot) memberForUser(guildID, userID string) *discordgo.Member {
	member, err := b.guilds.Member(guildID, userID)
	if err != nil {
		return nil
	}
	return member
}

// guildLookup reads guilds and members for permission decisions.
type guildLookup interface {
	Guild(guildID string) (*discordgo.Guild, error)
	Member(guildID, userID string) (*discordgo.Member, error)
}

// sessionLookup prefers the state cache and falls back to REST.
type sessionLookup struct {
	session *discordgo.Session
}

func (l *sessionLookup) Guild(guildID string) (*discordgo.Guild, error) {
	if guild, err := l.session.State.Guild(guildID); err == nil && guild != nil && len(guild.Roles) > 0 {
		return guild, nil
	}
	guild, err := l.session.Guild(guildID)
	if err != nil {
		return nil, err
	}
	if guild == nil {
		return nil, discordgo.ErrStateNotFound
	}
	return guild, nil
}

func (l *sessionLookup) Member(guildID, userID string) (*discordgo.Member, error) {
	if member, err := l.session.State.Member(guildID, userID); err == nil && member != nil {
		return member, nil
	}
	member, err := l.session.GuildMember(guildID, userID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, discordgo.ErrStateNotFound
	}
	return member, nil
}

func hasString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
