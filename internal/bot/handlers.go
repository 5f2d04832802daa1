package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"realm-steward/internal/modules/audit"
	"realm-steward/internal/punish"
	"realm-steward/internal/quota"
	"realm-steward/internal/storage"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (b *Bot) handleCommand(ctx context.Context, msg *discordgo.MessageCreate, name string, args []string) {
	switch name {
	case "logruns", "logmain", "logassist", "logfail":
		if !b.requirePermission(msg, discordgo.PermissionManageMessages) {
			return
		}
		b.handleLogCommand(ctx, msg, name, args)
	case "resetquota":
		if !b.requirePermission(msg, discordgo.PermissionManageServer) {
			return
		}
		b.handleResetQuota(ctx, msg)
	case "leaderboard":
		b.handleLeaderboard(ctx, msg)
	case "stats":
		b.handleStats(ctx, msg, args)
	case "mute", "suspend":
		if !b.requirePermission(msg, discordgo.PermissionManageRoles) {
			return
		}
		b.handleIssue(ctx, msg, name, args)
	case "unmute", "unsuspend":
		if !b.requirePermission(msg, discordgo.PermissionManageRoles) {
			return
		}
		b.handleLift(ctx, msg, name, args)
	case "setup":
		if !b.requirePermission(msg, discordgo.PermissionManageServer) {
			return
		}
		b.handleSetup(ctx, msg, args)
	}
}

func (b *Bot) handleLogCommand(ctx context.Context, msg *discordgo.MessageCreate, name string, args []string) {
	var (
		batch quota.Batch
		err   error
	)
	if name == "logruns" {
		batch, err = parseRunsBatch(args)
	} else {
		batch, err = parseSingleContribution(name, args)
	}
	if err != nil {
		b.replyError(msg, "Run logging", err)
		return
	}

	board, err := b.quota.LogContribution(ctx, msg.GuildID, batch)
	if err != nil {
		b.logger.Warn("log contribution failed", zap.String("guild_id", msg.GuildID), zap.Error(err))
		b.replyError(msg, "Run logging", err)
		return
	}

	b.audit.Log(ctx, audit.LevelInfo, msg.GuildID, msg.Author.ID, name, fmt.Sprintf("members=%d", len(batch.Members())))
	b.reply(msg, b.commandEmbed("Runs logged",
		fmt.Sprintf("Logged for %d member(s). %d on the leaderboard.", len(batch.Members()), len(board.Entries)),
		b.cfg.Notifications.EmbedColors.Leaderboard, nil))
}

func (b *Bot) handleResetQuota(ctx context.Context, msg *discordgo.MessageCreate) {
	if _, err := b.quota.Reset(ctx, msg.GuildID); err != nil {
		b.logger.Warn("quota reset failed", zap.String("guild_id", msg.GuildID), zap.Error(err))
		b.replyError(msg, "Quota reset", err)
		return
	}
	b.audit.Log(ctx, audit.LevelWarn, msg.GuildID, msg.Author.ID, "quota_reset", "period advanced")
	b.reply(msg, b.commandEmbed("Quota reset", "Counters cleared and a new period started.", b.cfg.Notifications.EmbedColors.Leaderboard, nil))
}

func (b *Bot) handleLeaderboard(ctx context.Context, msg *discordgo.MessageCreate) {
	board, err := b.quota.Board(ctx, msg.GuildID)
	if err != nil {
		b.replyError(msg, "Leaderboard", err)
		return
	}
	b.reply(msg, buildBoardEmbed(board, b.cfg.Notifications.EmbedColors.Leaderboard, b.cfg.Quota.LeaderboardLines))
}

func (b *Bot) handleStats(ctx context.Context, msg *discordgo.MessageCreate, args []string) {
	userID := msg.Author.ID
	if len(args) > 0 {
		id, ok := parseUserID(args[0])
		if !ok {
			b.replyError(msg, "Stats", fmt.Errorf("%w: stats [@member]", errUsage))
			return
		}
		userID = id
	}

	profile, err := b.quota.Profile(ctx, msg.GuildID, userID)
	if err != nil {
		b.replyError(msg, "Stats", err)
		return
	}
	fields := make([]*discordgo.MessageEmbedField, 0, len(quota.Categories))
	for _, category := range quota.Categories {
		counts := profile.Counts(category)
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   category.Label(),
			Value:  fmt.Sprintf("Completed %d\nFailed %d\nAssists %d", counts.Completed, counts.Failed, counts.Assists),
			Inline: true,
		})
	}
	b.reply(msg, b.commandEmbed("Lifetime runs", fmt.Sprintf("<@%s> · %d total", userID, profile.Total()), b.cfg.Notifications.EmbedColors.Leaderboard, fields))
}

func (b *Bot) handleIssue(ctx context.Context, msg *discordgo.MessageCreate, name string, args []string) {
	title := "Mute"
	kind := punish.KindMute
	parsed, err := parseMuteArgs(args)
	if name == "suspend" {
		title = "Suspension"
		kind = punish.KindSuspension
		parsed, err = parseSuspendArgs(args)
	}
	if err != nil {
		b.replyError(msg, title, err)
		return
	}

	durationMs := punish.Indefinite
	if parsed.duration != "" {
		durationMs, _ = punish.ParseDuration(parsed.duration)
		if kind == punish.KindSuspension && durationMs == punish.Indefinite && !strings.EqualFold(parsed.duration, "perm") {
			b.replyError(msg, title, fmt.Errorf("%w: %q is not a duration (5d, 17h, 30m, 45s or perm)", errUsage, parsed.duration))
			return
		}
	}
	if err := punish.ValidateDuration(durationMs); err != nil {
		b.replyError(msg, title, err)
		return
	}
	if !b.canModerate(msg.GuildID, msg.Author.ID, parsed.userID) {
		b.replyError(msg, title, errors.New("you cannot punish a member with an equal or higher role"))
		return
	}

	reason := parsed.reason
	if reason == "" {
		reason = "No reason given."
	}
	result, err := b.punish.Issue(ctx, punish.IssueRequest{
		Kind:        kind,
		GuildID:     msg.GuildID,
		UserID:      parsed.userID,
		ModeratorID: msg.Author.ID,
		Reason:      reason,
		DurationMs:  durationMs,
	})
	if err != nil {
		b.replyError(msg, title, err)
		return
	}

	description := fmt.Sprintf("<@%s> for %s.", parsed.userID, punish.FormatDuration(durationMs))
	if result.RoleErr != nil {
		description += "\nThe role change may not have applied: " + roleErrorText(result.RoleErr)
	}
	b.reply(msg, b.commandEmbed(title+" issued", description, b.cfg.Notifications.EmbedColors.Action, nil))
}

func (b *Bot) handleLift(ctx context.Context, msg *discordgo.MessageCreate, name string, args []string) {
	title := "Unmute"
	kind := punish.KindMute
	if name == "unsuspend" {
		title = "Unsuspend"
		kind = punish.KindSuspension
	}
	if len(args) == 0 {
		b.replyError(msg, title, fmt.Errorf("%w: %s <@member>", errUsage, name))
		return
	}
	userID, ok := parseUserID(args[0])
	if !ok {
		b.replyError(msg, title, fmt.Errorf("%w: %q is not a member", errUsage, args[0]))
		return
	}

	result, err := b.punish.Lift(ctx, kind, msg.GuildID, userID, msg.Author.ID)
	if err != nil {
		b.replyError(msg, title, err)
		return
	}
	description := fmt.Sprintf("<@%s> is no longer %s.", userID, map[punish.Kind]string{punish.KindMute: "muted", punish.KindSuspension: "suspended"}[kind])
	if result.RoleErr != nil {
		description += "\nThe role change may not have applied: " + roleErrorText(result.RoleErr)
	}
	b.reply(msg, b.commandEmbed(title, description, b.cfg.Notifications.EmbedColors.Lifted, nil))
}

func (b *Bot) handleSetup(ctx context.Context, msg *discordgo.MessageCreate, args []string) {
	if len(args) < 2 {
		b.replyError(msg, "Setup", fmt.Errorf("%w: setup <mutedrole|suspendedrole|quotachannel|modlog> <id>", errUsage))
		return
	}
	settings := b.guildSettings(ctx, msg.GuildID)

	var (
		id string
		ok bool
	)
	key := strings.ToLower(args[0])
	switch key {
	case "mutedrole":
		id, ok = parseRoleID(args[1])
		settings.MutedRoleID = id
	case "suspendedrole":
		id, ok = parseRoleID(args[1])
		settings.SuspendedRoleID = id
	case "quotachannel":
		id, ok = parseChannelID(args[1])
		settings.QuotaChannelID = id
	case "modlog":
		id, ok = parseChannelID(args[1])
		settings.ModLogChannelID = id
	default:
		b.replyError(msg, "Setup", fmt.Errorf("%w: unknown setting %q", errUsage, args[0]))
		return
	}
	if !ok {
		b.replyError(msg, "Setup", fmt.Errorf("%w: %q is not an id", errUsage, args[1]))
		return
	}

	if err := b.store.UpsertGuildSettings(ctx, settings); err != nil {
		b.replyError(msg, "Setup", err)
		return
	}
	b.audit.Log(ctx, audit.LevelInfo, msg.GuildID, msg.Author.ID, "setup", key+"="+id)
	b.reply(msg, b.commandEmbed("Setup", fmt.Sprintf("%s set to `%s`.", key, id), b.cfg.Notifications.EmbedColors.Action, nil))
}

func (b *Bot) requirePermission(msg *discordgo.MessageCreate, permission int64) bool {
	perms, err := b.session.State.UserChannelPermissions(msg.Author.ID, msg.ChannelID)
	if err != nil {
		perms, err = b.session.UserChannelPermissions(msg.Author.ID, msg.ChannelID)
	}
	if err == nil && (perms&permission != 0 || perms&discordgo.PermissionAdministrator != 0) {
		return true
	}
	b.replyError(msg, "Permission", errors.New("you are not allowed to use this command"))
	return false
}

// canModerate reports whether the moderator's highest role sits above the
// target's. Guild owners can always moderate. An unresolvable guild or
// moderator denies the action.
func (b *Bot) canModerate(guildID, moderatorID, targetID string) bool {
	if moderatorID == targetID {
		return false
	}
	guild, err := b.guilds.Guild(guildID)
	if err != nil || guild == nil {
		b.logger.Warn("role hierarchy check failed", zap.String("guild_id", guildID), zap.Error(err))
		return false
	}
	if guild.OwnerID == moderatorID {
		return true
	}
	if guild.OwnerID == targetID {
		return false
	}
	moderator := b.memberForUser(guildID, moderatorID)
	if moderator == nil {
		return false
	}
	return outranks(guild.Roles, moderator, b.memberForUser(guildID, targetID))
}

// outranks compares the highest role positions of two members. A nil target
// holds no roles.
func outranks(roles []*discordgo.Role, moderator, target *discordgo.Member) bool {
	positions := make(map[string]int, len(roles))
	for _, role := range roles {
		positions[role.ID] = role.Position
	}
	highest := func(member *discordgo.Member) int {
		top := 0
		if member == nil {
			return top
		}
		for _, roleID := range member.Roles {
			if pos := positions[roleID]; pos > top {
				top = pos
			}
		}
		return top
	}
	return highest(moderator) > highest(target)
}

func (b *Bot) commandEmbed(title, description string, color int, fields []*discordgo.MessageEmbedField) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       color,
		Fields:      fields,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
}

func (b *Bot) reply(msg *discordgo.MessageCreate, embed *discordgo.MessageEmbed) {
	_, err := b.session.ChannelMessageSendComplex(msg.ChannelID, &discordgo.MessageSend{
		Embeds:    []*discordgo.MessageEmbed{embed},
		Reference: msg.Reference(),
	})
	if err != nil {
		b.logger.Debug("reply failed", zap.String("channel_id", msg.ChannelID), zap.Error(err))
	}
}

func (b *Bot) replyError(msg *discordgo.MessageCreate, title string, err error) {
	b.reply(msg, b.commandEmbed(title, userErrorText(err), b.cfg.Notifications.EmbedColors.Error, nil))
}

func userErrorText(err error) string {
	switch {
	case errors.Is(err, storage.ErrRetryAmbiguity):
		return "The database did not confirm the write. Check the leaderboard before logging again."
	case errors.Is(err, storage.ErrStoreUnavailable):
		return "The database is unavailable right now. Nothing was changed, try again shortly."
	case errors.Is(err, punish.ErrAlreadyPunished):
		return "That member is already punished."
	case errors.Is(err, punish.ErrNotPunished):
		return "That member is not punished."
	case errors.Is(err, punish.ErrDurationTooLong):
		return fmt.Sprintf("Durations are limited to %s.", punish.FormatDuration(punish.MaxDuration/1000*1000))
	case errors.Is(err, punish.ErrMemberNotFound):
		return "That member could not be found in this server."
	case errors.Is(err, punish.ErrRoleNotConfigured):
		return "The punishment role is not configured. Use setup first."
	case errors.Is(err, punish.ErrActuatorPermissionDenied):
		return roleErrorText(err)
	default:
		return err.Error()
	}
}

func roleErrorText(err error) string {
	if errors.Is(err, punish.ErrActuatorPermissionDenied) {
		return "the bot's role is below the member or the punishment role."
	}
	return err.Error()
}

func (b *Bot) modLogChannel(ctx context.Context, guildID string) string {
	return b.guildSettings(ctx, guildID).ModLogChannelID
}

func (b *Bot) sendModLog(ctx context.Context, guildID string, embed *discordgo.MessageEmbed) {
	channelID := b.modLogChannel(ctx, guildID)
	if channelID == "" || embed == nil {
		return
	}
	if _, err := b.session.ChannelMessageSendEmbed(channelID, embed); err != nil {
		b.logger.Debug("mod log send failed", zap.String("channel_id", channelID), zap.Error(err))
	}
}

// notifyAudit mirrors critical audit entries to the mod log, editing the
// previous message while the same event keeps repeating.
func (b *Bot) notifyAudit(ctx context.Context, entry storage.AuditLog) {
	if entry.Level != audit.LevelCrit && !strings.HasSuffix(entry.Event, "_role_deleted") {
		return
	}
	channelID := b.modLogChannel(ctx, entry.GuildID)
	if channelID == "" {
		return
	}

	key := entry.GuildID + "|" + entry.Level + "|" + entry.Event
	b.modLogMu.Lock()
	agg := b.modLogAgg[key]
	if agg != nil && agg.channelID == channelID {
		agg.count++
		count, messageID := agg.count, agg.messageID
		b.modLogMu.Unlock()
		if _, err := b.session.ChannelMessageEditEmbed(channelID, messageID, buildAuditEmbed(entry, count, b.cfg.Notifications.EmbedColors.Error)); err == nil {
			return
		}
		b.modLogMu.Lock()
		delete(b.modLogAgg, key)
	}
	b.modLogMu.Unlock()

	msg, err := b.session.ChannelMessageSendEmbed(channelID, buildAuditEmbed(entry, 1, b.cfg.Notifications.EmbedColors.Error))
	if err != nil || msg == nil {
		return
	}
	b.modLogMu.Lock()
	b.modLogAgg[key] = &modLogAggregate{channelID: channelID, messageID: msg.ID, count: 1}
	b.modLogMu.Unlock()
}

func buildAuditEmbed(entry storage.AuditLog, count, color int) *discordgo.MessageEmbed {
	title := "Audit · " + entry.Event
	if count > 1 {
		title = fmt.Sprintf("%s (x%d)", title, count)
	}
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: entry.Details,
		Color:       color,
		Timestamp:   entry.CreatedAt.Format(time.RFC3339),
	}
}
