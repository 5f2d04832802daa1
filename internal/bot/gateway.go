package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"realm-steward/internal/config"
	"realm-steward/internal/punish"
	"realm-steward/internal/quota"

	"github.com/bwmarrin/discordgo"
)

// classifyRESTError maps Discord REST failures onto the sentinels the
// lifecycle and aggregator understand.
func classifyRESTError(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeMissingPermissions, discordgo.ErrCodeMissingAccess:
			return fmt.Errorf("%w: %w", punish.ErrActuatorPermissionDenied, err)
		case discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel:
			return fmt.Errorf("%w: %w", quota.ErrStaleHandle, err)
		}
	}
	if restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %w", punish.ErrActuatorPermissionDenied, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", quota.ErrStaleHandle, err)
		}
	}
	return err
}

type roleActuator struct {
	session *discordgo.Session
}

func (a *roleActuator) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	return classifyRESTError(a.session.GuildMemberRoleAdd(guildID, userID, roleID))
}

func (a *roleActuator) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	return classifyRESTError(a.session.GuildMemberRoleRemove(guildID, userID, roleID))
}

func (a *roleActuator) SetRoles(ctx context.Context, guildID, userID string, roleIDs []string) error {
	roles := append([]string{}, roleIDs...)
	_, err := a.session.GuildMemberEdit(guildID, userID, &discordgo.GuildMemberParams{Roles: &roles})
	return classifyRESTError(err)
}

func (a *roleActuator) MemberRoles(ctx context.Context, guildID, userID string) ([]string, error) {
	if member, err := a.session.State.Member(guildID, userID); err == nil && member != nil {
		return append([]string(nil), member.Roles...), nil
	}
	member, err := a.session.GuildMember(guildID, userID)
	if err != nil {
		return nil, classifyRESTError(err)
	}
	return append([]string(nil), member.Roles...), nil
}

type boardPublisher struct {
	session *discordgo.Session
	colors  config.EmbedColors
	lines   int
}

func (p *boardPublisher) Edit(ctx context.Context, channelID, messageID string, board quota.Board) error {
	_, err := p.session.ChannelMessageEditEmbed(channelID, messageID, buildBoardEmbed(board, p.colors.Leaderboard, p.lines))
	return classifyRESTError(err)
}

func (p *boardPublisher) Send(ctx context.Context, channelID string, board quota.Board) (string, error) {
	msg, err := p.session.ChannelMessageSendEmbed(channelID, buildBoardEmbed(board, p.colors.Leaderboard, p.lines))
	if err != nil {
		return "", classifyRESTError(err)
	}
	return msg.ID, nil
}

func buildBoardEmbed(board quota.Board, color, limit int) *discordgo.MessageEmbed {
	var lines []string
	for i, entry := range board.Entries {
		if limit > 0 && i >= limit {
			lines = append(lines, fmt.Sprintf("... and %d more", len(board.Entries)-limit))
			break
		}
		record := entry.Record
		lines = append(lines, fmt.Sprintf("**#%d** <@%s> · %d (G %d/%d/%d · EG %d/%d/%d · RC %d/%d/%d)",
			entry.Rank, record.MemberID, entry.Total,
			record.General.Completed, record.General.Failed, record.General.Assists,
			record.Endgame.Completed, record.Endgame.Failed, record.Endgame.Assists,
			record.RealmClearing.Completed, record.RealmClearing.Failed, record.RealmClearing.Assists,
		))
	}
	description := strings.Join(lines, "\n")
	if description == "" {
		description = "No runs logged this period."
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Quota Leaderboard",
		Description: description,
		Color:       color,
		Footer:      &discordgo.MessageEmbedFooter{Text: "completed/failed/assists"},
	}
	if !board.GeneratedAt.IsZero() {
		embed.Timestamp = board.GeneratedAt.Format(time.RFC3339)
	}
	if !board.LastReset.IsZero() {
		embed.Fields = []*discordgo.MessageEmbedField{
			{Name: "Period started", Value: fmt.Sprintf("<t:%d:R>", board.LastReset.Unix()), Inline: true},
		}
	}
	return embed
}

// punishNotifier DMs the member and posts to the mod log.
type punishNotifier struct {
	bot *Bot
}

func (n *punishNotifier) Notify(ctx context.Context, event punish.Event) {
	b := n.bot
	embed := buildPunishEmbed(event, b.cfg.Notifications.EmbedColors)
	b.sendModLog(ctx, event.GuildID, embed)

	if !b.cfg.Moderation.DMNotices || event.UserID == "" {
		return
	}
	switch event.Action {
	case punish.ActionIssued, punish.ActionExpired, punish.ActionLifted:
	default:
		return
	}
	channel, err := b.session.UserChannelCreate(event.UserID)
	if err != nil {
		return
	}
	_, _ = b.session.ChannelMessageSendEmbed(channel.ID, embed)
}

func buildPunishEmbed(event punish.Event, colors config.EmbedColors) *discordgo.MessageEmbed {
	title := kindLabel(event.Kind)
	color := colors.Lifted
	switch event.Action {
	case punish.ActionIssued:
		title += " issued"
		color = colors.Action
	case punish.ActionExpired:
		title += " expired"
	case punish.ActionLifted:
		title += " lifted"
	case punish.ActionRoleLost:
		title += " cleared (role removed)"
	case punish.ActionRoleDeleted:
		title += " cleared (role deleted)"
		color = colors.Error
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Member", Value: "<@" + event.UserID + ">", Inline: true},
	}
	if event.ModeratorID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Moderator", Value: "<@" + event.ModeratorID + ">", Inline: true})
	}
	if event.Action == punish.ActionIssued {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Duration", Value: punish.FormatDuration(event.DurationMs), Inline: true})
		if !event.EndsAt.IsZero() {
			fields = append(fields, &discordgo.MessageEmbedField{Name: "Ends", Value: fmt.Sprintf("<t:%d:R>", event.EndsAt.Unix()), Inline: true})
		}
	}
	if event.Reason != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Reason", Value: event.Reason})
	}

	return &discordgo.MessageEmbed{
		Title:     title,
		Color:     color,
		Fields:    fields,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

func kindLabel(kind punish.Kind) string {
	if kind == punish.KindSuspension {
		return "Suspension"
	}
	return "Mute"
}
