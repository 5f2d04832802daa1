package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"realm-steward/internal/quota"
)

var errUsage = errors.New("usage")

// parseCommand splits a prefixed message into a lower-case command name and
// its whitespace separated arguments.
func parseCommand(prefix, content string) (string, []string, bool) {
	content = strings.TrimSpace(content)
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// parseUserID accepts <@id>, <@!id> or a bare snowflake.
func parseUserID(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "<@") && strings.HasSuffix(value, ">") {
		value = strings.TrimPrefix(strings.TrimSuffix(value[2:], ">"), "!")
	}
	return value, isSnowflake(value)
}

// parseRoleID accepts <@&id> or a bare snowflake.
func parseRoleID(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "<@&") && strings.HasSuffix(value, ">") {
		value = value[3 : len(value)-1]
	}
	return value, isSnowflake(value)
}

// parseChannelID accepts <#id> or a bare snowflake.
func parseChannelID(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "<#") && strings.HasSuffix(value, ">") {
		value = value[2 : len(value)-1]
	}
	return value, isSnowflake(value)
}

func isSnowflake(value string) bool {
	if len(value) < 15 || len(value) > 21 {
		return false
	}
	_, err := strconv.ParseUint(value, 10, 64)
	return err == nil
}

func parseMembers(args []string) ([]string, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: at least one member is required", errUsage)
	}
	members := make([]string, 0, len(args))
	for _, arg := range args {
		id, ok := parseUserID(arg)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a member", errUsage, arg)
		}
		members = append(members, id)
	}
	return members, nil
}

func parseCount(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a count", errUsage, value)
	}
	return n, nil
}

func parseCategoryArg(value string) (quota.Category, error) {
	category, ok := quota.ParseCategory(value)
	if !ok {
		return "", fmt.Errorf("%w: unknown category %q (general, endgame, realmclearing)", errUsage, value)
	}
	return category, nil
}

// parseSingleContribution handles logmain, logfail and logassist:
//
//	<category> <count> <@member...>
func parseSingleContribution(command string, args []string) (quota.Batch, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("%w: %s <category> <count> <@member...>", errUsage, command)
	}
	category, err := parseCategoryArg(args[0])
	if err != nil {
		return nil, err
	}
	count, err := parseCount(args[1])
	if err != nil {
		return nil, err
	}
	members, err := parseMembers(args[2:])
	if err != nil {
		return nil, err
	}

	var contribution quota.Contribution
	switch command {
	case "logmain":
		contribution.Main = quota.Main{Members: members, Completed: count}
	case "logfail":
		contribution.Main = quota.Main{Members: members, Failed: count}
	case "logassist":
		contribution.Assists = quota.Assists{Members: members, Count: count}
	default:
		return nil, fmt.Errorf("%w: unknown log command %q", errUsage, command)
	}
	return quota.Batch{category: contribution}, nil
}

// parseRunsBatch handles logruns. Category sections are separated by ";":
//
//	<category> <completed> <failed> <@leader...> [assists <count> <@member...>]
func parseRunsBatch(args []string) (quota.Batch, error) {
	batch := make(quota.Batch)
	for _, section := range splitSections(args) {
		if len(section) < 4 {
			return nil, fmt.Errorf("%w: logruns <category> <completed> <failed> <@leader...> [assists <count> <@member...>]", errUsage)
		}
		category, err := parseCategoryArg(section[0])
		if err != nil {
			return nil, err
		}
		if _, dup := batch[category]; dup {
			return nil, fmt.Errorf("%w: %s listed twice", errUsage, category.Label())
		}
		completed, err := parseCount(section[1])
		if err != nil {
			return nil, err
		}
		failed, err := parseCount(section[2])
		if err != nil {
			return nil, err
		}

		rest := section[3:]
		var assistArgs []string
		for i, arg := range rest {
			if strings.EqualFold(arg, "assists") || strings.EqualFold(arg, "-a") {
				assistArgs = rest[i+1:]
				rest = rest[:i]
				break
			}
		}
		leaders, err := parseMembers(rest)
		if err != nil {
			return nil, err
		}
		contribution := quota.Contribution{Main: quota.Main{Members: leaders, Completed: completed, Failed: failed}}

		if assistArgs != nil {
			if len(assistArgs) < 2 {
				return nil, fmt.Errorf("%w: assists <count> <@member...>", errUsage)
			}
			count, err := parseCount(assistArgs[0])
			if err != nil {
				return nil, err
			}
			assisting, err := parseMembers(assistArgs[1:])
			if err != nil {
				return nil, err
			}
			contribution.Assists = quota.Assists{Members: assisting, Count: count}
		}
		batch[category] = contribution
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: nothing to log", errUsage)
	}
	return batch, nil
}

func splitSections(args []string) [][]string {
	var sections [][]string
	var current []string
	for _, arg := range args {
		for {
			idx := strings.Index(arg, ";")
			if idx < 0 {
				break
			}
			if head := arg[:idx]; head != "" {
				current = append(current, head)
			}
			if len(current) > 0 {
				sections = append(sections, current)
			}
			current = nil
			arg = arg[idx+1:]
		}
		if arg != "" {
			current = append(current, arg)
		}
	}
	if len(current) > 0 {
		sections = append(sections, current)
	}
	return sections
}

type muteArgs struct {
	userID   string
	duration string
	reason   string
}

// parseMuteArgs handles: <@member> [-t duration] [-r reason...]
func parseMuteArgs(args []string) (muteArgs, error) {
	if len(args) == 0 {
		return muteArgs{}, fmt.Errorf("%w: mute <@member> [-t duration] [-r reason]", errUsage)
	}
	userID, ok := parseUserID(args[0])
	if !ok {
		return muteArgs{}, fmt.Errorf("%w: %q is not a member", errUsage, args[0])
	}
	out := muteArgs{userID: userID}

	rest := args[1:]
	var reason []string
	inReason := false
	for i := 0; i < len(rest); i++ {
		switch {
		case !inReason && rest[i] == "-t":
			if i+1 >= len(rest) {
				return muteArgs{}, fmt.Errorf("%w: -t needs a duration", errUsage)
			}
			out.duration = rest[i+1]
			i++
		case !inReason && rest[i] == "-r":
			inReason = true
		default:
			reason = append(reason, rest[i])
		}
	}
	out.reason = strings.Join(reason, " ")
	return out, nil
}

// parseSuspendArgs handles: <@member> <duration> <reason...>
func parseSuspendArgs(args []string) (muteArgs, error) {
	if len(args) < 3 {
		return muteArgs{}, fmt.Errorf("%w: suspend <@member> <duration> <reason>", errUsage)
	}
	userID, ok := parseUserID(args[0])
	if !ok {
		return muteArgs{}, fmt.Errorf("%w: %q is not a member", errUsage, args[0])
	}
	return muteArgs{userID: userID, duration: args[1], reason: strings.Join(args[2:], " ")}, nil
}
