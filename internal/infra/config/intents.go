package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
)

var intentNames = map[string]discordgo.Intent{
	"guilds":                   discordgo.IntentsGuilds,
	"guild_members":            discordgo.IntentsGuildMembers,
	"guild_bans":               discordgo.IntentsGuildBans,
	"guild_emojis":             discordgo.IntentsGuildEmojis,
	"guild_integrations":       discordgo.IntentsGuildIntegrations,
	"guild_webhooks":           discordgo.IntentsGuildWebhooks,
	"guild_invites":            discordgo.IntentsGuildInvites,
	"guild_voice_states":       discordgo.IntentsGuildVoiceStates,
	"guild_presences":          discordgo.IntentsGuildPresences,
	"guild_messages":           discordgo.IntentsGuildMessages,
	"guild_message_reactions":  discordgo.IntentsGuildMessageReactions,
	"guild_message_typing":     discordgo.IntentsGuildMessageTyping,
	"direct_messages":          discordgo.IntentsDirectMessages,
	"direct_message_reactions": discordgo.IntentsDirectMessageReactions,
	"direct_message_typing":    discordgo.IntentsDirectMessageTyping,
	"message_content":          discordgo.IntentsMessageContent,
	"guild_scheduled_events":   discordgo.IntentsGuildScheduledEvents,
	"all_without_privileged":   discordgo.IntentsAllWithoutPrivileged,
	"all":                      discordgo.IntentsAll,
}

// ParseIntents folds intent names into the Identify bitfield.
// Names are case-insensitive.
func ParseIntents(names []string) (uint64, error) {
	var bits discordgo.Intent
	var unknown []string
	for _, n := range names {
		v, ok := intentNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		bits |= v
	}
	if len(unknown) > 0 {
		return 0, fmt.Errorf("unknown intents %v (known: %s)", unknown, strings.Join(IntentNames(), ", "))
	}
	return uint64(bits), nil
}

// IntentNames lists the accepted intent names in sorted order.
func IntentNames() []string {
	out := make([]string, 0, len(intentNames))
	for n := range intentNames {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
