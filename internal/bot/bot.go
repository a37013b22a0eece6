// Package bot is the Slack front end. It parses slash commands, calls the
// coordinator and renders Block Kit responses; all data decisions stay in
// the coordinator.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"guildwatch/internal/coordinator"
	"guildwatch/internal/domain"
)

const commandTimeout = 2 * time.Minute

// rosterPreviewLimit caps how many members a /guild response lists; Slack
// truncates very long messages anyway.
const rosterPreviewLimit = 25

type Bot struct {
	api           *slack.Client
	coord         *coordinator.Coordinator
	defaultRegion string
}

func New(api *slack.Client, coord *coordinator.Coordinator, defaultRegion string) *Bot {
	return &Bot{api: api, coord: coord, defaultRegion: defaultRegion}
}

// Start runs the Socket Mode event loop. It blocks until the connection
// fails or the process exits.
func (b *Bot) Start() error {
	client := socketmode.New(b.api)

	go func() {
		for evt := range client.Events {
			switch evt.Type {
			case socketmode.EventTypeSlashCommand:
				client.Ack(*evt.Request)
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				log.Printf("Slash command received: %s from user=%s channel=%s", cmd.Command, cmd.UserID, cmd.ChannelID)
				go b.handleSlashCommand(cmd)
			}
		}
	}()

	log.Println("Slack bot connected via Socket Mode")
	return client.Run()
}

func (b *Bot) handleSlashCommand(cmd slack.SlashCommand) {
	switch cmd.Command {
	case "/guild":
		b.handleGuild(cmd)
	case "/guild-member":
		b.handleGuildMember(cmd)
	case "/guild-help":
		b.handleHelp(cmd)
	}
}

// parseGuildArgs accepts "realm/Guild Name" or "region/realm/Guild Name";
// the region falls back to the configured default.
func (b *Bot) parseGuildArgs(text string) (domain.GuildRef, error) {
	parts := strings.SplitN(strings.TrimSpace(text), "/", 3)
	switch len(parts) {
	case 2:
		return domain.NewGuildRef(b.defaultRegion, parts[0], parts[1]), nil
	case 3:
		// A first segment of at most three characters is a region;
		// anything longer means a slash inside the guild name, which
		// the two-segment form cannot express.
		if len(strings.TrimSpace(parts[0])) <= 3 {
			return domain.NewGuildRef(parts[0], parts[1], parts[2]), nil
		}
		return domain.GuildRef{}, fmt.Errorf("could not parse %q", text)
	default:
		return domain.GuildRef{}, fmt.Errorf("could not parse %q", text)
	}
}

func (b *Bot) handleGuild(cmd slack.SlashCommand) {
	text := strings.TrimSpace(cmd.Text)
	if text == "" {
		b.postEphemeral(cmd, "Usage: /guild [region/]realm/guild name\nExample: /guild stormrage/Echoes of Valor")
		return
	}

	ref, err := b.parseGuildArgs(text)
	if err != nil {
		b.postEphemeral(cmd, fmt.Sprintf("%v\nUsage: /guild [region/]realm/guild name", err))
		return
	}
	if err := ref.Validate(); err != nil {
		b.postEphemeral(cmd, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	view, err := b.coord.GuildAnalytics(ctx, ref)
	if err != nil {
		b.postEphemeral(cmd, userFacingError(ref, err))
		log.Printf("guild command error user=%s guild=%s: %v", cmd.UserID, ref.Key(), err)
		return
	}

	blocks := renderGuildBlocks(view)
	if _, err := b.api.PostEphemeral(cmd.ChannelID, cmd.UserID, slack.MsgOptionBlocks(blocks...)); err != nil {
		log.Printf("Error posting guild blocks: %v", err)
		b.postEphemeral(cmd, "Error rendering guild summary.")
		return
	}
	log.Printf("guild command done user=%s guild=%s members=%d freshness=%s",
		cmd.UserID, ref.Key(), view.MemberCount, view.Freshness)
}

func (b *Bot) handleGuildMember(cmd slack.SlashCommand) {
	// /guild-member [region/]realm/guild name : character
	text := strings.TrimSpace(cmd.Text)
	guildPart, character, found := strings.Cut(text, ":")
	if !found || strings.TrimSpace(character) == "" {
		b.postEphemeral(cmd, "Usage: /guild-member [region/]realm/guild name : character\nExample: /guild-member stormrage/Echoes of Valor : Thralla")
		return
	}
	character = strings.TrimSpace(character)

	ref, err := b.parseGuildArgs(guildPart)
	if err != nil {
		b.postEphemeral(cmd, fmt.Sprintf("%v\nUsage: /guild-member [region/]realm/guild name : character", err))
		return
	}
	if err := ref.Validate(); err != nil {
		b.postEphemeral(cmd, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	detail, err := b.coord.MemberDetail(ctx, ref, character)
	if err != nil {
		b.postEphemeral(cmd, userFacingError(ref, err))
		log.Printf("guild-member command error user=%s guild=%s character=%s: %v",
			cmd.UserID, ref.Key(), character, err)
		return
	}

	b.postEphemeral(cmd, renderMemberText(ref, detail))
	log.Printf("guild-member command done user=%s guild=%s character=%s", cmd.UserID, ref.Key(), character)
}

func (b *Bot) handleHelp(cmd slack.SlashCommand) {
	help := "*GuildWatch commands*\n" +
		"• `/guild [region/]realm/guild name` — roster summary with archetype labels\n" +
		"• `/guild-member [region/]realm/guild name : character` — one member's profile and label history\n" +
		"• `/guild-help` — this message\n\n" +
		fmt.Sprintf("Default region is `%s`. Labels are classified in the background; "+
			"members show as _pending_ until their label lands.", b.defaultRegion)
	b.postEphemeral(cmd, help)
}

func userFacingError(ref domain.GuildRef, err error) string {
	switch domain.UpstreamKind(err) {
	case domain.KindNotFound:
		return fmt.Sprintf("Guild %s was not found. Check the region, realm and guild name.", ref.Key())
	case domain.KindUnauthorized:
		return "The game API rejected our credentials. Ping whoever runs this bot."
	}
	if errors.Is(err, domain.ErrUnavailable) {
		return fmt.Sprintf("Data for %s is temporarily unavailable and nothing is cached yet. Try again in a minute.", ref.Key())
	}
	return fmt.Sprintf("Error loading guild %s: %v", ref.Key(), err)
}

func renderGuildBlocks(view *domain.AnalyticsView) []slack.Block {
	header := fmt.Sprintf("%s (%d members)", view.DisplayName, view.MemberCount)
	summary := fmt.Sprintf("*%s* | avg level %.1f | data %s, fetched %s",
		view.Faction, view.LevelAverage, view.Freshness, view.FetchedAt.Format("Jan 2 15:04 MST"))
	if view.Truncated {
		summary += "\n_Large roster; showing a partial member list._"
	}
	if view.Pending > 0 {
		summary += fmt.Sprintf("\n_%d members pending classification._", view.Pending)
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType, header, false, false),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, summary, false, false),
			nil, nil,
		),
	}

	if len(view.LabelCounts) > 0 {
		var lines []string
		for _, label := range domain.ArchetypeLabels {
			if n := view.LabelCounts[label]; n > 0 {
				lines = append(lines, fmt.Sprintf("`%s` %d", label, n))
			}
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "*Archetypes:* "+strings.Join(lines, " | "), false, false),
			nil, nil,
		))
	}

	members := make([]domain.MemberView, len(view.Members))
	copy(members, view.Members)
	sort.Slice(members, func(i, j int) bool {
		if members[i].Rank != members[j].Rank {
			return members[i].Rank < members[j].Rank
		}
		return members[i].Name < members[j].Name
	})

	var roster strings.Builder
	shown := len(members)
	if shown > rosterPreviewLimit {
		shown = rosterPreviewLimit
	}
	for _, m := range members[:shown] {
		label := "_pending_"
		if m.LabelStatus == domain.LabelStatusOK {
			label = fmt.Sprintf("`%s`", m.Label)
		}
		fmt.Fprintf(&roster, "*%s* lvl %d %s (rank %d) %s\n", m.Name, m.Level, m.ClassName, m.Rank, label)
	}
	if len(members) > shown {
		fmt.Fprintf(&roster, "... and %d more", len(members)-shown)
	}
	blocks = append(blocks, slack.NewDividerBlock(), slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, roster.String(), false, false),
		nil, nil,
	))
	return blocks
}

func renderMemberText(ref domain.GuildRef, detail *coordinator.MemberDetail) string {
	m := detail.Member
	msg := fmt.Sprintf("*%s* of %s\nLevel %d %s", m.Name, ref.Key(), m.Level, m.ClassName)
	if m.ActiveSpec != "" {
		msg += fmt.Sprintf(" (%s)", m.ActiveSpec)
	}
	msg += fmt.Sprintf(", guild rank %d", m.Rank)
	if m.AverageItemLevel > 0 {
		msg += fmt.Sprintf(", ilvl %d", m.AverageItemLevel)
	}
	if m.LabelStatus == domain.LabelStatusOK {
		msg += fmt.Sprintf("\nArchetype: `%s` (confidence %.0f%%)", m.Label, m.Confidence*100)
	} else {
		msg += "\nArchetype: _pending classification_"
	}
	if len(detail.History) > 0 {
		msg += "\n\nLabel history:"
		for _, h := range detail.History {
			msg += fmt.Sprintf("\n• %s `%s` %.0f%%", h.ClassifiedAt.Format("2006-01-02"), h.Label, h.Confidence*100)
		}
	}
	return msg
}

func (b *Bot) postEphemeral(cmd slack.SlashCommand, text string) {
	if _, err := b.api.PostEphemeral(cmd.ChannelID, cmd.UserID, slack.MsgOptionText(text, false)); err != nil {
		log.Printf("Error posting ephemeral: %v", err)
	}
}
