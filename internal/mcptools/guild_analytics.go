// Package mcptools exposes guild analytics over MCP. Each tool is a thin
// adapter: parse arguments, call the coordinator, render text. No caching
// or fetching decisions live here.
package mcptools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"guildwatch/internal/coordinator"
	"guildwatch/internal/domain"
)

// GuildAnalyticsTool handles the guild_analytics MCP tool.
type GuildAnalyticsTool struct {
	coord *coordinator.Coordinator
}

func NewGuildAnalyticsTool(coord *coordinator.Coordinator) *GuildAnalyticsTool {
	return &GuildAnalyticsTool{coord: coord}
}

// Definition returns the MCP tool definition for guild_analytics.
func (t *GuildAnalyticsTool) Definition() mcp.Tool {
	return mcp.NewTool("guild_analytics",
		mcp.WithDescription(
			"Get a roster summary for a World of Warcraft guild: member list with "+
				"playstyle archetype labels, level and item-level stats, and data freshness.",
		),
		mcp.WithString("region",
			mcp.Required(),
			mcp.Description("Game region: us, eu, kr or tw"),
		),
		mcp.WithString("realm",
			mcp.Required(),
			mcp.Description("Realm name, e.g. Stormrage"),
		),
		mcp.WithString("guild",
			mcp.Required(),
			mcp.Description("Guild name, e.g. Echoes of Valor"),
		),
	)
}

// Handle processes the guild_analytics tool call.
func (t *GuildAnalyticsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, errResult := guildRefFromRequest(req)
	if errResult != nil {
		return errResult, nil
	}

	view, err := t.coord.GuildAnalytics(ctx, ref)
	if err != nil {
		return toolError(ref, err), nil
	}
	return mcp.NewToolResultText(renderAnalytics(view)), nil
}

func guildRefFromRequest(req mcp.CallToolRequest) (domain.GuildRef, *mcp.CallToolResult) {
	region := req.GetString("region", "")
	realm := req.GetString("realm", "")
	guild := req.GetString("guild", "")
	ref := domain.NewGuildRef(region, realm, guild)
	if err := ref.Validate(); err != nil {
		return domain.GuildRef{}, mcp.NewToolResultError(err.Error())
	}
	return ref, nil
}

// toolError maps coordinator errors onto user-facing messages. Upstream
// kinds get a targeted message; everything else reports unavailability.
func toolError(ref domain.GuildRef, err error) *mcp.CallToolResult {
	switch domain.UpstreamKind(err) {
	case domain.KindNotFound:
		return mcp.NewToolResultError(fmt.Sprintf("Guild %s was not found. Check the region, realm and guild name.", ref.Key()))
	case domain.KindUnauthorized:
		return mcp.NewToolResultError("The game API rejected our credentials. Check the configured client ID and secret.")
	}
	if errors.Is(err, domain.ErrUnavailable) {
		return mcp.NewToolResultError(fmt.Sprintf("Data for %s is temporarily unavailable and nothing is cached yet. Try again shortly.", ref.Key()))
	}
	return mcp.NewToolResultError(fmt.Sprintf("Failed to load guild %s: %v", ref.Key(), err))
}

func renderAnalytics(view *domain.AnalyticsView) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s <%s> [%s]\n", view.DisplayName, view.Guild.Key(), view.Faction)
	fmt.Fprintf(&b, "Members: %d | Avg level: %.1f | Data: %s (fetched %s)\n",
		view.MemberCount, view.LevelAverage, view.Freshness, view.FetchedAt.Format("2006-01-02 15:04 MST"))
	if view.Truncated {
		b.WriteString("Note: the roster is large; this is a partial member list.\n")
	}
	if view.Pending > 0 {
		fmt.Fprintf(&b, "Classification pending for %d members; labels fill in over time.\n", view.Pending)
	}

	if len(view.LabelCounts) > 0 {
		b.WriteString("\nArchetypes:\n")
		for _, label := range domain.ArchetypeLabels {
			if n := view.LabelCounts[label]; n > 0 {
				fmt.Fprintf(&b, "  %-12s %d\n", label, n)
			}
		}
	}

	members := make([]domain.MemberView, len(view.Members))
	copy(members, view.Members)
	sort.Slice(members, func(i, j int) bool {
		if members[i].Rank != members[j].Rank {
			return members[i].Rank < members[j].Rank
		}
		return members[i].Name < members[j].Name
	})

	b.WriteString("\nRoster:\n")
	for _, m := range members {
		label := "pending"
		if m.LabelStatus == domain.LabelStatusOK {
			label = fmt.Sprintf("%s (%.0f%%)", m.Label, m.Confidence*100)
		}
		line := fmt.Sprintf("  [rank %d] %-20s lvl %-3d %-14s %s", m.Rank, m.Name, m.Level, m.ClassName, label)
		if m.AverageItemLevel > 0 {
			line += fmt.Sprintf(" | ilvl %d", m.AverageItemLevel)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
