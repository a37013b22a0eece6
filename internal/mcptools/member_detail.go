package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"guildwatch/internal/coordinator"
	"guildwatch/internal/domain"
)

// MemberDetailTool handles the member_detail MCP tool.
type MemberDetailTool struct {
	coord *coordinator.Coordinator
}

func NewMemberDetailTool(coord *coordinator.Coordinator) *MemberDetailTool {
	return &MemberDetailTool{coord: coord}
}

// Definition returns the MCP tool definition for member_detail.
func (t *MemberDetailTool) Definition() mcp.Tool {
	return mcp.NewTool("member_detail",
		mcp.WithDescription(
			"Look up one member of a World of Warcraft guild: character profile, "+
				"current archetype label and the label history.",
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
		mcp.WithString("character",
			mcp.Required(),
			mcp.Description("Character name within the guild"),
		),
	)
}

// Handle processes the member_detail tool call.
func (t *MemberDetailTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, errResult := guildRefFromRequest(req)
	if errResult != nil {
		return errResult, nil
	}
	character := strings.TrimSpace(req.GetString("character", ""))
	if character == "" {
		return mcp.NewToolResultError("'character' is required"), nil
	}

	detail, err := t.coord.MemberDetail(ctx, ref, character)
	if err != nil {
		return toolError(ref, err), nil
	}
	return mcp.NewToolResultText(renderMemberDetail(ref, detail)), nil
}

func renderMemberDetail(ref domain.GuildRef, detail *coordinator.MemberDetail) string {
	m := detail.Member
	var b strings.Builder

	fmt.Fprintf(&b, "%s of %s\n", m.Name, ref.Key())
	fmt.Fprintf(&b, "Level %d %s", m.Level, m.ClassName)
	if m.ActiveSpec != "" {
		fmt.Fprintf(&b, " (%s)", m.ActiveSpec)
	}
	fmt.Fprintf(&b, ", guild rank %d\n", m.Rank)
	if m.AverageItemLevel > 0 {
		fmt.Fprintf(&b, "Average item level: %d\n", m.AverageItemLevel)
	}

	if m.LabelStatus == domain.LabelStatusOK {
		fmt.Fprintf(&b, "Archetype: %s (confidence %.0f%%)\n", m.Label, m.Confidence*100)
	} else {
		b.WriteString("Archetype: pending classification\n")
	}

	if len(detail.History) > 0 {
		b.WriteString("\nLabel history (newest first):\n")
		for _, h := range detail.History {
			fmt.Fprintf(&b, "  %s  %-12s %.0f%%  %s/%s\n",
				h.ClassifiedAt.Format("2006-01-02 15:04"), h.Label, h.Confidence*100, h.Taxonomy, h.Model)
		}
	}
	return b.String()
}
