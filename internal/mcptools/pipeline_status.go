package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"guildwatch/internal/coordinator"
)

// PipelineStatusTool handles the pipeline_status MCP tool.
type PipelineStatusTool struct {
	coord *coordinator.Coordinator
}

func NewPipelineStatusTool(coord *coordinator.Coordinator) *PipelineStatusTool {
	return &PipelineStatusTool{coord: coord}
}

// Definition returns the MCP tool definition for pipeline_status.
func (t *PipelineStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("pipeline_status",
		mcp.WithDescription(
			"Report the health of the data pipeline: cached entries, refreshes in "+
				"flight, remaining upstream rate budget and the classification circuit breaker state.",
		),
	)
}

// Handle processes the pipeline_status tool call.
func (t *PipelineStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := t.coord.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status unavailable: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Cache entries: %d (%d refresh in flight)\n", st.CacheEntries, st.RefreshInFlight)
	if st.BudgetCapacity > 0 {
		fmt.Fprintf(&b, "Rate budget: %.1f / %.0f tokens available\n", st.BudgetTokens, st.BudgetCapacity)
	} else {
		b.WriteString("Rate budget: no requests made yet\n")
	}
	fmt.Fprintf(&b, "Classification breaker: %s\n", st.BreakerState)
	return mcp.NewToolResultText(b.String()), nil
}
