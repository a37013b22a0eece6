// Package scheduler keeps tracked guilds warm: on a cron schedule it walks
// the configured guild list and runs each through the coordinator, which
// refreshes the cache and schedules classification as a side effect.
package scheduler

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"guildwatch/internal/config"
	"guildwatch/internal/coordinator"
	"guildwatch/internal/domain"
)

const refreshTimeout = 5 * time.Minute

// Start launches the cron-based refresh loop. The schedule is a standard
// 5-field cron expression (minute hour day-of-month month day-of-week).
// Examples: "*/15 * * * *" (every 15 minutes), "0 6 * * *" (daily 6am).
// Returns without starting when the schedule or guild list is empty.
func Start(cfg config.Config, coord *coordinator.Coordinator) {
	schedule := strings.TrimSpace(cfg.RefreshSchedule)
	if schedule == "" {
		log.Println("Guild refresh disabled (refresh_schedule not set)")
		return
	}
	if len(cfg.TrackedGuilds) == 0 {
		log.Println("Guild refresh disabled: no tracked_guilds configured")
		return
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		log.Printf("Invalid refresh_schedule '%s': %v, guild refresh disabled", schedule, err)
		return
	}

	refs := make([]domain.GuildRef, 0, len(cfg.TrackedGuilds))
	for _, g := range cfg.TrackedGuilds {
		spec, err := config.ParseGuildSpec(g)
		if err != nil {
			log.Printf("Skipping invalid tracked guild '%s': %v", g, err)
			continue
		}
		refs = append(refs, domain.NewGuildRef(spec.Region, spec.Realm, spec.Name))
	}
	if len(refs) == 0 {
		log.Println("Guild refresh disabled: no valid tracked_guilds entries")
		return
	}

	log.Printf("Guild refresh scheduled (cron: %s) for %d guilds", schedule, len(refs))

	go func() {
		for {
			now := time.Now()
			next := sched.Next(now)
			wait := next.Sub(now)
			log.Printf("Next guild refresh at %s (in %s)", next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

			time.Sleep(wait)
			RefreshAll(coord, refs)
		}
	}()
}

// RefreshAll runs every tracked guild through the coordinator once,
// sequentially so a long guild list cannot stampede the rate budget.
func RefreshAll(coord *coordinator.Coordinator, refs []domain.GuildRef) {
	for _, ref := range refs {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		view, err := coord.GuildAnalytics(ctx, ref)
		cancel()
		if err != nil {
			log.Printf("Guild refresh error guild=%s: %v", ref.Key(), err)
			continue
		}
		log.Printf("Guild refresh done guild=%s members=%d pending=%d freshness=%s",
			ref.Key(), view.MemberCount, view.Pending, view.Freshness)
	}
}
