package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/app"
	"github.com/Mnabil10/fasket-sub001/internal/logger"
	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/repository"
)

var replayOpts struct {
	ids      []string
	statuses []string
	typ      string
	since    time.Duration
	query    string
	limit    int
	dryRun   bool
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Reset events to PENDING and enqueue them again",
	Example: `  fasket-automation replay --status DEAD --since 24h
  fasket-automation replay --id 01J0ABCD... --id 01J0ABCE...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := replayFilter(time.Now().UTC())
		if err != nil {
			return err
		}
		if len(replayOpts.ids) == 0 && !hasFilter(f) {
			return errors.New("replay needs --id or at least one filter")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := app.Open(cfg, logger.Log)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		if replayOpts.dryRun && len(replayOpts.ids) > 0 {
			for _, id := range replayOpts.ids {
				e, err := a.Events.GetByID(ctx, id)
				if err != nil {
					fmt.Printf("%s\t%v\n", id, err)
					continue
				}
				fmt.Printf("%s\t%s\t%s\tattempts=%d\n", e.ID, e.Type, e.Status, e.Attempts)
			}
			return nil
		}
		if replayOpts.dryRun {
			rows, total, err := a.Events.List(ctx, f)
			if err != nil {
				return err
			}
			for _, e := range rows {
				fmt.Printf("%s\t%s\t%s\tattempts=%d\n", e.ID, e.Type, e.Status, e.Attempts)
			}
			log.Printf(">> dry run: %d of %d matching events shown", len(rows), total)
			return nil
		}

		var refs []model.EventRef
		if len(replayOpts.ids) > 0 {
			refs, err = a.Events.ResetForReplay(ctx, replayOpts.ids, a.Clock.Now())
		} else {
			refs, err = a.Events.ResetMatching(ctx, f, a.Clock.Now())
		}
		if err != nil {
			return fmt.Errorf("reset events: %w", err)
		}
		if err := a.Outbox.EnqueueMany(ctx, refs); err != nil {
			// rows are due now; the sweeper picks up what failed to enqueue
			logger.Log.Warn("enqueue replayed events", zap.Error(err))
		}
		log.Printf(">> replayed %d events", len(refs))
		return nil
	},
}

func init() {
	fl := replayCmd.Flags()
	fl.StringSliceVar(&replayOpts.ids, "id", nil, "event id to replay (repeatable)")
	fl.StringSliceVar(&replayOpts.statuses, "status", nil, "only events in these statuses, e.g. DEAD,FAILED")
	fl.StringVar(&replayOpts.typ, "type", "", "only events of this type")
	fl.DurationVar(&replayOpts.since, "since", 0, "only events created within this window")
	fl.StringVar(&replayOpts.query, "q", "", "free-text match on id, correlation id, dedupe key, type or last error")
	fl.IntVar(&replayOpts.limit, "limit", 100, "maximum events to replay")
	fl.BoolVar(&replayOpts.dryRun, "dry-run", false, "list matching events without touching them")
}

func replayFilter(now time.Time) (repository.EventFilter, error) {
	f := repository.EventFilter{Type: replayOpts.typ, Query: replayOpts.query, Limit: replayOpts.limit}
	for _, raw := range replayOpts.statuses {
		st, ok := model.ParseEventStatus(raw)
		if !ok {
			return f, fmt.Errorf("invalid status %q", raw)
		}
		f.Statuses = append(f.Statuses, st)
	}
	if replayOpts.since > 0 {
		from := now.Add(-replayOpts.since)
		f.From = &from
	}
	return f.Normalized(), nil
}

func hasFilter(f repository.EventFilter) bool {
	return len(f.Statuses) > 0 || f.Type != "" || f.Query != "" || f.From != nil || f.To != nil
}
