package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mnabil10/fasket-sub001/internal/app"
	"github.com/Mnabil10/fasket-sub001/internal/logger"
	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/outbox"
)

var seedEmit bool

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo orders (some of them stuck)",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		log.Println(">> Seeding demo orders...")
		orders := demoOrders(time.Now().UTC())
		for _, o := range orders {
			if err := a.Orders.UpsertOrder(ctx, o); err != nil {
				return fmt.Errorf("seed order %s: %w", o.Code, err)
			}
		}

		if seedEmit {
			for _, o := range orders {
				ref, err := a.Outbox.Emit(ctx, "order.status_changed",
					map[string]any{"order_id": o.ID, "code": o.Code, "status": o.Status},
					outbox.Options{DedupeKey: "seed:" + o.ID + ":" + o.Status},
				)
				if err != nil {
					return fmt.Errorf("emit demo event for %s: %w", o.Code, err)
				}
				log.Printf(">> emitted %s %s", ref.Type, ref.ID)
			}
		}

		log.Printf(">> Seed completed (%d orders)", len(orders))
		return nil
	},
}

func init() {
	seedCmd.Flags().BoolVar(&seedEmit, "emit", false, "also emit an order.status_changed event per demo order")
}

// demoOrders returns deterministic orders; with default thresholds three of them are stuck.
func demoOrders(now time.Time) []model.StuckOrder {
	return []model.StuckOrder{
		{ID: "01J0DEMO000000000000000001", Code: "FSK-1001", Status: model.OrderPending, Since: now.Add(-5 * time.Minute)},
		{ID: "01J0DEMO000000000000000002", Code: "FSK-1002", Status: model.OrderPending, Since: now.Add(-45 * time.Minute)},
		{ID: "01J0DEMO000000000000000003", Code: "FSK-1003", Status: model.OrderProcessing, Since: now.Add(-20 * time.Minute)},
		{ID: "01J0DEMO000000000000000004", Code: "FSK-1004", Status: model.OrderProcessing, Since: now.Add(-90 * time.Minute)},
		{ID: "01J0DEMO000000000000000005", Code: "FSK-1005", Status: model.OrderOutForDelivery, Since: now.Add(-3 * time.Hour)},
		{ID: "01J0DEMO000000000000000006", Code: "FSK-1006", Status: "DELIVERED", Since: now.Add(-6 * time.Hour)},
	}
}
