package worker

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/app"
	"github.com/Mnabil10/fasket-sub001/internal/ingest"
	"github.com/Mnabil10/fasket-sub001/internal/kafka"
	"github.com/Mnabil10/fasket-sub001/internal/logger"
)

var ingestWithDelivery bool

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Consume domain events from Kafka into the outbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		var closeConsumer func() error
		defer func() {
			if closeConsumer != nil {
				if err := closeConsumer(); err != nil {
					logger.Log.Warn("kafka close", zap.Error(err))
				}
			}
		}()

		return run(cmd, "ingest", func(a *app.App) []app.Loop {
			kc := a.Cfg.Kafka
			logger.Named("ingest").Info("consuming",
				zap.Strings("brokers", kc.Brokers), zap.String("topic", kc.Topic), zap.String("group", kc.GroupID))

			consumer := kafka.NewConsumer(kc)
			closeConsumer = consumer.Close

			c := ingest.NewConsumer(consumer, a.Outbox, logger.Named("ingest"))
			loops := []app.Loop{{Name: "ingest", Run: c.Run}}
			if ingestWithDelivery {
				loops = append(loops, a.DeliveryLoops()...)
			}
			return loops
		})
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestWithDelivery, "with-delivery", false,
		"also run the delivery worker in this process (required with the in-memory queue)")
	ingestCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := load(cmd)
		if err != nil {
			return err
		}
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
			return errors.New("kafka.brokers and kafka.topic are required")
		}
		return nil
	}
}
