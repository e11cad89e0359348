package main

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "check REST connectivity and show rate limit usage",

	SilenceUsage: true,

	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		executor, err := newExecutor(cfg)
		if err != nil {
			return err
		}

		ctx := cmd.Context()

		started := time.Now()
		if err := executor.Ping(ctx); err != nil {
			return err
		}
		log.Infof("ping ok, round trip %s", time.Since(started))

		serverTime, err := executor.ServerTime(ctx)
		if err != nil {
			return err
		}
		log.Infof("server time: %s, local drift: %s", serverTime, time.Since(serverTime))

		for bucket, used := range executor.Limiter().Usage() {
			log.Infof("quota %s: %d used", bucket, used)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
