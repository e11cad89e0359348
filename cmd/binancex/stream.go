package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quantbase/binancex/pkg/stream"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "subscribe to market data streams and log frames until interrupted",

	SilenceUsage: true,

	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		symbols, err := cmd.Flags().GetStringSlice("symbol")
		if err != nil {
			return err
		}
		channel, err := cmd.Flags().GetString("channel")
		if err != nil {
			return err
		}
		interval, err := cmd.Flags().GetString("interval")
		if err != nil {
			return err
		}
		userData, err := cmd.Flags().GetBool("user-data")
		if err != nil {
			return err
		}

		creds := credentials()

		m := stream.NewManager(cfg.StreamURL, stream.Credentials{
			Key:    creds.Key,
			Secret: creds.Secret,
		})
		m.PingInterval = cfg.PingInterval.Duration()
		m.IdleTimeout = cfg.IdleTimeout.Duration()
		defer m.Close()

		if userData {
			if !creds.Configured() {
				return errors.New("user data stream requires api credentials")
			}

			executor, err := newExecutor(cfg)
			if err != nil {
				return err
			}
			m.UseListenKey(executor)
		}

		for _, symbol := range symbols {
			m.Subscribe(stream.Channel(channel), symbol, stream.SubscribeOptions{
				Interval: interval,
			})
		}

		m.OnConnect(func() {
			log.Infof("stream connected")
		})
		m.OnDisconnect(func() {
			log.Warnf("stream disconnected")
		})
		m.OnMessage(func(channel string, payload []byte) {
			log.Infof("[%s] %s", channel, payload)
		})

		ctx := cmd.Context()
		if err := m.Connect(ctx); err != nil {
			return err
		}

		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-ctx.Done():
		case sig := <-sigC:
			log.Infof("%s received, shutting down", sig)
		}

		return nil
	},
}

func init() {
	streamCmd.Flags().StringSlice("symbol", []string{"BTCUSDT"}, "symbols to subscribe")
	streamCmd.Flags().String("channel", "aggTrade", "channel to subscribe (aggTrade, trade, kline, depth, ticker, bookTicker)")
	streamCmd.Flags().String("interval", "", "kline interval, e.g. 1m")
	streamCmd.Flags().Bool("user-data", false, "also attach the private user data stream")

	rootCmd.AddCommand(streamCmd)
}
