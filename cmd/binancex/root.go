package main

import (
	"strings"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/quantbase/binancex/pkg/binanceapi"
	"github.com/quantbase/binancex/pkg/config"
	"github.com/quantbase/binancex/pkg/ratelimit"
)

var rootCmd = &cobra.Command{
	Use:   "binancex",
	Short: "binancex exchange client",
	Long:  "rate-limited REST and resilient streaming client for the exchange",

	// SilenceUsage is an option to silence usage when an error occurs.
	SilenceUsage: true,

	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "debug flag")
	rootCmd.PersistentFlags().String("config", "", "config file")

	rootCmd.PersistentFlags().String("binance-api-key", "", "binance api key")
	rootCmd.PersistentFlags().String("binance-api-secret", "", "binance api secret")
}

func Execute() {
	// load optional .env before viper reads the environment
	_ = godotenv.Load()

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		log.WithError(err).Errorf("failed to bind persistent flags. please check the flag settings.")
	}

	log.SetFormatter(&prefixed.TextFormatter{})

	if viper.GetBool("debug") {
		log.StandardLogger().SetLevel(log.DebugLevel)
	}

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatalf("cannot execute command")
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("config"))
}

func credentials() config.Credentials {
	creds := config.Credentials{
		Key:    viper.GetString("binance-api-key"),
		Secret: viper.GetString("binance-api-secret"),
	}
	if creds.Configured() {
		return creds
	}
	return config.CredentialsFromEnv()
}

// newExecutor assembles the REST stack from config and flags.
func newExecutor(cfg *config.Config) (*binanceapi.Executor, error) {
	client, err := binanceapi.NewClient(cfg.RestURL)
	if err != nil {
		return nil, err
	}
	client.HttpClient.Timeout = cfg.Timeout.Duration()

	creds := credentials()
	if creds.Configured() {
		client.Auth(creds.Key, creds.Secret)
	}

	buckets, err := cfg.BucketConfigs()
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.New(buckets)
	if err != nil {
		return nil, err
	}

	return binanceapi.NewExecutor(client, limiter), nil
}
