package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cellar-labs/wine-label-recognition/lib"
	"github.com/cellar-labs/wine-label-recognition/lib/recogniser"
	http_recogniser "github.com/cellar-labs/wine-label-recognition/lib/recogniser/http-recogniser"
)

type recogniseConfig struct {
	lib.BaseConfig `mapstructure:",squash"`
	RapidAPI       http_recogniser.RapidAPIConfig `mapstructure:"rapidapi"`
	DefaultTopK    int                            `mapstructure:"default_top_k"`
	MaxTopK        int                            `mapstructure:"max_top_k"`
}

var defaultConfig = map[string]interface{}{
	"log_level": "warn",
	"rapidapi": map[string]interface{}{
		"key":                 "",
		"host":                "",
		"base_url":            "https://wine-recognition2.p.rapidapi.com",
		"results_path":        "/v1/results",
		"version_path":        "/v1/version",
		"timeout":             "10s",
		"max_retries":         1,
		"retry_backoff":       "0s",
		"requests_per_second": 0,
	},
	"default_top_k": 5,
	"max_top_k":     10,
}

type cli struct {
	configPath string
	topK       int
	includeRaw bool

	conf         recogniseConfig
	orchestrator *recogniser.Orchestrator
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:               "recognise",
		Short:             "Identify a wine from a photo of its label",
		SilenceUsage:      true,
		PersistentPreRunE: c.load,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "./config/recognition-api.yml", "The config file path.")
	root.PersistentFlags().IntVarP(&c.topK, "top-k", "k", 0, "number of candidates to return (default from config)")
	root.PersistentFlags().BoolVar(&c.includeRaw, "raw", false, "include the provider's raw response")

	root.AddCommand(c.fileCmd(), c.urlCmd())
	return root
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
