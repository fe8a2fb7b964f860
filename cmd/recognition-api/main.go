package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/cellar-labs/wine-label-recognition/lib"
	"github.com/cellar-labs/wine-label-recognition/lib/recogniser"
	http_recogniser "github.com/cellar-labs/wine-label-recognition/lib/recogniser/http-recogniser"
	"github.com/cellar-labs/wine-label-recognition/lib/store"
)

// config structure
type recognitionAPIConfig struct {
	lib.BaseConfig `mapstructure:",squash"`
	Server         struct {
		HttpPort int `mapstructure:"http_port"`
	}
	Cors struct {
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	}
	RapidAPI    http_recogniser.RapidAPIConfig `mapstructure:"rapidapi"`
	Upload      uploadConfig
	DefaultTopK int `mapstructure:"default_top_k"`
	MaxTopK     int `mapstructure:"max_top_k"`
	Results     store.Config
}

var config recognitionAPIConfig

var defaultConfig = map[string]interface{}{
	"log_level": "info",
	"server": map[string]interface{}{
		"http_port": 8000,
	},
	"cors": map[string]interface{}{
		"allowed_origins": "*",
	},
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
	"upload": map[string]interface{}{
		"max_file_size_bytes":   10 * 1024 * 1024,
		"allowed_content_types": "image/jpeg,image/png,image/webp",
		"allowed_extensions":    ".jpg,.jpeg,.png,.webp",
	},
	"default_top_k": 5,
	"max_top_k":     10,
	"results": map[string]interface{}{
		"backend": string(store.File),
		"dir":     "results",
		"redis": map[string]interface{}{
			"host":       "localhost",
			"port":       6379,
			"key_prefix": "recognition:",
			"ttl":        "0s",
		},
		"elasticsearch": map[string]interface{}{
			"host":  "localhost",
			"port":  9200,
			"index": "recognition-results",
		},
		"postgres": map[string]interface{}{
			"dsn":   "",
			"table": "recognition_results",
		},
	},
}

func initConfig() {
	// Set default config values and unmarshal into our struct.
	err := lib.InitializeConfig("./config/recognition-api.yml", defaultConfig, &config)
	if err != nil {
		log.Fatal().Err(err).Send()
	}
}

func main() {
	initConfig()

	ctx, stop := lib.InterruptContext(context.Background())
	defer stop()

	results, err := store.New(ctx, config.Results)
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	c := controller{
		recogniser: recogniser.NewOrchestrator(http_recogniser.NewRapidAPIClient(config.RapidAPI), config.MaxTopK),
		store:      results,
		configured: config.RapidAPI.Configured(),
	}
	s := server{
		controller:  c,
		upload:      config.Upload,
		defaultTopK: config.DefaultTopK,
		maxTopK:     config.MaxTopK,
	}

	r := gin.New()
	r.Use(gin.LoggerWithFormatter(lib.JsonLogFormatter), gin.Recovery(), cors.New(corsConfig(config.Cors.AllowedOrigins)))
	s.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Server.HttpPort),
		Handler: r,
	}

	log.Info().
		Int("port", config.Server.HttpPort).
		Bool("credentials_configured", c.configured).
		Strs("cors_origins", config.Cors.AllowedOrigins).
		Str("results_backend", string(config.Results.Backend)).
		Msg("starting recognition api")
	if !c.configured {
		log.Warn().Msg("RAPIDAPI_KEY or RAPIDAPI_HOST is not set, recognition endpoints will return 503")
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Send()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down recognition api")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func corsConfig(origins []string) cors.Config {
	conf := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		conf.AllowAllOrigins = true
		return conf
	}
	conf.AllowOrigins = origins
	conf.AllowCredentials = true
	return conf
}
