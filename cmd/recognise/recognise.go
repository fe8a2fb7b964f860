package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cellar-labs/wine-label-recognition/lib"
	"github.com/cellar-labs/wine-label-recognition/lib/recogniser"
	http_recogniser "github.com/cellar-labs/wine-label-recognition/lib/recogniser/http-recogniser"
)

func (c *cli) load(cmd *cobra.Command, _ []string) error {
	if err := lib.LoadConfig(c.configPath, defaultConfig, &c.conf); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !c.conf.RapidAPI.Configured() {
		return errors.New("RAPIDAPI_KEY and RAPIDAPI_HOST must be set")
	}
	if c.topK == 0 {
		c.topK = c.conf.DefaultTopK
	}
	if c.topK < 1 || c.topK > c.conf.MaxTopK {
		return fmt.Errorf("--top-k must be between 1 and %d", c.conf.MaxTopK)
	}
	c.orchestrator = recogniser.NewOrchestrator(http_recogniser.NewRapidAPIClient(c.conf.RapidAPI), c.conf.MaxTopK)
	return nil
}

func (c *cli) fileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "file [path]",
		Short: "Recognise a label from a local image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read image: %w", err)
			}
			if len(data) == 0 {
				return errors.New("image file is empty")
			}

			contentType := mime.TypeByExtension(filepath.Ext(args[0]))
			if contentType == "" {
				contentType = "image/jpeg"
			}
			return c.run(cmd, recogniser.FileSource(recogniser.Image{
				Data:        data,
				Filename:    filepath.Base(args[0]),
				ContentType: contentType,
			}))
		},
	}
}

func (c *cli) urlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "url [url]",
		Short: "Recognise a label from an image URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, recogniser.URLSource(args[0]))
		},
	}
}

func (c *cli) run(cmd *cobra.Command, src recogniser.Source) error {
	result, err := c.orchestrator.Recognise(cmd.Context(), src, recogniser.Options{
		Limit:      c.topK,
		IncludeRaw: c.includeRaw,
	})
	if err != nil {
		return fmt.Errorf("recognition failed: %w", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
