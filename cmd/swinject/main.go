// Command swinject writes public/sw.build.js from public/sw.js with every
// process.env.NAME replaced by its build-time value.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"swcache/internal/inject"
)

func main() {
	_ = godotenv.Load()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	res, err := inject.File(inject.TemplatePath, inject.ArtifactPath, os.LookupEnv, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("swinject")
	}
	logger.Info().
		Str("out", inject.ArtifactPath).
		Int("missing", len(res.Missing)).
		Msg("worker script built")
}
