// Command keyhandler is the Lambda entry point for the key pair secret
// custom resource. It is built for the provided.al2023 runtime as "bootstrap".
package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"

	"github.com/onimenotsuki/keysely-n8n-infra/keyhandler"
)

func main() {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", "keyhandler").
		Logger()

	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load AWS configuration")
	}

	h := keyhandler.New(cfg, logger)
	lambda.Start(cfn.LambdaWrap(h.Handle))
}
