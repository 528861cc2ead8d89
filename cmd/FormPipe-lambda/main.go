// Command FormPipe-lambda serves the FormPipe API behind AWS API Gateway.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/BTreeMap/FormPipe/internal/bootstrap"
	"github.com/aws/aws-lambda-go/lambda"
)

func main() {
	bootstrap.InitializeLogger()
	config := bootstrap.LoadEnvironmentConfig()
	bootstrap.SetLogLevel(config.LogLevel)

	app, err := bootstrap.Build(context.Background(), config)
	if err != nil {
		slog.Error("FormPipe-lambda failed to start", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	lambda.Start(app.Server.LambdaHandler())
}
