// Command lambda is the event-triggered single-job entry point (spec §6):
// an SQS-triggered Lambda that runs the jobs of the SQS batch it is
// invoked with through the transfer engine, one after another, instead of
// the worker's long-poll loop.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"

	"s3xfer/internal/bookkeeping"
	"s3xfer/internal/config"
	"s3xfer/internal/engine"
	"s3xfer/internal/objectstore"
	"s3xfer/internal/queue"
	"s3xfer/internal/secrets"
	"s3xfer/internal/xlog"
)

var machine *engine.Machine

func init() {
	cfg := config.Load()
	xlog.Default = xlog.New(os.Stdout, xlog.ParseLevel(cfg.LoggingLevel))

	queue.DefaultDestBucket = os.Getenv("DES_BUCKET_DEFAULT")
	queue.DefaultDestPrefix = os.Getenv("DES_PREFIX_DEFAULT")

	ctx := context.Background()

	sourceCfg, err := secrets.LoadAWSConfig(ctx, secrets.Endpoint{}, "SRC")
	if err != nil {
		panic(fmt.Sprintf("load source aws config: %v", err))
	}

	controlCfg, err := secrets.LoadAWSConfig(ctx, secrets.Endpoint{}, "AWS")
	if err != nil {
		panic(fmt.Sprintf("load control-plane aws config: %v", err))
	}
	recorder := bookkeeping.New(dynamodb.NewFromConfig(controlCfg), mustEnv("BOOKKEEPING_TABLE"))

	destEp := secrets.Endpoint{
		AccessKeyID:     os.Getenv("DES_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("DES_SECRET_ACCESS_KEY"),
		Region:          os.Getenv("DES_REGION"),
	}
	if param := os.Getenv("DES_CREDENTIALS_SSM_PARAM"); param != "" {
		destEp, err = secrets.NewParameterStore(ssm.NewFromConfig(controlCfg)).LoadEndpoint(ctx, param)
		if err != nil {
			panic(fmt.Sprintf("load destination credentials from ssm parameter %s: %v", param, err))
		}
	}
	destCfg, err := secrets.LoadAWSConfig(ctx, destEp, "DES")
	if err != nil {
		panic(fmt.Sprintf("load destination aws config: %v", err))
	}

	machine = &engine.Machine{
		Source:      objectstore.New(s3.NewFromConfig(sourceCfg)),
		Dest:        objectstore.New(s3.NewFromConfig(destCfg)),
		Bookkeeping: recorder,
		WorkerID:    "lambda-" + uuid.NewString(),
		Config: engine.Config{
			ChunkSize:             cfg.ChunkSize,
			ResumableThreshold:    cfg.ResumableThreshold,
			MaxRetry:              cfg.MaxRetry,
			MaxConcurrency:        cfg.MaxConcurrency,
			JobTimeout:            cfg.JobTimeout,
			VerifyDigestTwice:     cfg.VerifyDigestTwice,
			DefaultStorageClass:   cfg.StorageClass,
			CleanUnfinishedUpload: cfg.CleanUnfinishedUpload,
		},
	}
}

// handle runs every message in the batch through the engine. A single
// failed message fails the whole invocation (spec's TimeoutOrMaxRetry
// behavior) so the Lambda's own retry/DLQ policy takes over — this
// entry point does not re-implement queue visibility bookkeeping itself.
func handle(ctx context.Context, event events.SQSEvent) error {
	for _, rec := range event.SQS {
		job, err := queue.ParseJobMessage(rec.Body)
		if err != nil {
			xlog.Warn("skipping unparsable message: %v", err)
			continue
		}
		if job.Size == 0 {
			xlog.Info("zero size file, skipping %s", job.Identity())
			continue
		}

		xlog.Info("starting %s, size=%d", job.Identity(), job.Size)
		outcome := machine.RunObject(ctx, job)
		xlog.Info("finished %s: %s", job.Identity(), outcome.Status())

		if !outcome.IsDone() {
			return fmt.Errorf("job %s ended in %s", job.Identity(), outcome.Status())
		}
	}
	return nil
}

func mustEnv(name string) string {
	v := os.Getenv(name)
	if v == "" {
		panic(fmt.Sprintf("%s environment variable is required", name))
	}
	return v
}

func main() {
	lambda.Start(handle)
}
