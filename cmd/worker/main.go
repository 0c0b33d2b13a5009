// Command worker runs one job-loop process: long-poll the queue, drive
// each job through the transfer engine, delete on success.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"

	"s3xfer/internal/bookkeeping"
	"s3xfer/internal/config"
	"s3xfer/internal/engine"
	"s3xfer/internal/jobloop"
	"s3xfer/internal/objectstore"
	"s3xfer/internal/queue"
	"s3xfer/internal/secrets"
	"s3xfer/internal/statusapi"
	"s3xfer/internal/xlog"
)

func main() {
	cfg := config.Load()
	xlog.Default = xlog.New(os.Stdout, xlog.ParseLevel(cfg.LoggingLevel))

	queueURL := requireEnv("QUEUE_URL")
	tableName := requireEnv("BOOKKEEPING_TABLE")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		xlog.Info("shutdown signal received, cancelling in-flight job")
		cancel()
	}()

	sourceCfg, err := secrets.LoadAWSConfig(ctx, secrets.Endpoint{Region: os.Getenv("SRC_REGION")}, "SRC")
	if err != nil {
		log.Fatalf("load source aws config: %v", err)
	}

	controlCfg, err := secrets.LoadAWSConfig(ctx, secrets.Endpoint{Region: os.Getenv("AWS_REGION")}, "AWS")
	if err != nil {
		log.Fatalf("load control-plane aws config: %v", err)
	}
	sqsClient := sqs.NewFromConfig(controlCfg)
	ddbClient := dynamodb.NewFromConfig(controlCfg)

	destEp := secrets.Endpoint{Region: os.Getenv("DES_REGION")}
	if param := os.Getenv("DES_CREDENTIALS_SSM_PARAM"); param != "" {
		destEp, err = secrets.NewParameterStore(ssm.NewFromConfig(controlCfg)).LoadEndpoint(ctx, param)
		if err != nil {
			log.Fatalf("load destination credentials from ssm parameter %s: %v", param, err)
		}
	}
	destCfg, err := secrets.LoadAWSConfig(ctx, destEp, "DES")
	if err != nil {
		log.Fatalf("load destination aws config: %v", err)
	}

	sourceClient := objectstore.New(s3.NewFromConfig(sourceCfg))
	destClient := objectstore.New(s3.NewFromConfig(destCfg))

	q := queue.New(sqsClient, queueURL)
	recorder := bookkeeping.New(ddbClient, tableName)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID = uuid.NewString()
	}

	machine := &engine.Machine{
		Source:      sourceClient,
		Dest:        destClient,
		Bookkeeping: recorder,
		WorkerID:    workerID,
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

	if port := os.Getenv("STATUS_PORT"); port != "" {
		router := statusapi.NewRouter(&statusapi.Server{Bookkeeping: recorder})
		go func() {
			if err := router.Run(":" + port); err != nil {
				xlog.Error("status api server stopped: %v", err)
			}
		}()
	}

	xlog.Info("worker %s starting, queue=%s table=%s", workerID, queueURL, tableName)
	loop := jobloop.New(q, machine)
	loop.Run(ctx)
	xlog.Info("worker %s stopped", workerID)
}

func requireEnv(name string) string {
	v := os.Getenv(name)
	if v == "" {
		log.Fatal(fmt.Sprintf("%s environment variable is required", name))
	}
	return v
}
