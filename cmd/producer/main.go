// Command producer lists the source and destination buckets, computes
// the delta, and enqueues the difference. With SCHEDULE_CRON set it
// keeps running and re-does the comparison on that interval instead of
// exiting after one pass.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"s3xfer/internal/bookkeeping"
	"s3xfer/internal/objectstore"
	"s3xfer/internal/producer"
	"s3xfer/internal/queue"
	"s3xfer/internal/scheduler"
	"s3xfer/internal/secrets"
	"s3xfer/internal/xlog"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	pair := producer.BucketPair{
		SrcBucket: requireEnv("SRC_BUCKET"),
		SrcPrefix: os.Getenv("SRC_PREFIX"),
		DesBucket: requireEnv("DES_BUCKET"),
		DesPrefix: os.Getenv("DES_PREFIX"),
	}

	sourceCfg, err := secrets.LoadAWSConfig(ctx, secrets.Endpoint{Region: os.Getenv("SRC_REGION")}, "SRC")
	if err != nil {
		log.Fatalf("load source aws config: %v", err)
	}
	controlCfg, err := secrets.LoadAWSConfig(ctx, secrets.Endpoint{Region: os.Getenv("AWS_REGION")}, "AWS")
	if err != nil {
		log.Fatalf("load control-plane aws config: %v", err)
	}

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

	p := &producer.Producer{
		Source:      objectstore.New(s3.NewFromConfig(sourceCfg)),
		Dest:        objectstore.New(s3.NewFromConfig(destCfg)),
		Queue:       queue.New(sqs.NewFromConfig(controlCfg), requireEnv("QUEUE_URL")),
		Bookkeeping: bookkeeping.New(dynamodb.NewFromConfig(controlCfg), requireEnv("BOOKKEEPING_TABLE")),
	}

	cronExpr := os.Getenv("SCHEDULE_CRON")
	if cronExpr == "" {
		n, err := p.Run(ctx, pair)
		if err != nil {
			log.Fatalf("producer run failed: %v", err)
		}
		xlog.Info("enqueued %d jobs", n)
		return
	}

	sched := scheduler.New(producer.ScheduledRun{Producer: p, Pair: pair})
	if err := sched.Start(ctx, cronExpr); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}
	xlog.Info("producer scheduled on %q", cronExpr)
	<-ctx.Done()
	sched.Stop()
}

func requireEnv(name string) string {
	v := os.Getenv(name)
	if v == "" {
		log.Fatalf("%s environment variable is required", name)
	}
	return v
}
