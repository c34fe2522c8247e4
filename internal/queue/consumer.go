// internal/queue/consumer.go
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/sirupsen/logrus"

	liveerr "sensorstate-gateway/internal/errors"
	"sensorstate-gateway/internal/ingest"
	"sensorstate-gateway/internal/logging"
)

const (
	maxMessages  = 10
	errorBackoff = time.Second
	sourceSQS    = "sqs"
)

// Ingester is the pipeline each message body is fed to.
type Ingester interface {
	Ingest(ctx context.Context, source string, raw []byte) (ingest.Result, error)
}

// Consumer long-polls an SQS queue and feeds every message body to the
// ingestion pipeline. Messages are deleted once processed, including
// malformed ones, which would never succeed on redelivery.
type Consumer struct {
	sqsService  sqsiface.SQSAPI
	queueURL    string
	waitSeconds int64
	ingester    Ingester
	log         *logrus.Entry

	stopChannel chan struct{}
	stopOnce    sync.Once
	waitGroup   sync.WaitGroup
}

// NewSQSClient creates an SQS client. endpoint overrides the AWS endpoint,
// e.g. for a local emulator.
func NewSQSClient(region, endpoint string) (*sqs.SQS, error) {
	cfg := &aws.Config{}
	if region != "" {
		cfg.Region = aws.String(region)
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	s, err := session.NewSession(cfg)
	if err != nil {
		return nil, liveerr.Wrap(err, liveerr.CodeConfigInvalid, "cannot create AWS session")
	}
	return sqs.New(s), nil
}

func NewConsumer(svc sqsiface.SQSAPI, queueURL string, waitSeconds int, ingester Ingester) *Consumer {
	return &Consumer{
		sqsService:  svc,
		queueURL:    queueURL,
		waitSeconds: int64(waitSeconds),
		ingester:    ingester,
		log:         logging.NewLogger("queue").WithField("queue", queueURL),
		stopChannel: make(chan struct{}),
	}
}

// Run consumes until ctx is cancelled or Stop is called.
func (q *Consumer) Run(ctx context.Context) error {
	q.waitGroup.Add(1)
	defer q.waitGroup.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.stopChannel:
			cancel()
		case <-ctx.Done():
		}
	}()

	q.log.Info("consumer started")
	for {
		if ctx.Err() != nil {
			q.log.Info("stopping the consumer")
			return nil
		}

		resp, err := q.sqsService.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: aws.Int64(maxMessages),
			WaitTimeSeconds:     aws.Int64(q.waitSeconds),
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			q.logReceiveError(err)
			select {
			case <-time.After(errorBackoff):
			case <-ctx.Done():
			}
			continue
		}

		for _, msg := range resp.Messages {
			q.process(ctx, msg)
		}
	}
}

func (q *Consumer) process(ctx context.Context, msg *sqs.Message) {
	log := q.log.WithField("message_id", aws.StringValue(msg.MessageId))
	res, err := q.ingester.Ingest(ctx, sourceSQS, []byte(aws.StringValue(msg.Body)))
	if err != nil {
		log.WithError(err).Warn("dropping message without valid readings")
	} else {
		log.WithField("accepted", res.Accepted).WithField("applied", res.Applied).Debug("message ingested")
	}

	// Deletion must survive shutdown so the message is not redelivered.
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := q.sqsService.DeleteMessageWithContext(delCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		log.WithError(err).Warn("deleting message failed")
	}
}

func (q *Consumer) logReceiveError(err error) {
	entry := q.log.WithError(err)
	if awsErr, ok := err.(awserr.Error); ok {
		entry = entry.WithField("aws_code", awsErr.Code())
		if reqErr, ok := err.(awserr.RequestFailure); ok {
			entry = entry.WithField("status", reqErr.StatusCode()).WithField("request_id", reqErr.RequestID())
		}
	}
	entry.Warn("receiving messages failed")
}

// Stop signals Run to return and waits for it.
func (q *Consumer) Stop() {
	q.stopOnce.Do(func() { close(q.stopChannel) })
	q.waitGroup.Wait()
}
