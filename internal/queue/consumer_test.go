package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	liveerr "sensorstate-gateway/internal/errors"
	"sensorstate-gateway/internal/ingest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockSQS serves queued batches, then blocks like a long poll until ctx ends.
type mockSQS struct {
	sqsiface.SQSAPI

	mu       sync.Mutex
	batches  [][]*sqs.Message
	failures int
	deleted  []string
}

func (m *mockSQS) ReceiveMessageWithContext(ctx aws.Context, in *sqs.ReceiveMessageInput, _ ...request.Option) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	if m.failures > 0 {
		m.failures--
		m.mu.Unlock()
		return nil, awserr.New(sqs.ErrCodeOverLimit, "throttled", nil)
	}
	if len(m.batches) > 0 {
		b := m.batches[0]
		m.batches = m.batches[1:]
		m.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: b}, nil
	}
	m.mu.Unlock()
	<-ctx.Done()
	return nil, awserr.New(request.CanceledErrorCode, "canceled", ctx.Err())
}

func (m *mockSQS) DeleteMessageWithContext(ctx aws.Context, in *sqs.DeleteMessageInput, _ ...request.Option) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, aws.StringValue(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockSQS) deletedHandles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

type fakeIngester struct {
	mu     sync.Mutex
	bodies []string
}

func (f *fakeIngester) Ingest(ctx context.Context, source string, raw []byte) (ingest.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies = append(f.bodies, source+":"+string(raw))
	if string(raw) == "bad" {
		return ingest.Result{}, liveerr.MalformedMessage("bad")
	}
	return ingest.Result{Accepted: 1, Applied: 1}, nil
}

func message(id, body string) *sqs.Message {
	return &sqs.Message{MessageId: aws.String(id), ReceiptHandle: aws.String("rh-" + id), Body: aws.String(body)}
}

func TestConsumerIngestsAndDeletes(t *testing.T) {
	svc := &mockSQS{batches: [][]*sqs.Message{
		{message("1", `{"idMachine":"M1"}`), message("2", "bad")},
		{message("3", `[]`)},
	}}
	ing := &fakeIngester{}
	c := NewConsumer(svc, "https://sqs.local/queue", 1, ing)

	done := make(chan error)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(svc.deletedHandles()) == 3 }, 2*time.Second, 5*time.Millisecond)
	c.Stop()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"rh-1", "rh-2", "rh-3"}, svc.deletedHandles())
	assert.Equal(t, `sqs:{"idMachine":"M1"}`, ing.bodies[0])
}

func TestConsumerBacksOffOnReceiveErrors(t *testing.T) {
	svc := &mockSQS{failures: 1, batches: [][]*sqs.Message{{message("1", "x")}}}
	c := NewConsumer(svc, "q", 1, &fakeIngester{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(svc.deletedHandles()) == 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	c.Stop()
}

func TestNewSQSClient(t *testing.T) {
	client, err := NewSQSClient("eu-west-1", "http://localhost:4566")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4566", client.Endpoint)
}
