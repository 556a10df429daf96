package queue_poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type visibilityChange struct {
	receiptHandle string
	seconds       int32
}

type fakeSQS struct {
	mut         sync.Mutex
	messages    []sqstypes.Message
	receiveErrs []error
	deleteErr   error
	nextId      int

	receives          int
	deleted           []string
	visibilityChanges []visibilityChange
	lastReceive       *sqs.ReceiveMessageInput
}

func (f *fakeSQS) push(body string) string {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.nextId++
	handle := "receipt-" + string(rune('a'+f.nextId-1))
	f.messages = append(f.messages, sqstypes.Message{
		MessageId:     aws.String(handle),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(body),
	})
	return handle
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mut.Lock()
	f.receives++
	f.lastReceive = params
	if len(f.receiveErrs) > 0 {
		err := f.receiveErrs[0]
		f.receiveErrs = f.receiveErrs[1:]
		f.mut.Unlock()
		return nil, err
	}
	if len(f.messages) > 0 {
		msg := f.messages[0]
		f.messages = f.messages[1:]
		f.mut.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: []sqstypes.Message{msg}}, nil
	}
	f.mut.Unlock()

	// simulate a short long poll
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return &sqs.ReceiveMessageOutput{}, nil
	}
}

func (f *fakeSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, params *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.visibilityChanges = append(f.visibilityChanges, visibilityChange{aws.ToString(params.ReceiptHandle), params.VisibilityTimeout})
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, params *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	if aws.ToString(params.QueueName) == "missing" {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("no such queue")}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.eu-west-1.amazonaws.com/123456789012/" + aws.ToString(params.QueueName))}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mut.Lock()
	defer f.mut.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeSQS) receiveCount() int {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.receives
}

func (f *fakeSQS) pending() int {
	f.mut.Lock()
	defer f.mut.Unlock()
	return len(f.messages)
}

var errThrottled = errors.New("throttled")
