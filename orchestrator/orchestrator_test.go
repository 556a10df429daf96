package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turbot/tailpipe-s3-sqs-ingest/codec"
	"github.com/turbot/tailpipe-s3-sqs-ingest/queue_poller"
	"github.com/turbot/tailpipe-s3-sqs-ingest/types"
)

type fakeQueue struct {
	mut      sync.Mutex
	messages []sqstypes.Message
	deleted  []string
}

func (q *fakeQueue) push(key string) {
	q.mut.Lock()
	defer q.mut.Unlock()
	body := `{"Records":[{"eventSource":"aws:s3","eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"b"},"object":{"key":"` + key + `","size":5}}}]}`
	q.messages = append(q.messages, sqstypes.Message{
		MessageId:     aws.String(key),
		ReceiptHandle: aws.String(key),
		Body:          aws.String(body),
	})
}

func (q *fakeQueue) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	q.mut.Lock()
	if len(q.messages) > 0 {
		msg := q.messages[0]
		q.messages = q.messages[1:]
		q.mut.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: []sqstypes.Message{msg}}, nil
	}
	q.mut.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return &sqs.ReceiveMessageOutput{}, nil
	}
}

func (q *fakeQueue) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	q.mut.Lock()
	defer q.mut.Unlock()
	q.deleted = append(q.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (q *fakeQueue) ChangeMessageVisibility(context.Context, *sqs.ChangeMessageVisibilityInput, ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (q *fakeQueue) GetQueueUrl(context.Context, *sqs.GetQueueUrlInput, ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	return nil, errors.New("not implemented")
}

func (q *fakeQueue) deletedCount() int {
	q.mut.Lock()
	defer q.mut.Unlock()
	return len(q.deleted)
}

type fakeFetcher struct {
	mut        sync.Mutex
	fail       map[string]error
	scratch    []string
	deletedRef []string
	deleteErrs []error
}

func (f *fakeFetcher) Fetch(_ context.Context, item *types.WorkItem) error {
	f.mut.Lock()
	f.scratch = append(f.scratch, item.LocalPath)
	err := f.fail[item.Key]
	f.mut.Unlock()
	if writeErr := os.WriteFile(item.LocalPath, []byte("data\n"), 0600); writeErr != nil {
		return writeErr
	}
	return err
}

func (f *fakeFetcher) Delete(ctx context.Context, ref types.ObjectReference) {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.deletedRef = append(f.deletedRef, ref.Key)
	f.deleteErrs = append(f.deleteErrs, ctx.Err())
}

type fakeProcessor struct {
	mut     sync.Mutex
	workers map[string]struct{}
	items   []*types.WorkItem
	block   bool

	// called once the item is processed, before returning
	onProcessed func()
}

func (p *fakeProcessor) Process(ctx context.Context, item *types.WorkItem) error {
	if _, err := os.Stat(item.LocalPath); err != nil {
		return fmt.Errorf("scratch file missing: %w", err)
	}
	p.mut.Lock()
	p.items = append(p.items, item)
	p.mut.Unlock()
	if p.block {
		// ignores cancellation
		time.Sleep(time.Second)
	}
	if p.onProcessed != nil {
		p.onProcessed()
	}
	return nil
}

func (p *fakeProcessor) count() int {
	p.mut.Lock()
	defer p.mut.Unlock()
	return len(p.items)
}

func newCodecFactory(t *testing.T) *codec.Factory {
	t.Helper()
	registry, err := codec.NewRegistry(nil)
	require.NoError(t, err)
	routes, err := codec.NewRoutingTable([]*codec.RouteConfig{{Folder: aws.String("json"), Codec: "json", Type: aws.String("app")}})
	require.NoError(t, err)
	f, err := codec.NewFactory(registry, routes, "plain")
	require.NoError(t, err)
	return f
}

func newTestOrchestrator(t *testing.T, queue *fakeQueue, fetcher *fakeFetcher, processor *fakeProcessor, shutdownTimeout time.Duration) (*Orchestrator, string) {
	scratch := t.TempDir()
	o := New(Config{
		Workers:         3,
		ScratchDir:      scratch,
		ShutdownTimeout: shutdownTimeout,
		BackoffInitial:  time.Millisecond,
		BackoffMax:      time.Millisecond,
		Poller: queue_poller.Options{
			QueueUrl:          "https://sqs.example/queue",
			VisibilityTimeout: time.Minute,
			MaxProcessingTime: time.Hour,
			FolderMode:        types.FolderModeParent,
		},
	}, queue, newCodecFactory(t), fetcher, processor, nil)
	return o, scratch
}

func TestOrchestrator_ProcessesAllMessages(t *testing.T) {
	queue := &fakeQueue{}
	keys := []string{"logs/a.log", "logs/b.log.gz", "json/c.json", "d.log", "logs/e.log"}
	for _, k := range keys {
		queue.push(k)
	}
	fetcher := &fakeFetcher{fail: map[string]error{"d.log": errors.New("download failed")}}
	processor := &fakeProcessor{}
	o, scratch := newTestOrchestrator(t, queue, fetcher, processor, 2*time.Second)

	done := make(chan error)
	go func() {
		done <- o.Run(context.Background())
	}()

	require.Eventually(t, func() bool { return queue.deletedCount() == 4 }, 2*time.Second, 5*time.Millisecond)
	o.Stop()
	require.NoError(t, <-done)

	assert.Equal(t, 4, processor.count())
	assert.ElementsMatch(t, []string{"logs/a.log", "logs/b.log.gz", "json/c.json", "logs/e.log"}, queue.deleted)
	assert.ElementsMatch(t, []string{"logs/a.log", "logs/b.log.gz", "json/c.json", "logs/e.log"}, fetcher.deletedRef)

	for _, item := range processor.items {
		// scratch names are unique and keep the object suffix
		assert.True(t, strings.HasSuffix(item.LocalPath, "_"+filepath.Base(item.Key)))
		assert.True(t, strings.HasPrefix(filepath.Base(filepath.Dir(item.LocalPath)), "worker-"))
		if item.Key == "json/c.json" {
			assert.Equal(t, "json", item.Codec.Identifier())
			assert.Equal(t, "app", item.Type)
		} else {
			assert.Equal(t, "plain", item.Codec.Identifier())
			assert.Empty(t, item.Type)
		}
	}

	// every scratch file, including the failed download, is removed, as are the worker dirs
	for _, path := range fetcher.scratch {
		assert.NoFileExists(t, path)
	}
	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOrchestrator_StopsWhenContextCancelled(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeQueue{}, &fakeFetcher{}, &fakeProcessor{}, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() {
		done <- o.Run(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
}

func TestOrchestrator_ShutdownTimeout(t *testing.T) {
	queue := &fakeQueue{}
	queue.push("slow.log")
	processor := &fakeProcessor{block: true}
	o, _ := newTestOrchestrator(t, queue, &fakeFetcher{}, processor, 50*time.Millisecond)

	done := make(chan error)
	go func() {
		done <- o.Run(context.Background())
	}()
	require.Eventually(t, func() bool { return processor.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	o.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrShutdownTimeout)
	case <-time.After(900 * time.Millisecond):
		t.Fatal("shutdown timeout was not applied")
	}
}

func TestHandleRecord_StorageDeleteSurvivesShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := &fakeFetcher{}
	// shutdown arrives after the file is fully processed
	processor := &fakeProcessor{onProcessed: cancel}
	o := New(Config{Workers: 1}, &fakeQueue{}, newCodecFactory(t), fetcher, processor, nil)

	ref := types.NewObjectReference("b", "logs/a.log", 5, types.FolderModeParent, "")
	require.NoError(t, o.handleRecord(ctx, t.TempDir(), ref))

	require.Equal(t, []string{"logs/a.log"}, fetcher.deletedRef)
	assert.NoError(t, fetcher.deleteErrs[0])
}
