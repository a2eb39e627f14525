package broker

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"detectsvc/internal/domain"
)

func testHandler(p JobProcessor, pub ResultPublisher, opts HandlerOptions) *Handler {
	opts.RetryBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return NewHandler(p, pub, opts, zerolog.Nop())
}

func delivery(ack *fakeAck, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(body)}
}

const validJob = `{"bucket":"b","key":"in/beatles.jpeg","chatId":"chat-7","jobId":"j-1"}`

func TestHandleSuccessPublishesThenAcks(t *testing.T) {
	proc := &fakeProcessor{result: domain.Result{PredictionUID: "u1", DetectionCount: 2, Labels: []string{"cat", "dog"}}}
	pub := &fakePublisher{}
	ack := &fakeAck{}

	testHandler(proc, pub, HandlerOptions{}).Handle(context.Background(), delivery(ack, 1, validJob))

	if len(pub.sent) != 1 || pub.keys[0] != "chat-7" {
		t.Fatalf("published %+v with keys %v", pub.sent, pub.keys)
	}
	if res := pub.sent[0]; res.JobID == nil || *res.JobID != "j-1" || res.ChatID != "chat-7" {
		t.Fatalf("result correlation = %+v", res)
	}
	got := ack.all()
	if len(got) != 1 || !got[0].ack || got[0].tag != 1 {
		t.Fatalf("settlements = %+v", got)
	}
}

func TestHandleFailuresRequeueWithoutPublishing(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		procErr   error
		wantCalls int
	}{
		{name: "not json", body: `{"bucket":`, wantCalls: 0},
		{name: "missing chat id", body: `{"bucket":"b","key":"k"}`, wantCalls: 0},
		{name: "download failure", body: validJob, procErr: domain.ErrDownload, wantCalls: 1},
		{name: "persistence failure", body: validJob, procErr: domain.ErrPersistence, wantCalls: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			proc := &fakeProcessor{err: tc.procErr}
			pub := &fakePublisher{}
			ack := &fakeAck{}

			testHandler(proc, pub, HandlerOptions{}).Handle(context.Background(), delivery(ack, 9, tc.body))

			if len(proc.calls) != tc.wantCalls {
				t.Fatalf("process calls = %d, want %d", len(proc.calls), tc.wantCalls)
			}
			if pub.attempts != 0 {
				t.Fatalf("publish attempted %d times", pub.attempts)
			}
			got := ack.all()
			if len(got) != 1 || got[0].ack || !got[0].requeue {
				t.Fatalf("settlements = %+v, want one nack with requeue", got)
			}
		})
	}
}

func TestHandlePublishRetriesThenRequeues(t *testing.T) {
	proc := &fakeProcessor{result: domain.Result{PredictionUID: "u1"}}
	pub := &fakePublisher{failures: 10}
	ack := &fakeAck{}

	testHandler(proc, pub, HandlerOptions{PublishTries: 3}).Handle(context.Background(), delivery(ack, 2, validJob))

	if pub.attempts != 3 {
		t.Fatalf("publish attempts = %d, want 3", pub.attempts)
	}
	got := ack.all()
	if len(got) != 1 || got[0].ack || !got[0].requeue {
		t.Fatalf("settlements = %+v", got)
	}
}

func TestHandlePublishRecoversWithinRetries(t *testing.T) {
	proc := &fakeProcessor{result: domain.Result{PredictionUID: "u1"}}
	pub := &fakePublisher{failures: 2}
	ack := &fakeAck{}

	testHandler(proc, pub, HandlerOptions{PublishTries: 3}).Handle(context.Background(), delivery(ack, 3, validJob))

	if len(pub.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(pub.sent))
	}
	if got := ack.all(); len(got) != 1 || !got[0].ack {
		t.Fatalf("settlements = %+v", got)
	}
}

func TestHandleDeliveryLimit(t *testing.T) {
	tests := []struct {
		name        string
		headers     amqp.Table
		redelivered bool
		limit       int
		wantReject  bool
	}{
		{name: "unlimited", headers: amqp.Table{deliveryCountHeader: int64(50)}, limit: 0},
		{name: "below limit", headers: amqp.Table{deliveryCountHeader: int64(1)}, limit: 3},
		{name: "at limit", headers: amqp.Table{deliveryCountHeader: int64(3)}, limit: 3, wantReject: true},
		{name: "int32 header", headers: amqp.Table{deliveryCountHeader: int32(4)}, limit: 3, wantReject: true},
		{name: "redelivered flag only", redelivered: true, limit: 1, wantReject: true},
		{name: "first delivery", limit: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			proc := &fakeProcessor{result: domain.Result{PredictionUID: "u"}}
			ack := &fakeAck{}
			d := delivery(ack, 4, validJob)
			d.Headers = tc.headers
			d.Redelivered = tc.redelivered

			testHandler(proc, &fakePublisher{}, HandlerOptions{MaxDeliveries: tc.limit}).Handle(context.Background(), d)

			got := ack.all()
			if len(got) != 1 {
				t.Fatalf("settlements = %+v", got)
			}
			if tc.wantReject {
				if got[0].ack || got[0].requeue || len(proc.calls) != 0 {
					t.Fatalf("want dead-letter nack without processing, got %+v calls=%d", got[0], len(proc.calls))
				}
				return
			}
			if !got[0].ack {
				t.Fatalf("want ack, got %+v", got[0])
			}
		})
	}
}

func TestHandleCachedResultSkipsProcessing(t *testing.T) {
	job, err := domain.ParseJob([]byte(validJob))
	if err != nil {
		t.Fatal(err)
	}
	cache := &memCache{items: map[string]domain.Result{
		JobKey(job): {PredictionUID: "earlier", DetectionCount: 1, Labels: []string{"cat"}},
	}}
	proc := &fakeProcessor{}
	pub := &fakePublisher{}
	ack := &fakeAck{}

	testHandler(proc, pub, HandlerOptions{Cache: cache}).Handle(context.Background(), delivery(ack, 5, validJob))

	if len(proc.calls) != 0 {
		t.Fatalf("processor called for cached job")
	}
	if len(pub.sent) != 1 || pub.sent[0].PredictionUID != "earlier" || pub.sent[0].ChatID != "chat-7" {
		t.Fatalf("sent = %+v", pub.sent)
	}
	if got := ack.all(); len(got) != 1 || !got[0].ack {
		t.Fatalf("settlements = %+v", got)
	}
}

func TestHandleStoresResultBeforePublishing(t *testing.T) {
	cache := &memCache{items: map[string]domain.Result{}}
	proc := &fakeProcessor{result: domain.Result{PredictionUID: "u1"}}
	pub := &fakePublisher{failures: 5}

	testHandler(proc, pub, HandlerOptions{Cache: cache, PublishTries: 1}).Handle(context.Background(), delivery(&fakeAck{}, 6, validJob))

	if len(cache.items) != 1 {
		t.Fatalf("cache entries = %d, want 1", len(cache.items))
	}

	// the redelivery is answered from the cache
	pub.failures = 0
	ack := &fakeAck{}
	testHandler(proc, pub, HandlerOptions{Cache: cache}).Handle(context.Background(), delivery(ack, 7, validJob))
	if len(proc.calls) != 1 {
		t.Fatalf("process calls = %d, want 1", len(proc.calls))
	}
	if got := ack.all(); len(got) != 1 || !got[0].ack {
		t.Fatalf("settlements = %+v", got)
	}
}

func TestJobKey(t *testing.T) {
	id, other := "abc", "abd"
	base := domain.Job{Bucket: "b", Key: "k", ChatID: "c"}
	withID, withOther := base, base
	withID.JobID = &id
	withOther.JobID = &other

	keys := map[string]string{
		"no id":      JobKey(base),
		"id":         JobKey(withID),
		"other id":   JobKey(withOther),
		"other chat": JobKey(domain.Job{Bucket: "b", Key: "k", ChatID: "d", JobID: &id}),
		"other key":  JobKey(domain.Job{Bucket: "b", Key: "k2", ChatID: "c", JobID: &id}),
		"shifted":    JobKey(domain.Job{Bucket: "b", Key: "kc", ChatID: "", JobID: &id}),
	}
	seen := map[string]string{}
	for name, k := range keys {
		if len(k) != len("sha256:")+64 {
			t.Fatalf("%s: key %q", name, k)
		}
		if prev, dup := seen[k]; dup {
			t.Fatalf("%s and %s share key %q", name, prev, k)
		}
		seen[k] = name
	}
	if JobKey(withID) != JobKey(withID) {
		t.Fatal("JobKey is not stable")
	}
}

func TestHandleSharedJobIDDoesNotCrossChats(t *testing.T) {
	cache := &memCache{items: map[string]domain.Result{}}
	proc := &fakeProcessor{result: domain.Result{PredictionUID: "u1", Labels: []string{"cat"}}}
	pub := &fakePublisher{}
	h := testHandler(proc, pub, HandlerOptions{Cache: cache})

	ack := &fakeAck{}
	h.Handle(context.Background(), delivery(ack, 1, `{"bucket":"b","key":"alice/cat.jpg","chatId":"chat-alice","jobId":"1"}`))
	h.Handle(context.Background(), delivery(ack, 2, `{"bucket":"b","key":"bob/dog.png","chatId":"chat-bob","jobId":"1"}`))

	if len(proc.calls) != 2 {
		t.Fatalf("process calls = %d, want 2", len(proc.calls))
	}
	if proc.calls[1].Key != "bob/dog.png" {
		t.Fatalf("second job processed %q", proc.calls[1].Key)
	}
	if len(pub.keys) != 2 || pub.keys[0] != "chat-alice" || pub.keys[1] != "chat-bob" {
		t.Fatalf("routing keys = %v", pub.keys)
	}
	if got := ack.all(); len(got) != 2 || !got[0].ack || !got[1].ack {
		t.Fatalf("settlements = %+v", got)
	}
}

func TestNewHandlerWarnsAboutClassicQueueLimits(t *testing.T) {
	tests := []struct {
		limit int
		warn  bool
	}{
		{limit: 0},
		{limit: 1},
		{limit: 3, warn: true},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		NewHandler(&fakeProcessor{}, &fakePublisher{}, HandlerOptions{MaxDeliveries: tc.limit}, zerolog.New(&buf))
		if got := strings.Contains(buf.String(), "x-delivery-count"); got != tc.warn {
			t.Fatalf("limit %d: warned = %v, log = %q", tc.limit, got, buf.String())
		}
	}
}

func TestHandleLimitAboveOneWithoutHeaderKeepsRequeueing(t *testing.T) {
	proc := &fakeProcessor{err: domain.ErrDownload}
	ack := &fakeAck{}
	d := delivery(ack, 9, validJob)
	d.Redelivered = true

	testHandler(proc, &fakePublisher{}, HandlerOptions{MaxDeliveries: 2}).Handle(context.Background(), d)

	if len(proc.calls) != 1 {
		t.Fatalf("process calls = %d, want 1", len(proc.calls))
	}
	if got := ack.all(); len(got) != 1 || got[0].ack || !got[0].requeue {
		t.Fatalf("settlements = %+v", got)
	}
}
