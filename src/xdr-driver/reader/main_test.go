package reader

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/cskr/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/windvane/xdr-driver/src/xdr-driver/queue"
	"github.com/windvane/xdr-driver/src/xdr-driver/sensor"
)

func testLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("test", true)
}

func nmeaLine(payload string) string {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X\r\n", payload, ck)
}

// scriptedSource plays back chunks, simulating read timeouts with empty
// chunks, then reports end-of-stream.
type scriptedSource struct {
	chunks []string
}

func (src *scriptedSource) Read(p []byte) (int, error) {
	if len(src.chunks) == 0 {
		return 0, io.EOF
	}
	chunk := src.chunks[0]
	src.chunks = src.chunks[1:]
	if chunk == "" {
		return 0, nil
	}
	return copy(p, chunk), nil
}

func (src *scriptedSource) Close() error { return nil }

func TestStream_QueuesMappedBatches(t *testing.T) {
	q := queue.New(8)
	task := NewTask(testLog(), Config{
		Sensors: sensor.Map{
			"pressure": {TypeCode: 'P'},
			"outTemp":  {TypeCode: 'C'},
		},
	}, q, nil)

	src := &scriptedSource{chunks: []string{
		nmeaLine("WIXDR,P,1.0213,B,Barometer"),
		"", // idle read must not end the stream
		"$WIXDR,C,21.5,C,TempSensor\r\n", // checksum absent, still valid
		nmeaLine("WIMWV,021,R,1.2,M,A"),  // other sentence types are routine
		"garbage\r\n",
		nmeaLine("WIXDR,H,42.0,P,Hygro"), // decodes, but unmapped
	}}

	err := task.stream(context.Background(), src)
	if err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}

	if got := task.Sentences(); got != 3 {
		t.Fatalf("expected 3 accepted XDR sentences, got %d", got)
	}

	drained := q.Drain(10)
	if len(drained) != 2 {
		t.Fatalf("expected 2 queued batches, got %+v", drained)
	}
	if drained[0].Values["pressure"] != 1.0213 {
		t.Fatalf("unexpected first batch: %+v", drained[0])
	}
	if drained[1].Values["outTemp"] != 21.5 {
		t.Fatalf("unexpected second batch: %+v", drained[1])
	}
}

func TestStream_PublishesBatchesOnBroker(t *testing.T) {
	broker := pubsub.New(8)
	defer broker.Shutdown()
	rx := broker.Sub(BrokerTopicBatches)

	q := queue.New(8)
	task := NewTask(testLog(), Config{
		Sensors: sensor.Map{"pressure": {TypeCode: 'P'}},
	}, q, broker)

	src := &scriptedSource{chunks: []string{nmeaLine("WIXDR,P,1.0213,B,Barometer")}}
	if err := task.stream(context.Background(), src); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}

	select {
	case message := <-rx:
		batch, ok := message.(queue.Batch)
		if !ok {
			t.Fatalf("unexpected message type: %T", message)
		}
		if batch.Values["pressure"] != 1.0213 {
			t.Fatalf("unexpected batch: %+v", batch)
		}
	case <-time.After(time.Second):
		t.Fatalf("no batch published")
	}
}

// neverReady simulates a permanently quiet bus.
type neverReady struct{}

func (neverReady) Read(p []byte) (int, error) { return 0, nil }
func (neverReady) Close() error               { return nil }

func TestStream_ObservesCancellationWhileIdle(t *testing.T) {
	q := queue.New(1)
	task := NewTask(testLog(), Config{}, q, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- task.stream(ctx, neverReady{})
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancellation is not an error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("stream did not observe cancellation")
	}
}

func TestRun_RetriesOpenFailureUntilCancelled(t *testing.T) {
	dials := make(chan struct{}, 16)
	task := NewTask(testLog(), Config{
		Dial: func() (io.ReadCloser, error) {
			dials <- struct{}{}
			return nil, fmt.Errorf("device not present")
		},
	}, queue.New(1), nil)

	ctx, cancel := context.WithCancel(context.Background())
	task.Start(ctx)

	select {
	case <-dials:
	case <-time.After(time.Second):
		t.Fatalf("task never attempted to open the source")
	}

	if state := task.State(); state != Connecting {
		t.Fatalf("expected Connecting while retrying, got %v", state)
	}

	cancel()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not stop after cancellation")
	}

	if state := task.State(); state != Disconnected {
		t.Fatalf("expected Disconnected after stop, got %v", state)
	}
}

func TestRun_ReconnectsAfterStreamFailure(t *testing.T) {
	dials := make(chan struct{}, 16)
	task := NewTask(testLog(), Config{
		Sensors: sensor.Map{"pressure": {TypeCode: 'P'}},
		Dial: func() (io.ReadCloser, error) {
			dials <- struct{}{}
			// Each connection delivers one sentence, then breaks.
			return &scriptedSource{chunks: []string{nmeaLine("WIXDR,P,1.0,B,Barometer")}}, nil
		},
	}, queue.New(8), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	task.Start(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-dials:
		case <-time.After(5 * time.Second):
			t.Fatalf("expected reconnect attempt %d", i+1)
		}
	}
}
