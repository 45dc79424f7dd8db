package xdr

/* Consumer-facing entry point to the XDR pipeline.

A Handle owns the hand-off queue, the broker and the background reader
task. The host calls Drain once per data cycle; live subscribers can
additionally follow batches as they are accepted.

*/

import (
	"context"
	"errors"
	"time"

	"github.com/cskr/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/windvane/xdr-driver/src/xdr-driver/config"
	"github.com/windvane/xdr-driver/src/xdr-driver/queue"
	"github.com/windvane/xdr-driver/src/xdr-driver/reader"
	"github.com/windvane/xdr-driver/src/xdr-driver/sensor"
)

// Handle for managing the XDR pipeline
type Handle struct {
	log *logrus.Entry
	cfg config.Config

	queue  *queue.Queue
	task   *reader.Task
	broker *pubsub.PubSub
}

// New starts the background reader and returns an initialized handle.
// The pipeline runs until ctx is cancelled. A non-nil dial overrides
// how the byte source is opened; pass nil to use the configured serial
// port.
func New(ctx context.Context, log *logrus.Entry, cfg config.Config, dial reader.DialFunc) (*Handle, error) {
	sensors, err := sensor.ParseMap(cfg.SensorMap)
	if err != nil {
		return nil, err
	}
	log.WithField("sensorMap", cfg.SensorMap).Info("Sensor map configured.")

	broker := pubsub.New(32)
	measurements := queue.New(cfg.QueueDepth)

	task := reader.NewTask(log.WithField("package", "reader"), reader.Config{
		Port:        cfg.Port,
		Baudrate:    cfg.Baudrate,
		ReadTimeout: cfg.ReadTimeout(),
		Sensors:     sensors,
		Dial:        dial,
	}, measurements, broker)
	task.Start(ctx)

	// Clean up, but only once the reader can no longer publish
	go func() {
		<-ctx.Done()
		<-task.Done()
		broker.Shutdown()
	}()

	return &Handle{
		log:    log,
		cfg:    cfg,
		queue:  measurements,
		task:   task,
		broker: broker,
	}, nil
}

// Drain empties up to maxPackets queued batches and merges them into
// one observation record, oldest batch first, so a later value for the
// same observation wins. Never blocks; an empty map means no data
// arrived since the last call, which is a normal outcome.
func (handle *Handle) Drain(maxPackets int) map[string]float64 {
	merged := make(map[string]float64)
	for _, batch := range handle.queue.Drain(maxPackets) {
		for observation, value := range batch.Values {
			merged[observation] = value
		}
	}
	return merged
}

// DrainCycle drains with the configured max_packets ceiling.
func (handle *Handle) DrainCycle() map[string]float64 {
	return handle.Drain(handle.cfg.MaxPackets)
}

type Status struct {
	State     string `json:"state"`
	Port      string `json:"port"`
	Queued    int    `json:"queued"`
	Seq       uint64 `json:"seq"`
	Sentences uint64 `json:"sentences"`
	Dropped   uint64 `json:"dropped"`
}

func (handle *Handle) GetStatus() Status {
	return Status{
		State:     handle.task.State().String(),
		Port:      handle.cfg.Port,
		Queued:    handle.queue.Len(),
		Seq:       handle.queue.Seq(),
		Sentences: handle.task.Sentences(),
		Dropped:   handle.queue.Dropped(),
	}
}

// Subscribe returns a channel of queue.Batch values published as they
// are accepted. Release it with Unsubscribe.
func (handle *Handle) Subscribe() chan interface{} {
	return handle.broker.Sub(reader.BrokerTopicBatches)
}

func (handle *Handle) Unsubscribe(channel chan interface{}) {
	handle.broker.Unsub(channel)
}

// WaitStopped blocks until the reader task has exited and released the
// serial port, or the timeout elapses. Call after cancelling the
// context passed to New.
func (handle *Handle) WaitStopped(timeout time.Duration) error {
	select {
	case <-handle.task.Done():
		return nil
	case <-time.After(timeout):
		return errors.New("reader task did not stop in time")
	}
}
