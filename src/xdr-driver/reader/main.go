package reader

/* Owns the serial connection to the transducer and continuously runs the
decode pipeline in the background.

The functionality of this module is as follows:

- Open the configured serial port (or probe for one) with a read timeout
- Frame, validate and decode incoming NMEA sentences
- Filter decoded measurements through the sensor map
- Push each mapped batch into the bounded hand-off queue and publish it
  on the broker for live subscribers
- Reconnect with backoff on any I/O failure, indefinitely

The task has no terminal state of its own; it runs until the context is
cancelled and then releases the port within one read timeout.

*/

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cskr/pubsub"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/windvane/xdr-driver/src/xdr-driver/config"
	"github.com/windvane/xdr-driver/src/xdr-driver/nmea"
	"github.com/windvane/xdr-driver/src/xdr-driver/queue"
	"github.com/windvane/xdr-driver/src/xdr-driver/sensor"
)

// pubsub topic carrying queue.Batch values as they are accepted
const BrokerTopicBatches = "xdr-rx"

// State of the connection to the serial device.
type State int32

const (
	Disconnected State = iota
	Connecting
	Streaming
	Faulted
)

func (state State) String() string {
	switch state {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Faulted:
		return "faulted"
	}
	return "unknown"
}

// DialFunc opens the byte source the task reads from. Reads must return
// zero bytes without error when no data arrives within the read
// timeout.
type DialFunc func() (io.ReadCloser, error)

type Config struct {
	// Port is the serial device path, or config.PortAuto to probe.
	Port string

	Baudrate    int
	ReadTimeout time.Duration

	// Sensors filters decoded measurements; only mapped observations
	// are queued.
	Sensors sensor.Map

	// Dial overrides how the byte source is opened. Used with mock
	// devices; nil opens the configured serial port.
	Dial DialFunc
}

// Task is the background reader. All fields are owned by the task's
// goroutine except the atomics exposed through accessors.
type Task struct {
	log    *logrus.Entry
	cfg    Config
	queue  *queue.Queue
	broker *pubsub.PubSub

	state     int32
	sentences uint64

	done chan struct{}
}

// NewTask wires a reader task to its queue and broker. The broker may
// be nil when no live subscribers are wanted.
func NewTask(log *logrus.Entry, cfg Config, q *queue.Queue, broker *pubsub.PubSub) *Task {
	return &Task{
		log:    log,
		cfg:    cfg,
		queue:  q,
		broker: broker,
		done:   make(chan struct{}),
	}
}

// Start launches the background loop. It runs until ctx is cancelled.
func (task *Task) Start(ctx context.Context) {
	go task.run(ctx)
}

// Done is closed once the task has exited and released the port.
func (task *Task) Done() <-chan struct{} {
	return task.done
}

// State reports the current connection state.
func (task *Task) State() State {
	return State(atomic.LoadInt32(&task.state))
}

// Sentences reports how many valid XDR sentences have been accepted.
func (task *Task) Sentences() uint64 {
	return atomic.LoadUint64(&task.sentences)
}

func (task *Task) setState(state State) {
	old := State(atomic.SwapInt32(&task.state, int32(state)))
	if old != state {
		task.log.WithFields(logrus.Fields{"from": old.String(), "to": state.String()}).Debug("Connection state changed.")
	}
}

func (task *Task) run(ctx context.Context) {
	defer close(task.done)
	defer task.setState(Disconnected)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 30 * time.Second
	// The device may be plugged in long after the process starts.
	retry.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		task.setState(Connecting)
		src, err := task.dial()
		if err != nil {
			task.log.WithError(err).Info("Could not open serial source, will retry.")
			if !sleepContext(ctx, retry.NextBackOff()) {
				return
			}
			continue
		}

		task.log.WithField("port", task.cfg.Port).Info("Serial source opened.")
		retry.Reset()
		task.setState(Streaming)

		err = task.stream(ctx, src)
		src.Close()

		if ctx.Err() != nil {
			return
		}

		task.setState(Faulted)
		task.log.WithError(err).Error("Serial stream failed, reconnecting.")
		if !sleepContext(ctx, retry.NextBackOff()) {
			return
		}
	}
}

func (task *Task) dial() (io.ReadCloser, error) {
	if task.cfg.Dial != nil {
		return task.cfg.Dial()
	}

	name := task.cfg.Port
	if name == config.PortAuto {
		probed, err := probePort(task.log)
		if err != nil {
			return nil, err
		}
		name = probed
	}

	mode := &serial.Mode{
		BaudRate: task.cfg.Baudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(task.cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, err
	}
	port.ResetInputBuffer() // flush any unread data buffered by the OS

	return port, nil
}

// stream runs the decode pipeline until cancellation or a hard read
// error. Idle reads and rejected sentences keep the stream alive.
func (task *Task) stream(ctx context.Context, src io.Reader) error {
	framer := nmea.NewFramer(src)

	for {
		// Terminate if we were cancelled
		if ctx.Err() != nil {
			task.log.Debug("Stopping reader: context cancelled")
			return nil
		}

		line, err := framer.Next()
		if err == nmea.ErrIdle {
			// Expected on a quiet bus.
			continue
		}
		if err != nil {
			return err
		}

		sentence, reason := nmea.Validate(line)
		if reason != nmea.RejectNone {
			task.log.WithFields(logrus.Fields{"line": line, "reason": reason.String()}).Debug("Discarding sentence.")
			continue
		}
		atomic.AddUint64(&task.sentences, 1)

		values := task.cfg.Sensors.Apply(nmea.Decode(sentence))
		if len(values) == 0 {
			continue
		}

		batch := task.queue.Push(values)
		if task.broker != nil {
			task.broker.TryPub(batch, BrokerTopicBatches)
		}
	}
}

// sleepContext waits for the given duration, returning false early when
// the context is cancelled.
func sleepContext(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
