package engine

import (
	"time"

	"github.com/coffersTech/logsink/internal/model"
	"github.com/coffersTech/logsink/internal/render"
	"github.com/sirupsen/logrus"
)

// Queue accepts entries for persistence. The durable writer implements it.
type Queue interface {
	Enqueue(model.PersistedEntry) error
}

// Dispatcher decodes payloads, shows them on the console and queues them for
// persistence. Handle is safe for concurrent use.
type Dispatcher struct {
	log      *logrus.Logger
	renderer *render.Renderer
	queue    Queue
	stats    *Stats
	now      func() time.Time
}

func NewDispatcher(log *logrus.Logger, renderer *render.Renderer, queue Queue, stats *Stats) *Dispatcher {
	return &Dispatcher{
		log:      log,
		renderer: renderer,
		queue:    queue,
		stats:    stats,
		now:      time.Now,
	}
}

// Handle processes one payload received from addr. Exactly one entry is
// queued per call, whether or not the payload decodes, and a panic while
// showing the event does not prevent it.
func (d *Dispatcher) Handle(payload []byte, addr string) {
	received := d.now()
	data := Normalize(payload)

	var entry model.PersistedEntry
	ev, err := Decode(data, received)
	if err != nil {
		entry = model.NewRawEntry(received, addr, string(data))
	} else {
		entry = model.NewDocumentEntry(received, addr, data)
	}

	d.show(ev, data, addr)

	if err := d.queue.Enqueue(entry); err != nil {
		d.log.WithError(err).WithField("addr", addr).Error("Failed to queue log entry")
	}
}

// show writes the console line and updates the counters. A nil ev means the
// payload is kept as raw text.
func (d *Dispatcher) show(ev *model.LogEvent, data []byte, addr string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("addr", addr).Errorf("Error processing log event: %v", r)
		}
	}()

	if ev == nil {
		d.log.Infof("Received non-JSON data from %s: %s", addr, data)
		d.stats.RecordRaw()
		return
	}
	d.log.Log(ev.Severity.Level(), d.renderer.Render(ev))
	d.stats.RecordEvent(ev)
}
