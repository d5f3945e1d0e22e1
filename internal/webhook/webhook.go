// Package webhook delivers broadcast events to configured HTTP targets.
package webhook

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/warthog618/goatsms/internal/events"
)

// Concurrency is the maximum number of simultaneous outbound POSTs,
// per spec.md §4.10.
const Concurrency = 10

// RequestTimeout bounds each individual webhook POST.
const RequestTimeout = 10 * time.Second

// QueueSize is the capacity of the unbounded-in-spirit, but practically
// bounded, event queue; a queue this deep absorbs bursts without
// blocking the broadcaster.
const QueueSize = 1024

// Worker drains a queue of broadcast events and dispatches them to
// subscribed targets with bounded concurrency. Failures are logged, not
// retried, matching spec.md §4.10's explicit non-goal.
type Worker struct {
	targets []events.WebhookTarget
	queue   chan events.Event
	sem     chan struct{}
	client  *http.Client
}

// New creates a Worker for the given targets and starts its drain loop.
func New(targets []events.WebhookTarget) *Worker {
	w := &Worker{
		targets: targets,
		queue:   make(chan events.Event, QueueSize),
		sem:     make(chan struct{}, Concurrency),
		client:  &http.Client{Timeout: RequestTimeout},
	}
	go w.run()
	return w
}

// Deliver enqueues ev for dispatch. It never blocks: if the queue is
// full the event is dropped and logged, since a webhook consumer falling
// behind must not back-pressure the broadcaster.
func (w *Worker) Deliver(ev events.Event) {
	select {
	case w.queue <- ev:
	default:
		log.Println("webhook: queue full, dropping event:", ev.Kind)
	}
}

func (w *Worker) run() {
	for ev := range w.queue {
		for _, target := range w.targets {
			if !target.Subscribes(ev.Kind) {
				continue
			}
			w.sem <- struct{}{}
			go func(target events.WebhookTarget, ev events.Event) {
				defer func() { <-w.sem }()
				w.post(target, ev)
			}(target, ev)
		}
	}
}

func (w *Worker) post(target events.WebhookTarget, ev events.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Println("webhook: marshaling event:", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		log.Println("webhook: building request:", target.URL, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		log.Println("webhook: delivering to", target.URL, ":", err)
		return
	}
	defer resp.Body.Close()

	if !statusOK(resp.StatusCode, target.ExpectedStatus) {
		log.Println("webhook: unexpected status from", target.URL, ":", resp.StatusCode)
	}
}

func statusOK(got, expected int) bool {
	if expected != 0 {
		return got == expected
	}
	return got >= 200 && got < 300
}
