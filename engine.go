/*
Copyright 2024 Spartan One Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package spartan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/spartanone/spartan/internal/broker"
	"github.com/spartanone/spartan/internal/connectivity"
	redlock "github.com/spartanone/spartan/internal/lock"
	"github.com/spartanone/spartan/internal/notification"
	"github.com/spartanone/spartan/model"
	"github.com/spartanone/spartan/queue"
)

var tracer = otel.Tracer("spartan.sync")

// Reasons reported on a skipped drain.
const (
	ReasonOffline    = "offline"
	ReasonInProgress = "in_progress"
	ReasonEmpty      = "empty"
	ReasonLocked     = "locked"
	ReasonStoreError = "store_error"
)

const (
	defaultRequestTimeout = 20 * time.Second
	defaultRetryInterval  = time.Minute
	defaultEscalateAfter  = 10
	minLockTTL            = 30 * time.Second
)

// Transport performs one delivery attempt of a document whose attachments
// are inline. It returns the response status code, or 0 when no response
// was received.
type Transport interface {
	Deliver(ctx context.Context, doc *model.OfflineDocument) (int, error)
}

// Locker guards a drain across processes.
type Locker interface {
	Hold(ctx context.Context, ttl time.Duration) (func(), error)
}

// Receipts remembers deliveries whose local removal failed.
type Receipts interface {
	Record(ctx context.Context, id string, statusCode int) error
	Lookup(ctx context.Context, id string) (int, bool, error)
	Forget(ctx context.Context, id string) error
}

// DocumentResult is the outcome of one document within a drain pass.
type DocumentResult struct {
	ID         string `json:"id"`
	Delivered  bool   `json:"delivered"`
	Retries    int    `json:"retries"`
	StatusCode int    `json:"status_code,omitempty"`
	Err        error  `json:"-"`
	Error      string `json:"error,omitempty"`
}

// DrainResult is either Skipped with a Reason, or Ran with one result per
// document attempted.
type DrainResult struct {
	Skipped bool             `json:"skipped"`
	Reason  string           `json:"reason,omitempty"`
	Ran     bool             `json:"ran"`
	Results []DocumentResult `json:"results,omitempty"`
}

// Failed counts the documents that were not delivered.
func (r DrainResult) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Delivered {
			n++
		}
	}
	return n
}

// State is a snapshot of what the UI renders.
type State struct {
	Pending   []*model.OfflineDocument `json:"pending"`
	Count     int                      `json:"count"`
	IsSyncing bool                     `json:"is_syncing"`
	Online    bool                     `json:"online"`
}

// Engine drains the offline queue through a Transport whenever the device
// is online. At most one drain runs at a time and documents within a drain
// are delivered one after another.
type Engine struct {
	repo      *queue.Repository
	monitor   *connectivity.Monitor
	transport Transport
	locker    Locker
	receipts  Receipts
	events    EventSink

	requestTimeout time.Duration
	retryInterval  time.Duration
	stuckThreshold time.Duration
	escalateAfter  int
	newBackOff     func() backoff.BackOff
	notify         func(error)
	now            func() int64

	running  atomic.Bool
	followUp atomic.Bool

	mu        sync.RWMutex
	pending   []*model.OfflineDocument
	isSyncing bool
	states    *broker.Broker[State]

	lifecycle sync.Mutex
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

type EngineOption func(*Engine)

// WithRequestTimeout bounds every single delivery attempt.
func WithRequestTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.requestTimeout = d
		}
	}
}

// WithRetryInterval is how long the automatic loop idles after a clean pass.
func WithRetryInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.retryInterval = d
		}
	}
}

// WithBackOff replaces the policy used between automatic passes that had failures.
func WithBackOff(newBackOff func() backoff.BackOff) EngineOption {
	return func(e *Engine) {
		e.newBackOff = newBackOff
	}
}

// WithEscalateAfter raises a notification when a document reaches n retries.
func WithEscalateAfter(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.escalateAfter = n
		}
	}
}

func WithNotifier(notify func(error)) EngineOption {
	return func(e *Engine) {
		e.notify = notify
	}
}

func WithLocker(l Locker) EngineOption {
	return func(e *Engine) {
		e.locker = l
	}
}

func WithReceipts(r Receipts) EngineOption {
	return func(e *Engine) {
		e.receipts = r
	}
}

// WithEventSink publishes delivered, failed and escalated events.
func WithEventSink(sink EventSink) EngineOption {
	return func(e *Engine) {
		e.events = sink
	}
}

// WithStuckThreshold is the age after which Start re-arms syncing documents.
func WithStuckThreshold(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.stuckThreshold = d
	}
}

func WithEngineClock(now func() int64) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(repo *queue.Repository, monitor *connectivity.Monitor, transport Transport, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:           repo,
		monitor:        monitor,
		transport:      transport,
		requestTimeout: defaultRequestTimeout,
		retryInterval:  defaultRetryInterval,
		escalateAfter:  defaultEscalateAfter,
		newBackOff:     newRetryBackOff,
		notify:         notification.NotifyError,
		now:            model.NowMillis,
		states:         broker.New[State]("sync state"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// newRetryBackOff waits 5s, 10s, 20s ... capped at 10 minutes and never gives up.
func newRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 10 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Pending returns the documents loaded by the last Refresh.
func (e *Engine) Pending() []*model.OfflineDocument {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*model.OfflineDocument, len(e.pending))
	copy(out, e.pending)
	return out
}

func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.pending)
}

func (e *Engine) IsSyncing() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isSyncing
}

func (e *Engine) Online() bool {
	return e.monitor.Online()
}

// State returns the current snapshot.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot()
}

// Subscribe streams a State after every change until the returned func is called.
func (e *Engine) Subscribe() (<-chan State, func()) {
	return e.states.Subscribe(broker.DefaultBuffer)
}

func (e *Engine) snapshot() State {
	pending := make([]*model.OfflineDocument, len(e.pending))
	copy(pending, e.pending)
	return State{
		Pending:   pending,
		Count:     len(pending),
		IsSyncing: e.isSyncing,
		Online:    e.monitor.Online(),
	}
}

func (e *Engine) publish() {
	e.states.Publish(e.State())
}

func (e *Engine) setPending(docs []*model.OfflineDocument) {
	e.mu.Lock()
	e.pending = docs
	e.mu.Unlock()
	e.publish()
}

func (e *Engine) setSyncing(syncing bool) {
	e.mu.Lock()
	e.isSyncing = syncing
	e.mu.Unlock()
	e.publish()
}

// Refresh reloads the pending list from the repository.
func (e *Engine) Refresh(ctx context.Context) error {
	docs, err := e.repo.All(ctx)
	if err != nil {
		return err
	}
	e.setPending(docs)
	return nil
}

// SyncNow runs a drain pass. Calls made while a pass is running return
// ReasonInProgress and are folded into one follow-up pass, whose results are
// appended to the running caller's result.
func (e *Engine) SyncNow(ctx context.Context) DrainResult {
	if !e.monitor.Online() {
		return DrainResult{Skipped: true, Reason: ReasonOffline}
	}

	e.followUp.Store(true)
	if !e.running.CompareAndSwap(false, true) {
		logrus.Debug("drain already running, follow-up queued")
		return DrainResult{Skipped: true, Reason: ReasonInProgress}
	}

	var result DrainResult
	for pass := 0; ; pass++ {
		e.followUp.Store(false)
		current := e.drainOnce(ctx)
		switch {
		case current.Ran && result.Ran:
			result.Results = append(result.Results, current.Results...)
		case current.Ran, pass == 0:
			result = current
		}
		e.running.Store(false)

		if !e.followUp.Load() || ctx.Err() != nil || !e.monitor.Online() {
			break
		}
		if !e.running.CompareAndSwap(false, true) {
			// someone else picked the follow-up up
			break
		}
	}
	return result
}

func (e *Engine) lockTTL() time.Duration {
	if ttl := 2 * e.requestTimeout; ttl > minLockTTL {
		return ttl
	}
	return minLockTTL
}

func (e *Engine) drainOnce(ctx context.Context) DrainResult {
	ctx, span := tracer.Start(ctx, "Drain")
	defer span.End()

	if e.locker != nil {
		release, err := e.locker.Hold(ctx, e.lockTTL())
		if err != nil {
			if !errors.Is(err, redlock.ErrLockHeld) {
				logrus.WithError(err).Warn("could not acquire drain lock")
			}
			span.AddEvent("drain lock held elsewhere")
			return DrainResult{Skipped: true, Reason: ReasonLocked}
		}
		defer release()
	}

	docs, err := e.repo.All(ctx)
	if err != nil {
		span.RecordError(err)
		e.notify(fmt.Errorf("reading offline queue: %w", err))
		return DrainResult{Skipped: true, Reason: ReasonStoreError}
	}
	if len(docs) == 0 {
		e.setPending(docs)
		return DrainResult{Skipped: true, Reason: ReasonEmpty}
	}

	span.SetAttributes(attribute.Int("spartan.documents", len(docs)))
	logrus.WithField("documents", len(docs)).Info("drain started")

	e.setSyncing(true)
	result := DrainResult{Ran: true, Results: make([]DocumentResult, 0, len(docs))}
	for _, doc := range docs {
		if ctx.Err() != nil {
			break
		}
		result.Results = append(result.Results, e.deliverOne(ctx, span, doc))
	}
	e.setSyncing(false)

	if err := e.Refresh(context.WithoutCancel(ctx)); err != nil {
		logrus.WithError(err).Error("failed to refresh pending documents after drain")
	}

	logrus.WithFields(logrus.Fields{
		"attempted": len(result.Results),
		"failed":    result.Failed(),
	}).Info("drain finished")
	return result
}

func (e *Engine) deliverOne(ctx context.Context, span trace.Span, doc *model.OfflineDocument) DocumentResult {
	res := DocumentResult{ID: doc.ID, Retries: doc.Retries}
	logger := logrus.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"endpoint":    doc.Endpoint,
		"retries":     doc.Retries,
	})

	if err := e.repo.UpdateStatus(ctx, doc.ID, model.StatusSyncing, nil); err != nil {
		logger.WithError(err).Error("failed to mark document syncing")
		span.RecordError(err)
		res.Err, res.Error = err, err.Error()
		return res
	}

	statusCode, seen := e.receipt(ctx, doc.ID, logger)
	var err error
	if seen {
		res.StatusCode = statusCode
		logger.Info("delivery receipt found, document is not resent")
	} else {
		var wire *model.OfflineDocument
		wire, err = e.repo.Hydrate(ctx, doc)
		if err == nil {
			reqCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
			res.StatusCode, err = e.transport.Deliver(reqCtx, wire)
			cancel()
		}
	}

	// the outcome is persisted even when ctx was cancelled mid-request
	persistCtx := context.WithoutCancel(ctx)
	if err == nil {
		res.Delivered = true
		if rmErr := e.repo.Remove(persistCtx, doc.ID); rmErr != nil {
			logger.WithError(rmErr).Error("document delivered but could not be removed")
			res.Err, res.Error = rmErr, rmErr.Error()
			if !seen && e.receipts != nil {
				if recErr := e.receipts.Record(persistCtx, doc.ID, res.StatusCode); recErr != nil {
					logger.WithError(recErr).Warn("failed to record delivery receipt")
				}
			}
			return res
		}
		if seen {
			if fErr := e.receipts.Forget(persistCtx, doc.ID); fErr != nil {
				logger.WithError(fErr).Warn("failed to forget delivery receipt")
			}
		}
		logger.WithField("status_code", res.StatusCode).Info("document delivered")
		e.emit(persistCtx, EventDocumentDelivered, doc, res)
		return res
	}

	retries := doc.Retries + 1
	res.Retries = retries
	res.Err, res.Error = err, err.Error()
	logger.WithError(err).WithField("status_code", res.StatusCode).Warn("document delivery failed")
	if upErr := e.repo.UpdateStatus(persistCtx, doc.ID, model.StatusFailed, &retries); upErr != nil {
		logger.WithError(upErr).Error("failed to persist failed status")
		span.RecordError(upErr)
		e.notify(fmt.Errorf("persisting failure of document %s: %w", doc.ID, upErr))
		return res
	}
	e.emit(persistCtx, EventDocumentFailed, doc, res)
	if retries == e.escalateAfter {
		e.notify(fmt.Errorf("document %s to %s failed %d delivery attempts: %w", doc.ID, doc.Endpoint, retries, err))
		e.emit(persistCtx, EventDocumentEscalated, doc, res)
	}
	return res
}

func (e *Engine) receipt(ctx context.Context, id string, logger *logrus.Entry) (int, bool) {
	if e.receipts == nil {
		return 0, false
	}
	statusCode, ok, err := e.receipts.Lookup(ctx, id)
	if err != nil {
		logger.WithError(err).Warn("delivery receipt lookup failed")
		return 0, false
	}
	return statusCode, ok
}

// Start re-arms stale syncing documents, loads the pending list and keeps
// draining in the background: on every offline to online transition and
// through the automatic retry loop. Stop ends both.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.stop != nil {
		return errors.New("sync engine already started")
	}

	if n, err := e.Recover(ctx, e.stuckThreshold); err != nil {
		logrus.WithError(err).Warn("recovery of stuck documents failed")
	} else if n > 0 {
		logrus.WithField("documents", n).Info("re-armed documents left in syncing")
	}
	if err := e.Refresh(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	events, unsubscribe := e.monitor.Subscribe()
	e.stop = func() {
		cancel()
		unsubscribe()
	}

	e.wg.Add(2)
	go e.watchConnectivity(ctx, events)
	go e.retryLoop(ctx)
	return nil
}

// Stop tears down the subscription and waits for the background loops.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	stop := e.stop
	e.stop = nil
	e.lifecycle.Unlock()

	if stop != nil {
		stop()
	}
	e.wg.Wait()
}

func (e *Engine) watchConnectivity(ctx context.Context, events <-chan connectivity.Event) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.publish()
			if !ev.Online {
				continue
			}
			result := e.SyncNow(ctx)
			logrus.WithFields(logrus.Fields{
				"ran":    result.Ran,
				"reason": result.Reason,
				"failed": result.Failed(),
			}).Info("reconnect drain finished")
		}
	}
}

func (e *Engine) retryLoop(ctx context.Context) {
	defer e.wg.Done()

	b := e.newBackOff()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := e.retryInterval
		result := e.SyncNow(ctx)
		if result.Ran && result.Failed() > 0 {
			if next := b.NextBackOff(); next != backoff.Stop {
				wait = next
			}
			logrus.WithFields(logrus.Fields{
				"failed":     result.Failed(),
				"next_retry": wait.String(),
			}).Info("scheduling retry of failed documents")
		} else {
			b.Reset()
		}
		timer.Reset(wait)
	}
}
