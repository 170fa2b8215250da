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
	"embed"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/spartanone/spartan/config"
	"github.com/spartanone/spartan/database"
	"github.com/spartanone/spartan/internal/blobs"
	"github.com/spartanone/spartan/internal/cache"
	"github.com/spartanone/spartan/internal/connectivity"
	"github.com/spartanone/spartan/internal/delivery"
	redlock "github.com/spartanone/spartan/internal/lock"
	redis_db "github.com/spartanone/spartan/internal/redis-db"
	"github.com/spartanone/spartan/model"
	"github.com/spartanone/spartan/queue"
)

//go:embed sql/*.sql sql/mysql/*.sql
var SQLFiles embed.FS

const probeTimeout = 5 * time.Second

// ErrTriggerUnavailable is returned when an asynchronous drain is requested
// without Redis configured.
var ErrTriggerUnavailable = errors.New("drain trigger requires redis to be configured")

// Spartan wires the offline queue, the connectivity monitor and the sync
// engine together from the loaded configuration.
type Spartan struct {
	store    database.Store
	repo     *queue.Repository
	monitor  *connectivity.Monitor
	engine   *Engine
	prober   *connectivity.Prober
	redis    redis.UniversalClient
	trigger  *Trigger
	webhooks *Webhooks

	stopProber context.CancelFunc
	proberDone sync.WaitGroup
}

// NewSpartan builds every component on top of store.
func NewSpartan(store database.Store) (*Spartan, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	var repoOpts []queue.Option
	blobStore, err := blobs.New(cnf.Blob)
	if err != nil {
		return nil, err
	}
	if blobStore != nil {
		repoOpts = append(repoOpts, queue.WithBlobStore(blobStore, cnf.Blob.InlineLimitBytes))
	}

	s := &Spartan{
		store:   store,
		repo:    queue.NewRepository(store, repoOpts...),
		monitor: connectivity.New(!cnf.Sync.StartOffline),
	}

	engineOpts := []EngineOption{
		WithRequestTimeout(cnf.Sync.RequestTimeout()),
		WithRetryInterval(cnf.Sync.Interval()),
		WithEscalateAfter(cnf.Sync.EscalateAfter),
		WithStuckThreshold(cnf.Sync.StuckThreshold()),
	}

	if cnf.Redis.Dns != "" {
		redisClient, err := redis_db.NewRedisClient(cnf.Redis.Dns, cnf.Redis.SkipTLSVerify)
		if err != nil {
			return nil, err
		}
		s.redis = redisClient.Client()
		if cnf.Sync.DistributedLock {
			engineOpts = append(engineOpts, WithLocker(redlock.NewDrainLocker(s.redis)))
		}
		engineOpts = append(engineOpts, WithReceipts(cache.NewReceiptCache(s.redis, cache.DefaultReceiptTTL)))

		connOpt, err := RedisConnOpt(cnf.Redis.Dns, cnf.Redis.SkipTLSVerify)
		if err != nil {
			return nil, err
		}
		s.trigger = NewTrigger(connOpt, cnf.Sync.TriggerQueue)
		s.webhooks = NewWebhooks(cnf.Notification.Webhook.Url, cnf.Notification.Webhook.Headers, cnf.Notification.Webhook.Queue, connOpt)
	} else {
		s.webhooks = NewWebhooks(cnf.Notification.Webhook.Url, cnf.Notification.Webhook.Headers, cnf.Notification.Webhook.Queue, nil)
	}
	if s.webhooks != nil {
		engineOpts = append(engineOpts, WithEventSink(s.webhooks))
	}

	if cnf.Sync.ProbeURL != "" {
		s.prober = connectivity.NewProber(s.monitor, cnf.Sync.ProbeURL, cnf.Sync.ProbeInterval(), probeTimeout, nil)
	}

	transport := delivery.NewHTTPTransport(cnf.Sync.BaseURL, &http.Client{})
	s.engine = NewEngine(s.repo, s.monitor, transport, engineOpts...)
	return s, nil
}

func (s *Spartan) Engine() *Engine { return s.engine }
func (s *Spartan) Repository() *queue.Repository { return s.repo }
func (s *Spartan) Monitor() *connectivity.Monitor { return s.monitor }
func (s *Spartan) Redis() redis.UniversalClient { return s.redis }

// Webhooks is nil unless notification.webhook.url is set.
func (s *Spartan) Webhooks() *Webhooks { return s.webhooks }

// Enqueue validates doc, persists it and refreshes the pending list.
func (s *Spartan) Enqueue(ctx context.Context, doc *model.OfflineDocument) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	if err := s.repo.Add(ctx, doc); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"endpoint":    doc.Endpoint,
		"attachments": len(doc.Attachments),
	}).Info("document queued")
	return s.engine.Refresh(ctx)
}

// Discard removes a queued document without delivering it.
func (s *Spartan) Discard(ctx context.Context, id string) error {
	if err := s.repo.Remove(ctx, id); err != nil {
		return err
	}
	return s.engine.Refresh(ctx)
}

// RequestDrain hands a drain to the workers through the trigger queue.
func (s *Spartan) RequestDrain(ctx context.Context) (bool, error) {
	if s.trigger == nil {
		return false, ErrTriggerUnavailable
	}
	return s.trigger.Request(ctx)
}

// Start runs the prober, when one is configured, and the sync engine.
func (s *Spartan) Start(ctx context.Context) error {
	if s.prober != nil {
		s.monitor.Set(s.prober.Check(ctx))

		proberCtx, cancel := context.WithCancel(ctx)
		s.stopProber = cancel
		s.proberDone.Add(1)
		go func() {
			defer s.proberDone.Done()
			s.prober.Run(proberCtx)
		}()
	}
	return s.engine.Start(ctx)
}

// Close stops background work and releases every connection.
func (s *Spartan) Close() error {
	if s.stopProber != nil {
		s.stopProber()
		s.proberDone.Wait()
	}
	s.engine.Stop()
	s.monitor.Close()

	var errs []error
	if s.trigger != nil {
		errs = append(errs, s.trigger.Close())
	}
	if s.webhooks != nil {
		errs = append(errs, s.webhooks.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}
