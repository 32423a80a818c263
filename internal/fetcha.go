package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tcollins82/fetcha/internal/api"
	"github.com/tcollins82/fetcha/internal/delivery"
	"github.com/tcollins82/fetcha/internal/download"
	"github.com/tcollins82/fetcha/internal/extractor"
	"github.com/tcollins82/fetcha/internal/format"
	"github.com/tcollins82/fetcha/internal/governor"
	"github.com/tcollins82/fetcha/internal/mux"
	"github.com/tcollins82/fetcha/internal/task"
	"github.com/tcollins82/fetcha/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	DownloadService interface {
		RunnableService
		Submit(context.Context, download.SubmitParams) (*task.Task, error)
		Task(uuid.UUID) (*task.Task, error)
		Tasks() []*task.Task
		Cancel(uuid.UUID) error
	}
)

// fetchaImpl is the top-level object for the server, responsible for
// constructing the services and running them until shutdown.
type fetchaImpl struct {
	config FetchaConfig

	engine          *extractor.Engine
	governor        *governor.Governor
	resolver        *format.Resolver
	deliveryGateway *delivery.Gateway

	downloadService DownloadService
	restGateway     RunnableService
}

func New(config FetchaConfig) *fetchaImpl {
	log.Emit(logger.DEBUG, "Bootstrapping Fetcha services using config: %#v\n", config)

	fetcha := &fetchaImpl{config: config}
	fetcha.engine = extractor.New(config.Extractor)
	fetcha.governor = governor.New(config.Governor)
	fetcha.resolver = format.NewResolver(fetcha.engine, fetcha.governor)

	store := task.NewStore()
	muxer := mux.NewMuxer(config.Remux)

	if serv, err := download.New(config.Download, store, fetcha.resolver, fetcha.engine, fetcha.governor, muxer); err == nil {
		fetcha.downloadService = serv
	} else {
		panic(fmt.Sprintf("failed to construct download service due to error: %s", err.Error()))
	}

	fetcha.deliveryGateway = delivery.NewGateway(config.Delivery, store)
	fetcha.restGateway = api.NewRestGateway(&config.Rest, fetcha.resolver, fetcha.downloadService, fetcha.deliveryGateway, fetcha.engine.Cookies())

	return fetcha
}

// Run brings up all services and blocks until the context is cancelled
// or a service crashes.
func (fetcha *fetchaImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	wg := &sync.WaitGroup{}
	fetcha.spawnAsyncService(ctx, wg, fetcha.downloadService, "download-service", crashHandler)
	fetcha.spawnAsyncService(ctx, wg, fetcha.restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Fetcha services spawned!\n")

	wg.Wait()
	return nil
}

// spawnAsyncService runs the provided service as its own goroutine,
// ensuring the service waitgroup is updated correctly.
func (fetcha *fetchaImpl) spawnAsyncService(context context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(context); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
