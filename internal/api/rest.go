package api

import (
	"context"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/tcollins82/fetcha/internal/api/downloads"
	"github.com/tcollins82/fetcha/internal/api/system"
	"github.com/tcollins82/fetcha/internal/api/videos"
	"github.com/tcollins82/fetcha/internal/extractor"
	"github.com/tcollins82/fetcha/pkg/logger"
)

var log = logger.Get("API")

type (
	RestConfig struct {
		HostAddr    string   `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8521"`
		CORSOrigins []string `yaml:"cors_origins" env:"API_CORS_ORIGINS" env-default:"*"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// The RestGateway is a thin wrapper around the Echo HTTP router. Its
	// sole responsibility is to create the routes the server exposes and
	// apply the shared middleware stack; all behaviour lives in the
	// controllers and the services behind them.
	RestGateway struct {
		config              *RestConfig
		ec                  *echo.Echo
		videosController    controller
		downloadsController controller
		systemController    controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers.
func NewRestGateway(
	config *RestConfig,
	resolver videos.CatalogResolver,
	downloadService downloads.DownloadService,
	deliveryGateway downloads.DeliveryGateway,
	cookies *extractor.CookieJar,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	validate := validator.New()
	gateway := &RestGateway{
		config:              config,
		ec:                  ec,
		videosController:    videos.New(validate, resolver),
		downloadsController: downloads.New(validate, downloadService, deliveryGateway),
		systemController:    system.New(cookies, downloadService, deliveryGateway),
	}

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: config.CORSOrigins}))

	apiGroup := ec.Group("/api")
	gateway.videosController.SetRoutes(apiGroup)
	gateway.downloadsController.SetRoutes(apiGroup)
	gateway.systemController.SetRoutes(apiGroup)

	return gateway
}

// Run starts the HTTP listener, blocking until the context is cancelled
// or the listener fails.
func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil {
			ctxCancel(err)
		}
	}()

	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	wg.Wait()

	// Parent context cancellation is a normal shutdown, not an error.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}
