package videos

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/tcollins82/fetcha/internal/api/util"
	"github.com/tcollins82/fetcha/internal/format"
)

type (
	InspectRequest struct {
		URL string `json:"url" validate:"required,url"`
	}

	CatalogResolver interface {
		Resolve(ctx context.Context, mediaURL string) (*format.Catalog, error)
	}

	// Controller exposes media inspection: given a URL, the client receives
	// the classified catalog of encoding variants without any bytes being
	// transferred.
	Controller struct {
		validate *validator.Validate
		resolver CatalogResolver
	}
)

func New(validate *validator.Validate, resolver CatalogResolver) *Controller {
	return &Controller{validate: validate, resolver: resolver}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/video-info", controller.inspect)
}

// inspect resolves the catalog for the requested URL and returns it
// verbatim. Resolution failures surface with their taxonomy kind.
func (controller *Controller) inspect(ec echo.Context) error {
	var request InspectRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "JSON body requires a valid 'url' field")
	}

	catalog, err := controller.resolver.Resolve(ec.Request().Context(), request.URL)
	if err != nil {
		return util.SendFault(ec, err)
	}

	return ec.JSON(http.StatusOK, catalog)
}
