package downloads

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/tcollins82/fetcha/internal/api/util"
	"github.com/tcollins82/fetcha/internal/delivery"
	"github.com/tcollins82/fetcha/internal/download"
	"github.com/tcollins82/fetcha/internal/fault"
	"github.com/tcollins82/fetcha/internal/task"
)

type (
	SubmitRequest struct {
		URL           string `json:"url" validate:"required,url"`
		Quality       string `json:"quality"`
		VideoFormatID string `json:"video_format_id"`
		AudioFormatID string `json:"audio_format_id"`
	}

	SubmitResponse struct {
		TaskID      uuid.UUID `json:"task_id"`
		Status      string    `json:"status"`
		StatusURL   string    `json:"status_url"`
		DownloadURL string    `json:"download_url"`
	}

	// DirectSubmitResponse carries the metadata a direct download resolves
	// at submission time, so the client can present the title and build the
	// eventual filename before the transfer finishes.
	DirectSubmitResponse struct {
		DownloadID    uuid.UUID `json:"download_id"`
		Title         string    `json:"title"`
		SafeTitle     string    `json:"safe_title"`
		FileExtension string    `json:"file_extension"`
	}

	// TaskDto is the polling representation of a download task. Progress is
	// a percentage, or -1 while the total transfer size is unknown.
	TaskDto struct {
		ID              uuid.UUID           `json:"task_id"`
		Status          string              `json:"status"`
		Message         string              `json:"message"`
		Progress        float64             `json:"progress"`
		URL             string              `json:"url"`
		Quality         string              `json:"quality,omitempty"`
		Title           string              `json:"title,omitempty"`
		Direct          bool                `json:"direct"`
		Files           []string            `json:"files,omitempty"`
		DownloadedBytes int64               `json:"downloaded_bytes"`
		TotalBytes      int64               `json:"total_bytes"`
		CreatedAt       time.Time           `json:"created_at"`
		StartedAt       *time.Time          `json:"started_at,omitempty"`
		CompletedAt     *time.Time          `json:"completed_at,omitempty"`
		Error           *util.ErrorResponse `json:"error,omitempty"`
	}

	DownloadService interface {
		Submit(context.Context, download.SubmitParams) (*task.Task, error)
		Task(uuid.UUID) (*task.Task, error)
		Tasks() []*task.Task
		Cancel(uuid.UUID) error
	}

	DeliveryGateway interface {
		AwaitFile(ctx context.Context, id uuid.UUID) (string, string, func(), error)
		ListStaged() ([]delivery.StagedFile, error)
		StagedPath(name string) (string, error)
		DeleteStaged(name string) error
	}

	Controller struct {
		validate *validator.Validate
		service  DownloadService
		gateway  DeliveryGateway
	}
)

func New(validate *validator.Validate, service DownloadService, gateway DeliveryGateway) *Controller {
	return &Controller{validate: validate, service: service, gateway: gateway}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/download", controller.submitStaged)
	eg.POST("/download-direct", controller.submitDirect)
	eg.GET("/download-status/:id", controller.status)
	eg.GET("/download-stream/:id", controller.stream)
	eg.GET("/downloads", controller.list)
	eg.DELETE("/downloads/:id", controller.cancel)
	eg.GET("/downloads/files", controller.listFiles)
	eg.GET("/downloads/files/:name", controller.fetchFile)
	eg.DELETE("/downloads/files/:name", controller.deleteFile)
}

// submitStaged queues a download whose output lands in the server's
// staged download area, where it stays until explicitly deleted.
func (controller *Controller) submitStaged(ec echo.Context) error {
	request, err := controller.bindSubmit(ec)
	if err != nil {
		return err
	}

	submitted, err := controller.service.Submit(ec.Request().Context(), download.SubmitParams{
		URL:           request.URL,
		Quality:       request.Quality,
		VideoFormatID: request.VideoFormatID,
		AudioFormatID: request.AudioFormatID,
	})
	if err != nil {
		return util.SendFault(ec, err)
	}

	return ec.JSON(http.StatusAccepted, SubmitResponse{
		TaskID:      submitted.ID,
		Status:      submitted.Status.String(),
		StatusURL:   fmt.Sprintf("/api/download-status/%s", submitted.ID),
		DownloadURL: fmt.Sprintf("/api/download-stream/%s", submitted.ID),
	})
}

// submitDirect queues a download whose output is staged in a temporary
// directory and removed after being streamed to the client once. The
// media's catalog is resolved before responding, so the response carries
// the resolved title and output extension.
func (controller *Controller) submitDirect(ec echo.Context) error {
	request, err := controller.bindSubmit(ec)
	if err != nil {
		return err
	}

	submitted, err := controller.service.Submit(ec.Request().Context(), download.SubmitParams{
		URL:           request.URL,
		Quality:       request.Quality,
		VideoFormatID: request.VideoFormatID,
		AudioFormatID: request.AudioFormatID,
		Direct:        true,
	})
	if err != nil {
		return util.SendFault(ec, err)
	}

	return ec.JSON(http.StatusOK, DirectSubmitResponse{
		DownloadID:    submitted.ID,
		Title:         submitted.Title,
		SafeTitle:     submitted.SafeTitle,
		FileExtension: submitted.Ext,
	})
}

func (controller *Controller) bindSubmit(ec echo.Context) (*SubmitRequest, error) {
	var request SubmitRequest
	if err := ec.Bind(&request); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "JSON body requires a valid 'url' field")
	}

	return &request, nil
}

// status returns the current snapshot of one task for polling clients.
func (controller *Controller) status(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Task ID is not a valid UUID")
	}

	t, err := controller.service.Task(id)
	if err != nil {
		return util.SendFault(ec, fault.New(fault.NotFound, "no download task found with that ID"))
	}

	return ec.JSON(http.StatusOK, NewDto(t))
}

// stream blocks until the task's output is ready and then serves it as an
// attachment. Direct task staging is removed once the response is sent.
func (controller *Controller) stream(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Task ID is not a valid UUID")
	}

	path, name, cleanup, err := controller.gateway.AwaitFile(ec.Request().Context(), id)
	if err != nil {
		return util.SendFault(ec, err)
	}
	defer cleanup()

	return ec.Attachment(path, name)
}

func (controller *Controller) list(ec echo.Context) error {
	dtos := util.ApplyConversion(controller.service.Tasks(), NewDto)
	return ec.JSON(http.StatusOK, dtos)
}

// cancel requests cooperative cancellation of a running task. Tasks which
// already finished reject the request as a conflict.
func (controller *Controller) cancel(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Task ID is not a valid UUID")
	}

	if err := controller.service.Cancel(id); err != nil {
		switch {
		case errors.Is(err, task.ErrNotFound):
			return util.SendFault(ec, fault.New(fault.NotFound, "no download task found with that ID"))
		case errors.Is(err, task.ErrTerminal):
			return util.SendFault(ec, fault.New(fault.Conflict, "download already finished and cannot be cancelled"))
		default:
			return util.SendFault(ec, err)
		}
	}

	return ec.NoContent(http.StatusAccepted)
}

func (controller *Controller) listFiles(ec echo.Context) error {
	files, err := controller.gateway.ListStaged()
	if err != nil {
		return util.SendFault(ec, err)
	}

	return ec.JSON(http.StatusOK, files)
}

func (controller *Controller) fetchFile(ec echo.Context) error {
	path, err := controller.gateway.StagedPath(ec.Param("name"))
	if err != nil {
		return util.SendFault(ec, err)
	}

	return ec.Attachment(path, filepath.Base(path))
}

func (controller *Controller) deleteFile(ec echo.Context) error {
	if err := controller.gateway.DeleteStaged(ec.Param("name")); err != nil {
		return util.SendFault(ec, err)
	}

	return ec.NoContent(http.StatusOK)
}

// NewDto converts a task snapshot into its polling representation. File
// paths are reduced to their base names; clients fetch them through the
// delivery endpoints, never by path.
func NewDto(t *task.Task) *TaskDto {
	dto := &TaskDto{
		ID:              t.ID,
		Status:          t.Status.String(),
		Message:         t.Message,
		Progress:        t.Progress(),
		URL:             t.URL,
		Quality:         t.Quality,
		Title:           t.Title,
		Direct:          t.Direct,
		DownloadedBytes: t.DownloadedBytes,
		TotalBytes:      t.TotalBytes,
		CreatedAt:       t.CreatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}

	for _, file := range t.Files {
		dto.Files = append(dto.Files, filepath.Base(file))
	}

	if t.Failure != nil {
		failure := &fault.Error{Kind: t.Failure.Kind, Message: t.Failure.Message, RetryAfter: t.Failure.RetryAfter}
		dto.Error = &util.ErrorResponse{
			Kind:       failure.Kind,
			Message:    failure.Message,
			Suggestion: failure.Suggestion(),
		}
		if failure.RetryAfter > 0 {
			dto.Error.RetryAfter = int(failure.RetryAfter.Seconds())
		}
	}

	return dto
}
