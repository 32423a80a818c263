package system

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/tcollins82/fetcha/internal/api/util"
	"github.com/tcollins82/fetcha/internal/delivery"
	"github.com/tcollins82/fetcha/internal/extractor"
	"github.com/tcollins82/fetcha/internal/task"
)

type (
	HealthResponse struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}

	StatusResponse struct {
		ActiveTasks      int  `json:"active_tasks"`
		QueuedTasks      int  `json:"queued_tasks"`
		CompletedTasks   int  `json:"completed_tasks"`
		FailedTasks      int  `json:"failed_tasks"`
		StagedFiles      int  `json:"staged_files"`
		CookieConfigured bool `json:"cookie_configured"`
	}

	cookieReporter interface {
		Status() extractor.CookieStatus
		Configured() bool
	}

	taskLister interface {
		Tasks() []*task.Task
	}

	stagedLister interface {
		ListStaged() ([]delivery.StagedFile, error)
	}

	// Controller exposes operational diagnostics: liveness, a summary of
	// orchestration state, and the authentication cookie report.
	Controller struct {
		cookies cookieReporter
		tasks   taskLister
		staged  stagedLister
	}
)

func New(cookies cookieReporter, tasks taskLister, staged stagedLister) *Controller {
	return &Controller{cookies: cookies, tasks: tasks, staged: staged}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/health", controller.health)
	eg.GET("/system-status", controller.systemStatus)
	eg.GET("/cookie-status", controller.cookieStatus)
}

func (controller *Controller) health(ec echo.Context) error {
	return ec.JSON(http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now()})
}

func (controller *Controller) systemStatus(ec echo.Context) error {
	response := StatusResponse{CookieConfigured: controller.cookies.Configured()}
	for _, t := range controller.tasks.Tasks() {
		switch t.Status {
		case task.Preparing:
			response.QueuedTasks++
		case task.Downloading:
			response.ActiveTasks++
		case task.Completed:
			response.CompletedTasks++
		case task.Errored:
			response.FailedTasks++
		}
	}

	files, err := controller.staged.ListStaged()
	if err != nil {
		return util.SendFault(ec, err)
	}
	response.StagedFiles = len(files)

	return ec.JSON(http.StatusOK, response)
}

func (controller *Controller) cookieStatus(ec echo.Context) error {
	return ec.JSON(http.StatusOK, controller.cookies.Status())
}
