package downloads_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/tcollins82/fetcha/internal/api/downloads"
	"github.com/tcollins82/fetcha/internal/delivery"
	"github.com/tcollins82/fetcha/internal/download"
	"github.com/tcollins82/fetcha/internal/fault"
	"github.com/tcollins82/fetcha/internal/task"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) Submit(ctx context.Context, params download.SubmitParams) (*task.Task, error) {
	args := m.Called(params)
	if t, ok := args.Get(0).(*task.Task); ok {
		return t, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *mockService) Task(id uuid.UUID) (*task.Task, error) {
	args := m.Called(id)
	if t, ok := args.Get(0).(*task.Task); ok {
		return t, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *mockService) Tasks() []*task.Task {
	return m.Called().Get(0).([]*task.Task)
}

func (m *mockService) Cancel(id uuid.UUID) error {
	return m.Called(id).Error(0)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) AwaitFile(ctx context.Context, id uuid.UUID) (string, string, func(), error) {
	args := m.Called(id)
	cleanup, _ := args.Get(2).(func())
	if cleanup == nil {
		cleanup = func() {}
	}

	return args.String(0), args.String(1), cleanup, args.Error(3)
}

func (m *mockGateway) ListStaged() ([]delivery.StagedFile, error) {
	args := m.Called()
	return args.Get(0).([]delivery.StagedFile), args.Error(1)
}

func (m *mockGateway) StagedPath(name string) (string, error) {
	args := m.Called(name)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) DeleteStaged(name string) error {
	return m.Called(name).Error(0)
}

func newTestRouter(service *mockService, gateway *mockGateway) *echo.Echo {
	ec := echo.New()
	controller := downloads.New(validator.New(), service, gateway)
	controller.SetRoutes(ec.Group("/api"))

	return ec
}

func performJSON(router *echo.Echo, method string, path string, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body != "" {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		request = httptest.NewRequest(method, path, nil)
	}

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	return recorder
}

func TestSubmitQueuesStagedTask(t *testing.T) {
	service := new(mockService)
	queued := &task.Task{ID: uuid.New(), Status: task.Preparing}
	service.On("Submit", mock.MatchedBy(func(params download.SubmitParams) bool {
		return params.URL == "https://example.com/watch?v=1" && !params.Direct
	})).Return(queued, nil)

	router := newTestRouter(service, new(mockGateway))
	recorder := performJSON(router, http.MethodPost, "/api/download", `{"url": "https://example.com/watch?v=1", "quality": "720p"}`)

	assert.Equal(t, http.StatusAccepted, recorder.Code)

	var response downloads.SubmitResponse
	assert.Nil(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, queued.ID, response.TaskID)
	assert.Equal(t, "PREPARING", response.Status)
	assert.Equal(t, "/api/download-stream/"+queued.ID.String(), response.DownloadURL)
}

func TestSubmitDirectReturnsResolvedMetadata(t *testing.T) {
	service := new(mockService)
	resolved := &task.Task{
		ID:        uuid.New(),
		Status:    task.Preparing,
		Title:     "Example: Media! Title",
		SafeTitle: "Example Media Title",
		Ext:       "mp4",
		Direct:    true,
		Resolved:  true,
	}
	service.On("Submit", mock.MatchedBy(func(params download.SubmitParams) bool {
		return params.URL == "https://example.com/watch?v=1" && params.Direct
	})).Return(resolved, nil)

	router := newTestRouter(service, new(mockGateway))
	recorder := performJSON(router, http.MethodPost, "/api/download-direct", `{"url": "https://example.com/watch?v=1", "quality": "720p"}`)

	assert.Equal(t, http.StatusOK, recorder.Code)

	var response downloads.DirectSubmitResponse
	assert.Nil(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, resolved.ID, response.DownloadID)
	assert.Equal(t, "Example: Media! Title", response.Title)
	assert.Equal(t, "Example Media Title", response.SafeTitle)
	assert.Equal(t, "mp4", response.FileExtension)
}

func TestSubmitDirectSurfacesResolutionFailure(t *testing.T) {
	service := new(mockService)
	service.On("Submit", mock.Anything).Return(nil, fault.Throttled(time.Second*120, "upstream service is throttling requests"))

	recorder := performJSON(newTestRouter(service, new(mockGateway)), http.MethodPost, "/api/download-direct", `{"url": "https://example.com/watch?v=1"}`)
	assert.Equal(t, http.StatusTooManyRequests, recorder.Code)
	assert.Equal(t, "120", recorder.Header().Get("Retry-After"))
}

func TestSubmitRejectsMissingOrInvalidURL(t *testing.T) {
	service := new(mockService)
	router := newTestRouter(service, new(mockGateway))

	for _, body := range []string{`{}`, `{"url": "not a url"}`} {
		recorder := performJSON(router, http.MethodPost, "/api/download", body)
		assert.Equal(t, http.StatusBadRequest, recorder.Code, "body %s", body)
	}

	service.AssertNotCalled(t, "Submit", mock.Anything)
}

func TestStatusUnknownTaskIs404(t *testing.T) {
	service := new(mockService)
	service.On("Task", mock.Anything).Return(nil, task.ErrNotFound)

	recorder := performJSON(newTestRouter(service, new(mockGateway)), http.MethodGet, "/api/download-status/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestStatusExposesFailureTaxonomy(t *testing.T) {
	service := new(mockService)
	completed := time.Now()
	errored := &task.Task{
		ID:          uuid.New(),
		Status:      task.Errored,
		CreatedAt:   time.Now().Add(-time.Minute),
		CompletedAt: &completed,
		Failure:     &task.Failure{Kind: fault.UpstreamThrottled, Message: "upstream service is throttling requests", RetryAfter: time.Second * 90},
	}
	service.On("Task", errored.ID).Return(errored, nil)

	recorder := performJSON(newTestRouter(service, new(mockGateway)), http.MethodGet, "/api/download-status/"+errored.ID.String(), "")
	assert.Equal(t, http.StatusOK, recorder.Code)

	var dto downloads.TaskDto
	assert.Nil(t, json.Unmarshal(recorder.Body.Bytes(), &dto))
	assert.Equal(t, "ERROR", dto.Status)
	assert.NotNil(t, dto.Error)
	assert.Equal(t, fault.UpstreamThrottled, dto.Error.Kind)
	assert.Equal(t, 90, dto.Error.RetryAfter)
	assert.NotEmpty(t, dto.Error.Suggestion)
}

func TestCancelMapsStoreErrors(t *testing.T) {
	service := new(mockService)
	terminalID, missingID := uuid.New(), uuid.New()
	service.On("Cancel", terminalID).Return(task.ErrTerminal)
	service.On("Cancel", missingID).Return(task.ErrNotFound)

	router := newTestRouter(service, new(mockGateway))

	recorder := performJSON(router, http.MethodDelete, "/api/downloads/"+terminalID.String(), "")
	assert.Equal(t, http.StatusConflict, recorder.Code)

	recorder = performJSON(router, http.MethodDelete, "/api/downloads/"+missingID.String(), "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestStreamNotReadySendsConflict(t *testing.T) {
	gateway := new(mockGateway)
	gateway.On("AwaitFile", mock.Anything).Return("", "", nil, fault.New(fault.Conflict, "download has not started transferring yet"))

	recorder := performJSON(newTestRouter(new(mockService), gateway), http.MethodGet, "/api/download-stream/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusConflict, recorder.Code)
}

func TestStreamThrottledSendsRetryAfterHeader(t *testing.T) {
	gateway := new(mockGateway)
	gateway.On("AwaitFile", mock.Anything).Return("", "", nil, fault.Throttled(time.Minute, "upstream service is throttling requests"))

	recorder := performJSON(newTestRouter(new(mockService), gateway), http.MethodGet, "/api/download-stream/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusTooManyRequests, recorder.Code)
	assert.Equal(t, "60", recorder.Header().Get("Retry-After"))
}

func TestListFilesReturnsStagedArea(t *testing.T) {
	gateway := new(mockGateway)
	gateway.On("ListStaged").Return([]delivery.StagedFile{
		{Name: "newer.mp4", Size: 2},
		{Name: "older.mp4", Size: 1},
	}, nil)

	recorder := performJSON(newTestRouter(new(mockService), gateway), http.MethodGet, "/api/downloads/files", "")
	assert.Equal(t, http.StatusOK, recorder.Code)

	var files []delivery.StagedFile
	assert.Nil(t, json.Unmarshal(recorder.Body.Bytes(), &files))
	assert.Len(t, files, 2)
	assert.Equal(t, "newer.mp4", files[0].Name)
}
