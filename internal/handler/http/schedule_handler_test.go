package httphandler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scheduleapp "github.com/lllypuk/beacon/internal/application/schedule"
	"github.com/lllypuk/beacon/internal/domain/errs"
	"github.com/lllypuk/beacon/internal/domain/run"
	scheduledomain "github.com/lllypuk/beacon/internal/domain/schedule"
	httphandler "github.com/lllypuk/beacon/internal/handler/http"
	"github.com/lllypuk/beacon/internal/infrastructure/httpserver"
	"github.com/lllypuk/beacon/internal/middleware"
)

type mockScheduleService struct {
	createFn      func(ctx context.Context, cmd scheduleapp.CreateCommand) (*scheduledomain.Schedule, error)
	updateFn      func(ctx context.Context, cmd scheduleapp.UpdateCommand) (*scheduledomain.Schedule, error)
	deleteFn      func(ctx context.Context, principal, scheduleID string) error
	getFn         func(ctx context.Context, principal, scheduleID string) (*scheduledomain.Schedule, error)
	listFn        func(ctx context.Context, principal, resourceID string, offset, limit int) ([]*scheduledomain.Schedule, error)
	runNowFn      func(ctx context.Context, principal, scheduleID string) (string, error)
	runResourceFn func(ctx context.Context, principal, resourceID string) (string, error)
}

func (m *mockScheduleService) Create(ctx context.Context, cmd scheduleapp.CreateCommand) (*scheduledomain.Schedule, error) {
	return m.createFn(ctx, cmd)
}

func (m *mockScheduleService) Update(ctx context.Context, cmd scheduleapp.UpdateCommand) (*scheduledomain.Schedule, error) {
	return m.updateFn(ctx, cmd)
}

func (m *mockScheduleService) Delete(ctx context.Context, principal, scheduleID string) error {
	return m.deleteFn(ctx, principal, scheduleID)
}

func (m *mockScheduleService) Get(ctx context.Context, principal, scheduleID string) (*scheduledomain.Schedule, error) {
	return m.getFn(ctx, principal, scheduleID)
}

func (m *mockScheduleService) List(
	ctx context.Context,
	principal, resourceID string,
	offset, limit int,
) ([]*scheduledomain.Schedule, error) {
	return m.listFn(ctx, principal, resourceID, offset, limit)
}

func (m *mockScheduleService) RunNow(ctx context.Context, principal, scheduleID string) (string, error) {
	return m.runNowFn(ctx, principal, scheduleID)
}

func (m *mockScheduleService) RunResource(ctx context.Context, principal, resourceID string) (string, error) {
	return m.runResourceFn(ctx, principal, resourceID)
}

func testSchedule(t *testing.T) *scheduledomain.Schedule {
	t.Helper()
	sched, err := scheduledomain.New("res-1", "*/5 * * * *", true, time.Now())
	require.NoError(t, err)
	return sched
}

func newContext(t *testing.T, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(string(middleware.ContextKeyPrincipal), "user-1")
	return c, rec
}

func TestScheduleHandler_CreateSchedule(t *testing.T) {
	var gotCmd scheduleapp.CreateCommand
	service := &mockScheduleService{
		createFn: func(_ context.Context, cmd scheduleapp.CreateCommand) (*scheduledomain.Schedule, error) {
			gotCmd = cmd
			return testSchedule(t), nil
		},
	}
	handler := httphandler.NewScheduleHandler(service, nil)

	c, rec := newContext(t, http.MethodPost, "/api/v1/schedules",
		`{"resource_id":"res-1","cron_expr":"*/5 * * * *","enabled":true}`)

	require.NoError(t, handler.CreateSchedule(c))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "user-1", gotCmd.Principal)
	assert.Equal(t, "res-1", gotCmd.ResourceID)
	assert.Equal(t, "*/5 * * * *", gotCmd.CronExpr)
	assert.True(t, gotCmd.Enabled)
	assert.Contains(t, rec.Body.String(), `"resource_id":"res-1"`)
	assert.Contains(t, rec.Body.String(), `"next_due_at"`)
}

func TestScheduleHandler_CreateSchedule_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing resource_id", `{"cron_expr":"*/5 * * * *"}`},
		{"missing cron_expr", `{"resource_id":"res-1"}`},
		{"blank resource_id", `{"resource_id":"  ","cron_expr":"*/5 * * * *"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := httphandler.NewScheduleHandler(&mockScheduleService{}, nil)
			c, rec := newContext(t, http.MethodPost, "/api/v1/schedules", tt.body)

			require.NoError(t, handler.CreateSchedule(c))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
		})
	}
}

func TestScheduleHandler_CreateSchedule_InvalidExpression(t *testing.T) {
	service := &mockScheduleService{
		createFn: func(_ context.Context, _ scheduleapp.CreateCommand) (*scheduledomain.Schedule, error) {
			return nil, errs.ErrInvalidExpression
		},
	}
	handler := httphandler.NewScheduleHandler(service, nil)

	c, rec := newContext(t, http.MethodPost, "/api/v1/schedules",
		`{"resource_id":"res-1","cron_expr":"not a cron"}`)

	require.NoError(t, handler.CreateSchedule(c))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_EXPRESSION")
}

func TestScheduleHandler_GetSchedule(t *testing.T) {
	sched := testSchedule(t)
	service := &mockScheduleService{
		getFn: func(_ context.Context, principal, scheduleID string) (*scheduledomain.Schedule, error) {
			assert.Equal(t, "user-1", principal)
			assert.Equal(t, sched.ID, scheduleID)
			return sched, nil
		},
	}
	handler := httphandler.NewScheduleHandler(service, nil)

	c, rec := newContext(t, http.MethodGet, "/api/v1/schedules/"+sched.ID, "")
	c.SetParamNames("id")
	c.SetParamValues(sched.ID)

	require.NoError(t, handler.GetSchedule(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), sched.ID)
}

func TestScheduleHandler_GetSchedule_NotFound(t *testing.T) {
	service := &mockScheduleService{
		getFn: func(_ context.Context, _, _ string) (*scheduledomain.Schedule, error) {
			return nil, errs.ErrNotFound
		},
	}
	handler := httphandler.NewScheduleHandler(service, nil)

	c, rec := newContext(t, http.MethodGet, "/api/v1/schedules/missing", "")
	c.SetParamNames("id")
	c.SetParamValues("missing")

	require.NoError(t, handler.GetSchedule(c))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestScheduleHandler_GetSchedule_Forbidden(t *testing.T) {
	service := &mockScheduleService{
		getFn: func(_ context.Context, _, _ string) (*scheduledomain.Schedule, error) {
			return nil, errs.ErrForbidden
		},
	}
	handler := httphandler.NewScheduleHandler(service, nil)

	c, rec := newContext(t, http.MethodGet, "/api/v1/schedules/sched-1", "")
	c.SetParamNames("id")
	c.SetParamValues("sched-1")

	require.NoError(t, handler.GetSchedule(c))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestScheduleHandler_ListSchedules(t *testing.T) {
	var gotOffset, gotLimit int
	var gotResource string
	service := &mockScheduleService{
		listFn: func(_ context.Context, _, resourceID string, offset, limit int) ([]*scheduledomain.Schedule, error) {
			gotResource = resourceID
			gotOffset = offset
			gotLimit = limit
			return []*scheduledomain.Schedule{testSchedule(t), testSchedule(t)}, nil
		},
	}
	handler := httphandler.NewScheduleHandler(service, nil)

	c, rec := newContext(t, http.MethodGet, "/api/v1/schedules?resource_id=res-1&offset=10&limit=25", "")

	require.NoError(t, handler.ListSchedules(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "res-1", gotResource)
	assert.Equal(t, 10, gotOffset)
	assert.Equal(t, 25, gotLimit)
	assert.Contains(t, rec.Body.String(), `"schedules"`)
}

func TestScheduleHandler_ListSchedules_PaginationBounds(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		expectedOffset int
		expectedLimit  int
	}{
		{"defaults", "", 0, 50},
		{"negative offset clamped", "?offset=-5", 0, 50},
		{"limit capped", "?limit=10000", 0, 200},
		{"zero limit uses default", "?limit=0", 0, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotOffset, gotLimit int
			service := &mockScheduleService{
				listFn: func(_ context.Context, _, _ string, offset, limit int) ([]*scheduledomain.Schedule, error) {
					gotOffset = offset
					gotLimit = limit
					return nil, nil
				},
			}
			handler := httphandler.NewScheduleHandler(service, nil)

			c, rec := newContext(t, http.MethodGet, "/api/v1/schedules"+tt.query, "")

			require.NoError(t, handler.ListSchedules(c))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.expectedOffset, gotOffset)
			assert.Equal(t, tt.expectedLimit, gotLimit)
		})
	}
}

func TestScheduleHandler_UpdateSchedule(t *testing.T) {
	sched := testSchedule(t)
	var gotCmd scheduleapp.UpdateCommand
	service := &mockScheduleService{
		updateFn: func(_ context.Context, cmd scheduleapp.UpdateCommand) (*scheduledomain.Schedule, error) {
			gotCmd = cmd
			return sched, nil
		},
	}
	handler := httphandler.NewScheduleHandler(service, nil)

	c, rec := newContext(t, http.MethodPut, "/api/v1/schedules/"+sched.ID,
		`{"cron_expr":"0 * * * *","enabled":false}`)
	c.SetParamNames("id")
	c.SetParamValues(sched.ID)

	require.NoError(t, handler.UpdateSchedule(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotCmd.CronExpr)
	assert.Equal(t, "0 * * * *", *gotCmd.CronExpr)
	require.NotNil(t, gotCmd.Enabled)
	assert.False(t, *gotCmd.Enabled)
}

func TestScheduleHandler_UpdateSchedule_EmptyBody(t *testing.T) {
	handler := httphandler.NewScheduleHandler(&mockScheduleService{}, nil)

	c, rec := newContext(t, http.MethodPut, "/api/v1/schedules/sched-1", `{}`)
	c.SetParamNames("id")
	c.SetParamValues("sched-1")

	require.NoError(t, handler.UpdateSchedule(c))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
}

func TestScheduleHandler_DeleteSchedule(t *testing.T) {
	deleted := false
	service := &mockScheduleService{
		deleteFn: func(_ context.Context, principal, scheduleID string) error {
			assert.Equal(t, "user-1", principal)
			assert.Equal(t, "sched-1", scheduleID)
			deleted = true
			return nil
		},
	}
	handler := httphandler.NewScheduleHandler(service, nil)

	c, rec := newContext(t, http.MethodDelete, "/api/v1/schedules/sched-1", "")
	c.SetParamNames("id")
	c.SetParamValues("sched-1")

	require.NoError(t, handler.DeleteSchedule(c))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, deleted)
}

func TestScheduleHandler_RunSchedule(t *testing.T) {
	service := &mockScheduleService{
		runNowFn: func(_ context.Context, principal, scheduleID string) (string, error) {
			assert.Equal(t, "user-1", principal)
			assert.Equal(t, "sched-1", scheduleID)
			return "op-42", nil
		},
	}
	handler := httphandler.NewScheduleHandler(service, nil)

	c, rec := newContext(t, http.MethodPost, "/api/v1/schedules/sched-1/run", "")
	c.SetParamNames("id")
	c.SetParamValues("sched-1")

	require.NoError(t, handler.RunSchedule(c))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"operation_id":"op-42"`)
}

func TestScheduleHandler_RunSchedule_AlreadyRunning(t *testing.T) {
	service := &mockScheduleService{
		runNowFn: func(_ context.Context, _, _ string) (string, error) {
			return "", errs.ErrAlreadyRunning
		},
	}
	handler := httphandler.NewScheduleHandler(service, nil)

	c, rec := newContext(t, http.MethodPost, "/api/v1/schedules/sched-1/run", "")
	c.SetParamNames("id")
	c.SetParamValues("sched-1")

	require.NoError(t, handler.RunSchedule(c))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "ALREADY_RUNNING")
}

func TestScheduleHandler_CheckResource(t *testing.T) {
	service := &mockScheduleService{
		runResourceFn: func(_ context.Context, principal, resourceID string) (string, error) {
			assert.Equal(t, "user-1", principal)
			assert.Equal(t, "res-9", resourceID)
			return "op-77", nil
		},
	}
	handler := httphandler.NewScheduleHandler(service, nil)

	c, rec := newContext(t, http.MethodPost, "/api/v1/resources/res-9/check", "")
	c.SetParamNames("id")
	c.SetParamValues("res-9")

	require.NoError(t, handler.CheckResource(c))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"operation_id":"op-77"`)
}

func TestScheduleHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	router := httpserver.NewRouter(e, httpserver.DefaultRouterConfig())

	service := &mockScheduleService{
		listFn: func(_ context.Context, _, _ string, _, _ int) ([]*scheduledomain.Schedule, error) {
			return nil, nil
		},
		runNowFn: func(_ context.Context, _, _ string) (string, error) {
			return run.NewOperationID(), nil
		},
	}
	handler := httphandler.NewScheduleHandler(service, nil)
	handler.RegisterRoutes(router)

	paths := make(map[string]bool)
	for _, route := range e.Routes() {
		paths[route.Method+" "+route.Path] = true
	}

	assert.True(t, paths["POST /api/v1/schedules"])
	assert.True(t, paths["GET /api/v1/schedules"])
	assert.True(t, paths["GET /api/v1/schedules/:id"])
	assert.True(t, paths["PUT /api/v1/schedules/:id"])
	assert.True(t, paths["DELETE /api/v1/schedules/:id"])
	assert.True(t, paths["POST /api/v1/schedules/:id/run"])
	assert.True(t, paths["POST /api/v1/resources/:id/check"])
}
