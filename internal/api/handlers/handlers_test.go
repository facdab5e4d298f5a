package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	_ "time/tzdata"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/mass-dispatch/internal/gateway"
	"github.com/acme/mass-dispatch/internal/repository/memory"
	campaignsvc "github.com/acme/mass-dispatch/internal/service/campaign"
	"github.com/acme/mass-dispatch/internal/service/dispatch"
)

type nopSender struct{}

func (nopSender) Send(context.Context, gateway.OutboundMessage) (gateway.SendResult, error) {
	return gateway.SendResult{MessageID: "m"}, nil
}

const createBody = `{
	"instance_id": "sales",
	"name": "black friday",
	"template": {"kind": "text", "content": {"text": "Hi {{name}}"}},
	"settings": {"speed": "fast", "schedule": {"enabled": true, "start_time": "09:00", "pause_time": "18:00", "time_zone": "America/Sao_Paulo", "excluded_days": [0]}},
	"recipients": [{"number": "5511987654321", "name": "Ana"}, {"number": "5511987654322"}]
}`

func newTestApp(t *testing.T, recovered bool) (*fiber.App, *dispatch.Engine) {
	t.Helper()
	repo := memory.NewCampaignRepository()
	svc := campaignsvc.NewService(repo, nil, nil, nil, 0)
	engine := dispatch.New(dispatch.Deps{Repo: repo, Sender: nopSender{}})
	if recovered {
		require.NoError(t, engine.Recover(context.Background()))
	}
	t.Cleanup(func() { _ = engine.Shutdown(context.Background()) })

	h := NewHandlerSet(Deps{Campaigns: svc, Engine: engine})
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app)
	return app, engine
}

func do(t *testing.T, app *fiber.App, method, path, user, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func mustCreate(t *testing.T, app *fiber.App) string {
	t.Helper()
	code, body := do(t, app, http.MethodPost, "/api/v1/campaigns/", "user-1", createBody)
	require.Equal(t, http.StatusCreated, code, body)
	return body["id"].(string)
}

func TestCreateCampaign(t *testing.T) {
	app, _ := newTestApp(t, true)

	code, body := do(t, app, http.MethodPost, "/api/v1/campaigns/", "user-1", createBody)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "draft", body["status"])
	assert.Equal(t, "user-1", body["user_id"])
	assert.Len(t, body["recipients"], 2)

	settings := body["settings"].(map[string]any)
	schedule := settings["schedule"].(map[string]any)
	assert.Equal(t, "America/Sao_Paulo", schedule["time_zone"])
}

func TestCreateCampaignRequiresUser(t *testing.T) {
	app, _ := newTestApp(t, true)

	code, _ := do(t, app, http.MethodPost, "/api/v1/campaigns/", "", createBody)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestCreateCampaignRejectsInvalidPayload(t *testing.T) {
	app, _ := newTestApp(t, true)

	cases := map[string]string{
		"unknown kind":   strings.Replace(createBody, `"kind": "text"`, `"kind": "sticker"`, 1),
		"bad clock":      strings.Replace(createBody, `"09:00"`, `"9am"`, 1),
		"bad timezone":   strings.Replace(createBody, `America/Sao_Paulo`, `Mars/Olympus`, 1),
		"bad weekday":    strings.Replace(createBody, `[0]`, `[7]`, 1),
		"missing text":   strings.Replace(createBody, `"Hi {{name}}"`, `""`, 1),
		"malformed json": `{"name":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			code, resp := do(t, app, http.MethodPost, "/api/v1/campaigns/", "user-1", body)
			assert.Equal(t, http.StatusBadRequest, code, resp)
		})
	}
}

func TestCampaignIsScopedToOwner(t *testing.T) {
	app, _ := newTestApp(t, true)
	id := mustCreate(t, app)

	code, _ := do(t, app, http.MethodGet, "/api/v1/campaigns/"+id, "user-2", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body := do(t, app, http.MethodGet, "/api/v1/campaigns/"+id, "user-1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, body["id"])

	code, _ = do(t, app, http.MethodGet, "/api/v1/campaigns/not-a-uuid", "user-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestControlErrorsMapToStatusCodes(t *testing.T) {
	app, _ := newTestApp(t, true)
	id := mustCreate(t, app)

	code, _ := do(t, app, http.MethodPost, "/api/v1/campaigns/"+id+"/start", "user-1", "")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = do(t, app, http.MethodPost, "/api/v1/campaigns/"+id+"/pause", "user-1", `{"reason":"lunch"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, body := do(t, app, http.MethodPost, "/api/v1/campaigns/"+id+"/cancel", "user-1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", body["status"])
}

func TestControlUnavailableBeforeRecovery(t *testing.T) {
	app, _ := newTestApp(t, false)
	id := mustCreate(t, app)

	code, _ := do(t, app, http.MethodPost, "/api/v1/campaigns/"+id+"/cancel", "user-1", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = do(t, app, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestSchedulerEndpointsWithoutScheduler(t *testing.T) {
	app, _ := newTestApp(t, true)

	code, body := do(t, app, http.MethodGet, "/api/v1/scheduler/", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["engine_ready"])

	code, _ = do(t, app, http.MethodPost, "/api/v1/scheduler/check", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
