package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"crestron-shades-backend/internal/coordinator"
	"crestron-shades-backend/internal/crestron"
	"crestron-shades-backend/internal/crestron/crestrontest"
	"crestron-shades-backend/internal/db"
	"crestron-shades-backend/internal/hub"
	"crestron-shades-backend/internal/logging"
	"crestron-shades-backend/internal/model"
	"crestron-shades-backend/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router  *gin.Engine
	reg     *hub.Registry
	living  *crestrontest.Hub
	bedroom *crestrontest.Hub
}

func newTestStore(t *testing.T) store.Store {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gormDB))
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return store.NewGormStore(gormDB)
}

func addHub(t *testing.T, reg *hub.Registry, name string, fake *crestrontest.Hub) {
	t.Helper()
	client, err := crestron.NewClient(fake.URL, "token",
		crestron.WithHTTPClient(fake.HTTPClient()),
		crestron.WithRetry(crestron.RetryConfig{MaxAttempts: 2, Delay: time.Millisecond}))
	require.NoError(t, err)
	co := coordinator.New(name, client,
		coordinator.WithLogger(logging.Discard()),
		coordinator.WithInterval(time.Hour),
		coordinator.WithRefreshCooldown(time.Millisecond))
	require.NoError(t, co.Refresh(context.Background()))
	require.NoError(t, reg.Add(name, fake.URL, co))
}

func newTestEnv(t *testing.T, push *webpush.Options) *testEnv {
	env := &testEnv{
		living: crestrontest.NewHub("token",
			model.Shade{ID: 1, Name: "Window", Position: 0},
			model.Shade{ID: 2, Name: "Door", Position: 32768},
			model.Shade{ID: 3, Name: "Skylight", Position: 65535},
		),
		bedroom: crestrontest.NewHub("token",
			model.Shade{ID: 10, Name: "Blackout", Position: 65535, ConnectionStatus: model.ConnectionOffline},
		),
	}
	t.Cleanup(env.living.Close)
	t.Cleanup(env.bedroom.Close)

	env.reg = hub.NewRegistry(logging.Discard())
	addHub(t, env.reg, "living", env.living)
	addHub(t, env.reg, "bedroom", env.bedroom)

	env.router = NewRouter(env.reg, newTestStore(t), push, Options{
		CacheTTL: time.Minute,
		Logger:   logging.Discard(),
	})
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req, _ = http.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, _ = http.NewRequest(method, path, nil)
	}
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestListHubs(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/hubs", "")
	require.Equal(t, http.StatusOK, w.Code)

	hubs := decode[[]hubResponse](t, w)
	require.Len(t, hubs, 2)
	assert.Equal(t, "bedroom", hubs[0].Name)
	assert.Equal(t, "living", hubs[1].Name)
	assert.Equal(t, "success", hubs[1].State)
	assert.True(t, hubs[1].Available)
	assert.Equal(t, 3, hubs[1].ShadeCount)
	assert.NotNil(t, hubs[1].LastSuccess)
}

func TestGetHub(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/hubs/living", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "living", decode[hubResponse](t, w).Name)

	w = env.do(http.MethodGet, "/api/hubs/garage", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"hub not found"}`, w.Body.String())
}

func TestListShades_PercentView(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/hubs/living/shades", "")
	require.Equal(t, http.StatusOK, w.Code)

	shades := decode[[]shadeResponse](t, w)
	percent := map[int]int{}
	for _, s := range shades {
		percent[s.ID] = s.Percent
	}
	assert.Equal(t, map[int]int{1: 0, 2: 50, 3: 100}, percent)
	assert.Equal(t, 32768, shades[1].Position)

	w = env.do(http.MethodGet, "/api/shades", "")
	require.Equal(t, http.StatusOK, w.Code)
	all := decode[[]shadeResponse](t, w)
	require.Len(t, all, 4)
	assert.Equal(t, "bedroom", all[0].Hub)
	assert.False(t, all[0].Online)
}

func TestGetShade(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/hubs/living/shades/2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Door", decode[shadeResponse](t, w).Name)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/hubs/living/shades/10", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/hubs/living/shades/abc", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/hubs/garage/shades/1", "").Code)
}

func TestHubShadeCommands(t *testing.T) {
	env := newTestEnv(t, nil)

	// Prime the response cache.
	w := env.do(http.MethodGet, "/api/hubs/living/shades/1", "")
	require.Equal(t, 0, decode[shadeResponse](t, w).Percent)

	w = env.do(http.MethodPost, "/api/hubs/living/shades/1/open", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 100, decode[shadeResponse](t, w).Percent)

	onHub, _ := env.living.Shade(1)
	assert.Equal(t, model.PositionOpen, onHub.Position)

	w = env.do(http.MethodGet, "/api/hubs/living/shades/1", "")
	assert.Equal(t, 100, decode[shadeResponse](t, w).Percent, "cache invalidated by the command")

	w = env.do(http.MethodPost, "/api/hubs/living/shades/3/close", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[shadeResponse](t, w).Position)

	env.living.SetShade(model.Shade{ID: 2, Name: "Door", Position: 20000})
	w = env.do(http.MethodPost, "/api/hubs/living/shades/2/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 20000, decode[shadeResponse](t, w).Position)

	before := env.living.TotalRequests()
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/api/hubs/living/shades/99/open", "").Code)
	assert.Equal(t, before, env.living.TotalRequests(), "unknown shade makes no hub request")
}

func TestSetPosition(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "missing", body: `{}`, code: http.StatusBadRequest},
		{name: "too large", body: `{"position": 150}`, code: http.StatusBadRequest},
		{name: "negative", body: `{"position": -1}`, code: http.StatusBadRequest},
		{name: "closed", body: `{"position": 0}`, code: http.StatusOK},
		{name: "quarter", body: `{"position": 25}`, code: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPut, "/api/hubs/living/shades/2/position", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}

	onHub, _ := env.living.Shade(2)
	assert.Equal(t, 16384, onHub.Position)
}

func TestCommandFailureIsBadGateway(t *testing.T) {
	env := newTestEnv(t, nil)
	env.living.SetStateStatus("failure")

	w := env.do(http.MethodPost, "/api/hubs/living/shades/1/open", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestGlobalShadeCommands(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/shades/10/close", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bedroom", decode[shadeResponse](t, w).Hub)
	onHub, _ := env.bedroom.Shade(10)
	assert.Equal(t, 0, onHub.Position)

	w = env.do(http.MethodPut, "/api/shades/1/position", `{"position": 100}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "living", decode[shadeResponse](t, w).Hub)

	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/shades/3/stop", "").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/shades/2/open", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/api/shades/42/open", "").Code)
}

func TestRefreshAndCredentials(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusAccepted, env.do(http.MethodPost, "/api/hubs/living/refresh", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/api/hubs/garage/refresh", "").Code)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPut, "/api/hubs/living/credentials", `{}`).Code)
	assert.Equal(t, http.StatusAccepted, env.do(http.MethodPut, "/api/hubs/living/credentials", `{"auth_token":"rotated"}`).Code)
}

func TestSubscriptions(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPut, "/api/subscriptions", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())

	w = env.do(http.MethodPut, "/api/subscriptions", `{"endpoint":"https://push.example/a","p256dh":"p","auth":"a","hubs":["garage"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPut, "/api/subscriptions", `{"endpoint":"https://push.example/a","p256dh":"p","auth":"a","hubs":["living"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(http.MethodGet, "/api/subscriptions?endpoint="+"https%3A%2F%2Fpush.example%2Fa", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"hubs":["living"],"all_hubs":false}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/subscriptions", "").Code)

	w = env.do(http.MethodDelete, "/api/subscriptions", `{"endpoint":"https://push.example/a"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/subscriptions?endpoint=https%3A%2F%2Fpush.example%2Fa", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodDelete, "/api/subscriptions", `{"endpoint":"https://push.example/a"}`).Code)
}

func TestGetVAPIDPublicKey(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/api/vapid_public_key", "").Code)

	env = newTestEnv(t, &webpush.Options{VAPIDPublicKey: "BPub"})
	w := env.do(http.MethodGet, "/api/vapid_public_key", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"public_key":"BPub"}`, w.Body.String())
}

func TestStreamEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	server := httptest.NewServer(env.router)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/hubs/living/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	next := func() snapshotEvent {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if data, ok := strings.CutPrefix(line, "data:"); ok {
				var ev snapshotEvent
				require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &ev))
				return ev
			}
		}
	}

	first := next()
	assert.Equal(t, "living", first.Name)
	require.Len(t, first.Shades, 3)

	w := env.do(http.MethodPost, "/api/hubs/living/shades/1/open", "")
	require.Equal(t, http.StatusOK, w.Code)

	second := next()
	assert.Greater(t, second.Version, first.Version)
	assert.Equal(t, 100, second.Shades[0].Percent)
}
