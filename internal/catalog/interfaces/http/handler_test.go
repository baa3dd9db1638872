package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/fulfillment/internal/catalog/application"
	"github.com/wyfcoding/fulfillment/internal/catalog/domain"
	"github.com/wyfcoding/fulfillment/internal/catalog/infrastructure/messaging"
	"github.com/wyfcoding/fulfillment/internal/catalog/infrastructure/persistence/mysql"
	"github.com/wyfcoding/fulfillment/pkg/config"
	"github.com/wyfcoding/fulfillment/pkg/db"
	"github.com/wyfcoding/fulfillment/pkg/mq"
	"github.com/wyfcoding/fulfillment/pkg/outbox"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	d, err := db.Open(sqlite.Open("file::memory:"), config.DatabaseConfig{})
	require.NoError(t, err)
	sqlDB, err := d.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, mysql.AutoMigrate(context.Background(), d.DB))

	ch := mq.NewMemoryChannel(mq.Options{})
	t.Cleanup(func() {
		_ = ch.Close()
		_ = d.Close()
	})

	repo := mysql.NewProductRepository(d.DB)
	pub := messaging.NewEventPublisher(ch, outbox.NewDispatcher(ch, nil))
	h := NewCatalogHandler(
		application.NewCatalogCommandService(repo),
		application.NewCatalogQueryService(repo),
		application.NewStockService(repo, pub, domain.NewThresholdPolicy(10), nil),
	)
	r := gin.New()
	h.RegisterRoutes(&r.RouterGroup)
	return r
}

func do(t *testing.T, r *gin.Engine, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return w.Code, out
}

func TestCatalogHandler_ProductAndStockFlow(t *testing.T) {
	r := newRouter(t)

	code, body := do(t, r, http.MethodPost, "/api/v1/products", map[string]any{"label": "widget", "price": 3.5, "stock": 12})
	require.Equal(t, http.StatusCreated, code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "widget", data["label"])
	assert.Equal(t, 3.5, data["price"])

	code, body = do(t, r, http.MethodPost, "/api/v1/products/1/stock", map[string]any{"quantity": -5})
	require.Equal(t, http.StatusOK, code)
	data = body["data"].(map[string]any)
	assert.Equal(t, float64(7), data["newStock"])
	assert.Equal(t, "manual_adjustment", data["reason"])

	code, body = do(t, r, http.MethodGet, "/api/v1/products/1/stock", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(7), body["data"].(map[string]any)["stock"])

	code, body = do(t, r, http.MethodGet, "/api/v1/stock/low", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["data"].(map[string]any)["items"], 1)

	code, body = do(t, r, http.MethodPost, "/api/v1/products/1/stock", map[string]any{"quantity": -8})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "InsufficientStock", body["code"])

	code, body = do(t, r, http.MethodGet, "/api/v1/stock/out", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["data"].(map[string]any)["items"])
}

func TestCatalogHandler_Errors(t *testing.T) {
	r := newRouter(t)

	code, body := do(t, r, http.MethodGet, "/api/v1/products/9", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NotFound", body["code"])

	code, _ = do(t, r, http.MethodGet, "/api/v1/products/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = do(t, r, http.MethodPost, "/api/v1/products", map[string]any{"label": "x", "price": -1})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ValidationError", body["code"])

	do(t, r, http.MethodPost, "/api/v1/products", map[string]any{"label": "widget", "stock": 1})
	code, body = do(t, r, http.MethodPost, "/api/v1/products/1/stock", map[string]any{"quantity": 1, "reason": "restock"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ValidationError", body["code"])
}
