package observability

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/guild/internal/config"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("guildd", config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	Event(logger.Debug(), "guild_created").Str("guild_id", "g1").Msg("created")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "guildd", line["app"])
	assert.Equal(t, "guild_created", line["event_type"])
	assert.Equal(t, "g1", line["guild_id"])
	assert.Equal(t, "debug", line["level"])
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("guildd", config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	logger.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := NewLogger("guildd", config.LoggingConfig{Level: "loud"}, nil)
	assert.Error(t, err)

	_, err = NewLogger("guildd", config.LoggingConfig{Format: "xml"}, nil)
	assert.Error(t, err)
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.RecordPublish("in_memory")
	m.RecordPublish("in_memory")
	m.RecordDelivery("in_memory")
	m.RecordDeadLetter("redis")
	m.RecordHandlerFailure("sync", true)
	m.SetGuildsRunning(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.published.WithLabelValues("in_memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.delivered.WithLabelValues("in_memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLettered.WithLabelValues("redis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerFailures.WithLabelValues("sync", "panic")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.guildsRunning))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPublish("x")
		m.RecordDelivery("x")
		m.RecordDeadLetter("x")
		m.RecordHandlerFailure("x", false)
		m.SetGuildsRunning(1)
		m.RecordHTTPRequest("GET", "/", 200, 0)
	})
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger, err := NewLogger("test", config.LoggingConfig{Format: "json"}, &buf)
	require.NoError(t, err)
	m := NewMetrics()

	r := gin.New()
	r.Use(RequestLogger(logger), RequestMetrics(m))
	r.GET("/things/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/things/42", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"path":"/things/:id"`)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/things/:id", "404")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "guild_http_requests_total"))
}
