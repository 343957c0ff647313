package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_ObserveCommand(t *testing.T) {
	c := NewCollector()

	c.ObserveCommand("StartJob", 10*time.Millisecond, false)
	c.ObserveCommand("StartJob", 20*time.Millisecond, true)
	c.ObserveCommand("FailJob", time.Millisecond, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.commandTotal.WithLabelValues("StartJob")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandFailures.WithLabelValues("StartJob")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandTotal.WithLabelValues("FailJob")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.commandFailures.WithLabelValues("FailJob")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.commandDuration))
}

func TestCollector_QueueDepth(t *testing.T) {
	c := NewCollector()

	c.QueueDepth("gemma", 3)
	c.QueueDepth("gemma", 1)
	c.QueueDepth("rank", 5)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueDepth.WithLabelValues("gemma")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.queueDepth.WithLabelValues("rank")))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.ObserveCommand("CompleteJobs", time.Millisecond, false)
	c.QueueDepth("rank", 2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `answer_queue_commands_total{command="CompleteJobs"} 1`)
	assert.Contains(t, body, `answer_queue_queue_depth{worker_class="rank"} 2`)
	assert.Contains(t, body, "go_goroutines")
}

func TestCollector_RegisterDB(t *testing.T) {
	c := NewCollector()

	// sql.Open does not dial; pool stats are available without a server
	db, err := sql.Open("postgres", "host=127.0.0.1 port=1 sslmode=disable")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, c.RegisterDB(db, "answer_queue"))

	families, err := c.Registry().Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "go_sql_max_open_connections")

	err = c.RegisterDB(db, "answer_queue")
	assert.Error(t, err)
}
