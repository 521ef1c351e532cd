package httpapi

import (
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/gin-gonic/gin"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "wsched/internal/runtime/supervisor"
	"wsched/internal/storage"
	"wsched/internal/task/engine"
	logx "wsched/pkg/logx"
)

const (
	defaultResultsLimit = 100
	maxResultsLimit     = 1000
)

// SchedulerView is the read-only slice of the scheduler the API needs.
type SchedulerView interface {
	Status() engine.SchedulerStatus
	Metrics() engine.SchedulerMetrics
	TaskState(id string) (engine.TaskState, bool)
	Result(id string) (engine.TaskResult, bool)
	Supervisors() map[string]rtsup.SupervisorSnapshot
}

// Deps wires the router. Store and Gatherer may be nil.
type Deps struct {
	Scheduler SchedulerView
	Store     storage.Store
	Gatherer  prom.Gatherer
	Pprof     bool
	Version   string
	Log       logx.Logger
}

type handlers struct {
	d Deps
}

// NewRouter builds the gin engine serving the status API.
func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	h := &handlers{d: d}

	r := gin.New()
	r.Use(recovery(d.Log), accessLog(d.Log))

	r.GET("/healthz", h.health)

	v1 := r.Group("/v1")
	{
		v1.GET("/status", h.status)
		v1.GET("/metrics", h.metrics)
		v1.GET("/results", h.results)
		v1.GET("/tasks/:id", h.task)
	}

	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	if d.Pprof {
		pp := r.Group("/debug/pprof")
		pp.GET("/", gin.WrapF(pprof.Index))
		pp.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		pp.GET("/profile", gin.WrapF(pprof.Profile))
		pp.GET("/symbol", gin.WrapF(pprof.Symbol))
		pp.POST("/symbol", gin.WrapF(pprof.Symbol))
		pp.GET("/trace", gin.WrapF(pprof.Trace))
		pp.GET("/:name", func(c *gin.Context) { pprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request) })
	}
	return r
}

// health reports 503 once the scheduler stops accepting work.
func (h *handlers) health(c *gin.Context) {
	st := h.d.Scheduler.Status()
	if !st.IsRunning {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": h.d.Version})
}

func (h *handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":     h.d.Version,
		"scheduler":   h.d.Scheduler.Status(),
		"supervisors": h.d.Scheduler.Supervisors(),
	})
}

func (h *handlers) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.Scheduler.Metrics())
}

func (h *handlers) results(c *gin.Context) {
	if h.d.Store == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody(storage.ErrDisabled.Error()))
		return
	}
	limit := defaultResultsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorBody("limit must be a positive integer"))
			return
		}
		limit = min(n, maxResultsLimit)
	}
	recs, err := h.d.Store.Recent(c.Request.Context(), limit)
	if err != nil {
		h.d.Log.Warn("results query failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, errorBody("results query failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": recs, "count": len(recs)})
}

func (h *handlers) task(c *gin.Context) {
	id := c.Param("id")
	st, ok := h.d.Scheduler.TaskState(id)
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("unknown task"))
		return
	}
	body := gin.H{"task_id": id, "state": st}
	if r, ok := h.d.Scheduler.Result(id); ok {
		body["result"] = r
	}
	c.JSON(http.StatusOK, body)
}
