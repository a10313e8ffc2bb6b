// Package server exposes task runs over HTTP and streams their step events
// over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/polzovatel/browser-task-agent/internal/agent"
	"github.com/polzovatel/browser-task-agent/internal/events"
)

const (
	defaultHistory  = 512
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 15 * time.Second
)

// Runner executes one task. agent.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

type Options struct {
	MaxConcurrentRuns int
	RunCacheSize      int
	// EventHistory bounds the events replayed to late WebSocket subscribers.
	EventHistory int
	Gatherer     prometheus.Gatherer
}

type runState struct {
	id      string
	task    string
	started time.Time
	cancel  context.CancelFunc
	events  *events.Broadcaster
	result  *agent.Result
}

type Server struct {
	runner   Runner
	opts     Options
	sem      *semaphore.Weighted
	upgrader websocket.Upgrader
	engine   *gin.Engine
	logger   zerolog.Logger

	base    context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*runState
	finished *lru.Cache[string, *runState]
}

func New(runner Runner, opts Options, logger zerolog.Logger) (*Server, error) {
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 1
	}
	if opts.RunCacheSize <= 0 {
		opts.RunCacheSize = 100
	}
	if opts.EventHistory <= 0 {
		opts.EventHistory = defaultHistory
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	finished, err := lru.New[string, *runState](opts.RunCacheSize)
	if err != nil {
		return nil, err
	}
	base, stop := context.WithCancel(context.Background())
	s := &Server{
		runner: runner,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrentRuns)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:   logger.With().Str("comp", "server").Logger(),
		base:     base,
		stopAll:  stop,
		active:   map[string]*runState{},
		finished: finished,
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.POST("/runs", s.startRun)
	api.GET("/runs/:id", s.getRun)
	api.DELETE("/runs/:id", s.cancelRun)
	api.GET("/runs/:id/events", s.streamEvents)
	return r
}

func (s *Server) Handler() http.Handler { return s.engine }

// Serve listens on addr until ctx ends, then cancels active runs and waits
// for them to finish.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		s.Close()
		return err
	})
	return g.Wait()
}

// Close cancels every active run and waits for them.
func (s *Server) Close() {
	s.stopAll()
	s.wg.Wait()
}

type startRequest struct {
	Task     string `json:"task"`
	MaxSteps int    `json:"max_steps"`
}

func (s *Server) startRun(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	req.Task = strings.TrimSpace(req.Task)
	if req.Task == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task is required"})
		return
	}
	if req.MaxSteps < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_steps must not be negative"})
		return
	}
	if !s.sem.TryAcquire(1) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many runs in progress"})
		return
	}

	ctx, cancel := context.WithCancel(s.base)
	st := &runState{
		id:      uuid.NewString(),
		task:    req.Task,
		started: time.Now(),
		cancel:  cancel,
		events:  events.NewBroadcaster(s.opts.EventHistory),
	}
	s.mu.Lock()
	s.active[st.id] = st
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(ctx, st, req.MaxSteps)

	s.logger.Info().Str("run", st.id).Str("task", st.task).Msg("run accepted")
	c.JSON(http.StatusAccepted, gin.H{"id": st.id, "status": agent.StatusRunning})
}

func (s *Server) execute(ctx context.Context, st *runState, maxSteps int) {
	defer s.wg.Done()
	defer st.cancel()

	res, err := s.guardedRun(ctx, st, maxSteps)
	s.sem.Release(1)
	if err != nil {
		s.logger.Warn().Err(err).Str("run", st.id).Msg("run failed")
	}
	if res == nil {
		res = &agent.Result{ID: st.id, Task: st.task, Status: agent.StatusFailed, Started: st.started, Finished: time.Now()}
		if err != nil {
			res.Err = err.Error()
		}
		st.events.Emit(events.Event{Type: events.Error, RunID: st.id, Time: res.Finished, Data: map[string]any{"error": res.Err}})
	}

	s.mu.Lock()
	st.result = res
	delete(s.active, st.id)
	s.finished.Add(st.id, st)
	s.mu.Unlock()
	st.events.Close()
}

// guardedRun calls the runner and turns a panic into an error so the run
// ends FAILED and the process keeps serving.
func (s *Server) guardedRun(ctx context.Context, st *runState, maxSteps int) (res *agent.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error().Str("run", st.id).Str("stack", string(debug.Stack())).Msgf("run panicked: %v", p)
			res, err = nil, fmt.Errorf("run panicked: %v", p)
		}
	}()
	return s.runner.Run(ctx, agent.Request{
		ID:       st.id,
		Task:     st.task,
		MaxSteps: maxSteps,
		Sink:     events.Multi{st.events, events.Log(s.logger)},
	})
}

func (s *Server) lookup(id string) (*runState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.active[id]; ok {
		return st, true
	}
	return s.finished.Get(id)
}

func (s *Server) getRun(c *gin.Context) {
	id := c.Param("id")
	st, ok := s.lookup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	s.mu.Lock()
	res := st.result
	s.mu.Unlock()
	if res == nil {
		c.JSON(http.StatusOK, gin.H{"id": st.id, "task": st.task, "status": agent.StatusRunning, "started": st.started})
		return
	}
	c.JSON(http.StatusOK, res)
}

// cancelRun stops a run between ticks.
func (s *Server) cancelRun(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	st, active := s.active[id]
	s.mu.Unlock()
	if !active {
		if _, ok := s.lookup(id); ok {
			c.JSON(http.StatusConflict, gin.H{"error": "run already finished"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	st.cancel()
	s.logger.Info().Str("run", id).Msg("run cancelled")
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "cancelling"})
}

// streamEvents replays the run's events and follows it until a terminal
// event or the client goes away.
func (s *Server) streamEvents(c *gin.Context) {
	st, ok := s.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, unsubscribe := st.events.Subscribe()
	defer unsubscribe()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				unsubscribe()
				return
			}
		}
	}()

	for e := range ch {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(e); err != nil {
			s.logger.Debug().Err(err).Str("run", st.id).Msg("event write failed")
			return
		}
		if e.Terminal() {
			break
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run ended"),
		time.Now().Add(time.Second))
}

func (s *Server) health(c *gin.Context) {
	s.mu.Lock()
	n := len(s.active)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active_runs": n})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
