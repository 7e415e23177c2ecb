package orchestrator

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/r3e-network/agent-sentinel/internal/event"
	"github.com/r3e-network/agent-sentinel/pkg/logging"
)

// API exposes the orchestrator over HTTP: health, the latest snapshot, a
// manual cycle trigger, and a websocket live-tail of recent bus traffic.
type API struct {
	orch   *Orchestrator
	router *gin.Engine
	server *http.Server
	log    *logging.Logger

	recent func(n int) []*event.Envelope
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewAPI builds the admin API bound to addr. recent is a callback reading a
// bus's recent-event ring buffer (bus.MockBus.Recent in mock deployments);
// it may be nil, in which case /events/watch reports an empty backlog.
func NewAPI(orch *Orchestrator, addr string, recent func(n int) []*event.Envelope) *API {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	a := &API{
		orch:   orch,
		router: router,
		log:    logging.Default(),
		recent: recent,
		server: &http.Server{Addr: addr, Handler: router},
	}

	router.GET("/health", a.handleHealth)
	router.GET("/snapshot", a.handleSnapshot)
	router.POST("/cycle", a.handleCycle)
	router.GET("/events/watch", a.handleWatch)

	return a
}

// Start begins serving in the background.
func (a *API) Start() {
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.WithError(err).Error("orchestrator: admin API server stopped")
		}
	}()
}

// Stop gracefully shuts the server down.
func (a *API) Stop(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) handleSnapshot(c *gin.Context) {
	summary, err := a.orch.snapshotNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (a *API) handleCycle(c *gin.Context) {
	result, err := a.orch.RunCycle(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleWatch upgrades to a websocket and streams the bus's recent-event
// backlog once, then nothing further: MockBus.Recent is a point-in-time
// ring buffer read, not a live subscription, so this endpoint is a tail,
// not a follow.
func (a *API) handleWatch(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var backlog []*event.Envelope
	if a.recent != nil {
		backlog = a.recent(100)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	for _, rec := range backlog {
		if err := conn.WriteJSON(rec); err != nil {
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tail complete"))
}
