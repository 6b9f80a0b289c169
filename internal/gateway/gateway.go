package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/SubhajL/munbon2-backend-sub009/pkg/circuit"
	"github.com/SubhajL/munbon2-backend-sub009/pkg/messaging"
)

// Bus is the messaging surface the gateway needs: fire commands toward
// the control and scheduler services, listen to their broadcasts.
type Bus interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Subscribe(subject string, handler func(msg *nats.Msg)) error
}

// Config holds gateway configuration.
type Config struct {
	Port            string
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// Gateway is the operator-facing HTTP API. Writes are forwarded over the
// bus behind a circuit breaker; reads are served from caches fed by the
// control and scheduler broadcasts, so the gateway keeps answering while
// a downstream service restarts.
type Gateway struct {
	router      *gin.Engine
	bus         Bus
	breaker     *circuit.Breaker
	rateLimiter *RateLimiter

	mu        sync.RWMutex
	lastState *messaging.StateUpdate
	lastPlan  json.RawMessage

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*WSClient
}

// WSClient is one live state-feed subscriber.
type WSClient struct {
	ID   uuid.UUID
	Conn *websocket.Conn

	Send chan []byte
	Done chan struct{}
}

// RateLimiter is a sliding-window per-IP limiter.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewGateway wires the router. Call Start to begin consuming broadcasts.
func NewGateway(cfg Config, bus Bus) *Gateway {
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	g := &Gateway{
		router: gin.Default(),
		bus:    bus,
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "command-bus",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 3,
		}),
		wsClients: make(map[uuid.UUID]*WSClient),
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.healthCheck)
	g.router.GET("/ws/state", g.handleWebSocket)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/requests", g.submitRequest)
		v1.DELETE("/requests/:id", g.cancelRequest)
		v1.POST("/gates/:id/mode", g.changeGateMode)
		v1.POST("/emergency-stop", g.emergencyStop)

		v1.GET("/state", g.getState)
		v1.GET("/plan", g.getPlan)

		v1.GET("/ws", g.handleWebSocket)
	}
}

// Start subscribes to the state and schedule broadcasts, then serves HTTP
// until the listener fails.
func (g *Gateway) Start(addr string) error {
	if err := g.bus.Subscribe(messaging.SubjectStateBroadcast, g.onStateBroadcast); err != nil {
		return err
	}
	if err := g.bus.Subscribe(messaging.SubjectScheduleEvents, g.onScheduleEvent); err != nil {
		return err
	}
	return g.router.Run(addr)
}

// Router exposes the gin engine for tests.
func (g *Gateway) Router() http.Handler {
	return g.router
}

// Broadcast consumers

func (g *Gateway) onStateBroadcast(msg *nats.Msg) {
	var update messaging.StateUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		return
	}
	g.mu.Lock()
	g.lastState = &update
	g.mu.Unlock()

	g.broadcast(msg.Data)
}

func (g *Gateway) onScheduleEvent(msg *nats.Msg) {
	var ev messaging.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return
	}
	if ev.Type != messaging.EventTypePlanCreated {
		return
	}
	g.mu.Lock()
	g.lastPlan = ev.Data
	g.mu.Unlock()
}

// Middleware

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// SubmitRequestBody is the POST /requests payload.
type SubmitRequestBody struct {
	Zone           string    `json:"zone" binding:"required"`
	VolumeM3       string    `json:"volume_m3" binding:"required"`
	FlowRate       float64   `json:"flow_rate" binding:"required,gt=0"`
	Priority       int       `json:"priority"`
	RequestedStart time.Time `json:"requested_start" binding:"required"`
}

func (g *Gateway) submitRequest(c *gin.Context) {
	var body SubmitRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	volume, err := decimal.NewFromString(body.VolumeM3)
	if err != nil || volume.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "volume_m3 must be a positive decimal"})
		return
	}

	req := messaging.IrrigationRequest{
		ID:             uuid.New(),
		Zone:           body.Zone,
		VolumeM3:       volume.String(),
		FlowRate:       body.FlowRate,
		Priority:       body.Priority,
		RequestedStart: body.RequestedStart.UTC(),
	}

	err = g.breaker.Execute(c.Request.Context(), func() error {
		return g.bus.Publish(c.Request.Context(), messaging.SubjectRequestSubmit, req)
	})
	if err != nil {
		if err == circuit.ErrOpen {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler temporarily unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit request"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"request_id": req.ID})
}

func (g *Gateway) cancelRequest(c *gin.Context) {
	reqID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request ID"})
		return
	}

	err = g.breaker.Execute(c.Request.Context(), func() error {
		return g.bus.Publish(c.Request.Context(), messaging.SubjectRequestCancel, gin.H{"id": reqID})
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel request"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "cancellation requested"})
}

// ModeChangeBody is the POST /gates/:id/mode payload.
type ModeChangeBody struct {
	Mode   string `json:"mode" binding:"required,oneof=automatic manual hybrid maintenance"`
	Reason string `json:"reason"`
}

func (g *Gateway) changeGateMode(c *gin.Context) {
	var body ModeChangeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	req := messaging.ModeChangeRequest{
		GateID: c.Param("id"),
		Mode:   body.Mode,
		Reason: body.Reason,
	}
	err := g.breaker.Execute(c.Request.Context(), func() error {
		return g.bus.Publish(c.Request.Context(), messaging.SubjectModeRequest, req)
	})
	if err != nil {
		if err == circuit.ErrOpen {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control service temporarily unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to request mode change"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "mode change requested"})
}

func (g *Gateway) emergencyStop(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	// Emergency stop bypasses the breaker: it must always be attempted.
	err := g.bus.Publish(c.Request.Context(), messaging.SubjectEmergencyStop, messaging.EmergencyStopRequest{
		Reason: body.Reason,
		At:     time.Now().UTC(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue emergency stop"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "emergency stop issued"})
}

func (g *Gateway) getState(c *gin.Context) {
	g.mu.RLock()
	state := g.lastState
	g.mu.RUnlock()

	if state == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no state received yet"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (g *Gateway) getPlan(c *gin.Context) {
	g.mu.RLock()
	plan := g.lastPlan
	g.mu.RUnlock()

	if plan == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no plan published yet"})
		return
	}
	c.Data(http.StatusOK, "application/json", plan)
}

// WebSocket state feed

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &WSClient{
		ID:   uuid.New(),
		Conn: conn,
		Send: make(chan []byte, 16),
		Done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.ID] = client
	g.wsMu.Unlock()

	// Replay the latest state so a fresh subscriber is not blank.
	g.mu.RLock()
	if g.lastState != nil {
		if data, err := json.Marshal(g.lastState); err == nil {
			client.Send <- data
		}
	}
	g.mu.RUnlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *WSClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.ID)
		g.wsMu.Unlock()
		close(client.Done)
		client.Conn.Close()
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *WSClient) {
	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.Done:
			return
		}
	}
}

func (g *Gateway) broadcast(message []byte) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		select {
		case client.Send <- message:
		default:
			// Slow consumer, drop the frame rather than stall the feed.
		}
	}
}

// Allow reports whether another request from key fits in the window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	valid := make([]time.Time, 0)
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}
