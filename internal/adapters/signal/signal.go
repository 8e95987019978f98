package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Classroom/internal/app"
	"github.com/dkeye/Classroom/internal/config"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
	errKicked       = errors.New("kicked: outbound queue full")
)

// Context keys set by the HTTP auth middleware.
const (
	CtxClientToken   = "client_token"
	CtxParticipantID = "participant_id"
	CtxDisplayName   = "display_name"
	CtxRole          = "role"
)

// SignalWSController bridges browser participants to the relay: it forwards
// their envelopes and presence, and pushes the envelopes, roster changes and
// session record they would otherwise read from the relay directly.
type SignalWSController struct {
	Relay    core.Relay
	Registry *app.Registry
	Policy   app.Policy
	Limiter  *RateLimiter

	upgrader   websocket.Upgrader
	pingPeriod time.Duration
	readLimit  int64
	sendQueue  int
}

func NewSignalWSController(relay core.Relay, reg *app.Registry, policy app.Policy, cfg config.WSConfig, allowedOrigins []string) *SignalWSController {
	return &SignalWSController{
		Relay:    relay,
		Registry: reg,
		Policy:   policy,
		Limiter:  NewRateLimiter(cfg.RateLimit, cfg.RateInterval),
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
		pingPeriod: cfg.PingPeriod,
		readLimit:  cfg.ReadLimit,
		sendQueue:  64,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, queue int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan []byte, queue)}
}

func (c *WsSignalConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// client is one bridged participant connection.
type client struct {
	ctl     *SignalWSController
	id      app.ClientID
	session domain.SessionID
	self    domain.Participant
	conn    *WsSignalConn
	channel core.SignalChannel
	logger  zerolog.Logger

	cancel  context.CancelCauseFunc
	binding app.Binding

	mu        sync.Mutex
	unsubs    []core.Unsubscribe
	announced bool
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	id := app.ClientID(c.GetString(CtxClientToken))
	session := domain.SessionID(c.Query("session"))
	if session == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session query parameter required"})
		return
	}
	role, err := domain.ParseRole(c.GetString(CtxRole))
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	self := domain.Participant{
		ID:          domain.ParticipantID(c.GetString(CtxParticipantID)),
		DisplayName: c.GetString(CtxDisplayName),
		Role:        role,
		JoinedAt:    time.Now().UTC(),
	}
	if err := domain.ValidateParticipantID(self.ID); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	sess, ok, err := ctl.Relay.Sessions().Get(c.Request.Context(), session)
	switch {
	case err != nil:
		log.Error().Err(err).Str("module", "signal").Msg("load session")
		c.JSON(http.StatusBadGateway, gin.H{"error": "relay unavailable"})
		return
	case !ok || !sess.IsLive:
		c.JSON(http.StatusConflict, gin.H{"error": core.ErrSessionNotLive.Error()})
		return
	case role == domain.RolePresenter && sess.PresenterID != self.ID:
		c.JSON(http.StatusForbidden, gin.H{"error": core.ErrNotPresenter.Error()})
		return
	}

	logger := log.With().
		Str("module", "signal").
		Str("client", string(id)).
		Str("session", string(session)).
		Str("participant", string(self.ID)).
		Str("role", string(role)).
		Logger()
	logger.Info().Msg("new WS connection")

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}

	ctx, cancel := context.WithCancelCause(ctx)
	cl := &client{
		ctl:     ctl,
		id:      id,
		session: session,
		self:    self,
		conn:    newWsSignalConn(ws, ctl.sendQueue),
		channel: ctl.Relay.Signals(session, self.ID),
		logger:  logger,
		cancel:  cancel,
	}
	cl.binding = ctl.Registry.Bind(id, session, self, cancel)

	if err := cl.subscribe(ctx); err != nil {
		logger.Error().Err(err).Msg("relay subscribe")
		cl.sendError("relay_unavailable")
		cancel(err)
	}

	go ctl.writePump(ctx, cl)
	go ctl.readPump(ctx, cl)
}
