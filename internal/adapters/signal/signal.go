package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pikadj/pika-relay/internal/app/orch"
	"github.com/pikadj/pika-relay/internal/config"
	"github.com/pikadj/pika-relay/internal/core"
	"github.com/pikadj/pika-relay/internal/domain"
	"github.com/pikadj/pika-relay/internal/metrics"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Orch     *orch.Orchestrator
	Cfg      *config.Config
	Auth     core.Verifier
	Metrics  *metrics.Metrics
	validate *validator.Validate
}

func NewController(o *orch.Orchestrator, cfg *config.Config, auth core.Verifier, m *metrics.Metrics) *Controller {
	return &Controller{
		Orch:     o,
		Cfg:      cfg,
		Auth:     auth,
		Metrics:  m,
		validate: validator.New(),
	}
}

// WsConn pairs the websocket with the connection context. The context
// fields (clientID, hostID, ownedSession) are touched only from the read
// pump goroutine; the mutex guards the send side.
type WsConn struct {
	id   core.ConnID
	conn *websocket.Conn
	send chan core.Frame

	clientID     domain.ClientID
	hostID       domain.ClientID
	ownedSession domain.SessionID

	mu     sync.RWMutex
	closed bool
}

func (c *WsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsConn) Close() {
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

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("client", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Cfg.ReadLimit)

	conn := &WsConn{
		id:       core.ConnID(uuid.NewString()),
		conn:     ws,
		send:     make(chan core.Frame, ctl.Cfg.SendBuffer),
		clientID: domain.ClientID(token),
	}
	if ctl.Metrics != nil {
		ctl.Metrics.Connections.Inc()
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}
