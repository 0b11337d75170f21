// Package server wires the broker's HTTP front: login/session REST
// endpoints, the websocket transport-accept handler, and the ambient
// metrics/health endpoints. Grounded on the teacher's cmd/v1/session/main.go
// (gin.Default + cors + graceful shutdown) and Hub.ServeWs (token extraction
// -> validate -> upgrade -> hand off to room logic).
package server

import (
	"net/http"

	"github.com/coedit-dev/collab-broker/internal/channel"
	"github.com/coedit-dev/collab-broker/internal/credentials"
	"github.com/coedit-dev/collab-broker/internal/health"
	"github.com/coedit-dev/collab-broker/internal/logging"
	"github.com/coedit-dev/collab-broker/internal/middleware"
	"github.com/coedit-dev/collab-broker/internal/protocol"
	"github.com/coedit-dev/collab-broker/internal/room"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// HeaderXJWT is the header carrying a user or room jwt, on both REST calls
// and the transport handshake (spec.md §6).
const HeaderXJWT = "x-jwt"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS already enforced on the HTTP layer; spec.md §6 CORS is permissive
}

// Server holds the collaborators the HTTP front dispatches to.
type Server struct {
	broker  *credentials.Broker
	rooms   *room.Manager
	checker *health.Checker
}

// New constructs a Server.
func New(broker *credentials.Broker, rooms *room.Manager, checker *health.Checker) *Server {
	return &Server{broker: broker, rooms: rooms, checker: checker}
}

// Router builds the gin engine with every route wired, ready for
// http.Server.Handler.
func (s *Server) Router(serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, HeaderXJWT)
	router.Use(cors.New(corsCfg))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", s.handleLiveness)
	router.GET("/health/ready", s.handleReadiness)

	api := router.Group("/api")
	{
		login := api.Group("/login")
		login.POST("/url", s.handleLoginURL)
		login.POST("/confirm/:token", s.handleLoginConfirm)
		login.POST("/simple", s.handleLoginSimple)
		login.POST("/validate", s.requireUserJWT(), s.handleLoginValidate)

		sess := api.Group("/session")
		sess.Use(s.requireUserJWT())
		sess.POST("/create", s.handleSessionCreate)
		sess.POST("/join/:room", s.handleSessionJoin)
	}

	router.GET("/ws", s.handleTransportAccept)
	return router
}

// requireUserJWT rejects requests missing a valid user jwt in x-jwt with
// HTTP 403 (spec.md §6) and stashes the decoded User in the gin context.
func (s *Server) requireUserJWT() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(HeaderXJWT)
		if token == "" {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		user, err := credentials.GetUser(s.broker, token)
		if err != nil {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func currentUser(c *gin.Context) credentials.User {
	u, _ := c.Get("user")
	user, _ := u.(credentials.User)
	return user
}

func (s *Server) handleLoginURL(c *gin.Context) {
	token := credentials.SecureID()
	c.JSON(http.StatusOK, gin.H{"url": "/login?confirm=" + token, "token": token})
}

func (s *Server) handleLoginConfirm(c *gin.Context) {
	confirmToken := c.Param("token")
	signed, err := s.broker.ConfirmAuth(confirmToken)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	user, err := credentials.GetUser(s.broker, signed)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "token": signed})
}

type simpleLoginRequest struct {
	Token string `json:"token"`
	User  string `json:"user"`
	Email string `json:"email,omitempty"`
}

func (s *Server) handleLoginSimple(c *gin.Context) {
	var req simpleLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	user := credentials.User{ID: credentials.SecureID(), Name: req.User, Email: req.Email}
	if _, err := s.broker.ConfirmUser(req.Token, user); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	c.String(http.StatusOK, "Ok")
}

func (s *Server) handleLoginValidate(c *gin.Context) {
	c.String(http.StatusOK, "true")
}

func (s *Server) handleSessionCreate(c *gin.Context) {
	prepared, err := s.rooms.PrepareRoom(currentUser(c))
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": prepared.ID, "token": prepared.JWT})
}

func (s *Server) handleSessionJoin(c *gin.Context) {
	roomID := c.Param("room")
	rm, ok := s.rooms.GetRoomByID(roomID)
	if !ok {
		c.String(http.StatusBadRequest, room.ErrRoomNotFound.Error())
		return
	}

	signed, err := s.rooms.RequestJoin(rm, currentUser(c))
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed})
}

// handleTransportAccept upgrades the connection, verifies the room jwt
// carried in the x-jwt header, and hands the new Channel off to the room
// manager. On any failure it writes one Error envelope (where possible) and
// closes (spec.md §4.7).
func (s *Server) handleTransportAccept(c *gin.Context) {
	token := c.GetHeader(HeaderXJWT)
	if token == "" {
		token = c.Query("token") // browsers cannot set arbitrary headers on the WS handshake
	}

	claim, err := credentials.VerifyJWT[credentials.RoomClaim](s.broker, token)
	if err != nil {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.GetLogger().Warn("server: websocket upgrade failed", zap.Error(err))
		return
	}

	ch := channel.NewWSChannel(conn)

	// Join wires ch.OnMessage (via peer.New) before returning, whether it
	// succeeds or fails, so Start is called after per Channel's contract.
	_, joinErr := s.rooms.Join(ch, claim.User, claim.Room, claim.Host)
	ch.Start()
	if joinErr != nil {
		if data, encErr := protocol.Encode(protocol.NewError(joinErr.Error())); encErr == nil {
			ch.Send(data)
		}
		ch.Close()
	}
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, s.checker.Live())
}

func (s *Server) handleReadiness(c *gin.Context) {
	result := s.checker.Ready()
	if !result.OK {
		c.JSON(http.StatusServiceUnavailable, result)
		return
	}
	c.JSON(http.StatusOK, result)
}
