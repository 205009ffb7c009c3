// Package api exposes a small authenticated HTTP API for moderation
// dashboards: the live sessions, the records, and the strike controls.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/smell-of-curry/gatekeeper/gatekeeper/challenge"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/session"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/store"
	"github.com/smell-of-curry/gatekeeper/gatekeeper/strike"
)

// Config ...
type Config struct {
	Address string
	// Key must match the authorization header of every request.
	Key string
}

// Sessions is the part of the session tracker the API reads and controls.
type Sessions interface {
	Sessions() []session.Active
	Remove(userID string, decision strike.Decision) (session.Ended, error)
}

// Challenges lists running challenges.
type Challenges interface {
	Tasks() []challenge.Task
}

// Strikes resets strikes.
type Strikes interface {
	Reset(userID string) (store.VerificationRecord, error)
}

// Server serves the API.
type Server struct {
	log  *slog.Logger
	conf Config

	store      *store.Store
	sessions   Sessions
	challenges Challenges
	strikes    Strikes

	router *gin.Engine
	srv    *http.Server
}

// New builds the router. The listener is only opened by Start.
func New(log *slog.Logger, conf Config, s *store.Store, sessions Sessions, challenges Challenges, strikes Strikes) *Server {
	gin.SetMode(gin.ReleaseMode)

	srv := &Server{
		log:        log,
		conf:       conf,
		store:      s,
		sessions:   sessions,
		challenges: challenges,
		strikes:    strikes,
		router:     gin.New(),
	}
	srv.routes()
	return srv
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(gin.Recovery())
	r.GET("/health", s.health)

	authed := r.Group("/")
	authed.Use(func(c *gin.Context) {
		if s.conf.Key == "" || c.GetHeader("authorization") != s.conf.Key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	})
	authed.GET("/sessions", s.listSessions)
	authed.DELETE("/sessions/:id", s.endSession)
	authed.GET("/verified/:id", s.verified)
	authed.GET("/bans", s.bans)
	authed.GET("/challenges", s.listChallenges)
	authed.POST("/strikes/:id/reset", s.resetStrikes)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listSessions(c *gin.Context) {
	out := lo.Map(s.sessions.Sessions(), func(a session.Active, _ int) gin.H {
		return gin.H{
			"userId":          a.UserID,
			"ign":             a.InGameName,
			"tag":             a.Tag,
			"joinedAt":        a.JoinedAt.Time(),
			"lastConfirmedAt": a.LastActivity(),
			"strikes":         a.Strikes,
		}
	})
	c.JSON(http.StatusOK, out)
}

func (s *Server) endSession(c *gin.Context) {
	decision, err := strike.ParseDecision(c.Query("strike"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ended, err := s.sessions.Remove(c.Param("id"), decision)
	if errors.Is(err, session.ErrNotActive) {
		c.JSON(http.StatusNotFound, gin.H{"reason": "no active session"})
		return
	}
	if err != nil {
		s.log.Error("Failed to end session via api", "user", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ign":     ended.Session.InGameName,
		"reason":  ended.Reason.String(),
		"struck":  ended.Struck,
		"strikes": ended.Strike.Strikes,
	})
}

func (s *Server) verified(c *gin.Context) {
	rec, ok := s.store.Verification(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"reason": "not verified"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) bans(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Bans())
}

func (s *Server) listChallenges(c *gin.Context) {
	c.JSON(http.StatusOK, s.challenges.Tasks())
}

func (s *Server) resetStrikes(c *gin.Context) {
	before, err := s.strikes.Reset(c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"reason": "not verified"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"previousStrikes": before.StrikeCount})
}

// Start listens in the background. Listener failures other than a clean
// shutdown are logged.
func (s *Server) Start() {
	s.srv = &http.Server{Addr: s.conf.Address, Handler: s.router}
	go func() {
		s.log.Info("Serving api", "address", s.conf.Address)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Api server stopped", "error", err)
		}
	}()
}

// Close shuts the listener down.
func (s *Server) Close(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
