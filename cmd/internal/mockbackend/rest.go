package mockbackend

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token           string `json:"token"`
	CentrifugeToken string `json:"centrifuge_token"`
	User            User   `json:"user"`
}

type publishRequest struct {
	Content string `json:"content"`
}

// ChatMessage is the publication payload produced by the REST publish endpoint.
type ChatMessage struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Username  string `json:"username"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": s.cfg.Now().UTC().Format(time.RFC3339),
		"version":   s.cfg.Version,
	})
}

func (s *Server) handleLogin(c *gin.Context) {
	var in loginRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" || in.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	if !s.accounts.check(in.Username, in.Password) {
		s.log.Info("auth.login.fail", "username", in.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	u := UserFor(in.Username)
	tok, _, err := s.issuer.Issue(u, KindSession)
	if err != nil {
		s.log.Error("auth.issue.fail", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	rt, _, err := s.issuer.Issue(u, KindRealtime)
	if err != nil {
		s.log.Error("auth.issue.fail", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	s.log.Info("auth.login.ok", "user_id", u.ID)
	c.JSON(http.StatusOK, loginResponse{Token: tok, CentrifugeToken: rt, User: u})
}

func (s *Server) handleUser(c *gin.Context) {
	c.JSON(http.StatusOK, claimsFrom(c).User())
}

func (s *Server) handleRealtimeToken(c *gin.Context) {
	rt, _, err := s.issuer.Issue(claimsFrom(c).User(), KindRealtime)
	if err != nil {
		s.log.Error("auth.issue.fail", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"centrifuge_token": rt})
}

func (s *Server) handlePublish(c *gin.Context) {
	topic := strings.TrimSpace(c.Param("topic"))
	var in publishRequest
	if err := c.ShouldBindJSON(&in); err != nil || strings.TrimSpace(in.Content) == "" || topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content required"})
		return
	}

	u := claimsFrom(c).User()
	now := s.cfg.Now()
	msg := ChatMessage{
		ID:        uuid.NewString(),
		Topic:     topic,
		Username:  u.Username,
		Content:   in.Content,
		Timestamp: now.UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if _, err := s.broker.Publish(s.cfg.ChannelPrefix+topic, data, nil); err != nil {
		s.log.Warn("broker.publish.fail", "topic", topic, "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "publish failed"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

func bearer(h string) (string, bool) {
	parts := strings.Fields(h)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
