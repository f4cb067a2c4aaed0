package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/juju/errors"

	"tourney-bus/server/internal/gateway"
	"tourney-bus/server/internal/lifecycle"
	"tourney-bus/server/internal/model"
)

// handlePublish 处理外部写入口：只接受非场次类的流，负载按 kind 解码一次后发布。
func (s *Server) handlePublish(c *gin.Context) {
	division := model.DivisionID(strings.TrimSpace(c.Param("divisionId")))
	eventType := model.EventType(c.Param("eventType"))
	if !division.Valid() {
		writeError(c, errors.NotValidf("empty division id"))
		return
	}
	if !eventType.Known() {
		writeError(c, errors.NotValidf("event type %q", eventType))
		return
	}
	if eventType.MachineOwned() {
		writeError(c, errors.Forbiddenf("%s events are published by the session lifecycle only", eventType))
		return
	}

	var env model.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	payload, err := model.DecodePayload(env)
	if err != nil {
		if !errors.Is(err, errors.NotValid) {
			err = errors.NewNotValid(err, "malformed payload")
		}
		writeError(c, err)
		return
	}
	if stream, _ := model.StreamOf(payload.Kind()); stream != eventType {
		writeError(c, errors.NotValidf("payload %s on %s stream", payload.Kind(), eventType))
		return
	}

	rec, err := s.bus.Publish(c.Request.Context(), division, eventType, payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"divisionId":  rec.DivisionID,
		"eventType":   rec.EventType,
		"version":     rec.Version,
		"publishedAt": rec.PublishedAt,
	})
}

// commandResponse 与命令通道上的 Result 字段保持一致。
type commandResponse struct {
	OK      bool           `json:"ok"`
	Error   string         `json:"error,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Session *model.Session `json:"session,omitempty"`
}

type transitionFunc func(c *gin.Context, division model.DivisionID, room, sessionID string) (model.Session, error)

// handleStartSession 处理 .../rooms/:roomId/sessions/:sessionId/start。
func (s *Server) handleStartSession(c *gin.Context) {
	s.runTransition(c, func(c *gin.Context, division model.DivisionID, room, sessionID string) (model.Session, error) {
		return s.machine.Start(c.Request.Context(), division, room, sessionID)
	})
}

// handleAbortSession 处理 .../rooms/:roomId/sessions/:sessionId/abort。
func (s *Server) handleAbortSession(c *gin.Context) {
	s.runTransition(c, func(c *gin.Context, division model.DivisionID, room, sessionID string) (model.Session, error) {
		return s.machine.Abort(c.Request.Context(), division, room, sessionID)
	})
}

func (s *Server) runTransition(c *gin.Context, fn transitionFunc) {
	sess, err := fn(c, model.DivisionID(c.Param("divisionId")), c.Param("roomId"), c.Param("sessionId"))
	if err != nil {
		status := statusFor(err)
		resp := commandResponse{Error: err.Error(), Reason: lifecycle.ReasonFor(err)}
		if status == http.StatusInternalServerError {
			logger.Errorf("%s: %v", c.FullPath(), errors.ErrorStack(err))
			resp.Error = "internal error"
		}
		c.JSON(status, resp)
		return
	}
	c.JSON(http.StatusOK, commandResponse{OK: true, Session: &sess})
}

// handlePutSession 写入或更新一条场次的排期。路径上的 division 与 id 优先于请求体；
// 状态与时间由生命周期维护，请求体只能不带状态或带 not-started。
func (s *Server) handlePutSession(c *gin.Context) {
	var sess model.Session
	if err := c.ShouldBindJSON(&sess); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	sess.DivisionID = model.DivisionID(c.Param("divisionId"))
	sess.ID = c.Param("sessionId")
	saved, err := s.machine.Upsert(c.Request.Context(), sess)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// handleGetSession 返回一条场次记录。
func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), model.DivisionID(c.Param("divisionId")), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleChannel 把连接升级为 division 的双向命令通道。
func (s *Server) handleChannel(c *gin.Context) {
	division := model.DivisionID(strings.TrimSpace(c.Param("divisionId")))
	if !division.Valid() {
		writeError(c, errors.NotValidf("empty division id"))
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warningf("upgrade command channel for %s: %v", division, err)
		return
	}

	ctx, cancel := s.connContext(c.Request.Context())
	defer cancel()
	ch := gateway.NewChannel(division, conn, s.machine, s.hub, s.gwConfig, s.metrics)
	if err := ch.Serve(ctx); err != nil {
		logger.Infof("command channel %s for %s ended: %v", ch.ID(), division, err)
	}
}
