package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/juju/errors"

	"tourney-bus/server/internal/endpoint"
	"tourney-bus/server/internal/gateway"
	"tourney-bus/server/internal/model"
)

// handleSubscribe 处理 /api/subscribe，参数全部来自 query。
func (s *Server) handleSubscribe(c *gin.Context) {
	req, err := subscribeRequest(
		c.Query("divisionId"),
		c.Query("eventType"),
		c.Query("lastSeenVersion"),
	)
	if err != nil {
		writeError(c, err)
		return
	}
	s.serveWebSocketStream(c, req)
}

// handleStreamWebSocket 处理 /api/divisions/:divisionId/streams/:eventType/ws。
func (s *Server) handleStreamWebSocket(c *gin.Context) {
	req, err := subscribeRequest(c.Param("divisionId"), c.Param("eventType"), c.Query("lastSeenVersion"))
	if err != nil {
		writeError(c, err)
		return
	}
	s.serveWebSocketStream(c, req)
}

// serveWebSocketStream 在升级前完成校验与订阅，校验失败时客户端收到普通的 HTTP 错误。
func (s *Server) serveWebSocketStream(c *gin.Context, req endpoint.Request) {
	ctx, cancel := s.connContext(c.Request.Context())
	defer cancel()

	stream, err := s.openStream(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warningf("upgrade subscription %s/%s: %v", req.DivisionID, req.EventType, err)
		_ = stream.Close()
		return
	}

	if err := gateway.NewStreamConn(conn, stream, s.gwConfig, s.metrics).Serve(ctx); err != nil {
		logger.Infof("subscription %s on %s/%s ended: %v", stream.ID(), req.DivisionID, req.EventType, err)
	}
}

// handleStreamSSE 以 Server-Sent Events 推送一条流。恢复点取 lastSeenVersion，
// 没有时取浏览器重连带上的 Last-Event-ID。
func (s *Server) handleStreamSSE(c *gin.Context) {
	lastSeen := c.Query("lastSeenVersion")
	if lastSeen == "" {
		lastSeen = c.GetHeader("Last-Event-ID")
	}
	req, err := subscribeRequest(c.Param("divisionId"), c.Param("eventType"), lastSeen)
	if err != nil {
		writeError(c, err)
		return
	}

	ctx, cancel := s.connContext(c.Request.Context())
	defer cancel()

	stream, err := s.openStream(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}
	defer stream.Close()

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		msg, err := stream.Next(ctx)
		if err != nil {
			if err != io.EOF {
				logger.Infof("sse subscription %s ended: %v", stream.ID(), err)
			}
			return false
		}
		event := sse.Event{Event: msg.Type, Data: msg}
		if msg.Version > 0 {
			event.Id = strconv.FormatUint(msg.Version, 10)
		}
		c.Render(-1, event)
		return msg.Type != endpoint.GapMarker
	})
}

// handleStreamHead 返回一条流当前的保留窗口，便于客户端判断能否恢复。
func (s *Server) handleStreamHead(c *gin.Context) {
	req, err := subscribeRequest(c.Param("divisionId"), c.Param("eventType"), "")
	if err != nil {
		writeError(c, err)
		return
	}
	head, err := s.bus.Store().Head(c.Request.Context(), req.DivisionID, req.EventType)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"divisionId": req.DivisionID,
		"eventType":  req.EventType,
		"oldest":     head.Oldest,
		"last":       head.Last,
		"retained":   head.Retained,
		"capacity":   head.Capacity,
	})
}

// openStream 订阅并等待订阅确定回放起点，之后发布的记录一定会推送给客户端。
func (s *Server) openStream(ctx context.Context, req endpoint.Request) (*endpoint.Stream, error) {
	stream, err := s.registry.Subscribe(ctx, req)
	if err != nil {
		return nil, err
	}
	select {
	case <-stream.Ready():
	case <-ctx.Done():
		_ = stream.Close()
		return nil, errors.Annotatef(ctx.Err(), "subscribe %s/%s", req.DivisionID, req.EventType)
	}
	return stream, nil
}

func subscribeRequest(division, eventType, lastSeen string) (endpoint.Request, error) {
	req := endpoint.Request{
		DivisionID: model.DivisionID(strings.TrimSpace(division)),
		EventType:  model.EventType(eventType),
	}
	if lastSeen = strings.TrimSpace(lastSeen); lastSeen != "" {
		v, err := strconv.ParseUint(lastSeen, 10, 64)
		if err != nil {
			return endpoint.Request{}, errors.NewNotValid(err, "lastSeenVersion must be a non-negative integer")
		}
		req.LastSeenVersion = v
	}
	if err := req.Validate(); err != nil {
		return endpoint.Request{}, err
	}
	return req, nil
}
