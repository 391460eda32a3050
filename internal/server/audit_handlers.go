package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/auth"
	"github.com/mbd888/riskgate/internal/logging"
	"github.com/mbd888/riskgate/internal/pagination"
	"github.com/mbd888/riskgate/internal/realtime"
)

const (
	defaultAuditPage = 50
	defaultMyPage    = 20
	maxAuditPage     = 200
)

// auditQuery reads the filters shared by the listing endpoints.
func auditQuery(c *gin.Context, defaultLimit int) (audit.Query, error) {
	q := audit.Query{
		IdentityID:     c.Query("userId"),
		ActionContains: c.Query("action"),
		Resource:       c.Query("resource"),
		IPAddress:      c.Query("ipAddress"),
		Limit:          pagination.ParseLimit(c.Query("limit"), defaultLimit, maxAuditPage),
	}
	if raw := c.Query("status"); raw != "" {
		st := audit.Status(strings.ToUpper(raw))
		if !st.Valid() {
			return q, fmt.Errorf("invalid status %q", raw)
		}
		q.Status = st
	}
	var err error
	if q.Since, err = parseTime(c.Query("startDate")); err != nil {
		return q, fmt.Errorf("invalid startDate: %w", err)
	}
	if q.Until, err = parseTime(c.Query("endDate")); err != nil {
		return q, fmt.Errorf("invalid endDate: %w", err)
	}
	if raw := c.Query("cursor"); raw != "" {
		cur, err := pagination.Decode(raw)
		if err != nil {
			return q, err
		}
		q.After = cur
	}
	return q, nil
}

// parseTime accepts RFC 3339 timestamps or plain dates.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func (s *Server) writePage(c *gin.Context, q audit.Query) {
	ctx := c.Request.Context()
	page, err := s.compliance.List(ctx, q)
	if err != nil {
		logging.L(ctx).Error("audit listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, page)
}

func badQuery(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_query", "message": err.Error()})
}

// listAuditLogs handles GET /v1/audit.
func (s *Server) listAuditLogs(c *gin.Context) {
	q, err := auditQuery(c, defaultAuditPage)
	if err != nil {
		badQuery(c, err)
		return
	}
	s.writePage(c, q)
}

// myAuditLogs handles GET /v1/audit/me: the caller's own records only.
func (s *Server) myAuditLogs(c *gin.Context) {
	q, err := auditQuery(c, defaultMyPage)
	if err != nil {
		badQuery(c, err)
		return
	}
	q.IdentityID = auth.IdentityID(c)
	s.writePage(c, q)
}

// customerAccessLogs handles GET /v1/audit/customer-access.
func (s *Server) customerAccessLogs(c *gin.Context) {
	q, err := auditQuery(c, defaultAuditPage)
	if err != nil {
		badQuery(c, err)
		return
	}
	ctx := c.Request.Context()
	page, err := s.compliance.CustomerAccess(ctx, c.Query("customerId"), c.Query("employeeId"), q)
	if err != nil {
		logging.L(ctx).Error("customer access listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, page)
}

// transferAuditLogs handles GET /v1/audit/transfers.
func (s *Server) transferAuditLogs(c *gin.Context) {
	q, err := auditQuery(c, defaultAuditPage)
	if err != nil {
		badQuery(c, err)
		return
	}
	q.ActionContains = ""
	q.Action = audit.ActionTransfer
	s.writePage(c, q)
}

// auditStats handles GET /v1/audit/stats.
func (s *Server) auditStats(c *gin.Context) {
	since, err := parseTime(c.Query("startDate"))
	if err != nil {
		badQuery(c, fmt.Errorf("invalid startDate: %w", err))
		return
	}
	until, err := parseTime(c.Query("endDate"))
	if err != nil {
		badQuery(c, fmt.Errorf("invalid endDate: %w", err))
		return
	}
	ctx := c.Request.Context()
	st, err := s.compliance.Stats(ctx, since, until)
	if err != nil {
		logging.L(ctx).Error("audit stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// auditStream handles GET /v1/audit/stream, upgrading to a WebSocket.
// Query parameters seed the subscription; clients may replace it later.
func (s *Server) auditStream(c *gin.Context) {
	sub := realtime.Subscription{
		DenialsOnly: c.Query("denialsOnly") == "true",
		IdentityID:  c.Query("userId"),
		IPAddress:   c.Query("ipAddress"),
	}
	if raw := c.Query("actions"); raw != "" {
		sub.Actions = strings.Split(raw, ",")
	}
	if raw := c.Query("statuses"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			sub.Statuses = append(sub.Statuses, audit.Status(strings.ToUpper(st)))
		}
	}
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request, sub)
}

// realtimeStats handles GET /v1/admin/realtime.
func (s *Server) realtimeStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}
