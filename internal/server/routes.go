package server

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskgate/internal/auth"
	"github.com/mbd888/riskgate/internal/bruteforce"
	"github.com/mbd888/riskgate/internal/gate"
	"github.com/mbd888/riskgate/internal/jit"
	"github.com/mbd888/riskgate/internal/metrics"
	"github.com/mbd888/riskgate/internal/policy"
	"github.com/mbd888/riskgate/internal/ratelimit"
	"github.com/mbd888/riskgate/internal/webhooks"
)

// Permissions checked by route groups.
const (
	PermTransferCreate = "transfer:create"
	PermAuditRead      = "audit:read"
)

// RouteTransfer is the policy key of the transfer endpoint.
const RouteTransfer = "POST /v1/transfers"

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Bruteforce sits ahead of authentication: rejected tokens are recorded
	// as failed logins and repeated failures lock the caller's IP out.
	v1 := s.router.Group("/v1",
		ratelimit.Middleware(s.counter, ratelimit.General(), s.ips),
		bruteforce.Middleware(s.bruteforce, nil, s.ips),
		auth.Middleware(s.authMgr),
	)

	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/me", authHandler.Me)
	v1.DELETE("/sessions/current", authHandler.Logout)

	// Accounts
	v1.GET("/accounts", s.listAccounts)
	v1.POST("/accounts",
		ratelimit.Middleware(s.counter, ratelimit.AccountCreation(auth.IdentityID), s.ips),
		s.createAccount)
	v1.GET("/accounts/:id/activity", s.zeroTrust(gate.Options{}), s.accountActivity)

	// Transfers. The gate runs inside the handler, after input validation,
	// because the transfer amount feeds the risk score.
	v1.POST("/transfers",
		ratelimit.Middleware(s.counter, ratelimit.Transfer(auth.IdentityID), s.ips),
		s.authMgr.RequirePermission(PermTransferCreate),
		s.createTransfer)
	v1.GET("/transfers/limits", s.transferLimits)

	// Audit log
	v1.GET("/audit/me", s.myAuditLogs)
	auditGroup := v1.Group("/audit", s.authMgr.RequirePermission(PermAuditRead), s.zeroTrust(gate.Options{}))
	auditGroup.GET("", s.listAuditLogs)
	auditGroup.GET("/stats", s.auditStats)
	auditGroup.GET("/customer-access", s.customerAccessLogs)
	auditGroup.GET("/transfers", s.transferAuditLogs)
	auditGroup.GET("/stream", s.auditStream)

	// Just-in-time access
	jitGroup := v1.Group("/jit", auth.RequireRole(jit.EligibleRoles...), s.zeroTrust(gate.Options{AllowedRoles: jit.EligibleRoles}))
	jitGroup.POST("/request", s.requestJIT)
	jitGroup.POST("/use", ratelimit.Middleware(s.counter, ratelimit.Auth(), s.ips), s.useJIT)
	jitGroup.POST("/revoke", s.revokeJIT)

	// Administration
	admin := v1.Group("/admin", auth.RequireRole("ADMIN"), s.zeroTrust(gate.Options{RequireMFA: true, AllowedRoles: []string{"ADMIN"}}))
	policy.NewHandler(s.policies, s.resolver).RegisterRoutes(admin)
	webhooks.NewHandler(s.hooks, s.alerts).RegisterRoutes(admin)
	admin.GET("/realtime", s.realtimeStats)
}
