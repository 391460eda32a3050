package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/auth"
	"github.com/mbd888/riskgate/internal/idgen"
	"github.com/mbd888/riskgate/internal/ledger"
	"github.com/mbd888/riskgate/internal/logging"
	"github.com/mbd888/riskgate/internal/validation"
)

// DefaultCurrency is used when an account is opened without one.
const DefaultCurrency = "TRY"

var supportedCurrencies = map[string]bool{"TRY": true, "USD": true, "EUR": true}

// staffRoles may inspect other identities' accounts.
var staffRoles = []string{"EMPLOYEE", "ADMIN"}

// listAccounts handles GET /v1/accounts.
func (s *Server) listAccounts(c *gin.Context) {
	ctx := c.Request.Context()
	accs, err := s.ledger.AccountsByOwner(ctx, auth.IdentityID(c))
	if err != nil {
		logging.L(ctx).Error("list accounts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if accs == nil {
		accs = []*ledger.Account{}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accs})
}

// createAccount handles POST /v1/accounts. New accounts open empty.
func (s *Server) createAccount(c *gin.Context) {
	ctx := c.Request.Context()
	var req struct {
		Currency string `json:"currency"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			validation.Abort(c, validation.ValidationErrors{{Field: "body", Message: "invalid JSON body"}})
			return
		}
	}
	if req.Currency == "" {
		req.Currency = DefaultCurrency
	}
	if !supportedCurrencies[req.Currency] {
		validation.Abort(c, validation.ValidationErrors{{Field: "currency", Message: "unsupported currency"}})
		return
	}

	now := time.Now()
	acc := &ledger.Account{
		ID:            idgen.WithPrefix("acc_"),
		OwnerID:       auth.IdentityID(c),
		AccountNumber: ledger.NewAccountNumber(now),
		Balance:       decimal.Zero,
		Currency:      req.Currency,
		Active:        true,
		CreatedAt:     now,
	}
	if err := s.ledger.CreateAccount(ctx, acc); err != nil {
		logging.L(ctx).Error("create account", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	s.recorder.Record(ctx, audit.AccountCreated(acc.OwnerID, acc.ID, acc.AccountNumber, acc.Currency, auth.Origin(c)))
	c.JSON(http.StatusCreated, gin.H{"message": "Account created successfully", "account": acc})
}

// accountActivity handles GET /v1/accounts/:id/activity. Staff may inspect
// any account; the access is audited against the owning customer.
func (s *Server) accountActivity(c *gin.Context) {
	ctx := c.Request.Context()
	p, _ := auth.GetPrincipal(c)

	acc, err := s.ledger.GetAccount(ctx, c.Param("id"))
	if errors.Is(err, ledger.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}
	if err != nil {
		logging.L(ctx).Error("get account", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if acc.OwnerID != p.Identity.ID {
		if !p.Identity.HasAnyRole(staffRoles...) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden - You can only view your own accounts"})
			return
		}
		s.recorder.Record(ctx, audit.CustomerAccess(p.Identity.ID, acc.OwnerID, "VIEW", auth.Origin(c),
			map[string]string{"accountId": acc.ID, "view": "activity"}))
	}

	activity, err := s.fraud.CheckSuspiciousActivity(ctx, acc.ID)
	if err != nil {
		logging.L(ctx).Error("suspicious activity check", "account_id", acc.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	body := gin.H{"accountId": acc.ID, "isSuspicious": activity.Suspicious, "indicators": activity.Indicators}
	if d := decision(c); d != nil && d.Risk != nil {
		body["riskScore"] = d.Risk.Score
	}
	c.JSON(http.StatusOK, body)
}
