package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/riskgate/internal/auth"
	"github.com/mbd888/riskgate/internal/gate"
	"github.com/mbd888/riskgate/internal/logging"
	"github.com/mbd888/riskgate/internal/transfer"
	"github.com/mbd888/riskgate/internal/validation"
)

const maxDescriptionLength = 255

type transferRequest struct {
	FromAccountID       string      `json:"fromAccountId"`
	ToAccountID         string      `json:"toAccountId"`
	ToAccountIdentifier string      `json:"toAccountIdentifier"`
	Amount              json.Number `json:"amount"`
	Description         string      `json:"description"`
}

func (r *transferRequest) destination() string {
	if r.ToAccountIdentifier != "" {
		return r.ToAccountIdentifier
	}
	return r.ToAccountID
}

// createTransfer handles POST /v1/transfers: validation, then the gate with
// the amount in hand, then the orchestrator.
func (s *Server) createTransfer(c *gin.Context) {
	ctx := c.Request.Context()

	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.Abort(c, validation.ValidationErrors{{Field: "body", Message: "invalid JSON body"}})
		return
	}
	if errs := validation.Validate(
		validation.Required("fromAccountId", req.FromAccountID, "Source account is required"),
		validation.Identifier("fromAccountId", req.FromAccountID),
		validation.AnyOf("toAccountIdentifier", "Either toAccountId or toAccountIdentifier is required",
			req.ToAccountID, req.ToAccountIdentifier),
		validation.Identifier("toAccountIdentifier", req.destination()),
		validation.ValidAmount("amount", req.Amount.String()),
		validation.MaxLength("description", req.Description, maxDescriptionLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	amount := decimal.RequireFromString(req.Amount.String())

	d, ok := s.evaluate(c, gate.Options{MinRiskScore: s.cfg.TransferMinRiskScore},
		decimal.NewNullDecimal(amount))
	if !ok {
		return
	}

	res, err := s.transfers.Execute(ctx, transfer.Request{
		IdentityID:    auth.IdentityID(c),
		FromAccountID: req.FromAccountID,
		ToAccount:     req.destination(),
		Amount:        amount,
		Description:   validation.SanitizeString(req.Description, maxDescriptionLength),
		Origin:        auth.Origin(c),
		Risk:          d.Risk,
	})
	if err != nil {
		logging.L(ctx).Error("transfer failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if !res.Completed() {
		c.JSON(rejectionStatus(res.Rejection.Kind), rejectionBody(res.Rejection))
		return
	}

	body := gin.H{
		"message":     "Transfer completed successfully",
		"transaction": res.Transaction,
	}
	if d.Risk != nil {
		body["riskScore"] = d.Risk.Score
	}
	c.JSON(http.StatusCreated, body)
}

func rejectionStatus(kind transfer.RejectionKind) int {
	switch kind {
	case transfer.RejectFraud, transfer.RejectApproval, transfer.RejectForbidden:
		return http.StatusForbidden
	case transfer.RejectNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func rejectionBody(r *transfer.Rejection) gin.H {
	body := gin.H{"error": r.Error}
	if r.Message != "" {
		body["message"] = r.Message
	}
	for k, v := range r.Details {
		body[k] = v
	}
	return body
}

// transferLimits handles GET /v1/transfers/limits.
func (s *Server) transferLimits(c *gin.Context) {
	ctx := c.Request.Context()
	usage, err := s.limits.Usage(ctx, auth.IdentityID(c))
	if err != nil {
		logging.L(ctx).Error("limit usage failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, usage)
}
