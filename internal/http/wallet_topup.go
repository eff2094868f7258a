package http

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/smskit/campaign-dispatch/internal/credit"
	"github.com/smskit/campaign-dispatch/internal/http/middleware"
)

type topupReq struct {
	Amount    int64  `json:"amount"`
	RequestID string `json:"request_id"`
}

// topupHandler credits a tenant wallet, idempotent per request_id.
func topupHandler(credits credit.Ledger) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok || tenantID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req topupReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.RequestID = strings.TrimSpace(req.RequestID)
		if req.Amount <= 0 || req.RequestID == "" || len(req.RequestID) > 128 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		}

		applied, err := credits.Topup(c.Request().Context(), tenantID, req.Amount, req.RequestID)
		if err != nil {
			log.Errorf("topup failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"topup":      true,
			"idempotent": !applied,
			"amount":     req.Amount,
			"tenant_id":  tenantID,
			"request_id": req.RequestID,
		})
	}
}
