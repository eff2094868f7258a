package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/smskit/campaign-dispatch/internal/model"
	"github.com/smskit/campaign-dispatch/internal/reconciler"
)

// dlrHandler receives delivery reports pushed by the gateway. The
// gateway retries on non-2xx, so duplicates and unknown ids are
// acknowledged rather than rejected.
func dlrHandler(rec *reconciler.Reconciler, webhookToken string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if webhookToken != "" {
			got := strings.TrimSpace(c.Request().Header.Get("X-Webhook-Token"))
			if subtle.ConstantTimeCompare([]byte(got), []byte(webhookToken)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
		}

		var rep model.DeliveryReport
		if err := c.Bind(&rep); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if rep.GatewayMessageID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing gatewayMessageId"})
		}

		res, err := rec.ApplyReport(c.Request().Context(), rep)
		if err != nil {
			log.Errorf("dlr apply failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"gatewayMessageId": rep.GatewayMessageID,
			"result":           string(res),
		})
	}
}
