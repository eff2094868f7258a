package http

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/smskit/campaign-dispatch/internal/enqueue"
	"github.com/smskit/campaign-dispatch/internal/http/middleware"
	"github.com/smskit/campaign-dispatch/internal/repository"
)

func enqueueCampaignHandler(svc *enqueue.Service, campaigns repository.CampaignsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok || tenantID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		campaignID := c.Param("id")
		if campaignID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing campaign id"})
		}

		// ownership check before any enqueue work
		camp, err := campaigns.Get(c.Request().Context(), campaignID)
		if err != nil {
			log.Errorf("campaign lookup failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if camp == nil || camp.TenantID != tenantID {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "campaign not found"})
		}

		batches, err := svc.EnqueueCampaign(c.Request().Context(), campaignID)
		if err != nil {
			switch {
			case errors.Is(err, enqueue.ErrCampaignNotFound):
				return c.JSON(http.StatusNotFound, map[string]string{"error": "campaign not found"})
			case errors.Is(err, enqueue.ErrCampaignPaused):
				return c.JSON(http.StatusConflict, map[string]string{"error": "campaign paused"})
			}
			log.Errorf("enqueue failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"enqueued":    true,
			"campaign_id": campaignID,
			"batches":     batches,
		})
	}
}
