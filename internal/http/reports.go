package http

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"

	"github.com/smskit/campaign-dispatch/internal/http/middleware"
	"github.com/smskit/campaign-dispatch/internal/model"
	"github.com/smskit/campaign-dispatch/internal/repository"
)

func campaignReportHandler(chRepo repository.CHReportsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok || tenantID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		campaignID := c.Param("id")
		if campaignID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing campaign id"})
		}

		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		var st model.MessageStatus
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			tmp := model.MessageStatus(raw)
			if tmp.Valid() {
				st = tmp
			}
		}

		counts, err := chRepo.CampaignCounts(c.Request().Context(), tenantID, campaignID)
		if err != nil {
			c.Logger().Errorf("clickhouse counts failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		msgs, err := chRepo.ListCampaignMessages(c.Request().Context(), tenantID, campaignID, st, limit, offset)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		byStatus := make(map[string]uint64, len(counts))
		for _, sc := range counts {
			byStatus[string(sc.Status)] = sc.Count
		}

		return c.JSON(http.StatusOK, map[string]any{
			"campaign_id": campaignID,
			"counts":      byStatus,
			"limit":       limit,
			"offset":      offset,
			"count":       len(msgs),
			"results":     msgs,
		})
	}
}
