package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/transport/http/apierr"
)

// ListLedgerEntries returns filtered ledger entries.
// GET /v1/ledger/entries?user_id=&business_type=&source_type=&source_id=&from=&to=&limit=&offset=
func (h *Handler) ListLedgerEntries(c echo.Context) error {
	filter, err := ledgerFilter(c)
	if err != nil {
		return apierr.Write(c, err)
	}
	resp, err := h.service.ListLedger(c.Request().Context(), filter)
	if err != nil {
		return apierr.Write(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// CountLedgerEntries counts filtered ledger entries.
// GET /v1/ledger/entries/count
func (h *Handler) CountLedgerEntries(c echo.Context) error {
	filter, err := ledgerFilter(c)
	if err != nil {
		return apierr.Write(c, err)
	}
	n, err := h.service.CountLedger(c.Request().Context(), filter)
	if err != nil {
		return apierr.Write(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"count": n})
}

// GetBalance returns a user's balance.
// GET /v1/ledger/balance/:user_id
func (h *Handler) GetBalance(c echo.Context) error {
	resp, err := h.service.Balance(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return apierr.Write(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func ledgerFilter(c echo.Context) (domain.LedgerFilter, error) {
	filter := domain.LedgerFilter{
		UserID:       c.QueryParam("user_id"),
		BusinessType: domain.BusinessType(c.QueryParam("business_type")),
		SourceType:   domain.SourceType(c.QueryParam("source_type")),
		SourceID:     c.QueryParam("source_id"),
	}
	if filter.BusinessType != "" && !filter.BusinessType.IsValid() {
		return filter, domainValidation("unknown business_type")
	}
	if filter.SourceType != "" && !filter.SourceType.IsValid() {
		return filter, domainValidation("unknown source_type")
	}
	var err error
	if filter.From, err = queryTime(c, "from"); err != nil {
		return filter, err
	}
	if filter.To, err = queryTime(c, "to"); err != nil {
		return filter, err
	}
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil {
		return filter, err
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return filter, domainValidation("limit and offset must be non-negative")
	}
	return filter, nil
}
