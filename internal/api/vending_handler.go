package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/candy-vending/internal/errors"
	"github.com/wfunc/candy-vending/internal/repository"
	"go.uber.org/zap"
)

// VendingHandler 售货接口处理器
type VendingHandler struct {
	machine Vending
	events  repository.EventRepository
	logger  *zap.Logger
}

// NewVendingHandler 创建处理器
func NewVendingHandler(machine Vending, events repository.EventRepository, logger *zap.Logger) *VendingHandler {
	return &VendingHandler{
		machine: machine,
		events:  events,
		logger:  logger,
	}
}

// DispenseResponse 出货响应
type DispenseResponse struct {
	Success          bool `json:"success"`
	CreditsRemaining int  `json:"credits_remaining"`
}

// SimulateResponse 模拟投币响应
type SimulateResponse struct {
	Success bool `json:"success"`
	Credits int  `json:"credits"`
}

// EventsResponse 流水查询响应
type EventsResponse struct {
	Events interface{} `json:"events"`
	Total  int64       `json:"total"`
	Page   int         `json:"page"`
	Limit  int         `json:"limit"`
}

// GetState 获取当前状态
func (h *VendingHandler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.machine.State())
}

// Dispense 出货
func (h *VendingHandler) Dispense(c *gin.Context) {
	slotID, err := strconv.Atoi(c.Param("slot_id"))
	if err != nil {
		respondError(c, errors.Newf(errors.ErrInvalidParam, "slot_id %q", c.Param("slot_id")))
		return
	}

	remaining, err := h.machine.Dispense(c.Request.Context(), slotID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, DispenseResponse{
		Success:          true,
		CreditsRemaining: remaining,
	})
}

// SimulateEnvelope 模拟投币，始终可用
func (h *VendingHandler) SimulateEnvelope(c *gin.Context) {
	credits := h.machine.SimulateDeposit()
	c.JSON(http.StatusOK, SimulateResponse{Success: true, Credits: credits})
}

// ListEvents 最近的售货流水
func (h *VendingHandler) ListEvents(c *gin.Context) {
	if h.events == nil {
		respondError(c, errors.New(errors.ErrNotFound, "event journal disabled"))
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	query := &repository.EventQuery{
		Type:       c.Query("type"),
		Pagination: repository.NewPagination(page, limit),
	}
	if s := c.Query("slot_id"); s != "" {
		id, err := strconv.Atoi(s)
		if err != nil {
			respondError(c, errors.Newf(errors.ErrInvalidParam, "slot_id %q", s))
			return
		}
		query.SlotID = &id
	}
	if s := c.Query("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			respondError(c, errors.Newf(errors.ErrInvalidParam, "since %q", s))
			return
		}
		query.Since = since
	}

	events, err := h.events.Recent(c.Request.Context(), query)
	if err != nil {
		h.logger.Error("查询售货流水失败", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, EventsResponse{
		Events: events,
		Total:  query.Pagination.Total,
		Page:   query.Pagination.Page,
		Limit:  query.Pagination.PageSize,
	})
}

// respondError 按错误码返回HTTP状态，不对外暴露调用栈
func respondError(c *gin.Context, err error) {
	appErr, ok := errors.As(err)
	if !ok {
		appErr = errors.Wrap(err, errors.ErrUnknown)
	}
	body := *appErr
	body.Stack = nil
	c.Error(err)
	c.JSON(appErr.HTTPStatus(), errors.NewErrorResponse(&body))
}
