package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mrsentinel/mrsentinel/internal/services"
	"github.com/mrsentinel/mrsentinel/pkg/response"
)

type ReviewLogHandler struct {
	service *services.ReviewLogService
}

func NewReviewLogHandler(service *services.ReviewLogService) *ReviewLogHandler {
	return &ReviewLogHandler{service: service}
}

// List returns review history with paging and optional filters.
func (h *ReviewLogHandler) List(c *gin.Context) {
	var req services.ReviewLogListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, "invalid query parameters: "+err.Error())
		return
	}

	resp, err := h.service.List(&req)
	if err != nil {
		response.ServerError(c, "failed to list review logs: "+err.Error())
		return
	}
	response.Success(c, resp)
}

// Get returns a single review log by ID.
func (h *ReviewLogHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid review log id")
		return
	}

	log, err := h.service.GetByID(uint(id))
	if err != nil {
		response.NotFound(c, "review log not found")
		return
	}
	response.Success(c, log)
}
