package handlers

import (
	"github.com/fasthttp/router"
	xhttp "github.com/athletiq/payment-gateway/pkg/http"
)

type HealthService interface {
	Get() error
}
type HealthHandler struct {
	service HealthService
}

func RegisterHealthRoutes(e *router.Group, h *HealthHandler) {
	e.GET("/health", h.GetHealth)
}

func NewHealthHandler(service HealthService) *HealthHandler {
	return &HealthHandler{
		service: service,
	}
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	ctx.Response.SetBodyString("success")
	return
}
