package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/metrics"
)

const headerPaystackSignature = "x-paystack-signature"

// maxCallbackBody bounds what is read from a provider notification.
const maxCallbackBody = 1 << 20

// CallbackHandler receives asynchronous provider notifications, normalizes
// them through the matching gateway and hands them to the payment service.
type CallbackHandler struct {
	gateways map[domain.Provider]ports.PaymentGateway
	service  ports.PaymentService
	log      zerolog.Logger
}

func NewCallbackHandler(gateways []ports.PaymentGateway, service ports.PaymentService, log zerolog.Logger) *CallbackHandler {
	byProvider := make(map[domain.Provider]ports.PaymentGateway, len(gateways))
	for _, gw := range gateways {
		byProvider[gw.Provider()] = gw
	}
	return &CallbackHandler{gateways: byProvider, service: service, log: log}
}

// For returns the handler bound to one provider's callback route.
//
// @Summary      Provider payment callback
// @Tags         callbacks
// @Accept       json
// @Produce      json
// @Param        x-paystack-signature  header    string  false  "HMAC-SHA512 of the body (card gateway)"
// @Success      200                   {object}  callbackAck
// @Failure      400                   {object}  errorResponse
// @Failure      401                   {object}  errorResponse
// @Router       /v1/callbacks/mpesa [post]
// @Router       /v1/callbacks/paystack [post]
func (h *CallbackHandler) For(provider domain.Provider) echo.HandlerFunc {
	return func(c echo.Context) error {
		gw, ok := h.gateways[provider]
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "provider not configured")
		}

		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCallbackBody))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
		}

		ctx := c.Request().Context()
		cb, err := gw.NormalizeCallback(ctx, ports.CallbackRequest{
			Body:      body,
			Signature: c.Request().Header.Get(headerPaystackSignature),
		})
		switch {
		case errors.Is(err, ports.ErrInvalidSignature):
			h.count(provider, "invalid_signature")
			h.log.Warn().Str("provider", string(provider)).Str("remote_ip", c.RealIP()).Msg("callback rejected: bad signature")
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, ports.ErrIgnoredCallback):
			h.count(provider, "ignored")
			return c.JSON(http.StatusOK, ackAccepted)
		case err != nil:
			h.count(provider, "malformed")
			h.log.Warn().Err(err).Str("provider", string(provider)).Msg("callback rejected: malformed")
			return echo.NewHTTPError(http.StatusBadRequest, "malformed callback")
		}

		res, err := h.service.Resolve(ctx, ports.ResolveInput{
			Provider:          provider,
			ExternalReference: cb.ExternalReference,
			Outcome:           cb.Outcome,
			Reason:            cb.Reason,
			RawPayload:        body,
		})
		switch {
		case errors.Is(err, domain.ErrUnknownReference):
			h.count(provider, "unknown_reference")
			h.log.Warn().Str("provider", string(provider)).Str("reference", cb.ExternalReference).Msg("callback for unknown reference")
			return c.JSON(http.StatusOK, ackAccepted)
		case err != nil:
			h.count(provider, "error")
			return err
		}

		if res.Applied {
			h.count(provider, "applied")
		} else {
			h.count(provider, "duplicate")
		}
		return c.JSON(http.StatusOK, ackAccepted)
	}
}

func (h *CallbackHandler) count(provider domain.Provider, result string) {
	metrics.PaymentCallbacksTotal.WithLabelValues(string(provider), result).Inc()
}
