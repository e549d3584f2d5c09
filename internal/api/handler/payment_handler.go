package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/metrics"
)

const headerIdempotencyKey = "Idempotency-Key"

// PaymentHandler handles HTTP requests for payment attempts.
type PaymentHandler struct {
	service ports.PaymentService
}

func NewPaymentHandler(service ports.PaymentService) *PaymentHandler {
	return &PaymentHandler{service: service}
}

// Initiate handles POST /v1/payments.
//
// The response is sent once the provider has acknowledged or refused the
// request. The final outcome is delivered through the change stream.
//
// @Summary      Initiate a payment
// @Tags         payments
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        Idempotency-Key  header    string                  false  "Idempotency key to prevent duplicate submissions"
// @Param        body             body      initiatePaymentRequest  true   "Payment details"
// @Success      202              {object}  initiatePaymentResponse
// @Failure      400              {object}  errorResponse
// @Failure      401              {object}  errorResponse
// @Failure      500              {object}  errorResponse
// @Router       /v1/payments [post]
func (h *PaymentHandler) Initiate(c echo.Context) error {
	var req initiatePaymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	provider := normalizeProvider(req.Provider)
	result, err := h.service.Initiate(c.Request().Context(), ports.InitiatePaymentInput{
		Provider:       provider,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Phone:          req.Phone,
		Email:          req.Email,
		BookingRef:     req.BookingRef,
		IdempotencyKey: c.Request().Header.Get(headerIdempotencyKey),
	})
	if err != nil {
		return err
	}

	attempt := result.Attempt
	if result.AlreadyExisted {
		c.Response().Header().Set("Idempotent-Replayed", "true")
	} else {
		metrics.PaymentsInitiatedTotal.WithLabelValues(string(provider), string(attempt.Status)).Inc()
	}

	return c.JSON(http.StatusAccepted, initiatePaymentResponse{
		ID:                attempt.ID,
		Status:            attempt.Status,
		ExternalReference: attempt.ExternalReference,
		CheckoutURL:       attempt.CheckoutURL,
		FailureReason:     attempt.FailureReason,
		Links:             paymentLinks{Self: "/v1/payments/" + attempt.ID},
	})
}

// Get handles GET /v1/payments/:id.
//
// @Summary      Get a payment attempt
// @Tags         payments
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Attempt ID"
// @Success      200  {object}  domain.PaymentAttempt
// @Failure      404  {object}  errorResponse
// @Router       /v1/payments/{id} [get]
func (h *PaymentHandler) Get(c echo.Context) error {
	attempt, err := h.service.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, attempt)
}

// List handles GET /v1/payments.
//
// @Summary      List payment attempts
// @Tags         payments
// @Produce      json
// @Security     BearerAuth
// @Param        provider  query     string  false  "mobile-money or card-gateway"
// @Param        status    query     string  false  "INITIATED, PENDING, SUCCEEDED, FAILED or EXPIRED"
// @Param        page      query     int     false  "Page (default 1)"
// @Param        limit     query     int     false  "Page size (default 20, max 100)"
// @Success      200       {object}  listPaymentsResponse
// @Failure      400       {object}  errorResponse
// @Failure      403       {object}  errorResponse
// @Router       /v1/payments [get]
func (h *PaymentHandler) List(c echo.Context) error {
	page, err := queryInt(c, "page")
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	provider := c.QueryParam("provider")
	if provider != "" {
		provider = string(normalizeProvider(provider))
	}

	result, err := h.service.List(c.Request().Context(), ports.ListPaymentsFilter{
		Provider: provider,
		Status:   c.QueryParam("status"),
		Page:     page,
		Limit:    limit,
	})
	if err != nil {
		return err
	}
	items := result.Items
	if items == nil {
		items = []*domain.PaymentAttempt{}
	}

	return c.JSON(http.StatusOK, listPaymentsResponse{
		Items:      items,
		Total:      result.Total,
		Page:       result.Page,
		Limit:      result.Limit,
		TotalPages: result.TotalPages,
	})
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}
