package handler

import (
	"time"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/broadcast"
)

// errorResponse mirrors the envelope rendered by the central error handler.
// Only referenced from swagger annotations.
type errorResponse struct {
	Error string `json:"error"`
}

// --- Telemetry ---

type coordinatesRequest struct {
	Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
}

func (c *coordinatesRequest) toDomain() *domain.Coordinates {
	if c == nil {
		return nil
	}
	return &domain.Coordinates{Lat: *c.Lat, Lng: *c.Lng}
}

type telemetryRequest struct {
	SerialNo     string              `json:"serial_no"     validate:"required,max=64"`
	FillLevel    *float64            `json:"fill_level"    validate:"required"`
	BatteryLevel *float64            `json:"battery_level" validate:"required"`
	Coordinates  *coordinatesRequest `json:"coordinates"`
	Timestamp    *time.Time          `json:"timestamp"`
}

type telemetryResponse struct {
	Unit    *domain.Unit `json:"unit"`
	Applied bool         `json:"applied"`
}

// --- Units ---

type registerUnitRequest struct {
	SerialNo    string              `json:"serial_no"   validate:"required,max=64"`
	Location    string              `json:"location"    validate:"required"`
	Coordinates *coordinatesRequest `json:"coordinates"`
	Status      string              `json:"status"      validate:"omitempty,oneof=active maintenance offline"`
}

type listUnitsResponse struct {
	Items []*domain.Unit `json:"items"`
	Total int            `json:"total"`
}

// --- Payments ---

type initiatePaymentRequest struct {
	Provider   string  `json:"provider"    validate:"required,oneof=mobile-money card-gateway mpesa paystack"`
	Amount     float64 `json:"amount"      validate:"required,gt=0"`
	Currency   string  `json:"currency"    validate:"omitempty,iso4217"`
	Phone      string  `json:"phone"       validate:"omitempty,max=20"`
	Email      string  `json:"email"       validate:"omitempty,email"`
	BookingRef string  `json:"booking_ref" validate:"omitempty,max=64"`
}

// providerAliases lets clients use the provider brand names.
var providerAliases = map[string]domain.Provider{
	"mpesa":    domain.ProviderMobileMoney,
	"paystack": domain.ProviderCardGateway,
}

func normalizeProvider(p string) domain.Provider {
	if alias, ok := providerAliases[p]; ok {
		return alias
	}
	return domain.Provider(p)
}

type initiatePaymentResponse struct {
	ID                string               `json:"id"`
	Status            domain.PaymentStatus `json:"status"`
	ExternalReference string               `json:"external_reference,omitempty"`
	CheckoutURL       string               `json:"checkout_url,omitempty"`
	FailureReason     string               `json:"failure_reason,omitempty"`
	Links             paymentLinks         `json:"_links"`
}

type paymentLinks struct {
	Self string `json:"self"`
}

type listPaymentsResponse struct {
	Items      []*domain.PaymentAttempt `json:"items"`
	Total      int64                    `json:"total"`
	Page       int                      `json:"page"`
	Limit      int                      `json:"limit"`
	TotalPages int                      `json:"total_pages"`
}

// callbackAck is the acknowledgement body providers expect.
type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var ackAccepted = callbackAck{ResultCode: 0, ResultDesc: "Accepted"}

// --- Stream ---

// streamFrame is one websocket message. Type is "live", "event" or "resync".
type streamFrame struct {
	Type    string              `json:"type"`
	Event   *domain.ChangeEvent `json:"event,omitempty"`
	Dropped int                 `json:"dropped,omitempty"`
}

const frameLive = "live"

func frameFromMessage(m broadcast.Message) streamFrame {
	f := streamFrame{Type: string(m.Type), Dropped: m.Dropped}
	if m.Type == broadcast.MessageEvent {
		e := m.Event
		f.Event = &e
	}
	return f
}

// --- Auth ---

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required,min=8"`
	Email    string `json:"email"    validate:"omitempty,email"`
	Role     string `json:"role"     validate:"required,oneof=admin operator"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type authResponse struct {
	Token string       `json:"token,omitempty"`
	User  *domain.User `json:"user,omitempty"`
}
