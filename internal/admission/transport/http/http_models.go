package http

import (
	"time"

	"waitgate/internal/admission/core"
)

const (
	csrfCookieName  = "csrf_token"
	csrfHeaderName  = "X-CSRF-Token"
	signatureHeader = "X-Signature"
)

type httpErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type httpWaveAvailability struct {
	WaveID      int64     `json:"waveId"`
	Available   int64     `json:"available"`
	Total       int64     `json:"total"`
	LastUpdated time.Time `json:"lastUpdated"`
}

type httpSeatsResponse struct {
	AvailableByWave []httpWaveAvailability `json:"availableByWave"`
}

type httpCSRFResponse struct {
	Token string `json:"token"`
}

type httpApplicationRequest struct {
	WaveID int64  `json:"waveId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

type httpApplicationResponse struct {
	ReservationID string `json:"reservationId"`
	WaveID        int64  `json:"waveId"`
	Remaining     int64  `json:"remaining"`
}

type httpCheckoutRequest struct {
	WaveID        int64  `json:"waveId"`
	ReservationID string `json:"reservationId"`
}

type httpCheckoutResponse struct {
	CheckoutID    string `json:"checkoutId"`
	ReservationID string `json:"reservationId"`
	WaveID        int64  `json:"waveId"`
}

type httpLimitClass struct {
	Name        string `json:"name"`
	MaxRequests int64  `json:"maxRequests"`
	WindowSecs  int64  `json:"windowSeconds"`
	FailOpen    bool   `json:"failOpen"`
	Version     int64  `json:"version"`
}

type httpUpdateLimitRequest struct {
	Name            string `json:"name"`
	MaxRequests     int64  `json:"maxRequests"`
	WindowSecs      int64  `json:"windowSeconds"`
	FailOpen        bool   `json:"failOpen"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

type httpThreatAlert struct {
	ID           string    `json:"id"`
	AlertType    string    `json:"alertType"`
	Severity     string    `json:"severity"`
	WindowStart  time.Time `json:"windowStart"`
	WindowEnd    time.Time `json:"windowEnd"`
	ClientKey    string    `json:"clientKey"`
	EventCount   int64     `json:"eventCount"`
	Acknowledged bool      `json:"acknowledged"`
}

type httpAckAlertRequest struct {
	ID string `json:"id"`
}

type httpReconcileRequest struct {
	WaveID int64 `json:"waveId"`
}

type httpReconcileResponse struct {
	WaveID    int64 `json:"waveId"`
	Confirmed int64 `json:"confirmed"`
}

func fromAvailability(av core.Availability) httpWaveAvailability {
	return httpWaveAvailability{
		WaveID:      av.WaveID,
		Available:   av.Available,
		Total:       av.Capacity,
		LastUpdated: av.LastUpdated,
	}
}

func fromLimitClass(class *core.LimitClass) httpLimitClass {
	return httpLimitClass{
		Name:        class.Name,
		MaxRequests: class.MaxRequests,
		WindowSecs:  int64(class.Window / time.Second),
		FailOpen:    class.FailMode == core.FailOpen,
		Version:     class.Version,
	}
}

func toUpdateLimitRequest(req httpUpdateLimitRequest) *core.UpdateLimitRequest {
	return &core.UpdateLimitRequest{
		Name:            req.Name,
		MaxRequests:     req.MaxRequests,
		Window:          time.Duration(req.WindowSecs) * time.Second,
		FailOpen:        req.FailOpen,
		ExpectedVersion: req.ExpectedVersion,
	}
}

func fromThreatAlert(alert core.ThreatAlert) httpThreatAlert {
	return httpThreatAlert{
		ID:           alert.ID,
		AlertType:    alert.AlertType,
		Severity:     string(alert.Severity),
		WindowStart:  alert.WindowStart,
		WindowEnd:    alert.WindowEnd,
		ClientKey:    alert.ClientKey,
		EventCount:   alert.EventCount,
		Acknowledged: alert.Acknowledged,
	}
}
