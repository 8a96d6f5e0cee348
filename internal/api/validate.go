package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"paynotify/internal/model"
)

// paymentEventRequest is the payment snapshot posted after a status change.
type paymentEventRequest struct {
	UserID               string          `json:"userId"`
	ProviderID           string          `json:"providerId"`
	AmountTotal          decimal.Decimal `json:"amountTotal"`
	Currency             string          `json:"currency"`
	Status               string          `json:"status"`
	GatewayTransactionID string          `json:"gatewayTransactionId"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

func (req paymentEventRequest) payment(id string) (model.Payment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return model.Payment{}, errors.New("payment id required")
	}
	status, err := model.ParsePaymentStatus(req.Status)
	if err != nil {
		return model.Payment{}, err
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.ProviderID) == "" {
		return model.Payment{}, errors.New("userId and providerId are required")
	}
	if req.AmountTotal.IsNegative() {
		return model.Payment{}, fmt.Errorf("amountTotal must be >= 0")
	}
	cur := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(cur) != 3 {
		return model.Payment{}, fmt.Errorf("currency must be a 3-letter ISO code")
	}
	return model.Payment{
		ID:                   id,
		UserID:               req.UserID,
		ProviderID:           req.ProviderID,
		AmountTotal:          req.AmountTotal,
		Currency:             cur,
		Status:               status,
		GatewayTransactionID: req.GatewayTransactionID,
		CreatedAt:            req.CreatedAt,
		UpdatedAt:            req.UpdatedAt,
	}, nil
}
