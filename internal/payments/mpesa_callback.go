package payments

import (
	"encoding/json"
	"fmt"
	"strings"
)

// STKCallback is the normalised content of a Daraja STK push callback.
// ResultCode zero means the subscriber completed the payment.
type STKCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            int64
	ReceiptNumber     string
	TransactionDate   string
	PhoneNumber       string
}

// Succeeded reports whether the callback carries a completed payment.
func (c STKCallback) Succeeded() bool {
	return c.ResultCode == 0
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseSTKCallback decodes the Daraja callback envelope. Metadata items only
// accompany successful results; their absence is not an error.
func ParseSTKCallback(payload []byte) (STKCallback, error) {
	var envelope stkCallbackEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return STKCallback{}, fmt.Errorf("mpesa: decode callback: %w", err)
	}

	cb := envelope.Body.StkCallback
	if strings.TrimSpace(cb.CheckoutRequestID) == "" {
		return STKCallback{}, fmt.Errorf("mpesa: callback missing checkout request id")
	}

	result := STKCallback{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}

	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			// Reported in whole currency units, occasionally with a decimal part.
			var amount float64
			if json.Unmarshal(item.Value, &amount) == nil {
				result.Amount = int64(amount)
			}
		case "MpesaReceiptNumber":
			var receipt string
			if json.Unmarshal(item.Value, &receipt) == nil {
				result.ReceiptNumber = receipt
			}
		case "TransactionDate":
			var date json.Number
			if json.Unmarshal(item.Value, &date) == nil {
				result.TransactionDate = date.String()
			}
		case "PhoneNumber":
			var phone json.Number
			if json.Unmarshal(item.Value, &phone) == nil {
				result.PhoneNumber = phone.String()
			}
		}
	}

	return result, nil
}
