package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/signature"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Buyer struct {
	ID       string `json:"merchantBuyerId,omitempty"`
	FullName string `json:"fullName"`
	Email    string `json:"emailAddress"`
	Phone    string `json:"contactPhone,omitempty"`
	DNI      string `json:"dniNumber,omitempty"`
}

// Card is only passed through to the gateway and never stored.
type Card struct {
	Number         string `json:"number"`
	SecurityCode   string `json:"securityCode"`
	ExpirationDate string `json:"expirationDate"`
	Name           string `json:"name"`
	Brand          string `json:"-"`
}

// TransactionRequest is everything needed to start a payment for an order.
type TransactionRequest struct {
	Order           *order.Order
	Buyer           Buyer
	ShippingAddress order.Address
	Method          string
	Card            *Card
	Installments    int
	DeviceSessionID string
	IPAddress       string
	UserAgent       string
}

// TransactionResult is the gateway's immediate answer. Card data is masked.
type TransactionResult struct {
	GatewayOrderID string
	TransactionID  string
	ReferenceCode  string
	Outcome        Outcome
	State          string
	ResponseCode   string
	Message        string
	CardLast4      string
	CardBrand      string
	Raw            json.RawMessage
}

type Client struct {
	cfg    Config
	http   *http.Client
	signer *signature.Service
	logger *zap.Logger
}

func NewClient(cfg Config, signer *signature.Service, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.timeout()},
		signer: signer,
		logger: logger,
	}
}

type apiMerchant struct {
	APIKey   string `json:"apiKey"`
	APILogin string `json:"apiLogin"`
}

type apiAmount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

type apiAddress struct {
	Street1    string `json:"street1"`
	Street2    string `json:"street2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	Country    string `json:"country"`
	PostalCode string `json:"postalCode,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

type apiBuyer struct {
	Buyer
	ShippingAddress apiAddress `json:"shippingAddress"`
}

type apiOrder struct {
	AccountID        string               `json:"accountId"`
	ReferenceCode    string               `json:"referenceCode"`
	Description      string               `json:"description"`
	Language         string               `json:"language"`
	Signature        string               `json:"signature"`
	NotifyURL        string               `json:"notifyUrl,omitempty"`
	AdditionalValues map[string]apiAmount `json:"additionalValues"`
	Buyer            apiBuyer             `json:"buyer"`
	ShippingAddress  apiAddress           `json:"shippingAddress"`
}

type apiTransaction struct {
	Order           apiOrder       `json:"order"`
	Payer           Buyer          `json:"payer"`
	CreditCard      *Card          `json:"creditCard,omitempty"`
	ExtraParameters map[string]int `json:"extraParameters,omitempty"`
	Type            string         `json:"type"`
	PaymentMethod   string         `json:"paymentMethod"`
	PaymentCountry  string         `json:"paymentCountry"`
	DeviceSessionID string         `json:"deviceSessionId,omitempty"`
	IPAddress       string         `json:"ipAddress,omitempty"`
	UserAgent       string         `json:"userAgent,omitempty"`
}

type apiRequest struct {
	Language    string         `json:"language"`
	Command     string         `json:"command"`
	Merchant    apiMerchant    `json:"merchant"`
	Transaction apiTransaction `json:"transaction"`
	Test        bool           `json:"test"`
}

type apiResponse struct {
	Code                string `json:"code"`
	Error               string `json:"error"`
	TransactionResponse *struct {
		OrderID         json.Number `json:"orderId"`
		TransactionID   string      `json:"transactionId"`
		State           string      `json:"state"`
		ResponseCode    string      `json:"responseCode"`
		ResponseMessage string      `json:"responseMessage"`
		PendingReason   string      `json:"pendingReason"`
	} `json:"transactionResponse"`
}

// CreateTransaction submits a signed authorization-and-capture request. It is
// never retried here: a transport failure surfaces as GatewayUnavailableError
// and the caller decides.
func (c *Client) CreateTransaction(ctx context.Context, req TransactionRequest) (*TransactionResult, error) {
	if req.Order == nil {
		return nil, errors.New("order snapshot is required")
	}
	o := req.Order
	amount := o.Total.StringFixed(2)
	sig, err := c.signer.SignGatewayMessage(c.cfg.APIKey, c.cfg.MerchantID, o.OrderNumber, amount, o.Currency, "")
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	addr := apiAddress{
		Street1:    req.ShippingAddress.Line1,
		Street2:    req.ShippingAddress.Line2,
		City:       req.ShippingAddress.City,
		State:      req.ShippingAddress.State,
		Country:    req.ShippingAddress.Country,
		PostalCode: req.ShippingAddress.PostalCode,
		Phone:      req.ShippingAddress.Phone,
	}
	body := apiRequest{
		Language: DefaultLanguage,
		Command:  "SUBMIT_TRANSACTION",
		Merchant: apiMerchant{APIKey: c.cfg.APIKey, APILogin: c.cfg.APILogin},
		Transaction: apiTransaction{
			Order: apiOrder{
				AccountID:     c.cfg.AccountID,
				ReferenceCode: o.OrderNumber,
				Description:   "Order " + o.OrderNumber,
				Language:      DefaultLanguage,
				Signature:     sig,
				NotifyURL:     c.cfg.NotifyURL,
				AdditionalValues: map[string]apiAmount{
					"TX_VALUE": {Value: o.Total.Round(2), Currency: o.Currency},
				},
				Buyer:           apiBuyer{Buyer: req.Buyer, ShippingAddress: addr},
				ShippingAddress: addr,
			},
			Payer:           req.Buyer,
			CreditCard:      req.Card,
			Type:            "AUTHORIZATION_AND_CAPTURE",
			PaymentMethod:   req.Method,
			PaymentCountry:  c.cfg.Country,
			DeviceSessionID: req.DeviceSessionID,
			IPAddress:       req.IPAddress,
			UserAgent:       req.UserAgent,
		},
		Test: c.cfg.Test,
	}
	if req.Installments > 0 {
		body.Transaction.ExtraParameters = map[string]int{"INSTALLMENTS_NUMBER": req.Installments}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Error("Gateway request failed",
			zap.String("reference_code", o.OrderNumber),
			zap.Error(err))
		return nil, &GatewayUnavailableError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &GatewayUnavailableError{Err: err}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		c.logger.Error("Gateway returned server error",
			zap.String("reference_code", o.OrderNumber),
			zap.Int("status", resp.StatusCode))
		return nil, &GatewayUnavailableError{StatusCode: resp.StatusCode}
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &GatewayError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: "unreadable gateway response"}
	}
	if resp.StatusCode >= http.StatusBadRequest || parsed.Code != "SUCCESS" || parsed.TransactionResponse == nil {
		msg := parsed.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.logger.Warn("Gateway rejected transaction",
			zap.String("reference_code", o.OrderNumber),
			zap.String("code", parsed.Code),
			zap.String("error", msg))
		return nil, &GatewayError{Code: parsed.Code, Message: msg}
	}

	tr := parsed.TransactionResponse
	result := &TransactionResult{
		GatewayOrderID: tr.OrderID.String(),
		TransactionID:  tr.TransactionID,
		ReferenceCode:  o.OrderNumber,
		Outcome:        OutcomeFromTransactionState(tr.State),
		State:          tr.State,
		ResponseCode:   tr.ResponseCode,
		Message:        tr.ResponseMessage,
		Raw:            raw,
	}
	if req.Card != nil {
		result.CardLast4 = order.LastFour(req.Card.Number)
		result.CardBrand = req.Card.Brand
		if result.CardBrand == "" {
			result.CardBrand = req.Method
		}
	}

	c.logger.Info("Gateway transaction created",
		zap.String("reference_code", o.OrderNumber),
		zap.String("transaction_id", result.TransactionID),
		zap.String("state", result.State))
	return result, nil
}
