package gateway

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/example/ec-settlement/internal/clock"
	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubLookup struct {
	orders map[string]*order.Order
}

func (s *stubLookup) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	o, ok := s.orders[number]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return o, nil
}

type recordingSettler struct {
	settlements []Settlement
	err         error
}

func (r *recordingSettler) Settle(ctx context.Context, s Settlement) error {
	r.settlements = append(r.settlements, s)
	return r.err
}

func newTestProcessor(t *testing.T) (*Processor, *recordingSettler, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	settler := &recordingSettler{}
	lookup := &stubLookup{orders: map[string]*order.Order{"ORD-000001": testOrder()}}
	signer := signature.NewService(clock.NewFake(testNow))
	return NewProcessor(testConfig(""), signer, lookup, settler, zap.New(core)), settler, logs
}

func signedForm(t *testing.T, state, value string) url.Values {
	t.Helper()
	signer := signature.NewService(clock.NewFake(testNow))
	sign, err := signer.SignGatewayMessage("4Vj8eK4rloUd272L48hsrarnUA", "508029", "ORD-000001", value, "COP", state)
	require.NoError(t, err)
	return url.Values{
		"merchant_id":       {"508029"},
		"state_pol":         {state},
		"reference_sale":    {"ORD-000001"},
		"reference_pol":     {"844"},
		"value":             {value},
		"currency":          {"COP"},
		"sign":              {sign},
		"transaction_id":    {"tx-1"},
		"transaction_date":  {"2026-03-01 11:59:00"},
		"response_code_pol": {"1"},
		"cc_number":         {"************0004"},
		"franchise":         {"VISA"},
	}
}

func parse(t *testing.T, v url.Values) Confirmation {
	t.Helper()
	c, err := ParseConfirmation(v)
	require.NoError(t, err)
	return c
}

// ============================================
// ParseConfirmation Tests
// ============================================

func TestParseConfirmation_MissingFields(t *testing.T) {
	_, err := ParseConfirmation(url.Values{"merchant_id": {"508029"}})

	assert.ErrorIs(t, err, ErrMalformedConfirmation)
	assert.Contains(t, err.Error(), "sign")
}

func TestConfirmation_Details(t *testing.T) {
	c := parse(t, signedForm(t, StateApproved, "243.00"))

	d := c.Details(testOrder().Total)

	assert.Equal(t, "tx-1", *d.TransactionID)
	assert.Equal(t, "844", *d.GatewayOrderID)
	assert.Equal(t, "************0004", *d.CardNumber)
	assert.Equal(t, "VISA", *d.CardBrand)
	require.NotNil(t, d.PaidAt)
	assert.JSONEq(t, `{"state_pol":"4","response_code_pol":"1","reference_pol":"844","transaction_id":"tx-1","value":"243.00","currency":"COP"}`, string(d.Detail))
}

// ============================================
// ProcessConfirmation Tests
// ============================================

func TestProcessor_Approved(t *testing.T) {
	p, settler, _ := newTestProcessor(t)

	err := p.ProcessConfirmation(context.Background(), parse(t, signedForm(t, StateApproved, "243.00")))

	require.NoError(t, err)
	require.Len(t, settler.settlements, 1)
	assert.Equal(t, OutcomeApproved, settler.settlements[0].Outcome)
	assert.Equal(t, "order-1", settler.settlements[0].OrderID)
}

func TestProcessor_AmountNormalizedBeforeVerify(t *testing.T) {
	p, settler, _ := newTestProcessor(t)

	err := p.ProcessConfirmation(context.Background(), parse(t, signedForm(t, StatePending, "243")))

	require.NoError(t, err)
	assert.Len(t, settler.settlements, 1)
}

func TestProcessor_BadSignature(t *testing.T) {
	p, settler, logs := newTestProcessor(t)
	form := signedForm(t, StateApproved, "243.00")
	form.Set("sign", "0123456789abcdef0123456789abcdef")

	err := p.ProcessConfirmation(context.Background(), parse(t, form))

	var se *SignatureMismatchError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, signature.ErrSignatureMismatch)
	assert.Empty(t, settler.settlements)
	assert.Equal(t, 1, logs.FilterMessage("Confirmation signature rejected").FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestProcessor_TamperedState(t *testing.T) {
	p, settler, _ := newTestProcessor(t)
	form := signedForm(t, StateDeclined, "243.00")
	form.Set("state_pol", StateApproved)

	err := p.ProcessConfirmation(context.Background(), parse(t, form))

	var se *SignatureMismatchError
	assert.ErrorAs(t, err, &se)
	assert.Empty(t, settler.settlements)
}

func TestProcessor_MerchantMismatch(t *testing.T) {
	p, settler, _ := newTestProcessor(t)
	form := signedForm(t, StateApproved, "243.00")
	form.Set("merchant_id", "999")

	err := p.ProcessConfirmation(context.Background(), parse(t, form))

	assert.ErrorIs(t, err, ErrMerchantMismatch)
	assert.Empty(t, settler.settlements)
}

func TestProcessor_AmountMismatch(t *testing.T) {
	p, settler, _ := newTestProcessor(t)

	err := p.ProcessConfirmation(context.Background(), parse(t, signedForm(t, StateApproved, "245.00")))

	var ae *AmountMismatchError
	require.ErrorAs(t, err, &ae)
	assert.Empty(t, settler.settlements)
}

func TestProcessor_AmountWithinOneUnit(t *testing.T) {
	p, settler, _ := newTestProcessor(t)

	err := p.ProcessConfirmation(context.Background(), parse(t, signedForm(t, StateApproved, "242.00")))

	require.NoError(t, err)
	assert.Len(t, settler.settlements, 1)
}

func TestProcessor_UnknownOrder(t *testing.T) {
	p, settler, _ := newTestProcessor(t)
	signer := signature.NewService(clock.NewFake(testNow))
	form := signedForm(t, StateApproved, "243.00")
	form.Set("reference_sale", "ORD-000404")
	sign, err := signer.SignGatewayMessage("4Vj8eK4rloUd272L48hsrarnUA", "508029", "ORD-000404", "243.00", "COP", StateApproved)
	require.NoError(t, err)
	form.Set("sign", sign)

	err = p.ProcessConfirmation(context.Background(), parse(t, form))

	assert.ErrorIs(t, err, order.ErrOrderNotFound)
	assert.Empty(t, settler.settlements)
}

func TestProcessor_SettlerErrorPropagates(t *testing.T) {
	p, settler, _ := newTestProcessor(t)
	settler.err = errors.New("ledger down")

	err := p.ProcessConfirmation(context.Background(), parse(t, signedForm(t, StateApproved, "243.00")))

	assert.EqualError(t, err, "ledger down")
}

// ============================================
// Redirect Tests
// ============================================

func TestResponseRedirect_ForwardsParams(t *testing.T) {
	q := url.Values{
		"referenceCode":       {"ORD-000001"},
		"transactionState":    {"4"},
		"lapTransactionState": {"APPROVED"},
		"message":             {"APPROVED"},
		"TX_VALUE":            {"243.00"},
		"currency":            {"COP"},
		"signature":           {"ignored"},
	}

	target := ResponseRedirect("https://shop.example.com/checkout/result?src=gw", q)

	u, err := url.Parse(target)
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", u.Host)
	assert.Equal(t, "ORD-000001", u.Query().Get("referenceCode"))
	assert.Equal(t, "APPROVED", u.Query().Get("lapTransactionState"))
	assert.Equal(t, "gw", u.Query().Get("src"))
	assert.Empty(t, u.Query().Get("signature"))
}

func TestResponseRedirect_BadPageURL(t *testing.T) {
	target := ResponseRedirect("://bad", url.Values{"referenceCode": {"ORD-1"}})

	assert.Equal(t, "/?referenceCode=ORD-1", target)
}
