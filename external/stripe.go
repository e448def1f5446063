package external

import (
	"context"
	"errors"
	"fmt"

	"github.com/caretide/caretide/billing"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

// NewStripeClient returns a configured Stripe API client
func NewStripeClient(key string) *client.API {
	sc := &client.API{}
	sc.Init(key, nil)
	return sc
}

var _ billing.PaymentGateway = &StripeGateway{}

// StripeGateway charges billing records off-session against the customer's
// default payment method via PaymentIntents
type StripeGateway struct {
	client *client.API
	logger *zap.Logger
}

// NewStripeGateway returns a PaymentGateway backed by Stripe
func NewStripeGateway(logger *zap.Logger, stripeClient *client.API) (*StripeGateway, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if stripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	return &StripeGateway{
		client: stripeClient,
		logger: logger,
	}, nil
}

// Charge confirms a PaymentIntent for the record's amount. A card decline is
// reported as an unsuccessful ChargeResult; the error return is reserved for
// transport/configuration problems.
func (g *StripeGateway) Charge(ctx context.Context, record *billing.Record) (*billing.ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
			Metadata: map[string]string{
				"billing_record_id": record.ID,
			},
		},
		Amount:     stripe.Int64(record.AmountCents),
		Currency:   stripe.String(string(stripe.CurrencyUSD)),
		Customer:   stripe.String(record.UserID),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}
	if len(record.Description) > 0 {
		params.Description = stripe.String(record.Description)
	}

	pi, err := g.client.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			// declines and card errors are a payment outcome, not a
			// systemic failure
			return &billing.ChargeResult{
				Success:      false,
				ErrorMessage: stripeErr.Msg,
			}, nil
		}
		g.logger.Error("Stripe returned error",
			zap.String("BillingRecordID", record.ID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot charge via Stripe")
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return &billing.ChargeResult{
			Success:          false,
			PaymentReference: pi.ID,
			ErrorMessage:     fmt.Sprintf("payment intent in status %s", pi.Status),
		}, nil
	}

	return &billing.ChargeResult{
		Success:          true,
		PaymentReference: pi.ID,
	}, nil
}
