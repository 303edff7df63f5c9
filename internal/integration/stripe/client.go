package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
)

// ProviderName имя провайдера в строках Payment
const ProviderName = "stripe"

// Config конфигурация для клиента Stripe
type Config struct {
	APIKey     string
	WebhookKey string
}

// Client представляет клиент для работы с API Stripe
type Client struct {
	api        *client.API
	webhookKey string
	log        *logger.Logger
}

// NewClient создает новый клиент Stripe
func NewClient(cfg Config, log *logger.Logger) *Client {
	api := &client.API{}
	api.Init(cfg.APIKey, nil)

	return &Client{
		api:        api,
		webhookKey: cfg.WebhookKey,
		log:        log,
	}
}

// Name возвращает имя провайдера
func (c *Client) Name() string {
	return ProviderName
}

// CreatePayment создает PaymentIntent в Stripe. Локальный id платежа
// уезжает в метаданные, чтобы вебхук мог найти платеж даже без
// сохраненного внешнего id.
func (c *Client) CreatePayment(ctx context.Context, payment domain.Payment) (string, string, error) {
	c.log.Debug("Creating Stripe payment intent for payment: %s", payment.ID)

	// Stripe работает в наименьших единицах валюты
	amountInSmallestUnit := int64(payment.Amount * 100)

	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
		},
		Amount:             stripe.Int64(amountInSmallestUnit),
		Currency:           stripe.String(payment.Currency),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Description:        stripe.String(fmt.Sprintf("%s purchase", payment.Type)),
	}
	params.AddMetadata("payment_id", payment.ID.String())

	intent, err := c.api.PaymentIntents.New(params)
	if err != nil {
		c.log.Errorw("Failed to create Stripe payment intent", "error", err, "paymentID", payment.ID)
		return "", "", domain.NewExternalServiceError("stripe", "payment_intent_failed", "failed to create payment intent", 0, err)
	}

	c.log.Info("Successfully created Stripe payment intent with ID: %s, status: %s", intent.ID, intent.Status)
	return intent.ID, intent.ClientSecret, nil
}
