package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"posledger/backend/internal/domain"
)

// SaleMessage is the accounting export payload for one sale.
type SaleMessage struct {
	EntryID       string            `json:"entry_id"`
	SaleID        string            `json:"sale_id"`
	SaleNumber    string            `json:"sale_number"`
	StoreID       string            `json:"store_id"`
	CashierID     string            `json:"cashier_id"`
	Subtotal      decimal.Decimal   `json:"subtotal"`
	DiscountTotal decimal.Decimal   `json:"discount_total"`
	TaxTotal      decimal.Decimal   `json:"tax_total"`
	TotalAmount   decimal.Decimal   `json:"total_amount"`
	Payments      []PaymentSummary  `json:"payments"`
	Lines         []SaleLineSummary `json:"lines"`
	SoldAt        time.Time         `json:"sold_at"`
	Attempt       int               `json:"attempt"`
}

type PaymentSummary struct {
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

type SaleLineSummary struct {
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Quantity  decimal.Decimal `json:"quantity"`
	LineTotal decimal.Decimal `json:"line_total"`
	TaxAmount decimal.Decimal `json:"tax_amount"`
}

func newSaleMessage(entry domain.AccountingQueueEntry, sale *domain.Sale) SaleMessage {
	msg := SaleMessage{
		EntryID:       entry.ID,
		SaleID:        sale.ID,
		SaleNumber:    sale.SaleNumber,
		StoreID:       sale.StoreID,
		CashierID:     sale.CashierID,
		Subtotal:      sale.Subtotal,
		DiscountTotal: sale.DiscountTotal,
		TaxTotal:      sale.TaxTotal,
		TotalAmount:   sale.TotalAmount,
		Payments:      make([]PaymentSummary, 0, len(sale.Payments)),
		Lines:         make([]SaleLineSummary, 0, len(sale.Items)),
		SoldAt:        sale.CreatedAt,
		Attempt:       entry.Attempts,
	}
	for _, p := range sale.Payments {
		msg.Payments = append(msg.Payments, PaymentSummary{Method: p.Method, Amount: p.Amount})
	}
	for _, item := range sale.Items {
		msg.Lines = append(msg.Lines, SaleLineSummary{
			ProductID: item.ProductID,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			LineTotal: item.LineTotal,
			TaxAmount: item.TaxAmount,
		})
	}
	return msg
}

// Publisher hands a sale to the accounting integration and returns the
// broker's message id.
type Publisher interface {
	Publish(ctx context.Context, msg SaleMessage) (string, error)
}

type PubSubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubPublisher uses Application Default Credentials unless
// credentialsJSON is set.
func NewPubSubPublisher(ctx context.Context, projectID string, topicName string, credentialsJSON string) (*PubSubPublisher, error) {
	if projectID == "" {
		return nil, errors.New("pubsub project id is required")
	}
	if topicName == "" {
		return nil, errors.New("pubsub topic is required")
	}

	var opts []option.ClientOption
	if credentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, err
	}

	return &PubSubPublisher{client: client, topic: client.Topic(topicName)}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, msg SaleMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event":    "sale.created",
			"sale_id":  msg.SaleID,
			"store_id": msg.StoreID,
		},
	})
	return result.Get(ctx)
}

func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

// LogPublisher writes the payload to the log. It stands in when no broker
// is configured.
type LogPublisher struct {
	Logger *logrus.Logger
}

func (p LogPublisher) Publish(_ context.Context, msg SaleMessage) (string, error) {
	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"sale_id":     msg.SaleID,
			"sale_number": msg.SaleNumber,
			"total":       msg.TotalAmount.StringFixed(2),
			"attempt":     msg.Attempt,
		}).Info("accounting export (log publisher)")
	}
	return "log-" + msg.EntryID, nil
}
