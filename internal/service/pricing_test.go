package service

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func TestPriceLineAppliesDiscountAndTax(t *testing.T) {
	product := domain.Product{ID: "p1", SKU: "SKU-1", UnitPrice: dec("4.50"), TaxRate: dec("0.05")}

	item, err := priceLine(domain.SaleItemInput{ProductID: "p1", Quantity: dec("3"), LineDiscount: dec("1.50")}, product, false)
	if err != nil {
		t.Fatalf("price line: %v", err)
	}
	if !item.LineTotal.Equal(dec("12.00")) {
		t.Fatalf("expected line total 12.00, got %s", item.LineTotal)
	}
	if !item.TaxAmount.Equal(dec("0.60")) {
		t.Fatalf("expected tax 0.60, got %s", item.TaxAmount)
	}
}

func TestPriceLineRejections(t *testing.T) {
	product := domain.Product{ID: "p1", SKU: "SKU-1", UnitPrice: dec("2.00")}

	cases := []struct {
		name     string
		input    domain.SaleItemInput
		override bool
	}{
		{name: "zero quantity", input: domain.SaleItemInput{Quantity: decimal.Zero}},
		{name: "four decimal quantity", input: domain.SaleItemInput{Quantity: dec("1.0005")}},
		{name: "discount above line", input: domain.SaleItemInput{Quantity: dec("1"), LineDiscount: dec("2.01")}},
		{name: "unauthorized override", input: domain.SaleItemInput{Quantity: dec("1"), UnitPrice: decPtr("1.00")}},
		{name: "negative override", input: domain.SaleItemInput{Quantity: dec("1"), UnitPrice: decPtr("-1.00")}, override: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := priceLine(tc.input, product, tc.override); !errors.Is(err, store.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestPriceLineAuthorizedOverride(t *testing.T) {
	product := domain.Product{ID: "p1", SKU: "SKU-1", UnitPrice: dec("2.00")}
	item, err := priceLine(domain.SaleItemInput{Quantity: dec("2.5"), UnitPrice: decPtr("1.80")}, product, true)
	if err != nil {
		t.Fatalf("price line: %v", err)
	}
	if !item.UnitPrice.Equal(dec("1.80")) || !item.LineTotal.Equal(dec("4.50")) {
		t.Fatalf("unexpected override pricing: %+v", item)
	}
}

func TestSaleDiscount(t *testing.T) {
	subtotal := dec("80.00")

	cases := []struct {
		name     string
		discount *domain.Discount
		want     string
		invalid  bool
	}{
		{name: "none", discount: nil, want: "0"},
		{name: "flat", discount: &domain.Discount{Type: domain.DiscountFlat, Value: dec("5.00")}, want: "5.00"},
		{name: "percent", discount: &domain.Discount{Type: domain.DiscountPercent, Value: dec("12.5")}, want: "10.00"},
		{name: "flat above subtotal", discount: &domain.Discount{Type: domain.DiscountFlat, Value: dec("80.01")}, invalid: true},
		{name: "percent above 100", discount: &domain.Discount{Type: domain.DiscountPercent, Value: dec("101")}, invalid: true},
		{name: "unknown type", discount: &domain.Discount{Type: "bogo", Value: dec("1")}, invalid: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := saleDiscount(subtotal, tc.discount)
			if tc.invalid {
				if !errors.Is(err, store.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(dec(tc.want)) {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestTotalSaleChangeMustComeFromCash(t *testing.T) {
	items := []domain.SaleItem{{LineTotal: dec("10.00"), TaxAmount: dec("0.50")}}

	totals, err := totalSale(items, nil, []domain.PaymentInput{
		{Method: domain.PaymentCard, Amount: dec("5.00")},
		{Method: domain.PaymentCash, Amount: dec("10.00")},
	})
	if err != nil {
		t.Fatalf("total sale: %v", err)
	}
	if !totals.ChangeDue.Equal(dec("4.50")) {
		t.Fatalf("expected change 4.50, got %s", totals.ChangeDue)
	}

	_, err = totalSale(items, nil, []domain.PaymentInput{{Method: domain.PaymentCard, Amount: dec("12.00")}})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected card overpayment to be rejected, got %v", err)
	}

	_, err = totalSale(items, nil, []domain.PaymentInput{{Method: domain.PaymentCash, Amount: dec("10.00")}})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected underpayment to be rejected, got %v", err)
	}
}

func TestRefundAmountRemainderGoesToLastUnits(t *testing.T) {
	line := domain.SaleItem{ID: "l1", Quantity: dec("3"), LineTotal: dec("10.00"), TaxAmount: dec("0.00")}

	first := refundAmount(line, decimal.Zero, domain.RefundedLine{}, dec("1"))
	second := refundAmount(line, decimal.Zero, domain.RefundedLine{Quantity: dec("1"), Amount: first}, dec("1"))
	last := refundAmount(line, decimal.Zero, domain.RefundedLine{Quantity: dec("2"), Amount: first.Add(second)}, dec("1"))

	if !first.Equal(dec("3.33")) || !second.Equal(dec("3.33")) || !last.Equal(dec("3.34")) {
		t.Fatalf("unexpected split %s/%s/%s", first, second, last)
	}
	if !first.Add(second).Add(last).Equal(dec("10.00")) {
		t.Fatalf("refunds must add up to the line value")
	}
}

func TestDiscountSharesSumToSaleDiscount(t *testing.T) {
	sale := &domain.Sale{
		Subtotal:      dec("30.00"),
		DiscountTotal: dec("1.00"),
		Items: []domain.SaleItem{
			{ID: "a", LineTotal: dec("10.00")},
			{ID: "b", LineTotal: dec("10.00")},
			{ID: "c", LineTotal: dec("10.00")},
		},
	}
	shares := discountShares(sale)
	sum := shares["a"].Add(shares["b"]).Add(shares["c"])
	if !sum.Equal(dec("1.00")) {
		t.Fatalf("expected shares to sum to 1.00, got %s", sum)
	}
	if !shares["c"].Equal(dec("0.34")) {
		t.Fatalf("expected last share 0.34, got %s", shares["c"])
	}
}
