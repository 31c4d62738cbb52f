package service

import (
	"strings"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

var hundred = decimal.NewFromInt(100)

func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func validQuantity(field string, q decimal.Decimal) error {
	if !q.IsPositive() {
		return store.Invalid(field, "must be greater than zero")
	}
	if !q.Equal(q.Round(3)) {
		return store.Invalid(field, "supports at most 3 decimal places")
	}
	return nil
}

func validMoney(field string, m decimal.Decimal) error {
	if m.IsNegative() {
		return store.Invalid(field, "must not be negative")
	}
	if !m.Equal(m.Round(2)) {
		return store.Invalid(field, "supports at most 2 decimal places")
	}
	return nil
}

type saleTotals struct {
	Subtotal      decimal.Decimal
	DiscountTotal decimal.Decimal
	TaxTotal      decimal.Decimal
	TotalAmount   decimal.Decimal
	AmountPaid    decimal.Decimal
	ChangeDue     decimal.Decimal
}

// priceLine computes lineTotal = quantity x unitPrice - lineDiscount and the
// line tax on that total.
func priceLine(input domain.SaleItemInput, product domain.Product, overrideAllowed bool) (domain.SaleItem, error) {
	if err := validQuantity("quantity", input.Quantity); err != nil {
		return domain.SaleItem{}, err
	}
	unitPrice := product.UnitPrice
	if input.UnitPrice != nil && !input.UnitPrice.Equal(product.UnitPrice) {
		if !overrideAllowed {
			return domain.SaleItem{}, store.Invalid("unit_price", "override for %s is not authorized", product.SKU)
		}
		if err := validMoney("unit_price", *input.UnitPrice); err != nil {
			return domain.SaleItem{}, err
		}
		unitPrice = *input.UnitPrice
	}
	if err := validMoney("line_discount", input.LineDiscount); err != nil {
		return domain.SaleItem{}, err
	}

	gross := roundMoney(input.Quantity.Mul(unitPrice))
	if input.LineDiscount.GreaterThan(gross) {
		return domain.SaleItem{}, store.Invalid("line_discount", "exceeds line amount for %s", product.SKU)
	}
	lineTotal := gross.Sub(input.LineDiscount)

	return domain.SaleItem{
		ProductID:    product.ID,
		SKU:          product.SKU,
		Name:         product.Name,
		Quantity:     input.Quantity,
		UnitPrice:    unitPrice,
		LineDiscount: input.LineDiscount,
		LineTotal:    lineTotal,
		TaxRate:      product.TaxRate,
		TaxAmount:    roundMoney(lineTotal.Mul(product.TaxRate)),
	}, nil
}

// saleDiscount turns a flat or percent discount into an amount off the
// subtotal. It is applied before tax and may not exceed the subtotal.
func saleDiscount(subtotal decimal.Decimal, discount *domain.Discount) (decimal.Decimal, error) {
	if discount == nil || discount.Value.IsZero() {
		return decimal.Zero, nil
	}
	if discount.Value.IsNegative() {
		return decimal.Zero, store.Invalid("discount.value", "must not be negative")
	}

	var amount decimal.Decimal
	switch strings.ToLower(discount.Type) {
	case domain.DiscountFlat:
		if err := validMoney("discount.value", discount.Value); err != nil {
			return decimal.Zero, err
		}
		amount = discount.Value
	case domain.DiscountPercent:
		if discount.Value.GreaterThan(hundred) {
			return decimal.Zero, store.Invalid("discount.value", "percent must be between 0 and 100")
		}
		amount = roundMoney(subtotal.Mul(discount.Value).Div(hundred))
	default:
		return decimal.Zero, store.Invalid("discount.type", "must be flat or percent")
	}
	if amount.GreaterThan(subtotal) {
		return decimal.Zero, store.Invalid("discount.value", "exceeds the subtotal")
	}
	return amount, nil
}

// totalSale sums the priced lines, applies the sale discount and checks the
// tendered payments cover the total.
func totalSale(items []domain.SaleItem, discount *domain.Discount, payments []domain.PaymentInput) (saleTotals, error) {
	totals := saleTotals{
		Subtotal:   decimal.Zero,
		TaxTotal:   decimal.Zero,
		AmountPaid: decimal.Zero,
	}
	for _, item := range items {
		totals.Subtotal = totals.Subtotal.Add(item.LineTotal)
		totals.TaxTotal = totals.TaxTotal.Add(item.TaxAmount)
	}

	discountTotal, err := saleDiscount(totals.Subtotal, discount)
	if err != nil {
		return saleTotals{}, err
	}
	totals.DiscountTotal = discountTotal
	totals.TotalAmount = totals.Subtotal.Sub(discountTotal).Add(totals.TaxTotal)

	if len(payments) == 0 {
		return saleTotals{}, store.Invalid("payments", "at least one payment is required")
	}
	cash := decimal.Zero
	for i, p := range payments {
		if !domain.IsPaymentMethod(p.Method) {
			return saleTotals{}, store.Invalid("payments", "payment %d has unknown method %q", i+1, p.Method)
		}
		if !p.Amount.IsPositive() {
			return saleTotals{}, store.Invalid("payments", "payment %d amount must be greater than zero", i+1)
		}
		if err := validMoney("payments", p.Amount); err != nil {
			return saleTotals{}, err
		}
		totals.AmountPaid = totals.AmountPaid.Add(p.Amount)
		if p.Method == domain.PaymentCash {
			cash = cash.Add(p.Amount)
		}
	}

	totals.ChangeDue = totals.AmountPaid.Sub(totals.TotalAmount)
	if totals.ChangeDue.IsNegative() {
		return saleTotals{}, store.Invalid("payments", "amount paid %s is less than total %s",
			totals.AmountPaid.StringFixed(2), totals.TotalAmount.StringFixed(2))
	}
	if totals.ChangeDue.GreaterThan(cash) {
		return saleTotals{}, store.Invalid("payments", "change of %s can only be given from cash tendered",
			totals.ChangeDue.StringFixed(2))
	}
	return totals, nil
}

// discountShares spreads the sale discount across lines by line total. The
// last line takes the remainder so the shares add up exactly.
func discountShares(sale *domain.Sale) map[string]decimal.Decimal {
	shares := make(map[string]decimal.Decimal, len(sale.Items))
	if sale.DiscountTotal.IsZero() || sale.Subtotal.IsZero() {
		return shares
	}
	allocated := decimal.Zero
	for i, item := range sale.Items {
		if i == len(sale.Items)-1 {
			shares[item.ID] = sale.DiscountTotal.Sub(allocated)
			break
		}
		share := roundMoney(sale.DiscountTotal.Mul(item.LineTotal).Div(sale.Subtotal))
		shares[item.ID] = share
		allocated = allocated.Add(share)
	}
	return shares
}

// refundAmount prices qty units of a sale line given what has already been
// claimed. The claim that exhausts the line takes the exact remainder.
func refundAmount(item domain.SaleItem, discountShare decimal.Decimal, claimed domain.RefundedLine, qty decimal.Decimal) decimal.Decimal {
	lineValue := item.LineTotal.Add(item.TaxAmount).Sub(discountShare)
	if claimed.Quantity.Add(qty).Equal(item.Quantity) {
		return lineValue.Sub(claimed.Amount)
	}
	return roundMoney(lineValue.Mul(qty).Div(item.Quantity))
}
