package salesync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lengolf/possync_backend/models"
	"github.com/lengolf/possync_backend/utils"
	"github.com/shopspring/decimal"
)

// vatRatePercent is the Thai VAT rate applied to every sale line.
var vatRatePercent = decimal.NewFromInt(7)

// vatInclusiveSince is the date the register switched to tax-inclusive
// pricing. Lines dated strictly before it store tax-exclusive amounts and
// VAT is added on top; lines on/after store tax-inclusive amounts and VAT
// is backed out. The branch keys on the transaction date, never on the
// source the line came from.
var vatInclusiveSince = time.Date(2024, time.September, 1, 0, 0, 0, 0, time.UTC)

// saleDateLayouts are the textual date formats both sources are known to
// emit. Anything else is a per-record validation failure, not an abort.
var saleDateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"02/01/2006",
	time.RFC3339,
}

// StagingRecord is the normalized, source-agnostic shape a raw line takes
// before ledger insertion. Created per run and discarded after commit; on
// failure the raw payload is retained on the audit error row instead.
type StagingRecord struct {
	SaleDate      time.Time
	ReceiptNumber string
	LineSeq       int
	ProductCode   string
	ProductName   string
	Qty           decimal.Decimal
	GrossAmount   decimal.Decimal
	NetAmount     decimal.Decimal
	TaxAmount     decimal.Decimal
	Discount      decimal.Decimal
	PaymentMethod string
	CustomerPhone string
	Source        string

	// cursor is the source-native position this record advances the
	// watermark to once committed.
	cursor string
}

// ValidationError marks a single unusable record: skip it, audit it, keep
// the batch going.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func ParseSaleDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ValidationError{Field: "date", Reason: "empty"}
	}
	for _, layout := range saleDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, ValidationError{Field: "date", Reason: fmt.Sprintf("unparsable %q", value)}
}

// ComputeVat splits a stored line amount into net and tax per the
// date-dependent pricing policy: 500.00 dated before the switch yields tax
// 35.00 on top; the same amount on/after yields tax 32.71 extracted and net
// 467.29.
func ComputeVat(saleDate time.Time, amount decimal.Decimal) (net decimal.Decimal, tax decimal.Decimal) {
	oneHundred := decimal.NewFromInt(100)
	if saleDate.Before(vatInclusiveSince) {
		tax = amount.Mul(vatRatePercent).DivRound(oneHundred, 2)
		net = amount
		return
	}
	tax = amount.Mul(vatRatePercent).DivRound(oneHundred.Add(vatRatePercent), 2)
	net = amount.Sub(tax)
	return
}

// DeriveDiscount is the promotion reduction for a line: list minus final,
// scaled by quantity and clamped at zero.
func DeriveDiscount(listUnitPrice decimal.Decimal, finalUnitPrice decimal.Decimal, qty decimal.Decimal) decimal.Decimal {
	discount := listUnitPrice.Sub(finalUnitPrice).Mul(qty)
	if discount.IsNegative() {
		return decimal.Zero
	}
	return discount
}

func normalizeAmounts(rec *StagingRecord, qty, unitPrice, listPrice decimal.Decimal) error {
	// A refund/void line carries qty <= 0; fabricating a positive sale out
	// of it would corrupt the ledger, so it is skipped and audited instead.
	if qty.LessThanOrEqual(decimal.Zero) {
		return ValidationError{Field: "qty", Reason: "not positive"}
	}
	if unitPrice.IsNegative() {
		return ValidationError{Field: "unit_price", Reason: "negative"}
	}

	amount := unitPrice.Mul(qty)
	net, tax := ComputeVat(rec.SaleDate, amount)

	rec.Qty = qty
	rec.NetAmount = net
	rec.TaxAmount = tax
	rec.GrossAmount = net.Add(tax)
	if listPrice.IsPositive() {
		rec.Discount = DeriveDiscount(listPrice, unitPrice, qty)
	} else {
		rec.Discount = decimal.Zero
	}
	return nil
}

// NormalizeLegacy shapes one frozen extract row.
func NormalizeLegacy(line models.LegacyPosLine) (StagingRecord, error) {
	rec := StagingRecord{
		ReceiptNumber: strings.TrimSpace(line.ReceiptNumber),
		LineSeq:       line.LineNumber,
		ProductCode:   strings.TrimSpace(line.ProductCode),
		ProductName:   strings.TrimSpace(line.ProductName),
		PaymentMethod: strings.TrimSpace(line.PaymentMethod),
		CustomerPhone: strings.TrimSpace(line.CustomerPhone),
		Source:        models.SourceLegacy,
		cursor:        fmt.Sprintf("%d", line.ID),
	}
	if rec.ReceiptNumber == "" {
		return rec, ValidationError{Field: "receipt_number", Reason: "empty"}
	}

	date, err := ParseSaleDate(line.DateText)
	if err != nil {
		return rec, err
	}
	rec.SaleDate = date

	qty, err := utils.ParseDecimal(line.QtyText)
	if err != nil {
		return rec, ValidationError{Field: "qty", Reason: err.Error()}
	}
	unitPrice, err := utils.ParseDecimal(line.UnitPriceText)
	if err != nil {
		return rec, ValidationError{Field: "unit_price", Reason: err.Error()}
	}
	listPrice := unitPrice
	if strings.TrimSpace(line.ListPriceText) != "" {
		if lp, lpErr := utils.ParseDecimal(line.ListPriceText); lpErr == nil {
			listPrice = lp
		}
	}

	if err := normalizeAmounts(&rec, qty, unitPrice, listPrice); err != nil {
		return rec, err
	}
	return rec, nil
}

// NormalizeLive shapes one line of a live-API sale.
func NormalizeLive(sale posSale, item posSaleItem) (StagingRecord, error) {
	receipt := strings.TrimSpace(sale.ReceiptNumber)
	if receipt == "" {
		receipt = strings.TrimSpace(sale.ID)
	}
	rec := StagingRecord{
		ReceiptNumber: receipt,
		LineSeq:       item.LineNumber,
		ProductCode:   strings.TrimSpace(item.ProductCode),
		ProductName:   strings.TrimSpace(item.Name),
		PaymentMethod: strings.TrimSpace(sale.PaymentMethod),
		CustomerPhone: strings.TrimSpace(sale.CustomerPhone),
		Source:        models.SourceLive,
		cursor:        strings.TrimSpace(sale.UpdatedAt),
	}
	if rec.ReceiptNumber == "" {
		return rec, ValidationError{Field: "receipt_number", Reason: "empty"}
	}

	date, err := ParseSaleDate(sale.SaleDate)
	if err != nil {
		return rec, err
	}
	rec.SaleDate = date

	qty, err := parseNumber(item.Quantity, "qty")
	if err != nil {
		return rec, err
	}
	unitPrice, err := parseNumber(item.UnitPrice, "unit_price")
	if err != nil {
		return rec, err
	}
	listPrice := unitPrice
	if item.ListPrice.String() != "" {
		if lp, lpErr := utils.ParseDecimal(item.ListPrice.String()); lpErr == nil {
			listPrice = lp
		}
	}

	if err := normalizeAmounts(&rec, qty, unitPrice, listPrice); err != nil {
		return rec, err
	}
	return rec, nil
}

func parseNumber(num json.Number, field string) (decimal.Decimal, error) {
	d, err := utils.ParseDecimal(num.String())
	if err != nil {
		return decimal.Zero, ValidationError{Field: field, Reason: err.Error()}
	}
	return d, nil
}
