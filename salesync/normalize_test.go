package salesync

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lengolf/possync_backend/models"
	"github.com/shopspring/decimal"
)

func TestParseSaleDate(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "2024-03-15", want: "2024-03-15"},
		{in: "2024-03-15 18:42:07", want: "2024-03-15"},
		{in: "15/03/2024", want: "2024-03-15"},
		{in: "2024-03-15T18:42:07Z", want: "2024-03-15"},
		{in: "  2024-03-15  ", want: "2024-03-15"},
		{in: "", wantErr: true},
		{in: "15 March 2024", wantErr: true},
		{in: "2024/03/15", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseSaleDate(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseSaleDate(%q): expected error, got %v", tc.in, got)
			}
			var vErr ValidationError
			if err != nil && !errors.As(err, &vErr) {
				t.Errorf("ParseSaleDate(%q): error %v is not a ValidationError", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSaleDate(%q): %v", tc.in, err)
			continue
		}
		if got.Format("2006-01-02") != tc.want {
			t.Errorf("ParseSaleDate(%q) = %s, want %s", tc.in, got.Format("2006-01-02"), tc.want)
		}
		if got.Location() != time.UTC || got.Hour() != 0 || got.Minute() != 0 {
			t.Errorf("ParseSaleDate(%q) = %v, want midnight UTC", tc.in, got)
		}
	}
}

func TestComputeVatPricingSwitch(t *testing.T) {
	amount := decimal.NewFromInt(500)

	cases := []struct {
		name    string
		date    time.Time
		wantNet string
		wantTax string
	}{
		{
			name:    "day before switch adds tax on top",
			date:    time.Date(2024, 8, 31, 0, 0, 0, 0, time.UTC),
			wantNet: "500",
			wantTax: "35",
		},
		{
			name:    "switch day extracts tax",
			date:    time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC),
			wantNet: "467.29",
			wantTax: "32.71",
		},
		{
			name:    "day after switch extracts tax",
			date:    time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC),
			wantNet: "467.29",
			wantTax: "32.71",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			net, tax := ComputeVat(tc.date, amount)
			if !net.Equal(decimal.RequireFromString(tc.wantNet)) {
				t.Errorf("net = %s, want %s", net, tc.wantNet)
			}
			if !tax.Equal(decimal.RequireFromString(tc.wantTax)) {
				t.Errorf("tax = %s, want %s", tax, tc.wantTax)
			}
		})
	}
}

func TestDeriveDiscountClampsAtZero(t *testing.T) {
	list := decimal.NewFromInt(100)
	final := decimal.NewFromInt(80)
	qty := decimal.NewFromInt(3)

	if got := DeriveDiscount(list, final, qty); !got.Equal(decimal.NewFromInt(60)) {
		t.Errorf("discount = %s, want 60", got)
	}
	// Final above list is a data quirk, never a negative discount.
	if got := DeriveDiscount(final, list, qty); !got.IsZero() {
		t.Errorf("discount = %s, want 0", got)
	}
}

func TestNormalizeLegacy(t *testing.T) {
	line := models.LegacyPosLine{
		ID:            42,
		ReceiptNumber: " R-0001 ",
		LineNumber:    2,
		DateText:      "2024-03-15",
		ProductCode:   "SKU-9",
		ProductName:   "Green Tea",
		QtyText:       "2",
		UnitPriceText: "1,500.00",
		ListPriceText: "1,750.00",
		PaymentMethod: "cash",
		CustomerPhone: "081-234-5678",
	}

	rec, err := NormalizeLegacy(line)
	if err != nil {
		t.Fatalf("NormalizeLegacy: %v", err)
	}
	if rec.ReceiptNumber != "R-0001" || rec.LineSeq != 2 {
		t.Errorf("key = (%s, %d), want (R-0001, 2)", rec.ReceiptNumber, rec.LineSeq)
	}
	if rec.Source != models.SourceLegacy {
		t.Errorf("source = %s, want %s", rec.Source, models.SourceLegacy)
	}
	// Pre-switch date: 3000 stored tax-exclusive, 7% on top.
	if !rec.NetAmount.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("net = %s, want 3000", rec.NetAmount)
	}
	if !rec.TaxAmount.Equal(decimal.NewFromInt(210)) {
		t.Errorf("tax = %s, want 210", rec.TaxAmount)
	}
	if !rec.GrossAmount.Equal(decimal.NewFromInt(3210)) {
		t.Errorf("gross = %s, want 3210", rec.GrossAmount)
	}
	if !rec.Discount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("discount = %s, want 500", rec.Discount)
	}
}

func TestNormalizeLegacyRejections(t *testing.T) {
	base := models.LegacyPosLine{
		ReceiptNumber: "R-1",
		LineNumber:    1,
		DateText:      "2024-03-15",
		QtyText:       "1",
		UnitPriceText: "100",
	}

	cases := []struct {
		name   string
		mutate func(*models.LegacyPosLine)
	}{
		{"empty receipt", func(l *models.LegacyPosLine) { l.ReceiptNumber = "  " }},
		{"unparsable date", func(l *models.LegacyPosLine) { l.DateText = "yesterday" }},
		{"blank qty", func(l *models.LegacyPosLine) { l.QtyText = "" }},
		{"zero qty", func(l *models.LegacyPosLine) { l.QtyText = "0" }},
		{"refund qty", func(l *models.LegacyPosLine) { l.QtyText = "-2" }},
		{"blank price", func(l *models.LegacyPosLine) { l.UnitPriceText = "" }},
		{"negative price", func(l *models.LegacyPosLine) { l.UnitPriceText = "-5" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			line := base
			tc.mutate(&line)
			if _, err := NormalizeLegacy(line); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestNormalizeLegacyRefundLineNeverBecomesASale(t *testing.T) {
	line := models.LegacyPosLine{
		ReceiptNumber: "R-1",
		LineNumber:    1,
		DateText:      "2024-03-15",
		QtyText:       "-2",
		UnitPriceText: "500",
	}
	rec, err := NormalizeLegacy(line)
	if err == nil {
		t.Fatalf("expected validation error, got qty=%s net=%s tax=%s", rec.Qty, rec.NetAmount, rec.TaxAmount)
	}
	var vErr ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "qty" {
		t.Errorf("error = %v, want ValidationError on qty", err)
	}
}

func TestNormalizeLiveAcceptsNumericVariants(t *testing.T) {
	sale := posSale{
		ID:            "abc-1",
		ReceiptNumber: "R-2001",
		SaleDate:      "2025-02-10T09:30:00Z",
		PaymentMethod: "card",
		CustomerPhone: "+66-81-234-5678",
		UpdatedAt:     "2025-02-10T09:30:05Z",
	}
	item := posSaleItem{
		LineNumber:  1,
		ProductCode: "SKU-1",
		Name:        "Latte",
		Quantity:    json.Number("2"),
		UnitPrice:   json.Number("500.0"),
	}

	rec, err := NormalizeLive(sale, item)
	if err != nil {
		t.Fatalf("NormalizeLive: %v", err)
	}
	if rec.Source != models.SourceLive {
		t.Errorf("source = %s, want %s", rec.Source, models.SourceLive)
	}
	if !rec.Qty.Equal(decimal.NewFromInt(2)) {
		t.Errorf("qty = %s, want 2", rec.Qty)
	}
	// Post-switch date: 1000 stored tax-inclusive.
	if !rec.TaxAmount.Equal(decimal.RequireFromString("65.42")) {
		t.Errorf("tax = %s, want 65.42", rec.TaxAmount)
	}
	if !rec.NetAmount.Equal(decimal.RequireFromString("934.58")) {
		t.Errorf("net = %s, want 934.58", rec.NetAmount)
	}
	if !rec.GrossAmount.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("gross = %s, want 1000", rec.GrossAmount)
	}
}

func TestNormalizeLiveFallsBackToSaleIdForReceipt(t *testing.T) {
	sale := posSale{
		ID:        "abc-2",
		SaleDate:  "2025-02-10",
		UpdatedAt: "2025-02-10T10:00:00Z",
	}
	item := posSaleItem{LineNumber: 1, Quantity: json.Number("1"), UnitPrice: json.Number("50")}

	rec, err := NormalizeLive(sale, item)
	if err != nil {
		t.Fatalf("NormalizeLive: %v", err)
	}
	if rec.ReceiptNumber != "abc-2" {
		t.Errorf("receipt = %s, want abc-2", rec.ReceiptNumber)
	}
}
