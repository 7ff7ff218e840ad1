package salesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/lengolf/possync_backend/models"
	"github.com/xuri/excelize/v2"
	"google.golang.org/api/option"
	"gorm.io/gorm"
)

// readLegacySince streams the frozen extract in cursor (id) order.
func readLegacySince(ctx context.Context, db *gorm.DB, afterId uint, limit int) ([]models.LegacyPosLine, error) {
	var lines []models.LegacyPosLine
	err := db.WithContext(ctx).
		Where("id > ?", afterId).
		Order("id").
		Limit(limit).
		Find(&lines).Error
	return lines, err
}

// readLegacyRange pulls extract rows for an inclusive date range, used only
// by the explicit reprocessing path.
func readLegacyRange(ctx context.Context, db *gorm.DB, from time.Time, to time.Time) ([]models.LegacyPosLine, error) {
	var lines []models.LegacyPosLine
	err := db.WithContext(ctx).
		Where("sale_date >= ? AND sale_date <= ?", from, to).
		Order("id").
		Find(&lines).Error
	return lines, err
}

// legacyExtractColumns is the header row the migration extract was shipped
// with. Column order is fixed by the extraction script.
var legacyExtractColumns = []string{
	"receipt_number", "line_number", "date", "product_code", "product_name",
	"qty", "unit_price", "list_price", "payment_method", "customer_phone",
}

// ImportLegacyExtract loads the batch-extracted history (XLSX, local path or
// gs:// object) into legacy_pos_lines. Rows already present for a receipt/
// line pair are skipped, so re-running the importer is safe. Returns the
// number of rows inserted.
func ImportLegacyExtract(ctx context.Context, db *gorm.DB, src string) (int, error) {
	f, err := openLegacyExtract(ctx, src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, errors.New("legacy extract is empty")
	}

	if err := checkExtractHeader(rows[0]); err != nil {
		return 0, err
	}

	inserted := 0
	batch := make([]models.LegacyPosLine, 0, 500)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := db.WithContext(ctx).Create(&batch).Error; err != nil {
			return err
		}
		inserted += len(batch)
		batch = batch[:0]
		return nil
	}

	for i, row := range rows[1:] {
		line, err := extractRowToLine(row)
		if err != nil {
			return inserted, fmt.Errorf("row %d: %w", i+2, err)
		}

		var count int64
		if err := db.WithContext(ctx).
			Model(&models.LegacyPosLine{}).
			Where("receipt_number = ? AND line_number = ?", line.ReceiptNumber, line.LineNumber).
			Count(&count).Error; err != nil {
			return inserted, err
		}
		if count > 0 {
			continue
		}

		batch = append(batch, line)
		if len(batch) == 500 {
			if err := flush(); err != nil {
				return inserted, err
			}
		}
	}
	if err := flush(); err != nil {
		return inserted, err
	}
	return inserted, nil
}

func checkExtractHeader(header []string) error {
	if len(header) < len(legacyExtractColumns) {
		return fmt.Errorf("extract header has %d columns, want %d", len(header), len(legacyExtractColumns))
	}
	for i, want := range legacyExtractColumns {
		got := strings.ToLower(strings.TrimSpace(header[i]))
		if got != want {
			return fmt.Errorf("extract column %d is %q, want %q", i+1, got, want)
		}
	}
	return nil
}

func extractRowToLine(row []string) (models.LegacyPosLine, error) {
	cell := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	lineNumber, err := strconv.Atoi(cell(1))
	if err != nil {
		return models.LegacyPosLine{}, fmt.Errorf("line_number %q: %w", cell(1), err)
	}

	line := models.LegacyPosLine{
		ReceiptNumber: cell(0),
		LineNumber:    lineNumber,
		DateText:      cell(2),
		ProductCode:   cell(3),
		ProductName:   cell(4),
		QtyText:       cell(5),
		UnitPriceText: cell(6),
		ListPriceText: cell(7),
		PaymentMethod: cell(8),
		CustomerPhone: cell(9),
	}
	if line.ReceiptNumber == "" {
		return line, errors.New("receipt_number is empty")
	}

	// Best effort; the normalizer reparses DateText per run.
	if d, err := ParseSaleDate(line.DateText); err == nil {
		line.SaleDate = &d
	}
	return line, nil
}

func openLegacyExtract(ctx context.Context, src string) (*excelize.File, error) {
	if strings.HasPrefix(src, "gs://") {
		return openExtractFromGCS(ctx, src)
	}
	return excelize.OpenFile(src)
}

func openExtractFromGCS(ctx context.Context, src string) (*excelize.File, error) {
	trimmed := strings.TrimPrefix(src, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid gcs url %q", src)
	}

	var opts []option.ClientOption
	if cred := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON")); cred != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cred)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	reader, err := client.Bucket(parts[0]).Object(parts[1]).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return openExtractReader(reader)
}

func openExtractReader(r io.Reader) (*excelize.File, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %v", err)
	}
	return f, nil
}
