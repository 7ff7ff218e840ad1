package salesync_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/lengolf/possync_backend/config"
	"github.com/lengolf/possync_backend/models"
	"github.com/lengolf/possync_backend/salesync"
	"github.com/shopspring/decimal"
)

// fakePosSale is the wire shape the fake live API serves.
type fakePosSale struct {
	ID            string            `json:"id"`
	ReceiptNumber string            `json:"receipt_number"`
	SaleDate      string            `json:"sale_date"`
	PaymentMethod string            `json:"payment_method"`
	CustomerPhone string            `json:"customer_phone"`
	Items         []fakePosSaleItem `json:"items"`
	UpdatedAt     string            `json:"updated_at"`
}

type fakePosSaleItem struct {
	LineNumber  int    `json:"line_number"`
	ProductCode string `json:"product_code"`
	Name        string `json:"name"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	ListPrice   string `json:"list_price"`
}

func TestSyncCycleEndToEnd(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	sales := []fakePosSale{
		{
			ID:            "pos-1",
			ReceiptNumber: "R-2001",
			SaleDate:      "2025-02-10",
			PaymentMethod: "card",
			CustomerPhone: "+66-81-234-5678",
			UpdatedAt:     "2025-02-10T09:30:05Z",
			Items: []fakePosSaleItem{
				{LineNumber: 1, ProductCode: "SKU-1", Name: "Latte", Quantity: "2", UnitPrice: "120"},
				{LineNumber: 2, ProductCode: "SKU-2", Name: "Croissant", Quantity: "1", UnitPrice: "85", ListPrice: "95"},
			},
		},
		{
			ID:            "pos-2",
			ReceiptNumber: "R-2002",
			SaleDate:      "2025-02-11",
			PaymentMethod: "cash",
			UpdatedAt:     "2025-02-11T14:02:44Z",
			Items: []fakePosSaleItem{
				{LineNumber: 1, ProductCode: "SKU-1", Name: "Latte", Quantity: "1", UnitPrice: "120"},
			},
		},
		{
			// Dated on the legacy side of the boundary; must be skipped
			// with a provenance error, never committed as live.
			ID:            "pos-3",
			ReceiptNumber: "R-2003",
			SaleDate:      "2024-12-20",
			PaymentMethod: "cash",
			UpdatedAt:     "2025-02-11T15:00:00Z",
			Items: []fakePosSaleItem{
				{LineNumber: 1, ProductCode: "SKU-2", Name: "Croissant", Quantity: "1", UnitPrice: "85"},
			},
		},
	}

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sales" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		since := r.URL.Query().Get("updated_since")
		var out []fakePosSale
		for _, s := range sales {
			if since == "" || s.UpdatedAt > since {
				out = append(out, s)
			}
		}
		data := make([]json.RawMessage, 0, len(out))
		for _, s := range out {
			b, _ := json.Marshal(s)
			data = append(data, b)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data":        data,
			"next_cursor": "",
		})
	}))
	t.Cleanup(api.Close)

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "possync_test")
	t.Setenv("POS_API_BASE_URL", api.URL)
	t.Setenv("POS_API_KEY", "test-key")
	t.Setenv("POS_RATE_LIMIT_PER_MIN", "6000")
	t.Setenv("SYNC_SAFETY_LAG_SECONDS", "0")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}

	if _, err := models.SetCutover(ctx, db, time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), "go-live", false); err != nil {
		t.Fatalf("SetCutover: %v", err)
	}

	// Reference data so enrichment and linking have something to hit.
	cost := decimal.RequireFromString("45.50")
	if err := db.Create(&models.ProductRef{
		Code: "SKU-1", Name: "Latte", Category: "Beverages", UnitCost: &cost,
	}).Error; err != nil {
		t.Fatalf("seed product ref: %v", err)
	}
	if err := db.Create(&models.CustomerIdentity{
		PhoneKey: "812345678", DisplayName: "Somchai",
	}).Error; err != nil {
		t.Fatalf("seed customer identity: %v", err)
	}

	// The importer stamps a parsed sale date onto each line; range reads
	// depend on it, so the seed mirrors that.
	legacyDay := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	legacyLines := []models.LegacyPosLine{
		{ReceiptNumber: "R-1001", LineNumber: 1, DateText: "2024-03-15", SaleDate: &legacyDay, ProductCode: "SKU-1", ProductName: "Latte", QtyText: "2", UnitPriceText: "110", CustomerPhone: "081-234-5678"},
		// Free-text contact field: fails phone validation, row stays unlinked.
		{ReceiptNumber: "R-1001", LineNumber: 2, DateText: "2024-03-15", SaleDate: &legacyDay, ProductCode: "SKU-2", ProductName: "Croissant", QtyText: "1", UnitPriceText: "80", CustomerPhone: "12345"},
		// Unparsable date: skipped + audited, never aborts the batch.
		{ReceiptNumber: "R-1002", LineNumber: 1, DateText: "not a date", ProductCode: "SKU-1", ProductName: "Latte", QtyText: "1", UnitPriceText: "110"},
	}
	if err := db.Create(&legacyLines).Error; err != nil {
		t.Fatalf("seed legacy lines: %v", err)
	}

	run := models.SyncRun{Status: models.SyncRunStatusQueued, TriggeredBy: models.SyncTriggeredManual}
	if err := db.Create(&run).Error; err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := salesync.ProcessRun(ctx, salesync.RunPubSubPayload{RunId: run.ID}); err != nil {
		t.Fatalf("ProcessRun: %v", err)
	}

	var done models.SyncRun
	if err := db.Where("id = ?", run.ID).Take(&done).Error; err != nil {
		t.Fatalf("reload run: %v", err)
	}
	// One bad legacy line + one provenance mismatch => partial, not failed.
	if done.Status != models.SyncRunStatusPartial {
		t.Fatalf("run status = %s, want %s (stats: %s)", done.Status, models.SyncRunStatusPartial, done.StatsJSON)
	}
	if done.RecordsSynced != 5 {
		t.Errorf("records synced = %d, want 5", done.RecordsSynced)
	}

	legacyCount, err := models.CountSaleRecords(ctx, db, models.SourceLegacy)
	if err != nil {
		t.Fatalf("count legacy: %v", err)
	}
	if legacyCount != 2 {
		t.Errorf("legacy ledger rows = %d, want 2", legacyCount)
	}
	liveCount, err := models.CountSaleRecords(ctx, db, models.SourceLive)
	if err != nil {
		t.Fatalf("count live: %v", err)
	}
	if liveCount != 3 {
		t.Errorf("live ledger rows = %d, want 3", liveCount)
	}

	// Watermarks point at what was actually committed.
	legacyWm, err := models.GetWatermark(ctx, db, models.SourceLegacy)
	if err != nil {
		t.Fatalf("legacy watermark: %v", err)
	}
	wantLegacyPos := fmt.Sprintf("%d", legacyLines[2].ID)
	if legacyWm.Position != wantLegacyPos {
		t.Errorf("legacy watermark = %q, want %q", legacyWm.Position, wantLegacyPos)
	}
	liveWm, err := models.GetWatermark(ctx, db, models.SourceLive)
	if err != nil {
		t.Fatalf("live watermark: %v", err)
	}
	if liveWm.Position != "2025-02-11T15:00:00Z" {
		t.Errorf("live watermark = %q, want 2025-02-11T15:00:00Z", liveWm.Position)
	}

	// Audit rows for both skips.
	var auditErrs []models.SyncRunError
	if err := db.Where("sync_run_id = ?", run.ID).Find(&auditErrs).Error; err != nil {
		t.Fatalf("load run errors: %v", err)
	}
	codes := map[string]int{}
	for _, e := range auditErrs {
		codes[e.ErrorCode]++
	}
	if codes[models.SyncErrorCodeValidation] != 1 || codes[models.SyncErrorCodeProvenance] != 1 {
		t.Errorf("error codes = %v, want one validation_error and one provenance_mismatch", codes)
	}

	// Enrichment attached category and cost-derived margin to SKU-1 rows.
	var enriched models.CanonicalSaleRecord
	if err := db.Where("receipt_number = ? AND line_seq = ? AND source = ?", "R-2001", 1, models.SourceLive).
		Take(&enriched).Error; err != nil {
		t.Fatalf("load enriched row: %v", err)
	}
	if enriched.Category == nil || *enriched.Category != "Beverages" {
		t.Errorf("category = %v, want Beverages", enriched.Category)
	}
	if enriched.Margin == nil {
		t.Errorf("margin is nil, want computed value")
	}
	// SKU-2 has no reference row: enrichment fields stay null, row stays.
	var gap models.CanonicalSaleRecord
	if err := db.Where("receipt_number = ? AND line_seq = ? AND source = ?", "R-2001", 2, models.SourceLive).
		Take(&gap).Error; err != nil {
		t.Fatalf("load referential-gap row: %v", err)
	}
	if gap.UnitCost != nil || gap.Margin != nil {
		t.Errorf("gap row cost/margin = %v/%v, want null/null", gap.UnitCost, gap.Margin)
	}

	// Linker matched both formattings of the same subscriber.
	var linked []models.CanonicalSaleRecord
	if err := db.Where("customer_id IS NOT NULL").Find(&linked).Error; err != nil {
		t.Fatalf("load linked rows: %v", err)
	}
	if len(linked) != 3 {
		t.Errorf("linked rows = %d, want 3 (legacy R-1001 line 1 + both live R-2001 lines)", len(linked))
	}

	// Second cycle over the same state is a no-op: legacy is frozen past
	// the watermark, live has nothing new, nothing is double-counted.
	run2 := models.SyncRun{Status: models.SyncRunStatusQueued, TriggeredBy: models.SyncTriggeredSchedule}
	if err := db.Create(&run2).Error; err != nil {
		t.Fatalf("create run2: %v", err)
	}
	if err := salesync.ProcessRun(ctx, salesync.RunPubSubPayload{RunId: run2.ID}); err != nil {
		t.Fatalf("ProcessRun(run2): %v", err)
	}
	var done2 models.SyncRun
	if err := db.Where("id = ?", run2.ID).Take(&done2).Error; err != nil {
		t.Fatalf("reload run2: %v", err)
	}
	if done2.Status != models.SyncRunStatusSuccess {
		t.Errorf("run2 status = %s, want %s", done2.Status, models.SyncRunStatusSuccess)
	}
	if done2.RecordsSynced != 0 {
		t.Errorf("run2 records synced = %d, want 0", done2.RecordsSynced)
	}
	afterLegacy, _ := models.CountSaleRecords(ctx, db, models.SourceLegacy)
	afterLive, _ := models.CountSaleRecords(ctx, db, models.SourceLive)
	if afterLegacy != legacyCount || afterLive != liveCount {
		t.Errorf("ledger counts changed on no-op cycle: legacy %d->%d live %d->%d",
			legacyCount, afterLegacy, liveCount, afterLive)
	}

	// Reprocess the committed legacy day: rows are deleted and rebuilt in
	// one transaction, so the ledger ends up with the same rows, not more.
	run3 := models.SyncRun{
		Status:      models.SyncRunStatusQueued,
		TriggeredBy: models.SyncTriggeredReprocess,
		ScopeJSON:   salesync.EncodeScope(salesync.ReprocessScope{Source: models.SourceLegacy, From: "2024-03-15", To: "2024-03-15"}),
	}
	if err := db.Create(&run3).Error; err != nil {
		t.Fatalf("create reprocess run: %v", err)
	}
	if err := salesync.ProcessRun(ctx, salesync.RunPubSubPayload{RunId: run3.ID}); err != nil {
		t.Fatalf("ProcessRun(reprocess): %v", err)
	}
	var done3 models.SyncRun
	if err := db.Where("id = ?", run3.ID).Take(&done3).Error; err != nil {
		t.Fatalf("reload reprocess run: %v", err)
	}
	if done3.Status != models.SyncRunStatusSuccess {
		t.Fatalf("reprocess status = %s, want %s (stats: %s)", done3.Status, models.SyncRunStatusSuccess, done3.StatsJSON)
	}
	if done3.RecordsSynced != 2 {
		t.Errorf("reprocess records synced = %d, want 2", done3.RecordsSynced)
	}
	reprocessedLegacy, err := models.CountSaleRecords(ctx, db, models.SourceLegacy)
	if err != nil {
		t.Fatalf("count legacy after reprocess: %v", err)
	}
	if reprocessedLegacy != legacyCount {
		t.Errorf("legacy ledger rows after reprocess = %d, want %d", reprocessedLegacy, legacyCount)
	}
	var reprocessStats salesync.SyncStats
	if err := json.Unmarshal(done3.StatsJSON, &reprocessStats); err != nil {
		t.Fatalf("decode reprocess stats: %v", err)
	}
	if reprocessStats.Replaced != 2 {
		t.Errorf("replaced = %d, want 2", reprocessStats.Replaced)
	}
	// Linking survives the rebuild; the free-text contact row stays out.
	var relinked []models.CanonicalSaleRecord
	if err := db.Where("customer_id IS NOT NULL").Find(&relinked).Error; err != nil {
		t.Fatalf("load linked rows after reprocess: %v", err)
	}
	if len(relinked) != 3 {
		t.Errorf("linked rows after reprocess = %d, want 3", len(relinked))
	}
	// The legacy watermark is a frozen-extract position; reprocess must
	// leave it exactly where the cycle advanced it.
	wmAfter, err := models.GetWatermark(ctx, db, models.SourceLegacy)
	if err != nil {
		t.Fatalf("legacy watermark after reprocess: %v", err)
	}
	if wmAfter.Position != wantLegacyPos {
		t.Errorf("legacy watermark moved on reprocess: %q, want %q", wmAfter.Position, wantLegacyPos)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("possync-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("possync-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=possync_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
