package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/chat_billing_server/config"
	"github.com/qs3c/chat_billing_server/internal/api/middleware"
	"github.com/qs3c/chat_billing_server/internal/pkg/response"
	"github.com/qs3c/chat_billing_server/internal/repository"
	"github.com/qs3c/chat_billing_server/internal/service"
	"github.com/qs3c/chat_billing_server/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testContext 本地测试上下文
type testContext struct {
	DB           *gorm.DB
	Ledger       *service.LedgerService
	Quota        *service.QuotaService
	Usage        *service.UsageService
	Subscription *service.SubscriptionService
	Txns         *repository.TransactionRepository
}

func testConfig() *config.Config {
	return &config.Config{
		Billing: config.BillingConfig{
			Plans: map[string]config.PlanConfig{
				"basic": {DisplayName: "Basic", Tokens: 1000, PeriodType: "month", PeriodCount: 1, TrialDays: 7, TrialTokens: 200},
				"pro":   {DisplayName: "Pro", Tokens: 5000, PeriodType: "month", PeriodCount: 1},
			},
		},
		Usage: config.UsageConfig{
			DefaultModel: "gpt-4o-mini",
			Models: map[string]config.ModelPricing{
				"gpt-4o-mini": {Multiplier: 1, CostPer1K: 0.5},
				"gpt-4o":      {Multiplier: 2, CostPer1K: 5},
			},
			ImageTokens:  500,
			SearchTokens: 20,
		},
	}
}

func setupTestContext(t *testing.T) (*testContext, func()) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	cfg := testConfig()

	accounts := repository.NewAccountRepository(db)
	txns := repository.NewTransactionRepository(db)
	subs := repository.NewSubscriptionRepository(db)

	ledger := service.NewLedgerService(accounts, txns, nil, nil)
	ctx := &testContext{
		DB:           db,
		Ledger:       ledger,
		Quota:        service.NewQuotaService(accounts, subs, nil),
		Usage:        service.NewUsageService(ledger, subs, nil, &cfg.Usage, nil),
		Subscription: service.NewSubscriptionService(db, subs, ledger, cfg, nil),
		Txns:         txns,
	}

	cleanup := func() {
		testutil.CleanupTestDB(t, db)
	}
	return ctx, cleanup
}

// mockAuth 模拟认证中间件
func mockAuth(accountID int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.AccountIDKey, accountID)
		c.Next()
	}
}

func performRequest(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	var resp response.Response
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)
	return resp
}

func dataMap(t *testing.T, resp response.Response) map[string]interface{} {
	t.Helper()
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "response data should be an object, got %T", resp.Data)
	return data
}
