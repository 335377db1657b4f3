package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"peer-transfers/internal/config"
	"peer-transfers/internal/server"
	"peer-transfers/migrations"
)

const integrationSecret = "integration-secret"

type IntegrationTestSuite struct {
	suite.Suite
	postgresContainer testcontainers.Container
	serverInstance    *server.Server
	serverPort        string
	baseURL           string
	client            *http.Client
	dbConnStr         string

	alice uuid.UUID
	bob   uuid.UUID
}

func (suite *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	// Start PostgreSQL container with explicit configuration
	containerReq := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "peer_transfers",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(30 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: containerReq,
		Started:          true,
	})
	if err != nil {
		suite.T().Fatalf("Failed to start postgres container: %s", err)
	}
	suite.postgresContainer = postgresContainer

	// Get the host and port
	host, err := postgresContainer.Host(ctx)
	if err != nil {
		suite.T().Fatalf("Failed to get container host: %s", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		suite.T().Fatalf("Failed to get mapped port: %s", err)
	}

	// Build connection string without SSL
	suite.dbConnStr = fmt.Sprintf("host=%s port=%s user=postgres password=password dbname=peer_transfers sslmode=disable",
		host, port.Port())

	// Run migrations
	if err := suite.runMigrations(); err != nil {
		suite.T().Fatalf("Failed to run migrations: %s", err)
	}

	// Start the application server
	if err := suite.startApplicationServer(host, port.Port()); err != nil {
		suite.T().Fatalf("Failed to start application server: %s", err)
	}

	suite.client = &http.Client{
		Timeout: 30 * time.Second,
	}
}

func (suite *IntegrationTestSuite) runMigrations() error {
	db, err := sql.Open("postgres", suite.dbConnStr)
	if err != nil {
		return err
	}
	defer db.Close()

	return migrations.Apply(context.Background(), db)
}

func (suite *IntegrationTestSuite) startApplicationServer(host, dbPort string) error {
	cfg := &config.Config{
		DBHost:              host,
		DBPort:              dbPort,
		DBUser:              "postgres",
		DBPassword:          "password",
		DBName:              "peer_transfers",
		DBSSLMode:           "disable",
		ServerPort:          "0", // Let OS choose a free port
		StoreBackend:        config.BackendPostgres,
		RunMigrations:       true,
		LockTimeout:         2 * time.Second,
		NoteMaxLength:       280,
		HistoryPageSize:     50,
		CurrencyExponent:    2,
		ProvisioningEnabled: true,
		JWTSecret:           integrationSecret,
		EventsBackend:       "none",
	}

	// Start server
	serverInstance, port, err := server.StartServer(cfg)
	if err != nil {
		return err
	}

	suite.serverInstance = serverInstance
	suite.serverPort = port
	suite.baseURL = "http://localhost:" + port

	// Wait for server to be ready
	return suite.waitForServerReady()
}

func (suite *IntegrationTestSuite) waitForServerReady() error {
	timeout := 30 * time.Second
	start := time.Now()

	for time.Since(start) < timeout {
		resp, err := http.Get(suite.baseURL + "/health")
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}

func (suite *IntegrationTestSuite) TearDownSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if suite.serverInstance != nil {
		suite.serverInstance.Stop(ctx)
	}

	if suite.postgresContainer != nil {
		suite.postgresContainer.Terminate(ctx)
	}
}

// Helper methods for API calls

func (suite *IntegrationTestSuite) token(accountID uuid.UUID) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   accountID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(integrationSecret))
	if err != nil {
		suite.T().Fatalf("Failed to sign token: %s", err)
	}
	return signed
}

func (suite *IntegrationTestSuite) do(method, path string, caller uuid.UUID, body interface{}, headers map[string]string) (int, map[string]interface{}) {
	var reader io.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, suite.baseURL+path, reader)
	if err != nil {
		suite.T().Fatalf("Failed to build request: %s", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if caller != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+suite.token(caller))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := suite.client.Do(req)
	if err != nil {
		suite.T().Fatalf("Request %s %s failed: %s", method, path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	suite.T().Logf("%s %s -> %d %s", method, path, resp.StatusCode, respBody)

	var response map[string]interface{}
	if err := json.Unmarshal(respBody, &response); err != nil {
		suite.T().Logf("Failed to parse response: %s", respBody)
	}
	return resp.StatusCode, response
}

func (suite *IntegrationTestSuite) createAccount(accountID uuid.UUID, initialBalance int64) (int, map[string]interface{}) {
	return suite.do(http.MethodPost, "/api/v1/accounts", uuid.Nil, map[string]interface{}{
		"account_id":      accountID.String(),
		"initial_balance": initialBalance,
	}, nil)
}

func (suite *IntegrationTestSuite) transfer(sender, receiver uuid.UUID, amount int64, idempotencyKey string) (int, map[string]interface{}) {
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	return suite.do(http.MethodPost, "/api/v1/transfers", sender, map[string]interface{}{
		"receiver_id": receiver.String(),
		"amount":      amount,
	}, headers)
}

func (suite *IntegrationTestSuite) balance(accountID uuid.UUID) int64 {
	status, response := suite.do(http.MethodGet, "/api/v1/accounts/me", accountID, nil, nil)
	if status != http.StatusOK {
		suite.T().Fatalf("Failed to read balance of %s: %d", accountID, status)
	}
	return int64(data(response)["balance"].(float64))
}

func data(response map[string]interface{}) map[string]interface{} {
	d, _ := response["data"].(map[string]interface{})
	return d
}

func (suite *IntegrationTestSuite) assertErrorCode(response map[string]interface{}, code string) {
	errorData, hasError := response["error"]
	if assert.True(suite.T(), hasError, "Response should have 'error' field for error cases") {
		assert.Equal(suite.T(), code, errorData.(map[string]interface{})["code"])
	}
}

// ------------------------------------------------------------------
// Steps below are helpers (non-test methods). They will be executed
// in the order invoked by TestFlow. This allows deterministic ordering
// without relying on test function name prefixes.
// ------------------------------------------------------------------

func (suite *IntegrationTestSuite) stepHealthCheck() {
	resp, err := suite.client.Get(suite.baseURL + "/health")
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	var healthResp map[string]interface{}
	err = json.Unmarshal(body, &healthResp)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "healthy", healthResp["status"])
}

func (suite *IntegrationTestSuite) stepCreateAccounts() {
	suite.alice = uuid.New()
	suite.bob = uuid.New()

	status, _ := suite.createAccount(suite.alice, 100050)
	assert.Equal(suite.T(), http.StatusCreated, status)

	status, _ = suite.createAccount(suite.bob, 50025)
	assert.Equal(suite.T(), http.StatusCreated, status)

	status, response := suite.do(http.MethodGet, "/api/v1/accounts/me", suite.alice, nil, nil)
	assert.Equal(suite.T(), http.StatusOK, status)
	account := data(response)
	assert.Equal(suite.T(), suite.alice.String(), account["account_id"])
	assert.Equal(suite.T(), float64(100050), account["balance"])
	assert.Equal(suite.T(), "1000.50", account["balance_display"])
}

func (suite *IntegrationTestSuite) stepSuccessfulTransfer() {
	status, response := suite.transfer(suite.alice, suite.bob, 20050, "")
	assert.Equal(suite.T(), http.StatusCreated, status)

	transfer := data(response)
	assert.Equal(suite.T(), "completed", transfer["status"])
	assert.NotEmpty(suite.T(), transfer["transfer_id"])
	assert.Equal(suite.T(), "200.50", transfer["amount_display"])

	// 1000.50 - 200.50 = 800.00
	assert.Equal(suite.T(), int64(80000), suite.balance(suite.alice))
	// 500.25 + 200.50 = 700.75
	assert.Equal(suite.T(), int64(70075), suite.balance(suite.bob))
}

func (suite *IntegrationTestSuite) stepIdempotentTransfer() {
	idempotencyKey := uuid.New().String()

	status, response := suite.transfer(suite.alice, suite.bob, 10000, idempotencyKey)
	assert.Equal(suite.T(), http.StatusCreated, status)
	firstTransferID := data(response)["transfer_id"]
	assert.NotEmpty(suite.T(), firstTransferID)

	// Second transfer with same idempotency key
	status, response = suite.transfer(suite.alice, suite.bob, 10000, idempotencyKey)
	assert.Equal(suite.T(), http.StatusCreated, status)
	assert.Equal(suite.T(), firstTransferID, data(response)["transfer_id"])
	assert.Equal(suite.T(), "completed", data(response)["status"])

	// Same key, different amount
	status, response = suite.transfer(suite.alice, suite.bob, 10001, idempotencyKey)
	assert.Equal(suite.T(), http.StatusUnprocessableEntity, status)
	suite.assertErrorCode(response, "idempotency_mismatch")

	// 800.00 - 100.00 = 700.00 (only once)
	assert.Equal(suite.T(), int64(70000), suite.balance(suite.alice))
}

func (suite *IntegrationTestSuite) stepNonIdempotentTransfer() {
	// Two transfers without idempotency key should both process
	status, _ := suite.transfer(suite.alice, suite.bob, 5000, "")
	assert.Equal(suite.T(), http.StatusCreated, status)

	status, _ = suite.transfer(suite.alice, suite.bob, 5000, "")
	assert.Equal(suite.T(), http.StatusCreated, status)

	// 700.00 - 50.00 - 50.00 = 600.00
	assert.Equal(suite.T(), int64(60000), suite.balance(suite.alice))
}

func (suite *IntegrationTestSuite) stepInsufficientBalance() {
	status, response := suite.transfer(suite.alice, suite.bob, 1000000, "")
	assert.Equal(suite.T(), http.StatusUnprocessableEntity, status)
	suite.assertErrorCode(response, "insufficient_balance")

	// Should remain 600.00 (unchanged)
	assert.Equal(suite.T(), int64(60000), suite.balance(suite.alice))
}

func (suite *IntegrationTestSuite) stepSameAccountTransfer() {
	status, response := suite.transfer(suite.alice, suite.alice, 10000, "")
	assert.Equal(suite.T(), http.StatusBadRequest, status)
	suite.assertErrorCode(response, "self_transfer")
}

func (suite *IntegrationTestSuite) stepInvalidAmount() {
	for _, amount := range []int64{-10000, 0} {
		status, response := suite.transfer(suite.alice, suite.bob, amount, "")
		assert.Equal(suite.T(), http.StatusBadRequest, status)
		suite.assertErrorCode(response, "invalid_amount")
	}
}

func (suite *IntegrationTestSuite) stepReceiverNotFound() {
	status, response := suite.transfer(suite.alice, uuid.New(), 100, "")
	assert.Equal(suite.T(), http.StatusNotFound, status)
	suite.assertErrorCode(response, "receiver_not_found")
}

func (suite *IntegrationTestSuite) stepAccountNotFound() {
	status, response := suite.do(http.MethodGet, "/api/v1/accounts/me", uuid.New(), nil, nil)
	assert.Equal(suite.T(), http.StatusNotFound, status)
	suite.assertErrorCode(response, "account_not_found")
}

func (suite *IntegrationTestSuite) stepUnauthorized() {
	status, response := suite.do(http.MethodGet, "/api/v1/accounts/me", uuid.Nil, nil, nil)
	assert.Equal(suite.T(), http.StatusUnauthorized, status)
	suite.assertErrorCode(response, "unauthorized")
}

func (suite *IntegrationTestSuite) stepDuplicateAccountCreation() {
	status, response := suite.createAccount(suite.alice, 50000)
	assert.Equal(suite.T(), http.StatusConflict, status)
	suite.assertErrorCode(response, "duplicate_account")
}

func (suite *IntegrationTestSuite) stepHistory() {
	status, response := suite.do(http.MethodGet, "/api/v1/accounts/me/transactions?limit=2", suite.bob, nil, nil)
	assert.Equal(suite.T(), http.StatusOK, status)

	page := data(response)
	items := page["items"].([]interface{})
	assert.Len(suite.T(), items, 2)
	assert.NotEmpty(suite.T(), page["next_cursor"])

	newest := items[0].(map[string]interface{})
	assert.Equal(suite.T(), "received", newest["direction"])
	assert.Equal(suite.T(), float64(5000), newest["amount"])

	// Walk the remaining pages; four completed transfers reached bob.
	seen := len(items)
	cursor, _ := page["next_cursor"].(string)
	for cursor != "" {
		status, response = suite.do(http.MethodGet, "/api/v1/accounts/me/transactions?limit=2&cursor="+cursor, suite.bob, nil, nil)
		assert.Equal(suite.T(), http.StatusOK, status)
		page = data(response)
		seen += len(page["items"].([]interface{}))
		cursor, _ = page["next_cursor"].(string)
	}
	assert.Equal(suite.T(), 4, seen)
}

func (suite *IntegrationTestSuite) stepConcurrentOverdraft() {
	sender, first, second := uuid.New(), uuid.New(), uuid.New()
	for id, balance := range map[uuid.UUID]int64{sender: 100, first: 0, second: 0} {
		status, _ := suite.createAccount(id, balance)
		assert.Equal(suite.T(), http.StatusCreated, status)
	}

	var wg sync.WaitGroup
	statuses := make([]int, 2)
	for i, receiver := range []uuid.UUID{first, second} {
		wg.Add(1)
		go func(i int, receiver uuid.UUID) {
			defer wg.Done()
			statuses[i], _ = suite.transfer(sender, receiver, 60, "")
		}(i, receiver)
	}
	wg.Wait()

	assert.ElementsMatch(suite.T(), []int{http.StatusCreated, http.StatusUnprocessableEntity}, statuses)
	assert.Equal(suite.T(), int64(40), suite.balance(sender))
	assert.Equal(suite.T(), int64(60), suite.balance(first)+suite.balance(second))
}

func (suite *IntegrationTestSuite) TestFlow() {
	if testing.Short() {
		suite.T().Skip("Skipping integration test in short mode")
	}

	suite.stepHealthCheck()
	suite.stepCreateAccounts()
	suite.stepSuccessfulTransfer()
	suite.stepIdempotentTransfer()
	suite.stepNonIdempotentTransfer()
	suite.stepInsufficientBalance()
	suite.stepSameAccountTransfer()
	suite.stepInvalidAmount()
	suite.stepReceiverNotFound()
	suite.stepAccountNotFound()
	suite.stepUnauthorized()
	suite.stepDuplicateAccountCreation()
	suite.stepHistory()
	suite.stepConcurrentOverdraft()
}

func TestIntegrationTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	suite.Run(t, new(IntegrationTestSuite))
}
