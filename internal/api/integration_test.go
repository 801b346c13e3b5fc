//go:build integration

package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hellio/hrchat/internal/chat"
	"github.com/hellio/hrchat/internal/config"
	"github.com/hellio/hrchat/internal/llm"
	"github.com/hellio/hrchat/internal/migrations"
	"github.com/hellio/hrchat/internal/query/sqldb"
	"github.com/hellio/hrchat/internal/schema"
)

func TestAskEndpointAgainstPostgres(t *testing.T) {
	adminDSN := strings.TrimSpace(os.Getenv("HRCHAT_TEST_POSTGRES_DSN"))
	if adminDSN == "" {
		t.Skip("HRCHAT_TEST_POSTGRES_DSN is not set")
	}

	testDSN, cleanup := createTemporaryDatabase(t, adminDSN)
	defer cleanup()

	db, err := sql.Open("pgx", testDSN)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	for _, statement := range []string{
		`CREATE TABLE candidates (id SERIAL PRIMARY KEY, first_name TEXT NOT NULL, status TEXT NOT NULL)`,
		`CREATE TABLE positions (id SERIAL PRIMARY KEY, title TEXT NOT NULL, status TEXT NOT NULL)`,
		`INSERT INTO candidates (first_name, status) VALUES ('Ada', 'Active'), ('Grace', 'Active'), ('Edsger', 'Inactive'), ('Barbara', 'Active'), ('Linus', 'Inactive')`,
		`INSERT INTO positions (title, status) VALUES ('Backend Engineer', 'Open')`,
	} {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := migrations.NewRunner().Up(ctx, db, 0); err != nil {
		t.Fatalf("runner.Up() error = %v", err)
	}

	cfg, err := config.Load("hrchat-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}

	cache := schema.NewCache(schema.NewCatalogSource(db, "public", []string{migrations.Table}), schema.CacheOptions{})
	generated := map[string]string{
		"How many candidates are in Active status?": "SELECT COUNT(*) AS active_count FROM candidates WHERE status = 'Active'",
		"Delete all positions":                      "DELETE FROM positions",
	}
	countPattern := regexp.MustCompile(`"active_count":(\d+)`)
	var lastQuestion string
	completer := llm.CompleterFunc(func(_ context.Context, prompt llm.Prompt) (string, error) {
		switch prompt.Purpose {
		case chat.PurposeGenerateSQL:
			return generated[lastQuestion], nil
		case chat.PurposeAnswer:
			match := countPattern.FindStringSubmatch(prompt.User)
			if match == nil {
				return "", fmt.Errorf("unexpected answer prompt: %s", prompt.User)
			}
			return "There are " + match[1] + " active candidates.", nil
		}
		return "CLEAR", nil
	})
	service, err := chat.NewService(chat.Dependencies{
		Schema:    cache,
		Generator: completer,
		Executor:  sqldb.NewExecutor(db, sqldb.DialectPostgres, 5*time.Second),
	}, chat.ConfigFrom(cfg))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	h := NewHandler(cfg, Dependencies{Chat: service, Schema: cache, SchemaRefresher: cache})

	lastQuestion = "How many candidates are in Active status?"
	status, body := postAsk(t, h, lastQuestion)
	if status != http.StatusOK {
		t.Fatalf("status = %d body = %v", status, body)
	}
	if body["row_count"].(float64) != 1 || !strings.Contains(body["answer"].(string), "3") {
		t.Fatalf("body = %v", body)
	}

	lastQuestion = "Delete all positions"
	status, body = postAsk(t, h, lastQuestion)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body = %v", status, body)
	}
	var remaining int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions`).Scan(&remaining); err != nil {
		t.Fatalf("count positions: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("positions = %d, want 1", remaining)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/chat/schema", nil))
	if rr.Code != http.StatusOK || strings.Contains(rr.Body.String(), migrations.Table) {
		t.Fatalf("schema status = %d body = %s", rr.Code, rr.Body.String())
	}
}

func postAsk(t *testing.T, h http.Handler, question string) (int, map[string]any) {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"question": question})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat/ask", bytes.NewReader(payload)))
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v body=%s", err, rr.Body.String())
	}
	return rr.Code, body
}

func createTemporaryDatabase(t *testing.T, adminDSN string) (string, func()) {
	t.Helper()

	parsed, err := url.Parse(adminDSN)
	if err != nil {
		t.Fatalf("url.Parse(adminDSN) error = %v", err)
	}
	adminDB, err := sql.Open("pgx", adminDSN)
	if err != nil {
		t.Fatalf("sql.Open(adminDSN) error = %v", err)
	}

	name := fmt.Sprintf("hrchat_api_it_%d", time.Now().UnixNano())
	if _, err := adminDB.Exec(`CREATE DATABASE ` + name); err != nil {
		t.Fatalf("CREATE DATABASE failed: %v", err)
	}
	testURL := *parsed
	testURL.Path = "/" + name

	return testURL.String(), func() {
		defer func() { _ = adminDB.Close() }()
		if _, err := adminDB.Exec(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`, name); err != nil {
			t.Fatalf("terminate test db sessions: %v", err)
		}
		if _, err := adminDB.Exec(`DROP DATABASE ` + name); err != nil {
			t.Fatalf("DROP DATABASE failed: %v", err)
		}
	}
}
