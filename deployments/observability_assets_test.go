package deployments

import (
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Groups []struct {
		Name  string `yaml:"name"`
		Rules []struct {
			Record string            `yaml:"record"`
			Alert  string            `yaml:"alert"`
			Expr   string            `yaml:"expr"`
			Labels map[string]string `yaml:"labels"`
		} `yaml:"rules"`
	} `yaml:"groups"`
}

// exportedMetrics mirrors the collectors registered by internal/observability.
var exportedMetrics = map[string]struct{}{
	"hrchat_http_requests_total":           {},
	"hrchat_http_request_duration_seconds": {},
	"hrchat_chat_requests_total":           {},
	"hrchat_chat_stage_duration_seconds":   {},
	"hrchat_validation_rejections_total":   {},
	"hrchat_llm_calls_total":               {},
	"hrchat_query_rows_returned":           {},
	"hrchat_schema_refresh_total":          {},
	"hrchat_schema_tables":                 {},
	"hrchat_audit_archived_records_total":  {},
}

var metricRef = regexp.MustCompile(`\bhrchat_[a-z_]+`)

func TestPrometheusRulesParseAndReferenceExportedMetrics(t *testing.T) {
	rules := loadRules(t)
	if len(rules.Groups) == 0 {
		t.Fatal("rules file must define at least one group")
	}

	records := map[string]struct{}{}
	alerts := map[string]string{}
	for _, group := range rules.Groups {
		for _, rule := range group.Rules {
			if strings.TrimSpace(rule.Expr) == "" {
				t.Fatalf("rule %q%q in group %q has empty expr", rule.Record, rule.Alert, group.Name)
			}
			if rule.Record != "" {
				records[rule.Record] = struct{}{}
			}
			if rule.Alert != "" {
				alerts[rule.Alert] = rule.Labels["severity"]
			}
			for _, ref := range metricRef.FindAllString(rule.Expr, -1) {
				base := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(ref, "_bucket"), "_sum"), "_count")
				if _, ok := exportedMetrics[base]; !ok {
					t.Fatalf("rule %q%q references unknown metric %q", rule.Record, rule.Alert, ref)
				}
			}
		}
	}

	for _, name := range []string{
		"HRChatHTTPErrorRateHigh",
		"HRChatLLMUnavailable",
		"HRChatRejectionRatioHigh",
		"HRChatSchemaRefreshFailing",
		"HRChatAuditArchiveFailing",
	} {
		severity, ok := alerts[name]
		if !ok {
			t.Fatalf("rules missing alert %q", name)
		}
		if severity != "warning" && severity != "critical" {
			t.Fatalf("alert %q has severity %q", name, severity)
		}
	}
	for _, name := range []string{"hrchat:http_error_rate_5m", "hrchat:llm_error_ratio_5m", "hrchat:chat_rejection_ratio_15m"} {
		if _, ok := records[name]; !ok {
			t.Fatalf("rules missing record %q", name)
		}
	}
}

func TestPrometheusScrapeExampleContainsMetricsPathAndRules(t *testing.T) {
	content, err := os.ReadFile(filepath.Join(repoRoot(t), "deployments", "prometheus", "prometheus-scrape.example.yaml"))
	if err != nil {
		t.Fatalf("read scrape example: %v", err)
	}
	text := string(content)
	for _, token := range []string{"metrics_path: /v1/metrics", "hrchat_rules.yaml", "job_name: hrchat-api"} {
		if !strings.Contains(text, token) {
			t.Fatalf("scrape example missing %q", token)
		}
	}
}

func loadRules(t *testing.T) ruleFile {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(repoRoot(t), "deployments", "prometheus", "hrchat_rules.yaml"))
	if err != nil {
		t.Fatalf("read rules file: %v", err)
	}
	var rules ruleFile
	if err := yaml.Unmarshal(content, &rules); err != nil {
		t.Fatalf("rules YAML parse error: %v", err)
	}
	return rules
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), ".."))
}
