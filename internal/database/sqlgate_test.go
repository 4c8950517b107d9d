package database

import (
	"strings"
	"testing"
)

func TestValidateQueryAccepted(t *testing.T) {
	accepted := []string{
		"SELECT 1",
		"select id FROM public.client_computer WHERE uuid='u1'",
		"EXPLAIN SELECT * FROM client_computer",
		"WITH recent AS (SELECT id FROM client_error) SELECT count(*) FROM recent",
		"SELECT 1;",
		"SELECT name FROM server_deployment -- trailing comment",
		"SELECT /* inline */ id FROM client_computer",
		"SELECT 'DROP TABLE users' AS scary_string",
		"SELECT updated_at FROM client_computer", // contains 'update' as substring only
	}
	for _, q := range accepted {
		if err := ValidateQuery(q); err != nil {
			t.Errorf("ValidateQuery(%q) = %v, want nil", q, err)
		}
	}
}

func TestValidateQueryRejected(t *testing.T) {
	cases := []struct {
		query  string
		reason string
	}{
		{"", "empty"},
		{"   \n\t ", "empty"},
		{"-- just a comment", "empty"},
		{"DROP TABLE client_computer", "only SELECT"},
		{"INSERT INTO t VALUES (1)", "only SELECT"},
		{"UPDATE t SET a=1", "only SELECT"},
		{"SELECT 1; DROP TABLE t", "multiple statements"},
		{"SELECT 1; SELECT 2", "multiple statements"},
		{"SELECT * FROM t WHERE a=1 OR delete", "forbidden keyword"},
		{"WITH x AS (SELECT 1) INSERT INTO t SELECT * FROM x", "forbidden keyword"},
		{"EXPLAIN DELETE FROM t", "forbidden keyword"},
		{"SELECT set_config('a','b',false)", ""}, // set_config is fine, but plain SET is not
		{"SELECT 1 /* unterminated", "unterminated"},
	}
	for _, tc := range cases {
		err := ValidateQuery(tc.query)
		if tc.query == "SELECT set_config('a','b',false)" {
			if err != nil {
				t.Errorf("ValidateQuery(%q) = %v, want nil (function name, not keyword)", tc.query, err)
			}
			continue
		}
		if err == nil {
			t.Errorf("ValidateQuery(%q) = nil, want rejection", tc.query)
			continue
		}
		if !strings.Contains(err.Error(), tc.reason) {
			t.Errorf("ValidateQuery(%q) error %q should contain %q", tc.query, err, tc.reason)
		}
	}
}

func TestStripComments(t *testing.T) {
	got, err := stripComments("SELECT a -- comment\nFROM t /* block */ WHERE b='-- not a comment'")
	if err != nil {
		t.Fatalf("stripComments: %v", err)
	}
	if strings.Contains(got, "comment\n") || strings.Contains(got, "block") {
		t.Errorf("comments not stripped: %q", got)
	}
	if !strings.Contains(got, "'-- not a comment'") {
		t.Errorf("string literal mangled: %q", got)
	}
}

func TestHasTopLevelSemicolon(t *testing.T) {
	if hasTopLevelSemicolon("SELECT 1;") {
		t.Error("single trailing semicolon should be allowed")
	}
	if !hasTopLevelSemicolon("SELECT 1; SELECT 2") {
		t.Error("separator between statements should be detected")
	}
	if hasTopLevelSemicolon("SELECT ';' AS sep") {
		t.Error("semicolon inside a string literal is not a separator")
	}
}

func TestTokenizeSkipsStrings(t *testing.T) {
	words := tokenize("SELECT 'DROP' AS x FROM t")
	for _, w := range words {
		if w == "drop" {
			t.Error("tokenize must not surface words from string literals")
		}
	}
}
