package mysql

import (
	"testing"
	"time"
)

func TestParseDSNAppliesLedgerDefaults(t *testing.T) {
	cfg, err := parseDSN("attest:secret@tcp(127.0.0.1:3306)/attest")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.RejectReadOnly {
		t.Fatal("expected rejectReadOnly to be forced on")
	}
	if cfg.Timeout != defaultDialTimeout {
		t.Fatalf("unexpected dial timeout %s", cfg.Timeout)
	}

	cfg, err = parseDSN("attest:secret@tcp(127.0.0.1:3306)/attest?timeout=2s")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Timeout != 2*time.Second {
		t.Fatalf("explicit timeout overridden: %s", cfg.Timeout)
	}
}

func TestParseDSNRejectsUnsafeInput(t *testing.T) {
	for _, dsn := range []string{"", "  ", "attest@tcp(127.0.0.1:3306)/attest?multiStatements=true"} {
		if _, err := parseDSN(dsn); err == nil {
			t.Fatalf("expected %q to be rejected", dsn)
		}
	}
}

func TestSplitSQLStatementsSkipsComments(t *testing.T) {
	got := splitSQLStatements("-- header; with semicolon\nCREATE TABLE a (id INT);\n\n  -- note\nCREATE TABLE b (id INT);\n")
	if len(got) != 2 || got[0] != "CREATE TABLE a (id INT)" || got[1] != "CREATE TABLE b (id INT)" {
		t.Fatalf("unexpected statements %q", got)
	}
}
