package config

import "testing"

func TestParsePlainAssignment(t *testing.T) {
	stmts, err := parse("port = 10000;")
	if err != nil {
		t.Fatalf("parse() error = %v", err)
	}
	if len(stmts) != 1 || stmts[0].key != "port" || stmts[0].value != "10000" {
		t.Errorf("parsed = %+v, want {port 10000}", stmts)
	}
}

func TestParseBlockStatement(t *testing.T) {
	stmts, err := parse(`
		filter = greylist {
			type = greylist;
			path = /var/db;
		};
	`)
	if err != nil {
		t.Fatalf("parse() error = %v", err)
	}
	if len(stmts) != 1 {
		t.Fatalf("len(stmts) = %d, want 1", len(stmts))
	}
	if stmts[0].key != "filter" || stmts[0].value != "greylist" {
		t.Errorf("outer statement = %+v, want filter=greylist", stmts[0])
	}
	if len(stmts[0].block) != 2 {
		t.Fatalf("len(block) = %d, want 2", len(stmts[0].block))
	}
	if stmts[0].block[0].key != "type" || stmts[0].block[0].value != "greylist" {
		t.Errorf("block[0] = %+v, want type=greylist", stmts[0].block[0])
	}
}

func TestParseStripsComments(t *testing.T) {
	stmts, err := parse("port = 10000; # listen port\n")
	if err != nil {
		t.Fatalf("parse() error = %v", err)
	}
	if len(stmts) != 1 || stmts[0].value != "10000" {
		t.Errorf("parsed = %+v, want value 10000 with the comment stripped", stmts)
	}
}

func TestParseRejectsUnterminatedBlock(t *testing.T) {
	if _, err := parse("filter = x { type = y;"); err == nil {
		t.Error("expected an error for an unterminated block")
	}
}

func TestParseRejectsMissingSemicolon(t *testing.T) {
	if _, err := parse("port = 10000"); err == nil {
		t.Error("expected an error for a statement missing its terminating ';'")
	}
}

func TestParseRejectsUnexpectedClosingBrace(t *testing.T) {
	if _, err := parse("port = 10000; }"); err == nil {
		t.Error("expected an error for a stray top-level '}'")
	}
}

func TestParseRejectsTrailingGarbage(t *testing.T) {
	if _, err := parse("port = 10000; garbage"); err == nil {
		t.Error("expected an error for trailing input that is not a statement")
	}
}
