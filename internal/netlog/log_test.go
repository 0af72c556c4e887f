package netlog

import "testing"

func TestNewBuildsAForegroundLogger(t *testing.T) {
	log, err := New(Options{Foreground: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if log == nil {
		t.Fatal("New() returned a nil logger")
	}
	log.Sync()
}

func TestNewBuildsAProductionLogger(t *testing.T) {
	log, err := New(Options{Verbose: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !log.Core().Enabled(-1) {
		t.Error("verbose logger should have debug level enabled")
	}
}

func TestNamedScopesTheLogger(t *testing.T) {
	log, err := New(Options{Foreground: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	child := Named(log, "greylist")
	if child.Name() != "greylist" {
		t.Errorf("Named() logger name = %q, want %q", child.Name(), "greylist")
	}
}
