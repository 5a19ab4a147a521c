package creds

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLookupReturnsOnlyWantedKeys(t *testing.T) {
	dir := t.TempDir()
	content := "API_KEY=secret123\nAPI_URL=https://example.com\n# a comment\nUNUSED=ignored\n"
	if err := os.WriteFile(filepath.Join(dir, "github.env"), []byte(content), 0o600); err != nil {
		t.Fatalf("write credential file: %v", err)
	}

	got, err := Lookup(dir, "github", "", []string{"API_KEY", "API_URL", "MISSING"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got["API_KEY"] != "secret123" {
		t.Fatalf("API_KEY = %q", got["API_KEY"])
	}
	if got["API_URL"] != "https://example.com" {
		t.Fatalf("API_URL = %q", got["API_URL"])
	}
	if _, ok := got["MISSING"]; ok {
		t.Fatal("expected MISSING to be absent")
	}
	if _, ok := got["UNUSED"]; ok {
		t.Fatal("expected UNUSED to be filtered out (not requested)")
	}
}

func TestLookupWithContextSuffix(t *testing.T) {
	dir := t.TempDir()
	content := "TOKEN=ctx-token\n"
	if err := os.WriteFile(filepath.Join(dir, "github-staging.env"), []byte(content), 0o600); err != nil {
		t.Fatalf("write credential file: %v", err)
	}

	got, err := Lookup(dir, "github", "staging", []string{"TOKEN"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got["TOKEN"] != "ctx-token" {
		t.Fatalf("TOKEN = %q", got["TOKEN"])
	}
}

func TestLookupMissingFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Lookup(dir, "nonexistent", "", []string{"X"})
	if err == nil {
		t.Fatal("expected error for missing credential file")
	}
}

func TestLookupQuotedValues(t *testing.T) {
	dir := t.TempDir()
	content := "SECRET=\"has spaces\"\n"
	if err := os.WriteFile(filepath.Join(dir, "svc.env"), []byte(content), 0o600); err != nil {
		t.Fatalf("write credential file: %v", err)
	}

	got, err := Lookup(dir, "svc", "", []string{"SECRET"})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got["SECRET"] != "has spaces" {
		t.Fatalf("SECRET = %q", got["SECRET"])
	}
}
