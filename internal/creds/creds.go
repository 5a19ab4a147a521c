// Package creds implements the credential lookup external interface
// (spec.md §6): given a service name and a list of wanted variables, it
// reads <credentialsDir>/<service>[-<context>].env in KEY=VALUE form and
// returns only the requested keys. It never logs a value.
package creds

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Lookup reads the credential file for service (optionally scoped to
// context) under dir and returns the values for wanted keys present in the
// file. Keys absent from the file are simply omitted from the result, not
// treated as an error — the caller decides whether a missing key matters.
func Lookup(dir, service, context string, wanted []string) (map[string]string, error) {
	path := filePath(dir, service, context)
	values, err := parseEnvFile(path)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(wanted))
	for _, k := range wanted {
		if v, ok := values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func filePath(dir, service, context string) string {
	name := service
	if context != "" {
		name = service + "-" + context
	}
	return filepath.Join(dir, name+".env")
}

func parseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open credential file: %w", err)
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		val = strings.Trim(val, `"'`)
		values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	return values, nil
}
