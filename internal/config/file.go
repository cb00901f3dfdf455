// SPDX-License-Identifier: MIT

package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/renameio/v2"
)

// Load reads a KEY=value config file, applying defaults for absent keys.
// A missing file is not an error: the defaults are returned so a fresh
// install runs without any configuration.
func Load(path string) (Settings, error) {
	s := Default()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, found := strings.Cut(text, "=")
		if !found {
			return s, fmt.Errorf("config: %s:%d: expected KEY=value, got %q", path, line, text)
		}
		if err := s.Set(strings.TrimSpace(key), value); err != nil {
			return s, fmt.Errorf("config: %s:%d: %w", path, line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return s, fmt.Errorf("config: read %s: %w", path, err)
	}
	return s, nil
}

// Save writes the settings back to disk atomically. renameio gives us
// temp file + fsync + rename so a crash mid-write never corrupts the
// live config.
func Save(path string, s *Settings) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("config: create pending file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	w := bufio.NewWriter(pending)
	for _, f := range Fields() {
		v, err := s.Get(f.Key)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s=%s\n", f.Key, v); err != nil {
			return fmt.Errorf("config: write %s: %w", f.Key, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("config: flush: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("config: atomically replace %s: %w", path, err)
	}
	return nil
}
