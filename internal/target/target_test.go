package target

import (
	"os"
	"testing"

	"github.com/1Optic/cortex-dispatcher/internal/config"
)

func TestMatchAll(t *testing.T) {
	settings := []config.TargetSettings{
		{Name: "archive", Match: ".*", Queue: "q.archive"},
		{Name: "csv-only", Match: `.*\.csv$`, Queue: "q.csv"},
	}
	// The match regex is only compiled by config.Load, so run each entry
	// through Load.
	for i := range settings {
		settings[i] = mustCompile(t, settings[i])
	}

	targets := FromSettings(settings)
	matched := MatchAll(targets, "/data/in/a.csv")
	if len(matched) != 2 {
		t.Fatalf("expected both targets to match a.csv, got %d", len(matched))
	}

	matched = MatchAll(targets, "/data/in/a.bin")
	if len(matched) != 1 || matched[0].Name != "archive" {
		t.Fatalf("expected only archive to match a.bin, got %v", matched)
	}
}

func mustCompile(t *testing.T, ts config.TargetSettings) config.TargetSettings {
	t.Helper()
	yaml := "targets:\n  - name: " + ts.Name + "\n    match: '" + ts.Match + "'\n    queue: " + ts.Queue + "\n" +
		"storage:\n  directory: /tmp\nsqlite:\n  path: /tmp/r.db\ncommand_queue:\n  address: amqp://localhost/\n"
	dir := t.TempDir()
	path := dir + "/c.yaml"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	settings, errs := config.Load(path)
	if len(errs) != 0 {
		t.Fatalf("load: %v", errs)
	}
	return settings.Targets[0]
}
