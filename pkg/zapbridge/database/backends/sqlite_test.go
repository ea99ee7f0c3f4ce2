package backends

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenSQLite(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "zapbridge-sqlite-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	backend, err := OpenSQLite(SQLiteConfig{
		Path:        filepath.Join(tmpDir, "nested", "test.db"),
		ForeignKeys: true,
	})
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer backend.Close()

	if backend.Config.JournalMode != "WAL" {
		t.Errorf("expected WAL journal mode default, got %q", backend.Config.JournalMode)
	}
	if backend.Config.BusyTimeout != 5000 {
		t.Errorf("expected busy timeout 5000, got %d", backend.Config.BusyTimeout)
	}

	var fk int
	if err := backend.DB.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("read foreign_keys pragma: %v", err)
	}
	if fk != 1 {
		t.Errorf("expected foreign keys enabled, got %d", fk)
	}
}

func TestSQLiteMigrator(t *testing.T) {
	tmpDir, _ := os.MkdirTemp("", "zapbridge-sqlite-*")
	defer os.RemoveAll(tmpDir)

	backend, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(tmpDir, "test.db"), ForeignKeys: true})
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer backend.Close()

	ctx := context.Background()

	t.Run("fresh database needs migration", func(t *testing.T) {
		needs, err := backend.Migrator.NeedsMigration(ctx)
		if err != nil {
			t.Fatalf("NeedsMigration failed: %v", err)
		}
		if !needs {
			t.Error("expected fresh database to need migration")
		}
	})

	t.Run("partial migration stops at target", func(t *testing.T) {
		if err := backend.Migrator.Migrate(ctx, 1); err != nil {
			t.Fatalf("Migrate(1) failed: %v", err)
		}
		version, _ := backend.Migrator.CurrentVersion(ctx)
		if version != 1 {
			t.Errorf("expected version 1, got %d", version)
		}
	})

	t.Run("migrates to latest and is idempotent", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			if err := backend.Migrator.Migrate(ctx, 0); err != nil {
				t.Fatalf("Migrate run %d failed: %v", i, err)
			}
		}
		version, _ := backend.Migrator.CurrentVersion(ctx)
		if version != LatestVersion() {
			t.Errorf("expected version %d, got %d", LatestVersion(), version)
		}
	})

	t.Run("creates bridge tables and seeds settings", func(t *testing.T) {
		for _, table := range []string{"bridge_settings", "entities", "entity_rules", "message_logs", "wa_credentials", "wa_keys"} {
			var name string
			err := backend.DB.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
			if err != nil {
				t.Errorf("table %s missing: %v", table, err)
			}
		}

		var mode, rule string
		err := backend.DB.QueryRow("SELECT contacts_mode, groups_default_rule FROM bridge_settings WHERE id = 1").Scan(&mode, &rule)
		if err != nil {
			t.Fatalf("settings row missing: %v", err)
		}
		if mode != "allowlist" || rule != "disabled" {
			t.Errorf("unexpected default settings: %s / %s", mode, rule)
		}
	})

	t.Run("view joins default rule", func(t *testing.T) {
		if _, err := backend.DB.Exec("INSERT INTO entities (id, kind) VALUES ('123@g.us', 'group')"); err != nil {
			t.Fatalf("insert entity: %v", err)
		}
		var rule string
		if err := backend.DB.QueryRow("SELECT rule FROM entity_rules_view WHERE identifier = '123@g.us'").Scan(&rule); err != nil {
			t.Fatalf("query view: %v", err)
		}
		if rule != "default" {
			t.Errorf("expected default rule, got %q", rule)
		}
	})
}

func TestHealthChecker(t *testing.T) {
	tmpDir, _ := os.MkdirTemp("", "zapbridge-sqlite-*")
	defer os.RemoveAll(tmpDir)

	backend, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(tmpDir, "test.db")})
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}

	status := backend.Health.Status(context.Background())
	if !status.Healthy {
		t.Errorf("expected healthy status, got error %q", status.Error)
	}
	if status.Version == "" || status.Version == "unknown" {
		t.Errorf("expected sqlite version, got %q", status.Version)
	}

	backend.Close()
	status = backend.Health.Status(context.Background())
	if status.Healthy {
		t.Error("expected unhealthy status after close")
	}
}
