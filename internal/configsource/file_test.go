package configsource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pitabwire/caseflow/model"
)

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile("testdata/alerts/aml.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.EntityCode != "ALERT" || cfg.OrgUnitCode != "AML" {
		t.Errorf("pair = %s/%s", cfg.EntityCode, cfg.OrgUnitCode)
	}
	if cfg.Version != "3" {
		t.Errorf("Version = %q, want 3", cfg.Version)
	}
	if len(cfg.States) != 3 || len(cfg.Actions) != 2 {
		t.Fatalf("states = %d, actions = %d", len(cfg.States), len(cfg.Actions))
	}
	triage := cfg.Actions[0]
	if triage.Trigger != model.TriggerGet || triage.Functions[0].InputParameters[0].Mapping != "system.user" {
		t.Errorf("triage = %+v", triage)
	}
	if cfg.SourceFile != "testdata/alerts/aml.yaml" {
		t.Errorf("SourceFile = %q", cfg.SourceFile)
	}
}

func TestLoadFile_checksumVersion(t *testing.T) {
	cfg, err := LoadFile("testdata/alerts/fraud.yml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(cfg.Version) != 64 {
		t.Errorf("Version = %q, want sha256 hex", cfg.Version)
	}
}

func TestLoadFile_invalidYAML(t *testing.T) {
	if _, err := LoadFile("testdata/invalid/bad.yaml"); err == nil {
		t.Fatal("LoadFile() with invalid yaml should return error")
	}
}

func TestFileSource_Get(t *testing.T) {
	src, err := NewFileSource([]string{"testdata/alerts"}, nil)
	if err != nil {
		t.Fatalf("NewFileSource() error = %v", err)
	}
	if src.Len() != 2 {
		t.Errorf("Len() = %d, want 2", src.Len())
	}
	if src.Checksum() == "" {
		t.Error("Checksum should not be empty")
	}

	cfg, err := src.Get(context.Background(), "ALERT", "FRAUD")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cfg.Actions[0].Code != "dismiss" {
		t.Errorf("action = %q", cfg.Actions[0].Code)
	}

	_, err = src.Get(context.Background(), "ALERT", "KYC")
	if !model.HasCode(err, model.ErrConfigNotFound) {
		t.Errorf("Get(missing) error = %v, want CONFIG_NOT_FOUND", err)
	}
}

func TestFileSource_duplicatePair(t *testing.T) {
	if _, err := NewFileSource([]string{"testdata/duplicate"}, nil); err == nil {
		t.Fatal("expected error for duplicate entity/org unit pair")
	}
}

func TestFileSource_validationRejects(t *testing.T) {
	reject := func(cfg model.WorkflowConfig) error {
		if cfg.OrgUnitCode == "FRAUD" {
			return errors.New("no actions allowed")
		}
		return nil
	}
	if _, err := NewFileSource([]string{"testdata/alerts"}, reject); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestFileSource_ReloadKeepsSnapshotOnFailure(t *testing.T) {
	dir := t.TempDir()
	good, err := os.ReadFile("testdata/alerts/fraud.yml")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "fraud.yaml")
	if err := os.WriteFile(path, good, 0o600); err != nil {
		t.Fatal(err)
	}

	src, err := NewFileSource([]string{dir}, nil)
	if err != nil {
		t.Fatalf("NewFileSource() error = %v", err)
	}
	before := src.Checksum()

	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("states: [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := src.Reload(); err == nil {
		t.Fatal("Reload() should fail on broken file")
	}
	if _, err := src.Get(context.Background(), "ALERT", "FRAUD"); err != nil {
		t.Errorf("previous snapshot lost: %v", err)
	}
	if src.Checksum() != before {
		t.Error("checksum changed after failed reload")
	}

	if err := os.Remove(filepath.Join(dir, "broken.yaml")); err != nil {
		t.Fatal(err)
	}
	if err := src.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
}
