package protocol

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAllocateProfileDistinctPorts(t *testing.T) {
	p, err := AllocateProfile("")
	if err != nil {
		t.Fatalf("AllocateProfile: %v", err)
	}
	ports := map[int]bool{
		p.ShellPort:   true,
		p.IOPubPort:   true,
		p.StdinPort:   true,
		p.ControlPort: true,
		p.HBPort:      true,
	}
	if len(ports) != 5 {
		t.Fatalf("expected 5 distinct ports, got %d", len(ports))
	}
	if len(p.Key) != 32 {
		t.Fatalf("expected 32 hex chars (128 bits), got %d: %s", len(p.Key), p.Key)
	}
}

func TestWriteReadProfileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "connection.json")

	p, err := AllocateProfile("")
	if err != nil {
		t.Fatalf("AllocateProfile: %v", err)
	}
	p.KernelName = "python3"

	if err := WriteProfile(path, p); err != nil {
		t.Fatalf("WriteProfile: %v", err)
	}

	got, err := ReadProfile(path)
	if err != nil {
		t.Fatalf("ReadProfile: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
}

func TestReadProfileMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "connection.json")
	if err := os.WriteFile(path, []byte(`{"ip":"127.0.0.1"}`), 0o644); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	if _, err := ReadProfile(path); err == nil {
		t.Fatal("expected InvalidDescriptor error for missing fields")
	}
}

func TestRemoveProfileIgnoresMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.json")
	if err := RemoveProfile(path); err != nil {
		t.Fatalf("RemoveProfile on missing file should not error: %v", err)
	}
}
