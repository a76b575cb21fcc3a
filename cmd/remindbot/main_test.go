package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckConfig(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(good, []byte("reminders:\n  promote_every: 5s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("reminders:\n  promote_every: often\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path    string
		wantErr bool
	}{
		{path: good},
		{path: bad, wantErr: true},
		{path: filepath.Join(dir, "missing.yaml"), wantErr: true},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"check-config", "--config", tt.path})
		err := cmd.Execute()
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: err = %v, wantErr %v", filepath.Base(tt.path), err, tt.wantErr)
		}
		if !tt.wantErr && !strings.Contains(out.String(), "ok") {
			t.Fatalf("output = %q", out.String())
		}
	}
}
