package main

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestTokenHashKey(t *testing.T) {
	t.Parallel()

	const key = "correct-horse-battery"

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs([]string{"token", "hash-key"})
	cmd.SetIn(strings.NewReader(key + "\n"))
	cmd.SetOut(&out)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		t.Fatalf("printed hash does not match key: %v", err)
	}
}

func TestTokenHashKey_RejectsShortKey(t *testing.T) {
	t.Parallel()

	cmd := newRootCommand()
	cmd.SetArgs([]string{"token", "hash-key"})
	cmd.SetIn(strings.NewReader("short\n"))
	cmd.SetOut(&bytes.Buffer{})

	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestExport_RequiresSessionID(t *testing.T) {
	t.Parallel()

	cmd := newRootCommand()
	cmd.SetArgs([]string{"export"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected argument error")
	}
}
