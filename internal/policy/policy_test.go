package policy

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestCheckUnknownKindDenies(t *testing.T) {
	e := NewEngine(Rules{AllowExec: true, ExecCommands: []string{"git"}})

	d := e.Check(CapabilityRequest{Kind: "teleport", Target: "anywhere"})
	if d.Allowed {
		t.Fatal("unknown capability kind must deny")
	}
}

func TestCheckExecDisabledOverridesAllowlist(t *testing.T) {
	e := NewEngine(Rules{
		AllowExec:    false,
		ExecCommands: []string{"git", "ls"},
	})

	d := e.Check(Exec("git status"))
	if d.Allowed {
		t.Fatal("allow_exec=false must deny even allowlisted commands")
	}
	if d.Reason == "" {
		t.Error("denial must carry a reason")
	}
}

func TestCheckExecAllowlist(t *testing.T) {
	e := NewEngine(Rules{
		AllowExec:    true,
		ExecCommands: []string{"git"},
	})

	tests := []struct {
		command string
		want    bool
	}{
		{"git", true},
		{"git status", true},
		{"gitx", false},
		{"rm -rf /", false},
		{"", false},
	}

	for _, tt := range tests {
		d := e.Check(Exec(tt.command))
		if d.Allowed != tt.want {
			t.Errorf("Check(exec %q) allowed = %v, want %v (reason: %s)", tt.command, d.Allowed, tt.want, d.Reason)
		}
	}
}

func TestCheckDomainAllowlist(t *testing.T) {
	e := NewEngine(Rules{NetDomains: []string{"api.anthropic.com", "example.org"}})

	tests := []struct {
		domain string
		want   bool
	}{
		{"api.anthropic.com", true},
		{"sub.api.anthropic.com", true}, // subdomain of allowlisted entry
		{"example.org", true},
		{"EXAMPLE.org", true},
		{"notexample.org", false},
		{"evil.com", false},
		{"anthropic.com", false}, // parent of allowlisted entry is not allowed
	}

	for _, tt := range tests {
		d := e.Check(NetHTTP(tt.domain))
		if d.Allowed != tt.want {
			t.Errorf("Check(net_http %q) allowed = %v, want %v", tt.domain, d.Allowed, tt.want)
		}
	}
}

func TestCheckEmptyDomainAllowlistDeniesAll(t *testing.T) {
	e := NewEngine(Rules{})
	if e.Check(NetHTTP("example.org")).Allowed {
		t.Fatal("empty allowlist must deny all network access")
	}
}

func TestCheckPathInsideRoot(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(sub, []byte("hi"), 0o600); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(Restrictive(root))

	if d := e.Check(FsRead(sub)); !d.Allowed {
		t.Errorf("read inside root denied: %s", d.Reason)
	}
	if d := e.Check(FsWrite(filepath.Join(root, "new", "file.txt"))); !d.Allowed {
		t.Errorf("write of not-yet-existing path under root denied: %s", d.Reason)
	}
	if d := e.Check(FsRead(filepath.Join(root, "..", "escape.txt"))); d.Allowed {
		t.Error("path traversal outside root must deny")
	}
	if d := e.Check(FsRead("/etc/passwd")); d.Allowed {
		t.Error("path outside every root must deny regardless of kind defaults")
	}
}

func TestCheckSymlinkEscapeDenies(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink test not supported on windows")
	}

	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("s"), 0o600); err != nil {
		t.Fatal(err)
	}

	link := filepath.Join(root, "link.txt")
	if err := os.Symlink(secret, link); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(Restrictive(root))

	// The link lives under the root but resolves outside it.
	if d := e.Check(FsRead(link)); d.Allowed {
		t.Fatal("symlink escaping the root must resolve to a deny")
	}
}

func TestCheckSecretsExactEnumeration(t *testing.T) {
	e := NewEngine(Rules{SecretKeys: []string{"ANTHROPIC_API_KEY"}})

	if d := e.Check(SecretsRead("ANTHROPIC_API_KEY")); !d.Allowed {
		t.Errorf("enumerated key denied: %s", d.Reason)
	}
	if d := e.Check(SecretsRead("AWS_SECRET_ACCESS_KEY")); d.Allowed {
		t.Error("non-enumerated key must deny")
	}
	if d := e.Check(SecretsRead("*")); d.Allowed {
		t.Error("wildcard must not match")
	}
}

func TestCheckDenyKindsOverrideAllows(t *testing.T) {
	root := t.TempDir()
	e := NewEngine(Rules{
		FsReadRoots: []string{root},
		DenyKinds:   []CapabilityKind{CapabilityFsRead},
	})

	if d := e.Check(FsRead(filepath.Join(root, "f"))); d.Allowed {
		t.Fatal("deny kinds must override allowlists")
	}
}

func TestCheckIsPure(t *testing.T) {
	e := NewEngine(Rules{AllowExec: true, ExecCommands: []string{"git"}})
	req := Exec("git status")

	first := e.Check(req)
	for i := 0; i < 10; i++ {
		if got := e.Check(req); got != first {
			t.Fatal("Check must be deterministic for identical requests")
		}
	}
}
