package group

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fftnano/pkg/logx"
)

func TestRegistryRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "registered_groups.json")

	r := NewRegistry(path, logx.Nop())
	err := r.Register(Group{
		JID:     "111@g.us",
		Name:    "Family",
		Folder:  "family",
		Trigger: "@fft",
		ContainerConfig: &ContainerConfig{
			TimeoutMs: 120000,
			AdditionalMounts: []AdditionalMount{
				{HostPath: "/srv/share", ContainerPath: "/mnt/share", ReadOnly: true},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Group{JID: "main@s", Name: "Operator", Folder: MainFolder}); err != nil {
		t.Fatal(err)
	}

	// A fresh registry rehydrates from the same file.
	r2 := NewRegistry(path, logx.Nop())
	if err := r2.Load(); err != nil {
		t.Fatal(err)
	}

	g, ok := r2.ByFolder("family")
	if !ok {
		t.Fatal("family not found after reload")
	}
	if g.JID != "111@g.us" || g.Name != "Family" || g.Trigger != "@fft" {
		t.Fatalf("g = %+v", g)
	}
	if g.SandboxTimeout() != 2*time.Minute {
		t.Fatalf("SandboxTimeout = %v", g.SandboxTimeout())
	}
	if len(g.ContainerConfig.AdditionalMounts) != 1 || !g.ContainerConfig.AdditionalMounts[0].ReadOnly {
		t.Fatalf("mounts = %+v", g.ContainerConfig.AdditionalMounts)
	}
	if g.AddedAt == "" {
		t.Fatal("AddedAt not defaulted on register")
	}

	if g, ok := r2.ByJID("main@s"); !ok || !g.IsMain() {
		t.Fatalf("main lookup = %+v ok=%t", g, ok)
	}
}

func TestRegistryLoadMissingFile(t *testing.T) {
	t.Parallel()
	r := NewRegistry(filepath.Join(t.TempDir(), "nope.json"), logx.Nop())
	if err := r.Load(); err != nil {
		t.Fatalf("missing file must load as empty registry: %v", err)
	}
	if got := r.All(); len(got) != 0 {
		t.Fatalf("All = %v", got)
	}
}

func TestRegistryLoadCorruptFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "registered_groups.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(path, logx.Nop())
	if err := r.Load(); err == nil {
		t.Fatal("corrupt registry file must fail to load")
	}
}

func TestRegistryRegisterValidation(t *testing.T) {
	t.Parallel()
	r := NewRegistry(filepath.Join(t.TempDir(), "g.json"), logx.Nop())
	if err := r.Register(Group{JID: " ", Folder: "x"}); err == nil {
		t.Fatal("blank jid accepted")
	}
	if err := r.Register(Group{JID: "x@g.us", Folder: ""}); err == nil {
		t.Fatal("blank folder accepted")
	}
}

func TestRegistryAllSortedByFolder(t *testing.T) {
	t.Parallel()
	r := NewRegistry(filepath.Join(t.TempDir(), "g.json"), logx.Nop())
	for _, g := range []Group{
		{JID: "c@g.us", Folder: "zoo"},
		{JID: "a@g.us", Folder: "alpha"},
		{JID: "b@g.us", Folder: "main"},
	} {
		if err := r.Register(g); err != nil {
			t.Fatal(err)
		}
	}
	var folders []string
	for _, g := range r.All() {
		folders = append(folders, g.Folder)
	}
	if got := strings.Join(folders, ","); got != "alpha,main,zoo" {
		t.Fatalf("order = %s", got)
	}
}

func TestRegistryReplaceExisting(t *testing.T) {
	t.Parallel()
	r := NewRegistry(filepath.Join(t.TempDir(), "g.json"), logx.Nop())
	if err := r.Register(Group{JID: "x@g.us", Folder: "old", Name: "Old"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Group{JID: "x@g.us", Folder: "new", Name: "New"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.ByFolder("old"); ok {
		t.Fatal("stale entry survived re-register")
	}
	if g, ok := r.ByFolder("new"); !ok || g.Name != "New" {
		t.Fatalf("g = %+v ok=%t", g, ok)
	}
}
