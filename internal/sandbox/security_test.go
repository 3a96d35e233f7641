package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fftnano/internal/group"
	"fftnano/pkg/logx"
)

// canonicalTempDir resolves symlinks so prefix checks against the
// allowlist roots compare resolved paths on both sides.
func canonicalTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func writeAllowlist(t *testing.T, al mountAllowlist) string {
	t.Helper()
	b, err := json.Marshal(al)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "mount-allowlist.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateAdditionalMountsMissingAllowlist(t *testing.T) {
	t.Parallel()
	_, err := validateAdditionalMounts(
		filepath.Join(t.TempDir(), "absent.json"),
		[]group.AdditionalMount{{HostPath: "/srv/data", ContainerPath: "/mnt/data"}},
		"family", false, logx.Nop())
	if err == nil || !strings.Contains(err.Error(), "no mount allowlist") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateAdditionalMountsOutsideRoot(t *testing.T) {
	t.Parallel()
	shared := canonicalTempDir(t)
	path := writeAllowlist(t, mountAllowlist{
		AllowedRoots: []allowedRoot{{Path: shared, AllowReadWrite: true}},
	})

	outside := canonicalTempDir(t)
	_, err := validateAdditionalMounts(path,
		[]group.AdditionalMount{{HostPath: outside, ContainerPath: "/mnt/x"}},
		"family", false, logx.Nop())
	if err == nil || !strings.Contains(err.Error(), "outside every allowed root") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateAdditionalMountsBlockedPattern(t *testing.T) {
	t.Parallel()
	shared := canonicalTempDir(t)
	secrets := filepath.Join(shared, ".ssh")
	if err := os.MkdirAll(secrets, 0o755); err != nil {
		t.Fatal(err)
	}
	path := writeAllowlist(t, mountAllowlist{
		AllowedRoots:    []allowedRoot{{Path: shared, AllowReadWrite: true}},
		BlockedPatterns: []string{".ssh"},
	})

	_, err := validateAdditionalMounts(path,
		[]group.AdditionalMount{{HostPath: secrets, ContainerPath: "/mnt/keys"}},
		"main", true, logx.Nop())
	if err == nil || !strings.Contains(err.Error(), "blocked pattern") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateAdditionalMountsOneBadMountFailsAll(t *testing.T) {
	t.Parallel()
	shared := canonicalTempDir(t)
	good := filepath.Join(shared, "ok")
	if err := os.MkdirAll(good, 0o755); err != nil {
		t.Fatal(err)
	}
	path := writeAllowlist(t, mountAllowlist{
		AllowedRoots: []allowedRoot{{Path: shared, AllowReadWrite: true}},
	})

	mounts, err := validateAdditionalMounts(path,
		[]group.AdditionalMount{
			{HostPath: good, ContainerPath: "/mnt/ok"},
			{HostPath: canonicalTempDir(t), ContainerPath: "/mnt/bad"},
		},
		"main", true, logx.Nop())
	if err == nil {
		t.Fatalf("expected whole-set failure, got %v", mounts)
	}
}

func TestValidateAdditionalMountsNonMainForcedReadOnly(t *testing.T) {
	t.Parallel()
	shared := canonicalTempDir(t)
	path := writeAllowlist(t, mountAllowlist{
		AllowedRoots: []allowedRoot{{Path: shared, AllowReadWrite: true}},
	})

	req := []group.AdditionalMount{{HostPath: shared, ContainerPath: "/mnt/shared", ReadOnly: false}}

	// Main keeps the writable mount the root permits.
	mounts, err := validateAdditionalMounts(path, req, "main", true, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(mounts) != 1 || mounts[0].ReadOnly {
		t.Fatalf("main mounts = %+v", mounts)
	}

	// Non-main is downgraded to read-only regardless.
	mounts, err = validateAdditionalMounts(path, req, "family", false, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(mounts) != 1 || !mounts[0].ReadOnly {
		t.Fatalf("non-main mounts = %+v", mounts)
	}
}

func TestValidateAdditionalMountsReadOnlyRoot(t *testing.T) {
	t.Parallel()
	shared := canonicalTempDir(t)
	path := writeAllowlist(t, mountAllowlist{
		AllowedRoots: []allowedRoot{{Path: shared, AllowReadWrite: false}},
	})

	mounts, err := validateAdditionalMounts(path,
		[]group.AdditionalMount{{HostPath: shared, ContainerPath: "/mnt/shared"}},
		"main", true, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if !mounts[0].ReadOnly {
		t.Fatalf("root without AllowReadWrite must force ro: %+v", mounts[0])
	}
}

func TestValidateAdditionalMountsRejectsRelativeContainerPath(t *testing.T) {
	t.Parallel()
	shared := canonicalTempDir(t)
	path := writeAllowlist(t, mountAllowlist{
		AllowedRoots: []allowedRoot{{Path: shared, AllowReadWrite: true}},
	})

	_, err := validateAdditionalMounts(path,
		[]group.AdditionalMount{{HostPath: shared, ContainerPath: "relative/path"}},
		"main", true, logx.Nop())
	if err == nil || !strings.Contains(err.Error(), "must be absolute") {
		t.Fatalf("err = %v", err)
	}
}
