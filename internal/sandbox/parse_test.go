package sandbox

import (
	"strings"
	"testing"
)

func TestParseSentinelOutput(t *testing.T) {
	t.Parallel()
	stdout := "agent chatter\n" +
		outputStartMarker + "\n" +
		`{"status":"success","result":"first"}` + "\n" +
		outputEndMarker + "\n" +
		"more chatter\n" +
		outputStartMarker + "\n" +
		`{"status":"success","result":"second"}` + "\n" +
		outputEndMarker + "\n"

	out, ok := parseSentinelOutput(stdout)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	// The last marker pair wins when the agent echoes earlier output.
	if out.Result != "second" {
		t.Fatalf("Result = %q, want second", out.Result)
	}
}

func TestParseSentinelOutputMissingMarkers(t *testing.T) {
	t.Parallel()
	for _, stdout := range []string{
		"",
		"no markers at all",
		outputStartMarker + "\n{\"status\":\"success\"}",       // no end
		outputStartMarker + "\nnot json\n" + outputEndMarker,   // bad payload
		outputEndMarker + "\nsomething\n" + outputStartMarker,  // wrong order
	} {
		if _, ok := parseSentinelOutput(stdout); ok {
			t.Fatalf("expected parse failure for %q", stdout)
		}
	}
}

func TestLastNonEmptyLine(t *testing.T) {
	t.Parallel()
	got := lastNonEmptyLine("a\nb\n\n  \n")
	if got != "b" {
		t.Fatalf("lastNonEmptyLine = %q, want b", got)
	}
	if got := lastNonEmptyLine("   "); got != "" {
		t.Fatalf("blank input produced %q", got)
	}
}

func TestBuildRunArgsPerRuntime(t *testing.T) {
	t.Parallel()
	mounts := []Mount{
		{HostPath: "/host/work", ContainerPath: "/workspace/group"},
		{HostPath: "/host/env", ContainerPath: "/workspace/env-dir", ReadOnly: true},
	}

	docker := strings.Join(buildRunArgs(RuntimeDocker, mounts, "img:1"), " ")
	if !strings.Contains(docker, "-v /host/work:/workspace/group") {
		t.Fatalf("docker args missing rw volume: %s", docker)
	}
	if !strings.Contains(docker, "-v /host/env:/workspace/env-dir:ro") {
		t.Fatalf("docker args missing ro volume: %s", docker)
	}

	apple := strings.Join(buildRunArgs(RuntimeApple, mounts, "img:1"), " ")
	if !strings.Contains(apple, "--mount type=bind,source=/host/env,target=/workspace/env-dir,readonly") {
		t.Fatalf("apple args missing ro mount: %s", apple)
	}
	if !strings.Contains(apple, "-v /host/work:/workspace/group") {
		t.Fatalf("apple args missing rw volume: %s", apple)
	}

	for _, args := range [][]string{buildRunArgs(RuntimeDocker, mounts, "img:1"), buildRunArgs(RuntimeApple, mounts, "img:1")} {
		if args[len(args)-1] != "img:1" {
			t.Fatalf("image must be the final arg: %v", args)
		}
		if args[0] != "run" || args[1] != "-i" || args[2] != "--rm" {
			t.Fatalf("unexpected arg prefix: %v", args)
		}
	}
}

func TestCappedBuffer(t *testing.T) {
	t.Parallel()
	buf := newCappedBuffer(10)

	n, err := buf.Write([]byte("0123456789abcdef"))
	if err != nil || n != 16 {
		t.Fatalf("Write = (%d, %v), want (16, nil)", n, err)
	}
	s, truncated := buf.contents()
	if s != "0123456789" || !truncated {
		t.Fatalf("contents = (%q, %t)", s, truncated)
	}

	// Further writes are swallowed without error.
	if n, err := buf.Write([]byte("zzz")); err != nil || n != 3 {
		t.Fatalf("post-truncation Write = (%d, %v)", n, err)
	}
	s, _ = buf.contents()
	if s != "0123456789" {
		t.Fatalf("buffer grew past cap: %q", s)
	}
}

func TestShellQuote(t *testing.T) {
	t.Parallel()
	if got := shellQuote("plain"); got != "'plain'" {
		t.Fatalf("shellQuote = %s", got)
	}
	if got := shellQuote("it's"); got != `'it'"'"'s'` {
		t.Fatalf("shellQuote with apostrophe = %s", got)
	}
}

func TestShouldSelfHeal(t *testing.T) {
	t.Parallel()
	matches := []string{
		"Container spawn error: request timed out",
		"ECONNRESET while talking to apiserver",
		"socket hang up",
		"network is unreachable",
	}
	for _, m := range matches {
		if !ShouldSelfHeal(m) {
			t.Fatalf("expected %q to trigger self-heal", m)
		}
	}

	nonMatches := []string{
		"",
		"exit status 1",
		"invalid api key",
		"prompt rejected by policy",
	}
	for _, m := range nonMatches {
		if ShouldSelfHeal(m) {
			t.Fatalf("expected %q not to trigger self-heal", m)
		}
	}
}
