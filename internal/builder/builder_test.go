package builder

import (
	"runtime"
	"strings"
	"testing"
)

func TestMakeUser(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("CPU target assertions are written for amd64")
	}
	mu, err := makeUser(false)
	if err != nil {
		t.Fatal(err)
	}
	want := `JULIA_CPU_TARGET=generic;sandybridge,-xsaveopt,clone_all;haswell,-rdrnd,base(1)
CFLAGS=-ffunction-sections -fdata-sections
CXXFLAGS=-ffunction-sections -fdata-sections
`
	if mu != want {
		t.Errorf("makeUser(false) = %q, want %q", mu, want)
	}

	mu, err = makeUser(true)
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range []string{"FORCE_ASSERTIONS=1", "LLVM_ASSERTIONS=1"} {
		if !strings.Contains(mu, line+"\n") {
			t.Errorf("makeUser(true) lacks %q:\n%s", line, mu)
		}
	}
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(3)
	for _, chunk := range []string{"one\ntw", "o\nthree\n", "four\nfive\n"} {
		if _, err := tb.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := tb.Tail(3), "three\nfour\nfive"; got != want {
		t.Errorf("Tail(3) = %q, want %q", got, want)
	}
	if got, want := tb.Tail(2), "four\nfive"; got != want {
		t.Errorf("Tail(2) = %q, want %q", got, want)
	}
}

func TestTailBufferPartialLine(t *testing.T) {
	tb := newTailBuffer(10)
	tb.Write([]byte("complete\nincompl"))
	if got, want := tb.Tail(10), "complete\nincompl"; got != want {
		t.Errorf("Tail = %q, want %q", got, want)
	}
}

func TestBuildFailureError(t *testing.T) {
	f := &BuildFailure{
		Commit:   strings.Repeat("a", 40),
		Reason:   Timeout,
		ExitCode: -1, TermSignal: 9,
		Log: "last line",
	}
	msg := f.Error()
	for _, part := range []string{"timeout", "signal 9", "last line", f.Commit} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q lacks %q", msg, part)
		}
	}
}
