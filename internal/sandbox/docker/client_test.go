package docker

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func frame(streamType byte, data string) []byte {
	buf := make([]byte, 8+len(data))
	buf[0] = streamType
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(data)))
	copy(buf[8:], data)
	return buf
}

func TestDemultiplexStream(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(frame(1, "on stdout\n"))
	stream.Write(frame(2, "on stderr\n"))
	stream.Write(frame(1, "more stdout\n"))
	stream.Write(frame(0, "stdin echo ignored"))

	var stdout, stderr bytes.Buffer
	if err := demultiplexStream(&stream, &stdout, &stderr); err != nil {
		t.Fatalf("demultiplexStream failed: %v", err)
	}

	if got := stdout.String(); got != "on stdout\nmore stdout\n" {
		t.Errorf("stdout = %q", got)
	}
	if got := stderr.String(); got != "on stderr\n" {
		t.Errorf("stderr = %q", got)
	}
}

func TestDemultiplexStream_TruncatedFrame(t *testing.T) {
	full := frame(1, "partial data")
	truncated := bytes.NewReader(full[:len(full)-4])

	var stdout, stderr bytes.Buffer
	if err := demultiplexStream(truncated, &stdout, &stderr); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}

func TestDemultiplexStream_EmptyFrames(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(frame(1, ""))
	stream.Write(frame(1, "data"))

	var stdout, stderr bytes.Buffer
	if err := demultiplexStream(&stream, &stdout, &stderr); err != nil {
		t.Fatalf("demultiplexStream failed: %v", err)
	}
	if stdout.String() != "data" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestSandboxName(t *testing.T) {
	name := sandboxName("0123456789abcdef-uuid")
	if !strings.HasPrefix(name, "backportd-sbx-01234567-") {
		t.Errorf("name = %q", name)
	}

	other := sandboxName("0123456789abcdef-uuid")
	if name == other {
		t.Error("names for repeated acquisitions must differ")
	}
}

func TestHostPathRejectsEscapes(t *testing.T) {
	sb := &dockerSandbox{hostDir: "/tmp/sbx-test"}

	for _, bad := range []string{"", "/etc/passwd", "../outside", "a/../../b"} {
		if _, err := sb.hostPath(bad); err == nil {
			t.Errorf("hostPath(%q) should fail", bad)
		}
	}

	got, err := sb.hostPath("pkg/widget.go")
	if err != nil {
		t.Fatalf("hostPath failed: %v", err)
	}
	if got != "/tmp/sbx-test/repo/pkg/widget.go" {
		t.Errorf("hostPath = %q", got)
	}
}
