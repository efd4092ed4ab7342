package sidecar

import (
	"net/netip"
	"os"
	"strings"
	"testing"
)

func TestPathFormat(t *testing.T) {
	t.Parallel()
	if got, want := Path(5001), "/tmp/srtla-group-5001"; got != want {
		t.Fatalf("Path(5001) = %q, want %q", got, want)
	}
}

func TestWriteAndRemove(t *testing.T) {
	t.Parallel()
	const port = 61234
	addrs := []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:40000"),
		netip.MustParseAddrPort("10.0.0.2:50000"),
	}

	if err := Write(port, addrs); err != nil {
		t.Fatalf("Write: %v", err)
	}
	defer os.Remove(Path(port))

	data, err := os.ReadFile(Path(port))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 || lines[0] != addrs[0].String() || lines[1] != addrs[1].String() {
		t.Fatalf("sidecar contents = %q, want two lines matching %v", data, addrs)
	}

	Remove(port)
	if _, err := os.Stat(Path(port)); !os.IsNotExist(err) {
		t.Fatalf("sidecar file still exists after Remove: err=%v", err)
	}
}

func TestRemoveMissingFileIsSilent(t *testing.T) {
	t.Parallel()
	Remove(0) // no file was ever written for this port; must not panic
}
