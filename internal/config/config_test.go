package config

import "testing"

func TestDefaultsMatchExternalInterface(t *testing.T) {
	t.Parallel()
	d := Defaults()
	if d.SRTLAPort != 5000 {
		t.Errorf("SRTLAPort = %d, want 5000", d.SRTLAPort)
	}
	if d.SRTHost != "127.0.0.1" {
		t.Errorf("SRTHost = %q, want 127.0.0.1", d.SRTHost)
	}
	if d.SRTPort != 4001 {
		t.Errorf("SRTPort = %d, want 4001", d.SRTPort)
	}
	if d.Verbose {
		t.Error("Verbose default = true, want false")
	}
	if d.MetricsDisabled {
		t.Error("MetricsDisabled default = true, want false")
	}
}
