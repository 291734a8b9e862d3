package streaming

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestParseHWAccels(t *testing.T) {
	out := "Hardware acceleration methods:\nvdpau\ncuda\nvaapi\n\n"
	got := ParseHWAccels(out)
	if len(got) != 3 || got[0] != "vdpau" || got[2] != HWAccelVAAPI {
		t.Errorf("ParseHWAccels() = %v", got)
	}
	if len(ParseHWAccels("")) != 0 {
		t.Error("Expected no methods for empty output")
	}
}

func TestSelectHWAccel(t *testing.T) {
	tests := []struct {
		goos      string
		available []HWAccel
		want      HWAccel
	}{
		{"linux", []HWAccel{"vdpau", HWAccelVAAPI, HWAccelCUDA}, HWAccelCUDA},
		{"linux", []HWAccel{HWAccelQSV, HWAccelVAAPI}, HWAccelVAAPI},
		{"darwin", []HWAccel{HWAccelVideoToolbox}, HWAccelVideoToolbox},
		{"windows", []HWAccel{HWAccelDXVA2, HWAccelD3D11VA}, HWAccelD3D11VA},
		{"linux", []HWAccel{"vdpau"}, HWAccelNone},
		{"plan9", []HWAccel{HWAccelCUDA}, HWAccelNone},
	}
	for _, tt := range tests {
		if got := SelectHWAccel(tt.goos, tt.available); got != tt.want {
			t.Errorf("SelectHWAccel(%s, %v) = %q, want %q", tt.goos, tt.available, got, tt.want)
		}
	}
}

func TestTranscodeArgs_HWAccel(t *testing.T) {
	args := TranscodeArgs("rtsp://cam/live", 15, 1000, HWAccelVAAPI)
	if got := argValue(args, "-hwaccel"); got != "vaapi" {
		t.Errorf("Expected -hwaccel vaapi, got %q", got)
	}
	if got := argValue(args, "-hwaccel_device"); got != "/dev/dri/renderD128" {
		t.Errorf("Unexpected device %q", got)
	}

	hw, input := -1, -1
	for i, a := range args {
		switch a {
		case "-hwaccel":
			hw = i
		case "-i":
			input = i
		}
	}
	if hw < 0 || hw > input {
		t.Error("Expected -hwaccel before -i")
	}

	if argValue(TranscodeArgs("rtsp://cam/live", 15, 1000, HWAccelAuto), "-hwaccel") != "" {
		t.Error("Unresolved auto must not reach the command line")
	}
}

func TestDetectorResolve(t *testing.T) {
	d := &hwaccelDetector{detected: make(map[string]HWAccel), logger: slog.Default()}

	if got := d.resolve("ffmpeg", "none"); got != HWAccelNone {
		t.Errorf("none resolved to %q", got)
	}
	if got := d.resolve("ffmpeg", HWAccelQSV); got != HWAccelQSV {
		t.Errorf("explicit value resolved to %q", got)
	}
	if got := d.resolve(filepath.Join(t.TempDir(), "missing"), HWAccelAuto); got != HWAccelNone {
		t.Errorf("Expected software decoding when detection fails, got %q", got)
	}
}

func TestDetectorResolveAuto(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("stub script and preference list are linux specific")
	}
	stub := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nprintf 'Hardware acceleration methods:\\nvdpau\\nvaapi\\n'\n"
	if err := os.WriteFile(stub, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}

	d := &hwaccelDetector{detected: make(map[string]HWAccel), logger: slog.Default()}
	if got := d.resolve(stub, HWAccelAuto); got != HWAccelVAAPI {
		t.Errorf("Expected vaapi, got %q", got)
	}

	_ = os.Remove(stub)
	if got := d.resolve(stub, HWAccelAuto); got != HWAccelVAAPI {
		t.Errorf("Expected cached detection, got %q", got)
	}
}
