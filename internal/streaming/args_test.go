package streaming

import (
	"strings"
	"testing"
)

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestTranscodeArgs(t *testing.T) {
	args := TranscodeArgs("rtsp://10.0.0.5:554/live2.sdp", 15, 1000, HWAccelNone)

	tests := map[string]string{
		"-rtsp_transport": "tcp",
		"-i":              "rtsp://10.0.0.5:554/live2.sdp",
		"-f":              "mpegts",
		"-codec:v":        "mpeg1video",
		"-pix_fmt":        "yuv420p",
		"-r":              "15",
		"-g":              "30",
		"-b:v":            "1000k",
		"-maxrate":        "1250k",
		"-bufsize":        "3125k",
		"-minrate":        "500k",
		"-bf":             "0",
	}
	for flag, want := range tests {
		if got := argValue(args, flag); got != want {
			t.Errorf("%s = %q, want %q", flag, got, want)
		}
	}
	if args[len(args)-1] != "-" {
		t.Errorf("Expected output to stdout, got %q", args[len(args)-1])
	}
	if !strings.Contains(strings.Join(args, " "), "-an") {
		t.Error("Expected audio disabled")
	}
}

func TestTranscodeArgs_Defaults(t *testing.T) {
	args := TranscodeArgs("rtsp://cam/live", 0, 0, "")
	if got := argValue(args, "-r"); got != "15" {
		t.Errorf("Expected default fps 15, got %s", got)
	}
	if got := argValue(args, "-g"); got != "30" {
		t.Errorf("Expected default GOP 30, got %s", got)
	}
	if got := argValue(args, "-b:v"); got != "1000k" {
		t.Errorf("Expected default bitrate, got %s", got)
	}
}

func TestDeriveBitrates(t *testing.T) {
	br := DeriveBitrates(800)
	if br.Max != 1000 || br.Buffer != 2500 || br.Min != 400 {
		t.Errorf("Unexpected bitrates %+v", br)
	}
}
