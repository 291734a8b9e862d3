// Package streaming runs one external transcoder per camera and relays its
// MPEG-TS output to websocket clients.
package streaming

import (
	"strconv"
)

const (
	DefaultBinary  = "ffmpeg"
	DefaultFPS     = 15
	DefaultBitrate = 1000 // kbit/s
)

// Bitrates is the rate-control triple derived from one base bitrate, in kbit/s
type Bitrates struct {
	Base   int
	Max    int
	Buffer int
	Min    int
}

// DeriveBitrates computes max = 1.25x base, buffer = 2.5x max, min = 0.5x base
func DeriveBitrates(base int) Bitrates {
	if base <= 0 {
		base = DefaultBitrate
	}
	peak := base * 5 / 4
	return Bitrates{
		Base:   base,
		Max:    peak,
		Buffer: peak * 5 / 2,
		Min:    base / 2,
	}
}

// TranscodeArgs builds the transcoder command line for pulling sourceURL
// over RTSP/TCP and writing MPEG-1 video in MPEG-TS to stdout. accel, when
// set, selects a hardware decoder for the input.
func TranscodeArgs(sourceURL string, fps, bitrate int, accel HWAccel) []string {
	if fps <= 0 {
		fps = DefaultFPS
	}
	br := DeriveBitrates(bitrate)

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
	}
	args = append(args, hwaccelArgs(accel)...)
	return append(args,
		"-rtsp_transport", "tcp",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", sourceURL,
		"-f", "mpegts",
		"-codec:v", "mpeg1video",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(fps),
		"-g", strconv.Itoa(fps * 2),
		"-b:v", kbps(br.Base),
		"-maxrate", kbps(br.Max),
		"-bufsize", kbps(br.Buffer),
		"-minrate", kbps(br.Min),
		"-bf", "0",
		"-an",
		"-",
	)
}

func kbps(v int) string {
	return strconv.Itoa(v) + "k"
}
