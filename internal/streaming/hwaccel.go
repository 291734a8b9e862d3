package streaming

import (
	"bufio"
	"context"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// HWAccel names an ffmpeg input hardware decoder
type HWAccel string

const (
	HWAccelNone         HWAccel = ""
	HWAccelAuto         HWAccel = "auto"
	HWAccelCUDA         HWAccel = "cuda"         // NVIDIA GPU
	HWAccelVideoToolbox HWAccel = "videotoolbox" // macOS
	HWAccelVAAPI        HWAccel = "vaapi"        // Linux VA-API
	HWAccelQSV          HWAccel = "qsv"          // Intel Quick Sync
	HWAccelD3D11VA      HWAccel = "d3d11va"      // Windows DirectX 11
	HWAccelDXVA2        HWAccel = "dxva2"        // Windows DirectX 9
)

const hwaccelDetectTimeout = 5 * time.Second

// preference lists decoders to pick from, best first, per OS
var preference = map[string][]HWAccel{
	"darwin":  {HWAccelVideoToolbox},
	"linux":   {HWAccelCUDA, HWAccelVAAPI, HWAccelQSV},
	"windows": {HWAccelCUDA, HWAccelD3D11VA, HWAccelQSV, HWAccelDXVA2},
}

// ParseHWAccels reads the method list printed by `ffmpeg -hwaccels`
func ParseHWAccels(out string) []HWAccel {
	var methods []HWAccel
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		methods = append(methods, HWAccel(line))
	}
	return methods
}

// SelectHWAccel returns the first preferred decoder for goos that is
// available, or HWAccelNone
func SelectHWAccel(goos string, available []HWAccel) HWAccel {
	have := make(map[HWAccel]bool, len(available))
	for _, a := range available {
		have[a] = true
	}
	for _, want := range preference[goos] {
		if have[want] {
			return want
		}
	}
	return HWAccelNone
}

// hwaccelArgs are the input options for accel. Decoded frames stay in
// system memory so the software MPEG-1 encoder can read them.
func hwaccelArgs(accel HWAccel) []string {
	switch accel {
	case HWAccelNone, HWAccelAuto:
		return nil
	case HWAccelVAAPI:
		return []string{"-hwaccel", "vaapi", "-hwaccel_device", "/dev/dri/renderD128"}
	default:
		return []string{"-hwaccel", string(accel)}
	}
}

// hwaccelDetector caches one detection per transcoder binary
type hwaccelDetector struct {
	mu       sync.Mutex
	detected map[string]HWAccel
	logger   *slog.Logger
}

var detector = &hwaccelDetector{
	detected: make(map[string]HWAccel),
	logger:   slog.Default().With("component", "hwaccel"),
}

// resolve turns a configured value into a concrete decoder. "auto" runs
// detection once per binary; "none" and "" mean software decoding.
func (d *hwaccelDetector) resolve(binary string, setting HWAccel) HWAccel {
	switch setting {
	case HWAccelAuto:
	case "none":
		return HWAccelNone
	default:
		return setting
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if accel, ok := d.detected[binary]; ok {
		return accel
	}

	ctx, cancel := context.WithTimeout(context.Background(), hwaccelDetectTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, binary, "-hide_banner", "-hwaccels").Output()
	accel := HWAccelNone
	if err != nil {
		d.logger.Warn("Hardware decoder detection failed, using software decoding", "binary", binary, "error", err)
	} else {
		available := ParseHWAccels(string(out))
		accel = SelectHWAccel(runtime.GOOS, available)
		d.logger.Info("Hardware decoder detection complete", "available", available, "selected", accel)
	}
	d.detected[binary] = accel
	return accel
}
