// Package discovery finds working camera endpoints by probing ordered lists
// of vendor URL templates.
package discovery

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/Spatial-NVR/camerabridge/internal/logging"
)

// Kind identifies the family of endpoints a candidate list serves
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindMjpeg    Kind = "mjpeg"
	KindStream   Kind = "stream"
)

// Template placeholders:
//
//	{scheme}    camera protocol (http or https)
//	{ip}        camera address
//	{http_port} camera HTTP port
//	{rtsp_port} camera RTSP port
//	{auth}      "user:password@" (escaped) or empty when no username is set
//
// The default lists below are ordered by observed success on deployed
// cameras, vendor paths before generic ones. Order is significant: several
// cameras answer 200 on paths they do not actually serve.

// DefaultSnapshotTemplates are single-JPEG endpoints
var DefaultSnapshotTemplates = []string{
	"{scheme}://{ip}:{http_port}/cgi-bin/viewer/video.jpg",
	"{scheme}://{ip}:{http_port}/cgi-bin/viewer/video.jpg?streamid=1",
	"{scheme}://{ip}:{http_port}/ISAPI/Streaming/channels/101/picture",
	"{scheme}://{ip}:{http_port}/cgi-bin/viewer/video.jpg?resolution=640x360",
	"{scheme}://{ip}:{http_port}/cgi-bin/snapshot.cgi",
	"{scheme}://{ip}:{http_port}/axis-cgi/jpg/image.cgi",
	"{scheme}://{ip}:{http_port}/cgi-bin/CGIProxy.fcgi?cmd=snapPicture2",
	"{scheme}://{ip}:{http_port}/snapshot.jpg",
	"{scheme}://{ip}:{http_port}/image.jpg",
	"{scheme}://{ip}:{http_port}/jpg/image.jpg",
}

// DefaultMjpegTemplates are multipart MJPEG endpoints
var DefaultMjpegTemplates = []string{
	"{scheme}://{ip}:{http_port}/cgi-bin/viewer/video.mjpg",
	"{scheme}://{ip}:{http_port}/video.mjpg",
	"{scheme}://{ip}:{http_port}/cgi-bin/mjpg/video.cgi?channel=1&subtype=1",
	"{scheme}://{ip}:{http_port}/ISAPI/Streaming/channels/102/httpPreview",
	"{scheme}://{ip}:{http_port}/cgi-bin/mjpg/video.cgi?channel=1&subtype=1",
	"{scheme}://{ip}:{http_port}/axis-cgi/mjpg/video.cgi",
	"{scheme}://{ip}:{http_port}/mjpg/video.mjpg",
	"{scheme}://{ip}:{http_port}/videostream.cgi",
}

// DefaultStreamTemplates are RTSP sources for the transcoder, sub-streams
// before main streams.
var DefaultStreamTemplates = []string{
	"rtsp://{auth}{ip}:{rtsp_port}/live2.sdp",
	"rtsp://{auth}{ip}:{rtsp_port}/Streaming/Channels/102",
	"rtsp://{auth}{ip}:{rtsp_port}/cam/realmonitor?channel=1&subtype=1",
	"rtsp://{auth}{ip}:{rtsp_port}/axis-media/media.amp?resolution=640x360",
	"rtsp://{auth}{ip}:{rtsp_port}/live1.sdp",
	"rtsp://{auth}{ip}:{rtsp_port}/Streaming/Channels/101",
	"rtsp://{auth}{ip}:{rtsp_port}/cam/realmonitor?channel=1&subtype=0",
	"rtsp://{auth}{ip}:{rtsp_port}/axis-media/media.amp",
}

// DefaultTemplates returns a copy of the built-in list for kind
func DefaultTemplates(kind Kind) []string {
	var src []string
	switch kind {
	case KindSnapshot:
		src = DefaultSnapshotTemplates
	case KindMjpeg:
		src = DefaultMjpegTemplates
	case KindStream:
		src = DefaultStreamTemplates
	}
	return append([]string(nil), src...)
}

// Target holds the per-camera values substituted into templates
type Target struct {
	Scheme   string
	IP       string
	HTTPPort int
	RTSPPort int
	Username string
	Password string
}

// Candidate is one expanded endpoint. HTTP credentials travel as Basic auth,
// never inside URL.
type Candidate struct {
	URL      string
	Username string
	Password string
}

// Expand fills every template for t, preserving order and dropping
// duplicates (the first occurrence wins).
func Expand(templates []string, t Target) []Candidate {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "http"
	}
	httpPort := t.HTTPPort
	if httpPort == 0 {
		httpPort = 80
		if scheme == "https" {
			httpPort = 443
		}
	}
	rtspPort := t.RTSPPort
	if rtspPort == 0 {
		rtspPort = 554
	}
	auth := ""
	if t.Username != "" {
		if t.Password != "" {
			auth = url.UserPassword(t.Username, t.Password).String() + "@"
		} else {
			auth = url.User(t.Username).String() + "@"
		}
	}

	r := strings.NewReplacer(
		"{scheme}", scheme,
		"{ip}", t.IP,
		"{http_port}", strconv.Itoa(httpPort),
		"{rtsp_port}", strconv.Itoa(rtspPort),
		"{auth}", auth,
	)

	seen := make(map[string]bool, len(templates))
	out := make([]Candidate, 0, len(templates))
	for _, tpl := range templates {
		u := r.Replace(strings.TrimSpace(tpl))
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, Candidate{URL: u, Username: t.Username, Password: t.Password})
	}
	return out
}

// URLs returns the candidate URLs in order
func URLs(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.URL
	}
	return out
}

// MaskURL replaces the password in raw with a fixed placeholder
func MaskURL(raw string) string {
	return logging.MaskCredentials(raw)
}
