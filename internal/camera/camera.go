// Package camera holds the camera model and its persistence collaborator
package camera

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when a camera does not exist
var ErrNotFound = errors.New("camera not found")

// Protocol tags a camera's connection descriptor
type Protocol string

const (
	ProtocolRTSP  Protocol = "rtsp"
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolONVIF Protocol = "onvif"
	ProtocolRTMP  Protocol = "rtmp"
)

// Valid reports whether p is one of the known protocol tags
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolRTSP, ProtocolHTTP, ProtocolHTTPS, ProtocolONVIF, ProtocolRTMP:
		return true
	}
	return false
}

// Status is the administrative lifecycle flag of a camera
type Status string

const (
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusError    Status = "error"
	StatusDisabled Status = "disabled"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusError, StatusDisabled:
		return true
	}
	return false
}

// Descriptor describes how to reach a camera. Only the fields relevant to
// Protocol are meaningful: URL-shaped protocols use URL, the others may use
// Host/Port/Path.
type Descriptor struct {
	Protocol Protocol `json:"protocol"`
	URL      string   `json:"url,omitempty"`
	Host     string   `json:"host,omitempty"`
	Port     int      `json:"port,omitempty"`
	Path     string   `json:"path,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"-"`
}

// Camera is a registered IP camera
type Camera struct {
	ID        int64      `json:"id"`
	EmpresaID int64      `json:"empresaId"`
	Nome      string     `json:"nome"`
	Source    Descriptor `json:"source"`
	// Online is nil until the first sweep probes the camera.
	Online    *bool     `json:"online"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsOnline returns the last known liveness, treating unknown as offline
func (c *Camera) IsOnline() bool {
	return c.Online != nil && *c.Online
}

var urlHostPattern = regexp.MustCompile(`(?i)(?:rtsp|https?)://(?:[^@/]*@)?([^:@/]+)`)

// TargetHost derives the host a reachability probe should target.
// An explicit Host wins; otherwise the host is extracted from a URL-shaped
// connection string. Returns "" when no host can be derived.
//
// Userinfo is skipped on purpose: a naive match up to the first ':', '@'
// or '/' would read rtsp://admin:pw@10.0.0.7/live as host "admin", while
// this returns 10.0.0.7.
func (d Descriptor) TargetHost() string {
	if h := strings.TrimSpace(d.Host); h != "" {
		return h
	}
	m := urlHostPattern.FindStringSubmatch(d.URL)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// SourceURL returns the URL a transcoder should read from, with credentials
// injected when the descriptor carries them and the URL does not.
func (d Descriptor) SourceURL() string {
	raw := strings.TrimSpace(d.URL)
	if raw == "" {
		if d.Host == "" {
			return ""
		}
		scheme := string(d.Protocol)
		if scheme == "" || scheme == string(ProtocolONVIF) {
			scheme = string(ProtocolRTSP)
		}
		host := d.Host
		if d.Port > 0 {
			host = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		}
		u := &url.URL{Scheme: scheme, Host: host, Path: "/" + strings.TrimPrefix(d.Path, "/")}
		if d.Username != "" {
			u.User = url.UserPassword(d.Username, d.Password)
		}
		return u.String()
	}

	if d.Username == "" || urlHasCredentials(raw) {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.User = url.UserPassword(d.Username, d.Password)
	return u.String()
}

// urlHasCredentials checks whether the authority part of a URL carries userinfo
func urlHasCredentials(raw string) bool {
	idx := strings.Index(raw, "://")
	if idx == -1 {
		return false
	}
	rest := raw[idx+3:]
	if slash := strings.Index(rest, "/"); slash != -1 {
		rest = rest[:slash]
	}
	return strings.Contains(rest, "@")
}

// RedactURL hides the password portion of a URL for logging
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// Validate checks a camera before it is written
func (c *Camera) Validate() error {
	if strings.TrimSpace(c.Nome) == "" {
		return fmt.Errorf("camera name is required")
	}
	if c.EmpresaID <= 0 {
		return fmt.Errorf("camera empresa is required")
	}
	if !c.Source.Protocol.Valid() {
		return fmt.Errorf("unknown protocol %q", c.Source.Protocol)
	}
	if c.Source.URL == "" && c.Source.Host == "" {
		return fmt.Errorf("camera needs a url or a host")
	}
	if c.Status != "" && !c.Status.Valid() {
		return fmt.Errorf("unknown status %q", c.Status)
	}
	return nil
}
