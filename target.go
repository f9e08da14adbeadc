package streamrpc

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Target is a parsed call address of the form
// tri://host:port/service?timeout=5s&format=json. Timeout and Format are
// zero when the query does not set them.
type Target struct {
	Addr    string
	Service string
	Timeout time.Duration
	Format  Format
}

func ParseTarget(rawURL string) (Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Target{}, err
	}
	if u.Scheme != "tri" {
		return Target{}, fmt.Errorf("streamrpc: unsupported scheme %q", u.Scheme)
	}
	addr := u.Host
	if addr == "" {
		return Target{}, errors.New("streamrpc: missing host:port")
	}
	if _, _, err = net.SplitHostPort(addr); err != nil {
		return Target{}, fmt.Errorf("streamrpc: expected host:port: %w", err)
	}
	t := Target{
		Addr:    addr,
		Service: strings.Trim(u.Path, "/"),
	}
	q := u.Query()
	if v := q.Get("timeout"); v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return Target{}, fmt.Errorf("streamrpc: bad timeout: %w", err)
		}
		t.Timeout = d
	}
	if v := q.Get("format"); v != "" {
		f, err := ParseFormat(v)
		if err != nil {
			return Target{}, err
		}
		t.Format = f
	}
	return t, nil
}

func (t Target) String() string {
	u := url.URL{Scheme: "tri", Host: t.Addr, Path: "/" + t.Service}
	q := url.Values{}
	if t.Timeout > 0 {
		q.Set("timeout", t.Timeout.String())
	}
	if t.Format != "" {
		q.Set("format", string(t.Format))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// parseTimeout accepts a time.Duration string or a whole number of seconds.
func parseTimeout(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
