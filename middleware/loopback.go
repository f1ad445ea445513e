package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mnehpets/tunequiz/endpoint"
	"github.com/sirupsen/logrus"
)

// LoopbackProcessor rejects requests that did not come from this machine, or
// whose Host header is not a loopback name. The second check stops a web
// page from reaching the callback server through DNS rebinding.
type LoopbackProcessor struct{}

func isLoopbackHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (LoopbackProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if !isLoopbackHost(r.RemoteAddr) {
		return endpoint.Error(http.StatusForbidden, "", fmt.Errorf("middleware: remote address %q is not loopback", r.RemoteAddr))
	}
	if !isLoopbackHost(r.Host) {
		return endpoint.Error(http.StatusForbidden, "", fmt.Errorf("middleware: host %q is not loopback", r.Host))
	}
	return next(w, r)
}

// AccessLogProcessor logs each request at debug level. Query strings are
// never logged; they carry the authorization code.
type AccessLogProcessor struct {
	Log logrus.FieldLogger
}

func (p AccessLogProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	start := time.Now()
	err := next(w, r)
	log := p.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithFields(logrus.Fields{
		"method":  r.Method,
		"path":    r.URL.Path,
		"latency": time.Since(start).String(),
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("callback server request")
	return err
}

var (
	_ endpoint.Processor = LoopbackProcessor{}
	_ endpoint.Processor = AccessLogProcessor{}
)
