package l7

import (
	"net/http"
	"net/netip"
	"regexp"
	"strings"

	"github.com/mlgclan/edgeguard/internal/models"
)

// Headers that should be present on requests from the game client or a
// browser.
var expectedHeaders = []string{"Accept", "Accept-Language", "Accept-Encoding", "User-Agent"}

// Proxy headers. From an untrusted peer they are either spoofed or mark an
// undisclosed proxy.
var proxyHeaders = []string{
	"X-Forwarded-For",
	"X-Real-Ip",
	"Forwarded",
	"Via",
	"X-Originating-Ip",
	"True-Client-Ip",
	"X-Cluster-Client-Ip",
}

var automationUAPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bot`),
	regexp.MustCompile(`(?i)spider`),
	regexp.MustCompile(`(?i)crawler`),
	regexp.MustCompile(`(?i)scraper`),
	regexp.MustCompile(`(?i)curl`),
	regexp.MustCompile(`(?i)wget`),
	regexp.MustCompile(`(?i)python`),
	regexp.MustCompile(`(?i)java/`),
	regexp.MustCompile(`(?i)httpie`),
	regexp.MustCompile(`(?i)postman`),
	regexp.MustCompile(`(?i)insomnia`),
	regexp.MustCompile(`(?i)axios`),
	regexp.MustCompile(`(?i)node-fetch`),
	regexp.MustCompile(`(?i)go-http`),
	regexp.MustCompile(`(?i)okhttp`),
	regexp.MustCompile(`(?i)libwww`),
	regexp.MustCompile(`(?i)apache-httpclient`),
	regexp.MustCompile(`(?i)headless`),
}

const maxPlausibleUA = 512

// AutomationUA returns the first automation marker found in ua.
func AutomationUA(ua string) (string, bool) {
	for _, p := range automationUAPatterns {
		if m := p.FindString(ua); m != "" {
			return m, true
		}
	}
	return "", false
}

// analyzeHeaders inspects the request headers. trusted reports whether the
// direct peer is a configured proxy.
func analyzeHeaders(r *http.Request, headerBytes, maxHeaderBytes int, trusted bool) []models.Signal {
	var out []models.Signal

	ua := r.UserAgent()
	switch {
	case ua == "":
		out = append(out, signal("missing_user_agent", 0.5, "", "no User-Agent"))
	case len(ua) > maxPlausibleUA || strings.ContainsAny(ua, "\x00\r\n"):
		out = append(out, signal("implausible_user_agent", 0.6, "", "User-Agent is oversized or has control characters"))
	default:
		if m, ok := AutomationUA(ua); ok {
			out = append(out, signal("automation_user_agent", 0.6, "", "User-Agent matches "+strings.ToLower(m)))
		}
	}

	missing := 0
	for _, h := range expectedHeaders {
		if r.Header.Get(h) == "" {
			missing++
		}
	}
	if missing > 1 {
		out = append(out, signal("missing_headers", 0.3, "", "expected client headers missing"))
	}
	if al, ok := r.Header["Accept-Language"]; ok && (len(al) == 0 || al[0] == "" || al[0] == "*") {
		out = append(out, signal("invalid_accept_language", 0.2, "", "Accept-Language is empty or *"))
	}

	if maxHeaderBytes > 0 && headerBytes > maxHeaderBytes {
		out = append(out, signal("oversized_headers", 0.8, models.VerdictDeny, "header block exceeds limit"))
	}

	out = append(out, analyzeForwarded(r, trusted)...)
	return out
}

func analyzeForwarded(r *http.Request, trusted bool) []models.Signal {
	var present []string
	for _, h := range proxyHeaders {
		if r.Header.Get(h) != "" {
			present = append(present, h)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if !trusted {
		return []models.Signal{signal("untrusted_forwarding", 0.4, "", "proxy headers from untrusted peer: "+strings.Join(present, ","))}
	}

	hops, ok := ForwardedChain(r.Header)
	if !ok {
		return []models.Signal{signal("bad_forwarded_chain", 0.5, "", "unparsable forwarded hop")}
	}
	seen := make(map[netip.Addr]bool, len(hops))
	for _, h := range hops {
		if seen[h] {
			return []models.Signal{signal("forwarded_loop", 0.5, "", "forwarded chain repeats "+h.String())}
		}
		seen[h] = true
	}
	return nil
}

// ForwardedChain parses X-Forwarded-For into addresses, client first.
func ForwardedChain(h http.Header) ([]netip.Addr, bool) {
	var hops []netip.Addr
	for _, line := range h.Values("X-Forwarded-For") {
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if ap, err := netip.ParseAddrPort(part); err == nil {
				hops = append(hops, ap.Addr().Unmap())
				continue
			}
			a, err := netip.ParseAddr(strings.Trim(part, "[]"))
			if err != nil {
				return nil, false
			}
			hops = append(hops, a.Unmap())
		}
	}
	return hops, true
}

// HeaderBytes approximates the size of the request line and header block.
func HeaderBytes(r *http.Request) int {
	n := len(r.Method) + len(r.RequestURI) + len(r.Proto) + 4
	for k, vs := range r.Header {
		for _, v := range vs {
			n += len(k) + len(v) + 4
		}
	}
	return n
}
