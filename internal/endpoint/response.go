package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/torosent/pewpew/internal/provider"
)

// maxCapturedBody bounds how much of a response body is retained for
// templates and loggers. Larger bodies still count fully toward bytes_in.
const maxCapturedBody = 8 * 1024 * 1024

// readResponse drains the body and builds the "response" template scope:
// status, headers, and the body parsed as JSON when the content type says
// so, as a raw string otherwise.
func readResponse(resp *http.Response) (map[string]any, int64) {
	defer resp.Body.Close()

	var bytesIn int64
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCapturedBody))
	bytesIn = int64(len(data))
	if err == nil {
		// Count (and discard) anything beyond the capture cap.
		extra, _ := io.Copy(io.Discard, resp.Body)
		bytesIn += extra
	}

	var body any = string(data)
	if isJSONContent(resp.Header.Get("Content-Type")) && len(data) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(data)))
		dec.UseNumber()
		var parsed any
		if err := dec.Decode(&parsed); err == nil {
			body = provider.NormalizeJSON(parsed)
		}
	}

	return map[string]any{
		"status":  int64(resp.StatusCode),
		"headers": headerMap(resp.Header),
		"body":    body,
	}, bytesIn
}

func isJSONContent(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "+json")
}

// classifyError maps a transport failure to the error kind recorded in
// stats: timeout, canceled, dns, connection or transport.
func classifyError(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection"
	}
	return "transport"
}

func sortedAliases(declare map[string]string) []string {
	out := make([]string, 0, len(declare))
	for alias := range declare {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}
