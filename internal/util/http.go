package util

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

// List of realistic user agents, rotated per request.
var commonUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.5.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/115.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/113.0.0.0 Safari/537.36",
}

// RandomUserAgent returns one of the common browser user agents.
func RandomUserAgent() string {
	return commonUserAgents[rand.Intn(len(commonUserAgents))]
}

// DownloadTo executes a pre-built HTTP request and streams the body into w.
// It handles response closing and non-200 status codes.
// The caller is responsible for creating the request (including context and headers).
func DownloadTo(client *http.Client, req *http.Request, w io.Writer) (int64, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http do request for %s: %w", req.URL.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read some of the body for context on error
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("bad status '%s' fetching %s: %s", resp.Status, req.URL.String(), string(bodyBytes))
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed reading body from %s: %w", req.URL.String(), err)
	}
	return n, nil
}

// DefaultHTTPClient creates a default http.Client with a reasonable timeout.
func DefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 120 * time.Second}
}
