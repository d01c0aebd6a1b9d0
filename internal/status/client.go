package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// Fetch queries the status endpoint at baseURL, such as
// "http://127.0.0.1:9081".
func Fetch(ctx context.Context, baseURL string) (*Report, error) {
	var report Report
	if err := getJSON(ctx, strings.TrimSuffix(baseURL, "/")+"/status", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
