package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klingon-exchange/xmrswap/internal/asset"
)

const (
	estimateTimeout = 15 * time.Second
	createTimeout   = 25 * time.Second
	infoTimeout     = 15 * time.Second
)

var sharedClient = &http.Client{}

// httpGet issues a GET with a query string and optional headers, returning
// the raw response body and status code. It never returns an error for a
// non-2xx status; callers decide how to interpret that.
func httpGet(ctx context.Context, timeout time.Duration, rawURL string, query url.Values, headers map[string]string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := rawURL
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sharedClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// httpPostJSON issues a POST with a JSON body, returning the raw response
// body and status code.
func httpPostJSON(ctx context.Context, timeout time.Duration, rawURL string, payload any, headers map[string]string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(buf))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sharedClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// parseLenientFloat tolerates a response body that is a bare JSON number, a
// quoted number string, or a JSON object with one of the given keys — some
// providers (SimpleSwap in particular) return any of the three depending on
// endpoint and error state.
func parseLenientFloat(body []byte, keys ...string) float64 {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return 0
	}

	if f, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
		return f
	}

	var asString string
	if err := json.Unmarshal(trimmed, &asString); err == nil {
		asString = strings.TrimSpace(asString)
		if f, err := strconv.ParseFloat(asString, 64); err == nil {
			return f
		}
		return 0
	}

	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		for _, k := range keys {
			v, ok := obj[k]
			if !ok || v == nil {
				continue
			}
			switch t := v.(type) {
			case float64:
				if t > 0 {
					return t
				}
			case string:
				if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil && f > 0 {
					return f
				}
			}
		}
	}
	return 0
}

func networkLower(n asset.Network) string {
	return strings.ToLower(string(n))
}

func errBodyString(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
