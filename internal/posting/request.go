package posting

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	contentType     = "application/json"
	contentEncoding = "gzip"
)

// ItemResponse is one page of gateway items.
type ItemResponse struct {
	Items   []any `json:"items"`
	Found   int   `json:"found"`
	Pages   int   `json:"pages"`
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
}

// GetItems fetches a single page of items.
func (c *Client) GetItems(ctx context.Context, target string, q url.Values, page int) (*ItemResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	req = c.setHeaders(req)
	req.Header.Set("Content-Type", contentType)

	params := url.Values{}
	for k, v := range q {
		params[k] = v
	}
	params.Set("page", strconv.Itoa(page))
	req.URL.RawQuery = params.Encode()

	var response ItemResponse
	if err := c.do(req, http.StatusOK, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

func (c *Client) postFormData(ctx context.Context, target string, data map[string]string, out any) error {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	for key, val := range data {
		field, err := w.CreateFormField(key)
		if err != nil {
			return err
		}

		if _, err = io.Copy(field, strings.NewReader(val)); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &b)
	if err != nil {
		return err
	}

	req = c.setHeaders(req)
	req.Header.Set("Content-Type", w.FormDataContentType())

	return c.do(req, http.StatusCreated, out)
}

// do sends req and decodes the body into out. Failures are classified as
// ErrFatal or ErrTransient when the status code says so.
func (c *Client) do(req *http.Request, want int, out any) error {
	c.logger.Debug("make request", zap.String("method", req.Method), zap.String("url", req.URL.String()))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classify(resp, want); err != nil {
		return err
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return err
		}
		defer gz.Close()
		body = gz
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(body).Decode(out)
}

func classify(resp *http.Response, want int) error {
	switch {
	case resp.StatusCode == want || (want == http.StatusCreated && resp.StatusCode == http.StatusOK):
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: bad status: %s", ErrFatal, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: bad status: %s", ErrTransient, resp.Status)
	default:
		return fmt.Errorf("bad status: %s", resp.Status)
	}
}

func (c *Client) setHeaders(req *http.Request) *http.Request {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept-Encoding", contentEncoding)

	return req
}

// buildParams turns q into query values using the param struct tag.
func buildParams(q Query) url.Values {
	values := url.Values{}
	v := reflect.ValueOf(q)
	for _, field := range reflect.VisibleFields(v.Type()) {
		key := field.Tag.Get("param")
		if key == "" {
			continue
		}

		switch value := v.FieldByIndex(field.Index).Interface().(type) {
		case []string:
			for _, s := range value {
				if s = strings.TrimSpace(s); s != "" {
					values.Add(key, s)
				}
			}
		case int:
			if value > 0 {
				values.Set(key, strconv.Itoa(value))
			}
		case string:
			if value = strings.TrimSpace(value); value != "" {
				values.Set(key, value)
			}
		}
	}

	return values
}
