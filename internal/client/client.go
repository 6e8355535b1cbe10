// Package client talks to a running scriptd server.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/Rutomatrix/scriptd/internal/model"
)

type Client struct {
	base   *url.URL
	client *http.Client
}

func New(serverURL string) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://localhost:8000`")
	}

	return &Client{
		base:   parsedURL,
		client: &http.Client{},
	}, nil
}

// WithHTTPClient replaces the default http.Client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// Run runs the script on the server and copies its output to w as it
// arrives. The returned status is the one reported by the server.
func (c *Client) Run(ctx context.Context, name string, args []string, w io.Writer) (model.RunStatus, error) {
	q := url.Values{}
	for _, a := range args {
		q.Add("args", a)
	}
	resp, err := c.do(ctx, http.MethodPost, runPath(name), q)
	if err != nil {
		return model.RunStatus{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := checkResponse(resp, "application/x-ndjson"); err != nil {
		return model.RunStatus{}, err
	}

	st := model.RunStatus{RunID: resp.Header.Get("X-Run-Id"), Script: name}
	dec := json.NewDecoder(bufio.NewReader(resp.Body))
	for {
		var ev event
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return st, errors.New("stream ended without exit status")
		}
		if err != nil {
			return st, fmt.Errorf("decoding run stream: %w", err)
		}
		switch ev.Type {
		case "line":
			text := ev.Text
			if ev.Terminated {
				text += "\n"
			}
			if _, err := io.WriteString(w, text); err != nil {
				return st, err
			}
		case "exit":
			st.State = ev.State
			if ev.ExitCode != nil {
				st.ExitCode = *ev.ExitCode
			}
			slog.DebugContext(ctx, "remote run finished",
				slog.String("run_id", st.RunID),
				slog.String("state", string(st.State)),
				slog.Int("exit_code", st.ExitCode))
			return st, nil
		}
	}
}

// Cancel terminates the active run of the script.
func (c *Client) Cancel(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, runPath(name), nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return checkResponse(resp, "application/json")
}

func (c *Client) Install(ctx context.Context) ([]model.StepOutcome, error) {
	return c.stackOp(ctx, "/stack/install")
}

func (c *Client) Remove(ctx context.Context) ([]model.StepOutcome, error) {
	return c.stackOp(ctx, "/stack/remove")
}

func (c *Client) Status(ctx context.Context) (model.StackStatus, error) {
	var st model.StackStatus
	resp, err := c.do(ctx, http.MethodGet, "/stack", nil)
	if err != nil {
		return st, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := checkResponse(resp, "application/json"); err != nil {
		return st, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decoding json response failed: %w", err)
	}
	return st, nil
}

// stackOp returns the step report also when the operation failed.
func (c *Client) stackOp(ctx context.Context, path string) ([]model.StepOutcome, error) {
	resp, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || contentType != "application/json" {
		return nil, checkResponse(resp, "application/json")
	}
	var body struct {
		Steps []model.StepOutcome `json:"steps"`
		Error string              `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding json response failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return body.Steps, statusError(resp.StatusCode, body.Error)
	}
	return body.Steps, nil
}

func runPath(name string) string {
	return "/scripts/run/" + url.PathEscape(name)
}

// do sends a request to the escaped path.
func (c *Client) do(ctx context.Context, method, path string, q url.Values) (*http.Response, error) {
	u := *c.base
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return nil, err
	}
	u.Path, u.RawPath = unescaped, path
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

type event struct {
	Type       string         `json:"type"`
	Text       string         `json:"text"`
	Terminated bool           `json:"terminated"`
	State      model.RunState `json:"state"`
	ExitCode   *int           `json:"exit_code"`
}

// checkResponse accepts 2xx responses of the expected content type and
// turns the rest into errors.
func checkResponse(resp *http.Response, expected string) error {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("failed to parse response content type header: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if contentType != expected {
			return fmt.Errorf("expected `%s` content type, got: %s", expected, contentType)
		}
		return nil
	}
	if contentType == "application/json" {
		var body struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return statusError(resp.StatusCode, body.Error)
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}

// statusError maps the server status code back to the domain error.
func statusError(code int, detail string) error {
	var sentinel error
	switch code {
	case http.StatusNotFound:
		sentinel = model.ErrNotFound
	case http.StatusForbidden:
		sentinel = model.ErrNotExecutable
	case http.StatusConflict:
		sentinel = model.ErrAlreadyRunning
		if strings.Contains(detail, model.ErrStackBusy.Error()) {
			sentinel = model.ErrStackBusy
		}
	case http.StatusBadGateway:
		sentinel = model.ErrUnitOperationFailed
	default:
		return fmt.Errorf("status code: %d, detail: %s", code, detail)
	}
	return fmt.Errorf("%w: %s", sentinel, detail)
}
