package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sam3web/config"
	"sam3web/task"
)

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCanceled  = "canceled"
)

// Input is the payload accepted by the SAM3 video model.
type Input struct {
	Video       string  `json:"video"`
	Prompt      string  `json:"prompt"`
	MaskColor   string  `json:"mask_color"`
	MaskOpacity float64 `json:"mask_opacity"`
	MaskOnly    bool    `json:"mask_only"`
	ReturnZip   bool    `json:"return_zip"`
}

// BuildInput fills the model defaults for missing settings.
func BuildInput(sourceRef string, s task.Settings) Input {
	in := Input{
		Video:       task.CleanSourceRef(sourceRef),
		Prompt:      s.Prompt,
		MaskColor:   s.MaskColor,
		MaskOpacity: s.MaskOpacity,
		MaskOnly:    s.MaskOnly,
		ReturnZip:   s.ReturnZip,
	}
	if in.Prompt == "" {
		in.Prompt = "object"
	}
	if in.MaskColor == "" {
		in.MaskColor = "red"
	}
	return in
}

type Prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
}

func (p *Prediction) terminal() bool {
	switch p.Status {
	case statusSucceeded, statusFailed, statusCanceled:
		return true
	}
	return false
}

// Client submits predictions to the Replicate HTTP API and waits for them.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	token        string
	version      string
	pollInterval time.Duration
	timeout      time.Duration
}

func NewClient(cfg *config.Config) *Client {
	version := cfg.ModelVersion
	if i := strings.LastIndex(version, ":"); i >= 0 {
		version = version[i+1:]
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Client{
		httpClient:   &http.Client{},
		baseURL:      strings.TrimSuffix(cfg.ReplicateBaseURL, "/"),
		token:        cfg.ReplicateToken,
		version:      version,
		pollInterval: poll,
		timeout:      cfg.PredictionTimeout,
	}
}

// IsConfigured returns true if an API token is available.
func (c *Client) IsConfigured() bool {
	return c.token != ""
}

// Submit runs the model on one video and returns the output URL.
func (c *Client) Submit(ctx context.Context, sourceRef string, settings task.Settings) (string, error) {
	if !c.IsConfigured() {
		return "", &task.RemoteSubmissionError{Message: "REPLICATE_API_TOKEN is not set"}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body := map[string]interface{}{
		"version": c.version,
		"input":   BuildInput(sourceRef, settings),
	}
	var p Prediction
	if err := c.post(ctx, "/v1/predictions", body, &p); err != nil {
		return "", err
	}

	log := logrus.WithField("prediction", p.ID)
	log.WithField("status", p.Status).Info("prediction created")

	for attempt := 1; !p.terminal(); attempt++ {
		select {
		case <-ctx.Done():
			return "", &task.RemoteSubmissionError{Message: "gave up waiting for prediction " + p.ID, Err: ctx.Err()}
		case <-time.After(c.pollInterval):
		}
		if err := c.get(ctx, "/v1/predictions/"+p.ID, &p); err != nil {
			return "", err
		}
		log.WithFields(logrus.Fields{"attempt": attempt, "status": p.Status}).Debug("polled prediction")
	}

	if p.Status != statusSucceeded {
		msg := predictionError(p.Error)
		if msg == "" {
			msg = "prediction " + p.Status
		}
		return "", &task.RemoteSubmissionError{Message: msg}
	}
	return outputURL(p.Output)
}

func (c *Client) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Prefer", "wait")
	return c.doRequest(req, result)
}

func (c *Client) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	log := logrus.WithFields(logrus.Fields{"method": req.Method, "url": req.URL.String()})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("replicate request failed")
		return &task.RemoteSubmissionError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &task.RemoteSubmissionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	log.WithField("status", resp.StatusCode).Debug("replicate response")

	if resp.StatusCode == http.StatusTooManyRequests {
		return task.NewRateLimitedError(resp.StatusCode, retryAfter(resp.Header.Get("Retry-After")))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &task.RemoteSubmissionError{StatusCode: resp.StatusCode, Message: errorDetail(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return &task.RemoteSubmissionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	return nil
}

// outputURL accepts a single URL or a list of URLs (first one wins).
func outputURL(raw json.RawMessage) (string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, u := range list {
			if u != "" {
				return u, nil
			}
		}
	}
	return "", &task.RemoteSubmissionError{Message: fmt.Sprintf("unexpected prediction output: %s", string(raw))}
}

func predictionError(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func errorDetail(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(body))
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
