package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrConflict is returned by Merge when the branch has diverged or the
// forge reports the pull request as unmergeable.
var ErrConflict = errors.New("merge conflict")

const defaultBaseURL = "https://api.github.com"

// commentMarker is embedded in posted comments so that re-posting the
// same comment key is detectable and skipped.
const commentMarker = "<!-- gantry:%s -->"

// Client talks to the hosting forge's REST API to carry out merge, label
// and comment effects. All mutating calls are idempotent except Merge.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "forge"),
	}
}

// Mergeable re-checks whether the pull request can merge cleanly. This is
// consulted immediately before a merge commit to detect divergence since
// the approving snapshot.
func (c *Client) Mergeable(ctx context.Context, repo string, number int) (bool, error) {
	var pr struct {
		Mergeable *bool `json:"mergeable"`
	}
	path := fmt.Sprintf("/repos/%s/pulls/%d", repo, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &pr); err != nil {
		return false, err
	}
	// The forge may still be computing mergeability; treat unknown as
	// not mergeable so the coordinator holds instead of racing.
	return pr.Mergeable != nil && *pr.Mergeable, nil
}

// Merge merges the pull request using the given strategy ("rebase" or
// "merge"). Returns ErrConflict when the forge rejects the merge because
// the branch has diverged.
func (c *Client) Merge(ctx context.Context, repo string, number int, strategy, headSHA string) error {
	body := map[string]string{
		"merge_method": strategy,
	}
	if headSHA != "" {
		body["sha"] = headSHA
	}
	path := fmt.Sprintf("/repos/%s/pulls/%d/merge", repo, number)
	err := c.do(ctx, http.MethodPut, path, body, nil)

	var se *statusError
	if errors.As(err, &se) && (se.code == http.StatusMethodNotAllowed || se.code == http.StatusConflict) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// AddLabel attaches a label. Adding a label that is already present is a
// no-op on the forge side, so no pre-check is needed.
func (c *Client) AddLabel(ctx context.Context, repo string, number int, label string) error {
	body := map[string][]string{"labels": {label}}
	path := fmt.Sprintf("/repos/%s/issues/%d/labels", repo, number)
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// RemoveLabel detaches a label. A missing label is treated as success.
func (c *Client) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/labels/%s", repo, number, url.PathEscape(label))
	err := c.do(ctx, http.MethodDelete, path, nil, nil)

	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return nil
	}
	return err
}

// Comment posts a comment carrying a hidden dedupe marker for key. If a
// comment with the same marker already exists the post is skipped.
func (c *Client) Comment(ctx context.Context, repo string, number int, key, body string) error {
	marker := fmt.Sprintf(commentMarker, key)

	exists, err := c.commentExists(ctx, repo, number, marker)
	if err != nil {
		return err
	}
	if exists {
		c.logger.Debug("comment already posted", "repo", repo, "pr", number, "key", key)
		return nil
	}

	payload := map[string]string{"body": marker + "\n" + body}
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

func (c *Client) commentExists(ctx context.Context, repo string, number int, marker string) (bool, error) {
	var comments []struct {
		Body string `json:"body"`
	}
	path := fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=100", repo, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return false, err
	}
	for _, cm := range comments {
		if strings.Contains(cm.Body, marker) {
			return true, nil
		}
	}
	return false, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var b bytes.Buffer
		_, _ = b.ReadFrom(resp.Body)
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(b.String())}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
