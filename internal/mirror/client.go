// Package mirror cross-posts projected records to a secondary network.
package mirror

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/retry"
	"github.com/MarcoPoloResearchLab/poltr/indexer/internal/stream"
	"go.uber.org/zap"
)

const (
	createRecordPath = "/xrpc/com.atproto.repo.createRecord"
	getRecordPath    = "/xrpc/com.atproto.repo.getRecord"
	postCollection   = "app.bsky.feed.post"
	maxPostRunes     = 300
	ellipsis         = "…"
	defaultTimeout   = 10 * time.Second
	maxErrorBody     = 4096
)

var (
	errMissingBaseURL = errors.New("mirror: base url is required")
	errMissingRepo    = errors.New("mirror: repo is required")
	errMissingToken   = errors.New("mirror: access token is required")

	tidPattern = regexp.MustCompile(`^[234567abcdefghij][234567abcdefghijklmnopqrstuvwxyz]{12}$`)
)

const tidAlphabet = "234567abcdefghijklmnopqrstuvwxyz"

// Ref points at a post on the secondary network.
type Ref struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Request describes the record to mirror. Reply threads the post under another one.
type Request struct {
	SourceURI string
	Title     string
	Body      string
	Reply     *Ref
	CreatedAt *time.Time
}

type Result struct {
	ExternalURI string
	ExternalCID string
}

type ClientConfig struct {
	BaseURL     string
	Repo        string
	AccessToken string
	HTTPClient  *http.Client
	Policy      retry.Policy
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Client posts through com.atproto.repo.createRecord.
type Client struct {
	base        string
	endpoint    string
	repo        string
	accessToken string
	httpClient  *http.Client
	policy      retry.Policy
	clock       func() time.Time
	logger      *zap.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.Repo) == "" {
		return nil, errMissingRepo
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errMissingToken
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:        base,
		endpoint:    base + createRecordPath,
		repo:        cfg.Repo,
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
		policy:      cfg.Policy,
		clock:       clock,
		logger:      logger,
	}, nil
}

type replyRef struct {
	Root   Ref `json:"root"`
	Parent Ref `json:"parent"`
}

type postRecord struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Reply     *replyRef `json:"reply,omitempty"`
}

type createRecordInput struct {
	Repo       string     `json:"repo"`
	Collection string     `json:"collection"`
	RecordKey  string     `json:"rkey"`
	Record     postRecord `json:"record"`
}

type createRecordOutput struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("mirror: createRecord returned %d: %s", e.code, e.body)
}

// Mirror creates one post and returns its identifiers. Transient failures are retried
// under the client's policy. The post's record key is derived from the source record, so
// a retry after an unacknowledged success conflicts and resolves to the existing post.
func (c *Client) Mirror(ctx context.Context, request Request) (Result, error) {
	recordKey := RecordKey(request.SourceURI)
	createdAt := c.clock().UTC()
	if request.CreatedAt != nil {
		createdAt = request.CreatedAt.UTC()
	}
	input := createRecordInput{
		Repo:       c.repo,
		Collection: postCollection,
		RecordKey:  recordKey,
		Record: postRecord{
			Type:      postCollection,
			Text:      PostText(request.Title, request.Body),
			CreatedAt: createdAt.Format(time.RFC3339Nano),
		},
	}
	if request.Reply != nil {
		input.Record.Reply = &replyRef{Root: *request.Reply, Parent: *request.Reply}
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return Result{}, fmt.Errorf("mirror: encode request: %w", err)
	}

	var output createRecordOutput
	attempts := 0
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		var callErr error
		output, callErr = c.createRecord(ctx, payload)
		var status *statusError
		if attempts > 1 && errors.As(callErr, &status) && status.code == http.StatusBadRequest {
			existing, found, getErr := c.getRecord(ctx, recordKey)
			if getErr != nil {
				return getErr
			}
			if found {
				output = existing
				return nil
			}
		}
		return callErr
	}, func(err error, attempt int, wait time.Duration) {
		c.logger.Warn("mirror request failed, retrying",
			zap.String("source_uri", request.SourceURI),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return Result{}, err
	}
	c.logger.Info("record mirrored",
		zap.String("source_uri", request.SourceURI),
		zap.String("external_uri", output.URI))
	return Result{ExternalURI: output.URI, ExternalCID: output.CID}, nil
}

func (c *Client) createRecord(ctx context.Context, payload []byte) (createRecordOutput, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return createRecordOutput{}, retry.Fatal(err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+c.accessToken)

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if ctx.Err() != nil {
			return createRecordOutput{}, ctx.Err()
		}
		return createRecordOutput{}, retry.Retriable(fmt.Errorf("mirror: request: %w", err))
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		statusErr := &statusError{code: response.StatusCode, body: strings.TrimSpace(string(body))}
		if response.StatusCode >= http.StatusInternalServerError || response.StatusCode == http.StatusTooManyRequests {
			return createRecordOutput{}, retry.Retriable(statusErr)
		}
		return createRecordOutput{}, retry.Fatal(statusErr)
	}

	var output createRecordOutput
	if err := json.NewDecoder(response.Body).Decode(&output); err != nil {
		return createRecordOutput{}, retry.Fatal(fmt.Errorf("mirror: decode response: %w", err))
	}
	if output.URI == "" || output.CID == "" {
		return createRecordOutput{}, retry.Fatal(errors.New("mirror: response lacks uri or cid"))
	}
	return output, nil
}

// getRecord looks up a post this client may already have written under recordKey.
func (c *Client) getRecord(ctx context.Context, recordKey string) (createRecordOutput, bool, error) {
	query := url.Values{}
	query.Set("repo", c.repo)
	query.Set("collection", postCollection)
	query.Set("rkey", recordKey)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+getRecordPath+"?"+query.Encode(), nil)
	if err != nil {
		return createRecordOutput{}, false, retry.Fatal(err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+c.accessToken)

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if ctx.Err() != nil {
			return createRecordOutput{}, false, ctx.Err()
		}
		return createRecordOutput{}, false, retry.Retriable(fmt.Errorf("mirror: get record: %w", err))
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusOK:
	case response.StatusCode >= http.StatusInternalServerError:
		return createRecordOutput{}, false, retry.Retriable(fmt.Errorf("mirror: getRecord returned %d", response.StatusCode))
	default:
		return createRecordOutput{}, false, nil
	}
	var output createRecordOutput
	if err := json.NewDecoder(response.Body).Decode(&output); err != nil {
		return createRecordOutput{}, false, retry.Fatal(fmt.Errorf("mirror: decode record: %w", err))
	}
	if output.URI == "" || output.CID == "" {
		return createRecordOutput{}, false, nil
	}
	return output, true, nil
}

// RecordKey returns the post record key for a source record: the source key itself when
// it is a TID, otherwise a TID built from a hash of the source URI.
func RecordKey(sourceURI string) string {
	if _, _, recordKey, err := stream.ParseRecordURI(sourceURI); err == nil && tidPattern.MatchString(recordKey) {
		return recordKey
	}
	sum := sha256.Sum256([]byte(sourceURI))
	value := binary.BigEndian.Uint64(sum[:8]) &^ (1 << 63)
	var key [13]byte
	for i := len(key) - 1; i >= 0; i-- {
		key[i] = tidAlphabet[value&0x1f]
		value >>= 5
	}
	return string(key[:])
}

// PostText joins title and body and truncates the result to the post length limit.
func PostText(title, body string) string {
	text := strings.TrimSpace(title)
	if trimmedBody := strings.TrimSpace(body); trimmedBody != "" {
		if text != "" {
			text += "\n\n"
		}
		text += trimmedBody
	}
	runes := []rune(text)
	if len(runes) <= maxPostRunes {
		return text
	}
	return strings.TrimSpace(string(runes[:maxPostRunes-1])) + ellipsis
}
