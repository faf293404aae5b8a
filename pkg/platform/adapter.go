package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/MarkoPoloResearchLab/publisher/pkg/credential"
)

// Adapter translates a generic publish request into one platform's API call
// and classifies the response into a normalized Result.
type Adapter interface {
	Platform() credential.Platform
	Publish(ctx context.Context, cred credential.Credential, content Content) Result
	// Lookup searches the platform for a post matching the content created at
	// or after sinceUnixUTC. Only meaningful when SupportsLookup is true.
	Lookup(ctx context.Context, cred credential.Credential, content Content, sinceUnixUTC int64) (string, bool, error)
	SupportsLookup() bool
}

// ErrLookupUnsupported is returned by adapters without a lookup capability.
var ErrLookupUnsupported = errors.New("platform has no post lookup")

// errThrottleWait marks a call abandoned in the client-side limiter queue.
// Nothing reached the platform, so it never classifies as ambiguous.
var errThrottleWait = errors.New("throttle wait aborted")

const (
	defaultCallTimeout      = 15 * time.Second
	defaultRequestsPerSec   = 5
	defaultBurst            = 5
	maxPlatformResponseSize = 1 << 20
)

// restClient is the shared HTTP plumbing under every adapter: client-side
// rate limiting, bounded call timeout, bearer auth, and response capping.
type restClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	timeout    time.Duration
}

func newRESTClient(httpClient *http.Client, requestsPerSecond float64, timeout time.Duration) *restClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsPerSec
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &restClient{
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), defaultBurst),
		timeout:    timeout,
	}
}

type platformResponse struct {
	status int
	header http.Header
	body   []byte
}

// do performs one platform call. The returned error is a transport-level
// failure; any HTTP response, including error statuses, comes back as a
// platformResponse for the adapter to classify.
func (client *restClient) do(ctx context.Context, method string, endpoint string, bearerToken string, contentType string, payload io.Reader) (platformResponse, error) {
	if err := client.limiter.Wait(ctx); err != nil {
		return platformResponse{}, fmt.Errorf("%w: %v", errThrottleWait, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(callCtx, method, endpoint, payload)
	if err != nil {
		return platformResponse{}, err
	}
	if bearerToken != "" {
		request.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return platformResponse{}, err
	}
	defer func() { _ = response.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(response.Body, maxPlatformResponseSize))
	if err != nil {
		return platformResponse{}, err
	}
	return platformResponse{status: response.StatusCode, header: response.Header, body: body}, nil
}

func (client *restClient) postJSON(ctx context.Context, endpoint string, bearerToken string, payload any) (platformResponse, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return platformResponse{}, err
	}
	return client.do(ctx, http.MethodPost, endpoint, bearerToken, "application/json", bytes.NewReader(encoded))
}

func (client *restClient) postForm(ctx context.Context, endpoint string, bearerToken string, form url.Values) (platformResponse, error) {
	return client.do(ctx, http.MethodPost, endpoint, bearerToken, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

func (client *restClient) getJSON(ctx context.Context, endpoint string, bearerToken string) (platformResponse, error) {
	return client.do(ctx, http.MethodGet, endpoint, bearerToken, "", nil)
}

// publishOutcome folds transport errors and non-2xx statuses into the result
// taxonomy, then hands 2xx bodies to extractID for the platform post id. A
// confirmed 2xx whose body yields no id is ambiguous, not a success.
func publishOutcome(response platformResponse, transportErr error, extractID func([]byte, http.Header) (string, error)) Result {
	if transportErr != nil {
		return classifyTransportError(transportErr)
	}
	if response.status < 200 || response.status > 299 {
		return classifyStatus(response.status, response.header, response.body)
	}
	platformPostID, err := extractID(response.body, response.header)
	if err != nil || platformPostID == "" {
		return Ambiguous(fmt.Sprintf("status %d with unparseable body", response.status))
	}
	return Success(platformPostID)
}
