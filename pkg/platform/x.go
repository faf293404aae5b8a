package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/MarkoPoloResearchLab/publisher/pkg/credential"
)

// XAdapter publishes tweets through the v2 API.
type XAdapter struct {
	client  *restClient
	baseURL string
}

// NewXAdapter wires an API client for x.
func NewXAdapter(baseURL string, httpClient *http.Client) *XAdapter {
	return &XAdapter{
		client:  newRESTClient(httpClient, defaultRequestsPerSec, defaultCallTimeout),
		baseURL: baseURL,
	}
}

// Platform returns the platform this adapter serves.
func (adapter *XAdapter) Platform() credential.Platform {
	return credential.PlatformX
}

// Publish creates a tweet with the content text.
func (adapter *XAdapter) Publish(ctx context.Context, cred credential.Credential, content Content) Result {
	payload := map[string]string{"text": content.Text}
	response, err := adapter.client.postJSON(ctx, adapter.baseURL+"/2/tweets", cred.AccessToken, payload)
	return publishOutcome(response, err, func(body []byte, _ http.Header) (string, error) {
		var parsed struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", err
		}
		return parsed.Data.ID, nil
	})
}

// SupportsLookup reports that the user timeline can be listed.
func (adapter *XAdapter) SupportsLookup() bool {
	return true
}

// Lookup scans the authenticated user's recent tweets for matching text.
func (adapter *XAdapter) Lookup(ctx context.Context, cred credential.Credential, content Content, sinceUnixUTC int64) (string, bool, error) {
	endpoint := adapter.baseURL + "/2/users/me/tweets?max_results=20"
	response, err := adapter.client.getJSON(ctx, endpoint, cred.AccessToken)
	if err != nil {
		return "", false, err
	}
	if response.status != http.StatusOK {
		return "", false, fmt.Errorf("timeline lookup status %d", response.status)
	}
	var parsed struct {
		Data []struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"data"`
	}
	if err := json.Unmarshal(response.body, &parsed); err != nil {
		return "", false, err
	}
	for _, tweet := range parsed.Data {
		if tweet.Text == content.Text {
			return tweet.ID, true, nil
		}
	}
	return "", false, nil
}
