package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/MarkoPoloResearchLab/publisher/pkg/credential"
)

// LinkedInAdapter publishes UGC posts for a member urn.
type LinkedInAdapter struct {
	client    *restClient
	baseURL   string
	authorURN string
}

// NewLinkedInAdapter wires an API client for linkedin.
func NewLinkedInAdapter(baseURL string, authorURN string, httpClient *http.Client) *LinkedInAdapter {
	return &LinkedInAdapter{
		client:    newRESTClient(httpClient, defaultRequestsPerSec, defaultCallTimeout),
		baseURL:   baseURL,
		authorURN: authorURN,
	}
}

// Platform returns the platform this adapter serves.
func (adapter *LinkedInAdapter) Platform() credential.Platform {
	return credential.PlatformLinkedIn
}

// Publish creates a UGC post. The created id arrives in the x-restli-id
// response header, with the body id as fallback.
func (adapter *LinkedInAdapter) Publish(ctx context.Context, cred credential.Credential, content Content) Result {
	payload := map[string]any{
		"author":         adapter.authorURN,
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]any{
			"com.linkedin.ugc.ShareContent": map[string]any{
				"shareCommentary":    map[string]string{"text": content.Text},
				"shareMediaCategory": "NONE",
			},
		},
	}
	response, err := adapter.client.postJSON(ctx, adapter.baseURL+"/v2/ugcPosts", cred.AccessToken, payload)
	return publishOutcome(response, err, func(body []byte, header http.Header) (string, error) {
		if id := header.Get("x-restli-id"); id != "" {
			return id, nil
		}
		var parsed struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", err
		}
		return parsed.ID, nil
	})
}

// SupportsLookup reports that authored posts can be listed.
func (adapter *LinkedInAdapter) SupportsLookup() bool {
	return true
}

// Lookup scans the author's recent UGC posts for matching commentary.
func (adapter *LinkedInAdapter) Lookup(ctx context.Context, cred credential.Credential, content Content, sinceUnixUTC int64) (string, bool, error) {
	endpoint := fmt.Sprintf("%s/v2/ugcPosts?q=authors&authors=%s", adapter.baseURL, adapter.authorURN)
	response, err := adapter.client.getJSON(ctx, endpoint, cred.AccessToken)
	if err != nil {
		return "", false, err
	}
	if response.status != http.StatusOK {
		return "", false, fmt.Errorf("ugc lookup status %d", response.status)
	}
	var parsed struct {
		Elements []struct {
			ID              string `json:"id"`
			SpecificContent struct {
				ShareContent struct {
					ShareCommentary struct {
						Text string `json:"text"`
					} `json:"shareCommentary"`
				} `json:"com.linkedin.ugc.ShareContent"`
			} `json:"specificContent"`
		} `json:"elements"`
	}
	if err := json.Unmarshal(response.body, &parsed); err != nil {
		return "", false, err
	}
	for _, element := range parsed.Elements {
		if element.SpecificContent.ShareContent.ShareCommentary.Text == content.Text {
			return element.ID, true, nil
		}
	}
	return "", false, nil
}
