package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Credentials is the ephemeral session grant returned by the bootstrap
// collaborator. The client secret authorizes exactly one SDP handshake.
type Credentials struct {
	ClientSecret string
	Model        string
	Voice        string
}

type bootstrapResponse struct {
	OK           bool   `json:"ok"`
	ClientSecret string `json:"clientSecret"`
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	Error        string `json:"error"`
	Stage        string `json:"stage"`
}

// fetchCredentials requests an ephemeral session credential. Endpoint
// rejections map to the session-setup stage; malformed or incomplete bodies
// map to the token-parse stage.
func fetchCredentials(ctx context.Context, client *http.Client, endpoint, question string) (*Credentials, *FlowError) {
	payload, err := json.Marshal(map[string]string{"question": question})
	if err != nil {
		return nil, flowErr(StageSessionSetup, "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, flowErr(StageSessionSetup, "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, flowErr(StageSessionSetup, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, flowErr(StageSessionSetup, "", err)
	}

	var parsed bootstrapResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, flowErr(StageTokenParse, "malformed bootstrap response", err)
	}

	if resp.StatusCode != http.StatusOK || !parsed.OK {
		stage := StageSessionSetup
		if parsed.Stage == "token_parse" {
			stage = StageTokenParse
		}
		detail := parsed.Error
		if detail == "" {
			detail = fmt.Sprintf("bootstrap returned status %d", resp.StatusCode)
		}
		return nil, flowErr(stage, detail, nil)
	}

	if parsed.ClientSecret == "" || parsed.Model == "" {
		return nil, flowErr(StageTokenParse, "bootstrap response missing credential or model", nil)
	}

	return &Credentials{
		ClientSecret: parsed.ClientSecret,
		Model:        parsed.Model,
		Voice:        parsed.Voice,
	}, nil
}

// exchangeSDP submits the local offer to the provider endpoint and returns
// the remote answer SDP. The response body is SDP text, not JSON.
func exchangeSDP(ctx context.Context, client *http.Client, baseURL, model, clientSecret, offerSDP string) (string, error) {
	endpoint := baseURL + "?model=" + url.QueryEscape(model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offerSDP))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+clientSecret)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("handshake returned status %d: %s", resp.StatusCode, SanitizeDetail(string(body)))
	}

	return string(body), nil
}
