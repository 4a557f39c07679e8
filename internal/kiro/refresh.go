package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nulpointcorp/kirogate/internal/faults"
)

// RefreshResult carries the renewed token set.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string // may rotate; empty means unchanged
	ExpiresAt    time.Time
	ProfileArn   string
	Tier         string
	QuotaLeft    int
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
	ExpiresAt    string `json:"expiresAt"`
	ProfileArn   string `json:"profileArn"`

	SubscriptionTier string `json:"subscriptionTier"`
	UsageLimits      struct {
		Remaining int `json:"remaining"`
	} `json:"usageLimits"`
}

// Refresh exchanges a refresh token for a fresh access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	target := refreshURL(c.region)
	if c.urlOverride != "" {
		target = c.urlOverride
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UpstreamError{Message: err.Error(), Class: faults.ClassifyError(err)}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		return nil, &UpstreamError{
			Status:  resp.StatusCode,
			Message: msg,
			Class:   faults.Classify(resp.StatusCode, msg),
		}
	}

	var rr refreshResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("kiro: refresh response: %w", err)
	}
	if rr.AccessToken == "" {
		return nil, fmt.Errorf("kiro: refresh response missing accessToken")
	}

	out := &RefreshResult{
		AccessToken:  rr.AccessToken,
		RefreshToken: rr.RefreshToken,
		ProfileArn:   rr.ProfileArn,
		Tier:         rr.SubscriptionTier,
		QuotaLeft:    rr.UsageLimits.Remaining,
	}
	switch {
	case rr.ExpiresAt != "":
		if t, perr := time.Parse(time.RFC3339, rr.ExpiresAt); perr == nil {
			out.ExpiresAt = t
		}
	case rr.ExpiresIn > 0:
		out.ExpiresAt = time.Now().Add(time.Duration(rr.ExpiresIn) * time.Second)
	}
	return out, nil
}
