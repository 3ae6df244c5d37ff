/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package carbon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	wattTimeProvenance = "watttime"

	// WattTime reports a relative index in [0, 100]; samples are rescaled
	// onto [0, 800] gCO2eq/kWh so both providers share a unit.
	wattTimeScale = 8.0

	// Tokens are valid for 30 minutes; refresh a little early.
	wattTimeTokenLifetime = 25 * time.Minute
)

// WattTimeProvider talks to the WattTime API. Regions map onto WattTime
// balancing-authority abbreviations (e.g. "PJM_DC").
type WattTimeProvider struct {
	baseURL  string
	username string
	password string
	client   *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewWattTimeProvider returns a provider rooted at baseURL authenticating
// with the given account credentials.
func NewWattTimeProvider(baseURL, username, password string) *WattTimeProvider {
	return &WattTimeProvider{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   &http.Client{Timeout: providerTimeout},
	}
}

type wattTimeIndex struct {
	BA      string  `json:"ba"`
	Percent float64 `json:"percent"`
	Point   string  `json:"point_time"`
}

type wattTimeForecast struct {
	Forecast []struct {
		Percent float64 `json:"value"`
		Point   string  `json:"point_time"`
	} `json:"forecast"`
}

func (p *WattTimeProvider) GetCarbonIntensity(ctx context.Context, region string, at time.Time) (*IntensitySample, error) {
	var payload wattTimeIndex
	if err := p.get(ctx, "/index", region, &payload); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339, payload.Point)
	if err != nil {
		return nil, newProviderError(ProviderMalformed, "parsing watttime point_time %q, %w", payload.Point, err)
	}
	sample := p.toSample(region, ts, payload.Percent)
	return &sample, nil
}

func (p *WattTimeProvider) GetCarbonForecast(ctx context.Context, region string, start, end time.Time) ([]IntensitySample, error) {
	var payload wattTimeForecast
	if err := p.get(ctx, "/forecast", region, &payload); err != nil {
		return nil, err
	}
	samples := make([]IntensitySample, 0, len(payload.Forecast))
	for _, point := range payload.Forecast {
		ts, err := time.Parse(time.RFC3339, point.Point)
		if err != nil {
			return nil, newProviderError(ProviderMalformed, "parsing watttime point_time %q, %w", point.Point, err)
		}
		if ts.Before(start) || ts.After(end) {
			continue
		}
		samples = append(samples, p.toSample(region, ts, point.Percent))
	}
	return samples, nil
}

func (p *WattTimeProvider) toSample(region string, at time.Time, percent float64) IntensitySample {
	now := time.Now()
	return IntensitySample{
		Region:     region,
		Timestamp:  at,
		Intensity:  percent * wattTimeScale,
		Unit:       Unit,
		Provenance: wattTimeProvenance,
		FetchedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
}

func (p *WattTimeProvider) get(ctx context.Context, path, ba string, out interface{}) error {
	token, err := p.login(ctx)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s%s?ba=%s", p.baseURL, path, url.QueryEscape(ba))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return newProviderError(ProviderUnreachable, "creating request, %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := p.client.Do(req)
	if err != nil {
		return newProviderError(ProviderUnreachable, "calling watttime, %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		// Token may have been revoked early; drop it so the next call
		// re-authenticates.
		p.mu.Lock()
		p.token = ""
		p.mu.Unlock()
	}
	if resp.StatusCode != http.StatusOK {
		return newProviderError(classifyStatus(resp.StatusCode), "watttime returned status %d for ba %q", resp.StatusCode, ba)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newProviderError(ProviderMalformed, "decoding watttime response, %w", err)
	}
	return nil
}

// login returns a bearer token, re-authenticating when the cached token has
// expired.
func (p *WattTimeProvider) login(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && time.Now().Before(p.tokenExpiry) {
		return p.token, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/login", nil)
	if err != nil {
		return "", newProviderError(ProviderUnreachable, "creating login request, %w", err)
	}
	req.SetBasicAuth(p.username, p.password)
	resp, err := p.client.Do(req)
	if err != nil {
		return "", newProviderError(ProviderUnreachable, "logging in to watttime, %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", newProviderError(classifyStatus(resp.StatusCode), "watttime login returned status %d", resp.StatusCode)
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", newProviderError(ProviderMalformed, "decoding watttime login response, %w", err)
	}
	if payload.Token == "" {
		return "", newProviderError(ProviderMalformed, "watttime login returned an empty token")
	}
	p.token = payload.Token
	p.tokenExpiry = time.Now().Add(wattTimeTokenLifetime)
	return p.token, nil
}
