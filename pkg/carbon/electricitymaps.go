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
	"time"
)

const electricityMapsProvenance = "electricitymaps"

// ElectricityMapsProvider talks to the ElectricityMaps API. Regions map 1:1
// onto ElectricityMaps zone identifiers (e.g. "US-MIDA-PJM").
type ElectricityMapsProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewElectricityMapsProvider returns a provider rooted at baseURL
// authenticating with the given API token.
func NewElectricityMapsProvider(baseURL, token string) *ElectricityMapsProvider {
	return &ElectricityMapsProvider{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: providerTimeout},
	}
}

type electricityMapsLatest struct {
	Zone            string    `json:"zone"`
	CarbonIntensity float64   `json:"carbonIntensity"`
	Datetime        time.Time `json:"datetime"`
}

type electricityMapsForecast struct {
	Zone     string `json:"zone"`
	Forecast []struct {
		CarbonIntensity float64   `json:"carbonIntensity"`
		Datetime        time.Time `json:"datetime"`
	} `json:"forecast"`
}

func (p *ElectricityMapsProvider) GetCarbonIntensity(ctx context.Context, region string, at time.Time) (*IntensitySample, error) {
	var payload electricityMapsLatest
	if err := p.get(ctx, "/carbon-intensity/latest", region, &payload); err != nil {
		return nil, err
	}
	sample := p.toSample(region, payload.Datetime, payload.CarbonIntensity)
	return &sample, nil
}

func (p *ElectricityMapsProvider) GetCarbonForecast(ctx context.Context, region string, start, end time.Time) ([]IntensitySample, error) {
	var payload electricityMapsForecast
	if err := p.get(ctx, "/carbon-intensity/forecast", region, &payload); err != nil {
		return nil, err
	}
	samples := make([]IntensitySample, 0, len(payload.Forecast))
	for _, point := range payload.Forecast {
		if point.Datetime.Before(start) || point.Datetime.After(end) {
			continue
		}
		samples = append(samples, p.toSample(region, point.Datetime, point.CarbonIntensity))
	}
	return samples, nil
}

func (p *ElectricityMapsProvider) toSample(region string, at time.Time, intensity float64) IntensitySample {
	now := time.Now()
	return IntensitySample{
		Region:     region,
		Timestamp:  at,
		Intensity:  intensity,
		Unit:       Unit,
		Provenance: electricityMapsProvenance,
		FetchedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
}

func (p *ElectricityMapsProvider) get(ctx context.Context, path, zone string, out interface{}) error {
	endpoint := fmt.Sprintf("%s%s?zone=%s", p.baseURL, path, url.QueryEscape(zone))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return newProviderError(ProviderUnreachable, "creating request, %w", err)
	}
	req.Header.Set("auth-token", p.token)
	resp, err := p.client.Do(req)
	if err != nil {
		return newProviderError(ProviderUnreachable, "calling electricitymaps, %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return newProviderError(classifyStatus(resp.StatusCode), "electricitymaps returned status %d for zone %q", resp.StatusCode, zone)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newProviderError(ProviderMalformed, "decoding electricitymaps response, %w", err)
	}
	return nil
}
