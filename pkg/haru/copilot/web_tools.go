// web_tools.go registers the outbound HTTP tools: web search, page
// fetch, and weather. Every user-supplied URL passes the SSRF guard,
// including redirect hops.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jholhewres/haru/pkg/haru/copilot/security"
)

const (
	webFetchTimeout  = 20 * time.Second
	webFetchMaxBytes = 200 * 1024
	searchMaxResults = 8
)

// RegisterWebTools registers web_search, web_fetch and weather. API keys
// resolve through the keyring at call time so rotation needs no restart.
func RegisterWebTools(reg *Registry, guard *security.Guard) {
	client := &http.Client{
		Timeout: webFetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			// Redirect targets get the same treatment as the original URL.
			return guard.CheckURL(req.Context(), req.URL.String())
		},
	}

	reg.Register(&Tool{
		Def: ToolDefinition{
			Name:        "web_search",
			Description: "Search the web. Returns numbered results with titles, URLs and snippets.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Search query"},
					"count": map[string]any{"type": "integer", "description": "Max results, default 8"},
				},
				"required": []string{"query"},
			}),
		},
		Compress: compressWebSearch,
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Query string `json:"query"`
				Count int    `json:"count"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			if args.Query == "" {
				return "", fmt.Errorf("query is required")
			}
			count := args.Count
			if count <= 0 || count > searchMaxResults {
				count = searchMaxResults
			}
			apiKey := ResolveSecret(SecretSearchAPIKey)
			if apiKey == "" {
				return "", fmt.Errorf("web search needs an API key: haru secrets set %s", SecretSearchAPIKey)
			}
			return searchBrave(ctx, client, args.Query, apiKey, count)
		},
	})

	reg.Register(&Tool{
		Def: ToolDefinition{
			Name:        "web_fetch",
			Description: "Fetch a URL and return its text content. HTML is reduced to plain text.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string", "description": "The URL to fetch"},
				},
				"required": []string{"url"},
			}),
		},
		Compress: compressHead,
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				URL string `json:"url"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			target := args.URL
			if target == "" {
				return "", fmt.Errorf("url is required")
			}
			if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
				target = "https://" + target
			}
			if err := guard.CheckURL(ctx, target); err != nil {
				return "", err
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return "", fmt.Errorf("creating request: %w", err)
			}
			req.Header.Set("User-Agent", "haru/1.0")
			req.Header.Set("Accept", "text/html,text/plain,application/json")

			resp, err := client.Do(req)
			if err != nil {
				return "", fmt.Errorf("fetching URL: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBytes))
			content := string(body)
			if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
				content = stripHTMLTags(content)
			}
			return fmt.Sprintf("Status: %d\nContent-Type: %s\n\n%s",
				resp.StatusCode, resp.Header.Get("Content-Type"), content), nil
		},
	})

	reg.Register(&Tool{
		Def: ToolDefinition{
			Name:        "weather",
			Description: "Get the current weather for a city.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"city": map[string]any{"type": "string", "description": "City name, e.g. Seoul"},
				},
				"required": []string{"city"},
			}),
		},
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				City string `json:"city"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			if args.City == "" {
				return "", fmt.Errorf("city is required")
			}
			if apiKey := ResolveSecret(SecretWeatherAPIKey); apiKey != "" {
				return fetchOpenWeather(ctx, client, args.City, apiKey)
			}
			// Keyless fallback.
			return fetchWttr(ctx, client, args.City)
		},
	})
}

// searchBrave queries the Brave Search API and formats numbered results.
func searchBrave(ctx context.Context, client *http.Client, query, apiKey string, maxResults int) (string, error) {
	searchURL := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d",
		url.QueryEscape(query), maxResults)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("search returned %d: %s", resp.StatusCode, string(body))
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBytes))
	var result struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parsing search results: %w", err)
	}
	if len(result.Web.Results) == 0 {
		return fmt.Sprintf("No results found for: %s", query), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Search results for: %s\n\n", query)
	for i, r := range result.Web.Results {
		if i >= maxResults {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n\n", i+1, r.Title, r.URL, stripHTMLTags(r.Description))
	}
	return b.String(), nil
}

// fetchOpenWeather queries the OpenWeatherMap current-conditions API.
func fetchOpenWeather(ctx context.Context, client *http.Client, city, apiKey string) (string, error) {
	reqURL := fmt.Sprintf("https://api.openweathermap.org/data/2.5/weather?q=%s&units=metric&appid=%s",
		url.QueryEscape(city), url.QueryEscape(apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("weather API returned %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		Name    string `json:"name"`
		Weather []struct {
			Description string `json:"description"`
		} `json:"weather"`
		Main struct {
			Temp      float64 `json:"temp"`
			FeelsLike float64 `json:"feels_like"`
			Humidity  int     `json:"humidity"`
		} `json:"main"`
		Wind struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&data); err != nil {
		return "", fmt.Errorf("parsing weather response: %w", err)
	}

	desc := ""
	if len(data.Weather) > 0 {
		desc = data.Weather[0].Description
	}
	return fmt.Sprintf("%s: %s, %.1f°C (feels like %.1f°C), humidity %d%%, wind %.1f m/s",
		data.Name, desc, data.Main.Temp, data.Main.FeelsLike, data.Main.Humidity, data.Wind.Speed), nil
}

// fetchWttr hits wttr.in, which needs no key.
func fetchWttr(ctx context.Context, client *http.Client, city string) (string, error) {
	reqURL := fmt.Sprintf("https://wttr.in/%s?format=3", url.PathEscape(city))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "curl/8.0")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather lookup failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	text := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK || text == "" {
		return "", fmt.Errorf("weather service returned %d", resp.StatusCode)
	}
	return text, nil
}

// stripHTMLTags removes HTML tags, leaving the text content.
func stripHTMLTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
