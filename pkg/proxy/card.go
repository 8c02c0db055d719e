package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/theapemachine/a2a-relay/pkg/directory"
)

/*
fetchCard retrieves the agent's card from its well-known endpoint and rewrites
the top-level url field so callers address the agent through this proxy. The
rest of the card passes through untouched. When the upstream fetch fails the
proxy still answers 200 with a minimal placeholder card so discovery never
breaks on a flapping agent.
*/
func fetchCard(ctx context.Context, client *http.Client, entry directory.Entry, proxyURL string) []byte {
	rewritten := fmt.Sprintf("%s/agents/%s", proxyURL, entry.ID)

	card, err := loadCard(ctx, client, entry)
	if err != nil {
		log.Warn("agent card fetch failed, serving placeholder",
			"agent", entry.ID, "error", err)

		fallback, _ := json.Marshal(map[string]any{
			"name":    entry.ID,
			"url":     rewritten,
			"version": "unknown",
			"error":   err.Error(),
		})
		return fallback
	}

	card["url"] = rewritten
	body, err := json.Marshal(card)
	if err != nil {
		fallback, _ := json.Marshal(map[string]any{
			"name":    entry.ID,
			"url":     rewritten,
			"version": "unknown",
			"error":   err.Error(),
		})
		return fallback
	}
	return body
}

func loadCard(ctx context.Context, client *http.Client, entry directory.Entry) (map[string]any, error) {
	if entry.Host == "" {
		return nil, fmt.Errorf("agent %s has no reachable host", entry.ID)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, entry.Host+entry.CardEndpoint(), nil,
	)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent card endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var card map[string]any
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, fmt.Errorf("agent card is not valid JSON: %w", err)
	}
	return card, nil
}
