package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/DanielCoulbourne/rate-limited-imports/pkg/importer"
)

// apiSource imports records from the remote API into a local output
// directory, one JSON file per item. Every request flows through the
// gated client handed in by the import pipeline.
type apiSource struct {
	baseURL   string
	outputDir string
}

func newAPISource(baseURL, outputDir string) (*apiSource, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &apiSource{baseURL: baseURL, outputDir: outputDir}, nil
}

// DiscoverItems lists every item ID from the API's index endpoint. The
// listing request goes through the gated client like every per-item
// fetch, so a rate limited index shares the cooldown instead of failing
// the run.
func (s *apiSource) DiscoverItems(ctx context.Context, client importer.Client) ([]string, error) {
	resp, err := client.Get(ctx, s.baseURL+"/items")
	if err != nil {
		return nil, fmt.Errorf("discover items: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discover items: unexpected status %d", resp.StatusCode)
	}

	var index struct {
		Items []string `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
		return nil, fmt.Errorf("decode item index: %w", err)
	}
	return index.Items, nil
}

// ImportItem fetches one record through the gated client and writes it
// to the output directory.
func (s *apiSource) ImportItem(ctx context.Context, client importer.Client, itemID string) error {
	resp, err := client.Get(ctx, s.baseURL+"/items/"+itemID)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read item %s: %w", itemID, err)
	}
	if !json.Valid(body) {
		return fmt.Errorf("item %s: response is not valid JSON", itemID)
	}

	path := filepath.Join(s.outputDir, itemID+".json")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write item %s: %w", itemID, err)
	}
	return nil
}
