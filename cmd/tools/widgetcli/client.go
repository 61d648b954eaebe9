package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	widgethandler "github.com/zhouzirui/care-assistant/backend/internal/handler/widget"
)

type apiClient struct {
	base string
	http *http.Client
}

func (c *apiClient) mount() (widgethandler.Snapshot, error) {
	return c.call(http.MethodPost, c.base+"/", http.StatusCreated)
}

func (c *apiClient) snapshot(sessionID string) (widgethandler.Snapshot, error) {
	return c.call(http.MethodGet, c.base+"/"+sessionID+"/", http.StatusOK)
}

func (c *apiClient) unmount(sessionID string) error {
	req, err := http.NewRequest(http.MethodDelete, c.base+"/"+sessionID+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *apiClient) call(method, url string, want int) (widgethandler.Snapshot, error) {
	var snap widgethandler.Snapshot

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return snap, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return snap, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return snap, fmt.Errorf("status %d: %s", resp.StatusCode, body.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode response: %w", err)
	}
	return snap, nil
}
