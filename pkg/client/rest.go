package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fearless-family/relay/pkg/protocol"
)

// restFallback talks to the REST collaborator (the Next.js API routes) when
// the realtime channel is unavailable. The collaborator owns durable message
// history and family membership; the relay client only uses it as a
// best-effort delivery and backfill path.
type restFallback struct {
	base  string // e.g. "http://localhost:3000/api"
	httpc *http.Client
}

func newRESTFallback(base string) *restFallback {
	return &restFallback{
		base: base,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// FamilyMember is a persisted user↔family association as returned by the
// collaborator's members endpoint. Distinct from an online-presence entry:
// membership survives disconnects.
type FamilyMember struct {
	ID       string `json:"id"`
	FamilyID string `json:"familyId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// PostMessage submits a message via POST /families/{id}/messages and returns
// the stored message, stamped with the collaborator's id and timestamp.
func (f *restFallback) PostMessage(ctx context.Context, familyID, senderID, senderName, content string) (protocol.Message, error) {
	body, err := json.Marshal(map[string]string{
		"content":    content,
		"senderId":   senderID,
		"senderName": senderName,
	})
	if err != nil {
		return protocol.Message{}, fmt.Errorf("client: encode message: %w", err)
	}

	url := fmt.Sprintf("%s/families/%s/messages", f.base, familyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return protocol.Message{}, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpc.Do(req)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("client: post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return protocol.Message{}, fmt.Errorf("client: post message: unexpected status %d", resp.StatusCode)
	}

	var msg protocol.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return protocol.Message{}, fmt.Errorf("client: decode message: %w", err)
	}
	return msg, nil
}

// Messages fetches the durable history via GET /families/{id}/messages.
func (f *restFallback) Messages(ctx context.Context, familyID string) ([]protocol.Message, error) {
	url := fmt.Sprintf("%s/families/%s/messages", f.base, familyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}

	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: fetch messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: fetch messages: unexpected status %d", resp.StatusCode)
	}

	var msgs []protocol.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("client: decode messages: %w", err)
	}
	return msgs, nil
}

// Members fetches the persisted membership via GET /families/{id}/members.
func (f *restFallback) Members(ctx context.Context, familyID string) ([]FamilyMember, error) {
	url := fmt.Sprintf("%s/families/%s/members", f.base, familyID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}

	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: fetch members: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: fetch members: unexpected status %d", resp.StatusCode)
	}

	var members []FamilyMember
	if err := json.NewDecoder(resp.Body).Decode(&members); err != nil {
		return nil, fmt.Errorf("client: decode members: %w", err)
	}
	return members, nil
}
