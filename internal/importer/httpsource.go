package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lumeos/chatdigest/internal/config"
)

// HTTPSource speaks to a self-hosted history gateway: a small JSON-over-HTTP
// service fronting the chat platform's archive with cursor pagination.
type HTTPSource struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPSource(cfg config.ImporterConfig) (*HTTPSource, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("importer base url is required")
	}
	return &HTTPSource{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type resolveChatResponse struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type pageResponse struct {
	Messages []struct {
		ID       int64  `json:"id"`
		SenderID string `json:"sender_id"`
		Date     int64  `json:"date"` // unix seconds, UTC
		Text     string `json:"text"`
	} `json:"messages"`
	NextOffsetID int64 `json:"next_offset_id"`
}

type resolveSendersRequest struct {
	IDs []string `json:"ids"`
}

type resolveSendersResponse struct {
	Users map[string]struct {
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"users"`
}

func (s *HTTPSource) ResolveChat(ctx context.Context, handle string) (ChatRef, error) {
	q := url.Values{"handle": {handle}}
	var resp resolveChatResponse
	if err := s.getJSON(ctx, "/api/chats/resolve?"+q.Encode(), &resp); err != nil {
		return ChatRef{}, err
	}
	if resp.ID == "" {
		return ChatRef{}, fmt.Errorf("gateway returned no chat for %q", handle)
	}
	return ChatRef{ID: resp.ID, Title: resp.Title}, nil
}

func (s *HTTPSource) FetchPage(ctx context.Context, ref ChatRef, offsetID int64, limit int, start, end time.Time) (Page, error) {
	q := url.Values{
		"offset_id": {strconv.FormatInt(offsetID, 10)},
		"limit":     {strconv.Itoa(limit)},
		"min_date":  {strconv.FormatInt(start.Unix(), 10)},
		"max_date":  {strconv.FormatInt(end.Unix(), 10)},
	}
	var resp pageResponse
	path := "/api/chats/" + url.PathEscape(ref.ID) + "/messages?" + q.Encode()
	if err := s.getJSON(ctx, path, &resp); err != nil {
		return Page{}, err
	}

	page := Page{NextOffsetID: resp.NextOffsetID}
	for _, m := range resp.Messages {
		page.Messages = append(page.Messages, RawMessage{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Timestamp: time.Unix(m.Date, 0).UTC(),
			Text:      m.Text,
		})
	}
	// Fall back to cursoring off the last message id when the gateway
	// does not supply an explicit next cursor.
	if page.NextOffsetID == 0 && len(page.Messages) > 0 {
		page.NextOffsetID = page.Messages[len(page.Messages)-1].ID
	}
	return page, nil
}

func (s *HTTPSource) ResolveSenders(ctx context.Context, ids []string) (map[string]SenderInfo, error) {
	payload, err := json.Marshal(resolveSendersRequest{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("encode sender resolve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/users/resolve", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build sender resolve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve senders: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolve senders: unexpected status %d", resp.StatusCode)
	}

	var decoded resolveSendersResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode sender resolve response: %w", err)
	}

	out := make(map[string]SenderInfo, len(decoded.Users))
	for id, u := range decoded.Users {
		out[id] = SenderInfo{Username: u.Username, FirstName: u.FirstName, LastName: u.LastName}
	}
	return out, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (s *HTTPSource) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}
