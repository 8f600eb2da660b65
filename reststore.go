package chatsync

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

	"go.uber.org/zap"

	"github.com/unimarket/campuschat/pkg/logging"
)

const (
	DefaultRESTTimeout = 30 * time.Second
	restPrefix         = "/rest/v1"
)

// ============================================================================
// RESTStore
// ============================================================================

// RESTStore is a Store backed by a PostgREST-style HTTP API exposing the
// conversations, messages and presence tables.
type RESTStore struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// RESTOption configures a RESTStore.
type RESTOption func(*RESTStore)

// WithRESTHTTPClient replaces the HTTP client.
func WithRESTHTTPClient(c *http.Client) RESTOption {
	return func(s *RESTStore) { s.httpClient = c }
}

// WithRESTTimeout sets the per-request timeout. It applies to a copy, so a
// client passed to WithRESTHTTPClient is left untouched.
func WithRESTTimeout(d time.Duration) RESTOption {
	return func(s *RESTStore) {
		c := *s.httpClient
		c.Timeout = d
		s.httpClient = &c
	}
}

// NewRESTStore creates a store talking to baseURL with apiKey.
func NewRESTStore(baseURL, apiKey string, opts ...RESTOption) *RESTStore {
	s := &RESTStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultRESTTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Store = (*RESTStore)(nil)

// apiError is the error body PostgREST returns.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

type restResponse struct {
	status int
	header http.Header
	body   []byte
}

func (s *RESTStore) doRequest(ctx context.Context, method, path string, body any, query url.Values, prefer string) (*restResponse, error) {
	u := s.baseURL + restPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	logging.FromContext(ctx).Debug("rest request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &restResponse{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

// check maps an HTTP failure onto the engine's error codes.
func (r *restResponse) check(op string) error {
	if r.status < 300 {
		return nil
	}
	var ae apiError
	msg := strings.TrimSpace(string(r.body))
	if json.Unmarshal(r.body, &ae) == nil && ae.Message != "" {
		msg = ae.Message
	}
	switch {
	case r.status == http.StatusConflict || ae.Code == "23505":
		return Errorf(CodeDuplicate, op, "%s", msg)
	case r.status == http.StatusNotFound:
		return Errorf(CodeNotFound, op, "%s", msg)
	}
	return Errorf(CodePersistence, op, "http %d: %s", r.status, msg)
}

func decodeRows[T any](r *restResponse, op string) ([]T, error) {
	if err := r.check(op); err != nil {
		return nil, err
	}
	var rows []T
	if len(bytes.TrimSpace(r.body)) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(r.body, &rows); err != nil {
		return nil, E(CodePersistence, op, fmt.Errorf("failed to unmarshal response: %w", err))
	}
	return rows, nil
}

func eq(v string) string { return "eq." + v }

// ── Conversations ────────────────────────────────────────

func (s *RESTStore) FindConversation(ctx context.Context, name string) (*Conversation, error) {
	const op = "find conversation"
	q := url.Values{"name": {eq(name)}, "select": {"*"}, "limit": {"1"}}
	resp, err := s.doRequest(ctx, http.MethodGet, "/conversations", nil, q, "")
	if err != nil {
		return nil, E(CodePersistence, op, err)
	}
	rows, err := decodeRows[Conversation](resp, op)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, Errorf(CodeNotFound, op, "no conversation named %q", name)
	}
	return &rows[0], nil
}

func (s *RESTStore) CreateConversation(ctx context.Context, c *Conversation) (*Conversation, error) {
	const op = "create conversation"
	row := map[string]any{
		"name":            c.Name,
		"participant1_id": c.Participant1,
		"participant2_id": c.Participant2,
		"context_type":    c.ContextType,
		"title":           c.Title,
	}
	if c.ContextID != "" {
		row["context_id"] = c.ContextID
	}
	resp, err := s.doRequest(ctx, http.MethodPost, "/conversations", row, nil, "return=representation")
	if err != nil {
		return nil, E(CodePersistence, op, err)
	}
	rows, err := decodeRows[Conversation](resp, op)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, Errorf(CodePersistence, op, "empty representation")
	}
	return &rows[0], nil
}

// ── Messages ─────────────────────────────────────────────

func (s *RESTStore) History(ctx context.Context, conversationID string, hq HistoryQuery) ([]Message, error) {
	const op = "history"
	q := url.Values{
		"conversation_id": {eq(conversationID)},
		"select":          {"*"},
		"limit":           {strconv.Itoa(hq.limit())},
	}
	if hq.Offset > 0 {
		q.Set("offset", strconv.Itoa(hq.Offset))
	}
	if !hq.Before.IsZero() {
		q.Set("created_at", "lt."+hq.Before.UTC().Format(time.RFC3339Nano))
	}
	if hq.fromNewest() {
		q.Set("order", "created_at.desc")
	} else {
		q.Set("order", "created_at.asc")
	}

	resp, err := s.doRequest(ctx, http.MethodGet, "/messages", nil, q, "")
	if err != nil {
		return nil, E(CodePersistence, op, err)
	}
	rows, err := decodeRows[Message](resp, op)
	if err != nil {
		return nil, err
	}
	if hq.fromNewest() {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	return rows, nil
}

func (s *RESTStore) InsertMessage(ctx context.Context, m *Message) (*Message, error) {
	const op = "insert message"
	row := map[string]any{
		"conversation_id": m.ConversationID,
		"sender_id":       m.AuthorID,
		"content":         m.Body,
		"message_type":    m.Kind,
	}
	if m.TempID != "" {
		row["temp_id"] = m.TempID
	}
	if m.ContextType != "" {
		row["context_type"] = m.ContextType
	}
	resp, err := s.doRequest(ctx, http.MethodPost, "/messages", row, nil, "return=representation")
	if err != nil {
		return nil, E(CodePersistence, op, err)
	}
	rows, err := decodeRows[Message](resp, op)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, Errorf(CodePersistence, op, "empty representation")
	}
	return &rows[0], nil
}

func (s *RESTStore) FindByTempID(ctx context.Context, tempID string) (*Message, error) {
	const op = "find message"
	q := url.Values{"temp_id": {eq(tempID)}, "select": {"*"}, "limit": {"1"}}
	resp, err := s.doRequest(ctx, http.MethodGet, "/messages", nil, q, "")
	if err != nil {
		return nil, E(CodePersistence, op, err)
	}
	rows, err := decodeRows[Message](resp, op)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, Errorf(CodeNotFound, op, "no message with temp id %s", tempID)
	}
	return &rows[0], nil
}

func unreadFilter(conversationID, readerID string) url.Values {
	return url.Values{
		"conversation_id": {eq(conversationID)},
		"sender_id":       {"neq." + readerID},
		"read_at":         {"is.null"},
	}
}

func (s *RESTStore) MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	const op = "mark read"
	q := unreadFilter(conversationID, readerID)
	q.Set("select", "id")
	body := map[string]any{"read_at": at.UTC().Format(time.RFC3339Nano)}
	resp, err := s.doRequest(ctx, http.MethodPatch, "/messages", body, q, "return=representation")
	if err != nil {
		return 0, E(CodePersistence, op, err)
	}
	rows, err := decodeRows[struct {
		ID string `json:"id"`
	}](resp, op)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *RESTStore) UnreadCount(ctx context.Context, conversationID, readerID string) (int, error) {
	const op = "unread count"
	q := unreadFilter(conversationID, readerID)
	q.Set("select", "id")
	resp, err := s.doRequest(ctx, http.MethodGet, "/messages", nil, q, "count=exact")
	if err != nil {
		return 0, E(CodePersistence, op, err)
	}
	if err := resp.check(op); err != nil {
		return 0, err
	}
	if n, ok := contentRangeTotal(resp.header.Get("Content-Range")); ok {
		return n, nil
	}
	rows, err := decodeRows[json.RawMessage](resp, op)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// contentRangeTotal parses the total out of "0-24/3573" or "*/0".
func contentRangeTotal(h string) (int, bool) {
	i := strings.LastIndexByte(h, '/')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(h[i+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ── Presence ─────────────────────────────────────────────

func (s *RESTStore) UpsertPresence(ctx context.Context, p Presence) error {
	const op = "upsert presence"
	q := url.Values{"on_conflict": {"user_id,conversation_id"}}
	resp, err := s.doRequest(ctx, http.MethodPost, "/presence", p, q, "resolution=merge-duplicates,return=minimal")
	if err != nil {
		return E(CodePersistence, op, err)
	}
	return resp.check(op)
}

func (s *RESTStore) ListPresence(ctx context.Context, conversationID string) ([]Presence, error) {
	const op = "list presence"
	q := url.Values{"conversation_id": {eq(conversationID)}, "select": {"*"}, "order": {"user_id.asc"}}
	resp, err := s.doRequest(ctx, http.MethodGet, "/presence", nil, q, "")
	if err != nil {
		return nil, E(CodePersistence, op, err)
	}
	return decodeRows[Presence](resp, op)
}
