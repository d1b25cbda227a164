package mail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const gmailUser = "me"

// GmailClient implements Client on top of the Gmail API for one account.
type GmailClient struct {
	service *gmail.Service
	email   string
}

// NewGmailClient builds a client from OAuth credentials and a stored
// user token (tokenDir/<email>.json).
func NewGmailClient(ctx context.Context, credentialsFile, tokenDir, email string) (*GmailClient, error) {
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.ConfigFromJSON(credentialsJSON, gmail.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	tokenPath := filepath.Join(tokenDir, email+".json")
	tokenJSON, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read token for %s: %w", email, err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(tokenJSON, &token); err != nil {
		return nil, fmt.Errorf("unable to parse token for %s: %w", email, err)
	}

	srv, err := gmail.NewService(ctx, option.WithHTTPClient(config.Client(ctx, &token)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}

	return &GmailClient{service: srv, email: email}, nil
}

// NewGmailClientWithService wires a prebuilt service, used by tests.
func NewGmailClientWithService(srv *gmail.Service, email string) *GmailClient {
	return &GmailClient{service: srv, email: email}
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}

func (c *GmailClient) FetchMessage(ctx context.Context, id string) (*Message, error) {
	var raw *gmail.Message
	err := withRetry(ctx, func() error {
		var err error
		raw, err = c.service.Users.Messages.Get(gmailUser, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch message %s: %w", id, err)
	}
	msg := convertMessage(raw)
	return &msg, nil
}

func (c *GmailClient) FetchThread(ctx context.Context, id string) (*Thread, error) {
	var raw *gmail.Thread
	err := withRetry(ctx, func() error {
		var err error
		raw, err = c.service.Users.Threads.Get(gmailUser, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch thread %s: %w", id, err)
	}

	thread := &Thread{ID: raw.Id}
	for _, m := range raw.Messages {
		thread.Messages = append(thread.Messages, convertMessage(m))
	}
	return thread, nil
}

func (c *GmailClient) ListChangesSince(ctx context.Context, cursor string) ([]ChangeRecord, string, error) {
	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("invalid history cursor %q: %w", cursor, err)
	}

	var records []ChangeRecord
	head := cursor
	pageToken := ""
	for {
		var resp *gmail.ListHistoryResponse
		err := withRetry(ctx, func() error {
			call := c.service.Users.History.List(gmailUser).StartHistoryId(startID).Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			resp, err = call.Do()
			return err
		})
		if err != nil {
			// Gmail answers 404 when the start ID fell out of retention.
			if isNotFound(err) {
				return nil, "", ErrStaleCursor
			}
			return nil, "", fmt.Errorf("list history since %s: %w", cursor, err)
		}

		for _, h := range resp.History {
			records = append(records, convertHistory(h))
		}
		if resp.HistoryId > 0 {
			head = strconv.FormatUint(resp.HistoryId, 10)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return records, head, nil
}

func (c *GmailClient) Search(ctx context.Context, query string) ([]Message, error) {
	var out []Message
	pageToken := ""
	for {
		var resp *gmail.ListMessagesResponse
		err := withRetry(ctx, func() error {
			call := c.service.Users.Messages.List(gmailUser).Q(query).MaxResults(100).Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			resp, err = call.Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("search %q: %w", query, err)
		}

		for _, ref := range resp.Messages {
			out = append(out, Message{ID: ref.Id, ThreadID: ref.ThreadId})
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return out, nil
}

func (c *GmailClient) ModifyLabels(ctx context.Context, ids []string, add, remove []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := withRetry(ctx, func() error {
		return c.service.Users.Messages.BatchModify(gmailUser, &gmail.BatchModifyMessagesRequest{
			Ids:            ids,
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("modify labels: %w", err)
	}
	return nil
}

func (c *GmailClient) CreateDraft(ctx context.Context, content DraftContent) (string, error) {
	raw := buildMIME(c.email, content)
	var draft *gmail.Draft
	err := withRetry(ctx, func() error {
		var err error
		draft, err = c.service.Users.Drafts.Create(gmailUser, &gmail.Draft{
			Message: &gmail.Message{
				Raw:      base64.URLEncoding.EncodeToString([]byte(raw)),
				ThreadId: content.ThreadID,
			},
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create draft on thread %s: %w", content.ThreadID, err)
	}
	return draft.Id, nil
}

func (c *GmailClient) TrashDraft(ctx context.Context, id string) error {
	err := withRetry(ctx, func() error {
		return c.service.Users.Drafts.Delete(gmailUser, id).Context(ctx).Do()
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("trash draft %s: %w", id, err)
	}
	return nil
}

func (c *GmailClient) GetDraft(ctx context.Context, id string) (*Draft, error) {
	var raw *gmail.Draft
	err := withRetry(ctx, func() error {
		var err error
		raw, err = c.service.Users.Drafts.Get(gmailUser, id).Context(ctx).Do()
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get draft %s: %w", id, err)
	}
	return convertDraft(raw), nil
}

func (c *GmailClient) ThreadDraft(ctx context.Context, threadID string) (*Draft, error) {
	drafts, err := c.listThreadDrafts(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, nil
	}
	return drafts[len(drafts)-1], nil
}

func (c *GmailClient) TrashThreadDrafts(ctx context.Context, threadID string) (int, error) {
	drafts, err := c.listThreadDrafts(ctx, threadID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, d := range drafts {
		if err := c.TrashDraft(ctx, d.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (c *GmailClient) listThreadDrafts(ctx context.Context, threadID string) ([]*Draft, error) {
	var resp *gmail.ListDraftsResponse
	err := withRetry(ctx, func() error {
		var err error
		resp, err = c.service.Users.Drafts.List(gmailUser).MaxResults(100).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}

	var out []*Draft
	for _, d := range resp.Drafts {
		if d.Message != nil && d.Message.ThreadId == threadID {
			out = append(out, convertDraft(d))
		}
	}
	return out, nil
}

func (c *GmailClient) GetProfile(ctx context.Context) (*Profile, error) {
	var resp *gmail.Profile
	err := withRetry(ctx, func() error {
		var err error
		resp, err = c.service.Users.GetProfile(gmailUser).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &Profile{
		Email:     resp.EmailAddress,
		HistoryID: strconv.FormatUint(resp.HistoryId, 10),
	}, nil
}

func (c *GmailClient) Watch(ctx context.Context, topic string, labelFilter []string) (*WatchResponse, error) {
	var resp *gmail.WatchResponse
	err := withRetry(ctx, func() error {
		var err error
		resp, err = c.service.Users.Watch(gmailUser, &gmail.WatchRequest{
			TopicName:           topic,
			LabelIds:            labelFilter,
			LabelFilterBehavior: "include",
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	return &WatchResponse{
		HistoryID:  strconv.FormatUint(resp.HistoryId, 10),
		Expiration: time.UnixMilli(resp.Expiration),
	}, nil
}

func (c *GmailClient) EnsureLabels(ctx context.Context, names []string) (map[string]string, error) {
	var resp *gmail.ListLabelsResponse
	err := withRetry(ctx, func() error {
		var err error
		resp, err = c.service.Users.Labels.List(gmailUser).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}

	existing := make(map[string]string, len(resp.Labels))
	for _, l := range resp.Labels {
		existing[l.Name] = l.Id
	}

	out := make(map[string]string, len(names))
	for _, name := range names {
		if id, ok := existing[name]; ok {
			out[name] = id
			continue
		}
		var created *gmail.Label
		err := withRetry(ctx, func() error {
			var err error
			created, err = c.service.Users.Labels.Create(gmailUser, &gmail.Label{
				Name:                  name,
				LabelListVisibility:   "labelShow",
				MessageListVisibility: "show",
			}).Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("create label %s: %w", name, err)
		}
		out[name] = created.Id
	}
	return out, nil
}

func convertMessage(m *gmail.Message) Message {
	msg := Message{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		Snippet:      m.Snippet,
		LabelIDs:     m.LabelIds,
		InternalDate: time.UnixMilli(m.InternalDate),
	}
	if m.Payload == nil {
		return msg
	}
	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			msg.From = h.Value
			if addr, err := mail.ParseAddress(h.Value); err == nil {
				msg.From = addr.Address
				msg.FromName = addr.Name
			}
		case "to":
			msg.To = h.Value
		case "subject":
			msg.Subject = h.Value
		case "message-id":
			msg.MessageIDHdr = h.Value
		}
	}
	msg.Body = extractBody(m.Payload)
	return msg
}

// extractBody walks the MIME tree for the first text/plain part.
func extractBody(p *gmail.MessagePart) string {
	if p == nil {
		return ""
	}
	if strings.HasPrefix(p.MimeType, "text/plain") && p.Body != nil && p.Body.Data != "" {
		if decoded, err := base64.URLEncoding.DecodeString(p.Body.Data); err == nil {
			return string(decoded)
		}
	}
	for _, part := range p.Parts {
		if body := extractBody(part); body != "" {
			return body
		}
	}
	return ""
}

func convertDraft(d *gmail.Draft) *Draft {
	out := &Draft{ID: d.Id}
	if d.Message != nil {
		out.MessageID = d.Message.Id
		out.ThreadID = d.Message.ThreadId
		if d.Message.Payload != nil {
			out.Body = extractBody(d.Message.Payload)
		}
	}
	return out
}

func convertHistory(h *gmail.History) ChangeRecord {
	rec := ChangeRecord{HistoryID: strconv.FormatUint(h.Id, 10)}
	for _, a := range h.MessagesAdded {
		if a.Message == nil {
			continue
		}
		rec.Added = append(rec.Added, MessageRef{
			MessageID: a.Message.Id,
			ThreadID:  a.Message.ThreadId,
			LabelIDs:  a.Message.LabelIds,
		})
	}
	for _, la := range h.LabelsAdded {
		if la.Message == nil {
			continue
		}
		rec.LabelsAdded = append(rec.LabelsAdded, LabelChange{
			MessageID: la.Message.Id,
			ThreadID:  la.Message.ThreadId,
			LabelIDs:  la.LabelIds,
		})
	}
	for _, lr := range h.LabelsRemoved {
		if lr.Message == nil {
			continue
		}
		rec.LabelsRemoved = append(rec.LabelsRemoved, LabelChange{
			MessageID: lr.Message.Id,
			ThreadID:  lr.Message.ThreadId,
			LabelIDs:  lr.LabelIds,
		})
	}
	for _, d := range h.MessagesDeleted {
		if d.Message == nil {
			continue
		}
		rec.Deleted = append(rec.Deleted, MessageRef{
			MessageID: d.Message.Id,
			ThreadID:  d.Message.ThreadId,
		})
	}
	return rec
}

func buildMIME(from string, content DraftContent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", content.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", content.Subject)
	if content.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", content.InReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", content.InReplyTo)
	}
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("MIME-Version: 1.0\r\n\r\n")
	b.WriteString(content.Body)
	return b.String()
}
