package action

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const gmailUserID = "me"

// TokenSource yields the current OAuth2 token for the account acting on
// behalf of the user.
type TokenSource interface {
	OAuthToken() (*oauth2.Token, error)
}

// Google executes actions against Gmail and Google Calendar. Services are
// built per call from the oauth2 config so token refreshes are picked up.
type Google struct {
	cfg        *oauth2.Config
	tok        TokenSource
	calendarID string
}

func NewGoogle(cfg *oauth2.Config, tok TokenSource, calendarID string) *Google {
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Google{cfg: cfg, tok: tok, calendarID: calendarID}
}

func (g *Google) SendEmail(ctx context.Context, params EmailParams) (string, error) {
	svc, err := g.newGmail(ctx)
	if err != nil {
		return "", fmt.Errorf("newGmail failed: %w", err)
	}

	msg := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(buildMIME(params)),
	}
	if params.GmailThreadID != "" {
		msg.ThreadId = params.GmailThreadID
	}

	sent, err := svc.Users.Messages.Send(gmailUserID, msg).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("messages.Send failed: %w", err)
	}
	return sent.Id, nil
}

func (g *Google) CreateEvent(ctx context.Context, params EventParams) (string, error) {
	svc, err := g.newCalendar(ctx)
	if err != nil {
		return "", fmt.Errorf("newCalendar failed: %w", err)
	}

	event := &calendar.Event{
		Summary:     params.Summary,
		Location:    params.Location,
		Description: params.Description,
		Start: &calendar.EventDateTime{
			DateTime: params.Start.Format(time.RFC3339),
		},
		End: &calendar.EventDateTime{
			DateTime: params.End.Format(time.RFC3339),
		},
	}
	for _, attendee := range params.Attendees {
		event.Attendees = append(event.Attendees, &calendar.EventAttendee{
			Email:       attendee.Email,
			DisplayName: attendee.DisplayName,
		})
	}

	created, err := svc.Events.Insert(g.calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("events.Insert failed: %w", err)
	}
	return created.Id, nil
}

func (g *Google) newGmail(ctx context.Context) (*gmail.Service, error) {
	t, err := g.tok.OAuthToken()
	if err != nil {
		return nil, fmt.Errorf("tok.OAuthToken failed: %w", err)
	}

	clt := g.cfg.Client(ctx, t)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(clt))
	if err != nil {
		return nil, fmt.Errorf("gmail.NewService failed: %w", err)
	}
	return svc, nil
}

func (g *Google) newCalendar(ctx context.Context) (*calendar.Service, error) {
	t, err := g.tok.OAuthToken()
	if err != nil {
		return nil, fmt.Errorf("tok.OAuthToken failed: %w", err)
	}

	clt := g.cfg.Client(ctx, t)

	svc, err := calendar.NewService(ctx, option.WithHTTPClient(clt))
	if err != nil {
		return nil, fmt.Errorf("calendar.NewService failed: %w", err)
	}
	return svc, nil
}
