package contacts

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/people/v1"

	"concierge/api/internal/store"
)

// TokenSource yields the OAuth2 token for the People API.
type TokenSource interface {
	OAuthToken() (*oauth2.Token, error)
}

// PeopleResolver resolves names against the user's Google contacts. The
// service is built per call so token refreshes are picked up.
type PeopleResolver struct {
	cfg *oauth2.Config
	tok TokenSource
}

func NewPeopleResolver(cfg *oauth2.Config, tok TokenSource) *PeopleResolver {
	return &PeopleResolver{cfg: cfg, tok: tok}
}

func (r *PeopleResolver) Resolve(ctx context.Context, name string) (store.Recipient, error) {
	svc, err := r.newSvc(ctx)
	if err != nil {
		return store.Recipient{}, fmt.Errorf("newSvc failed: %w", err)
	}

	resp, err := svc.People.SearchContacts().
		Query(name).
		ReadMask("names,emailAddresses").
		PageSize(3).
		Context(ctx).
		Do()
	if err != nil {
		return store.Recipient{}, fmt.Errorf("people.SearchContacts failed: %w", err)
	}

	for _, result := range resp.Results {
		person := result.Person
		if person == nil || len(person.EmailAddresses) == 0 {
			continue
		}
		recipient := store.Recipient{Email: person.EmailAddresses[0].Value}
		if len(person.Names) > 0 {
			recipient.DisplayName = person.Names[0].DisplayName
		}
		return recipient, nil
	}

	return store.Recipient{}, &ResolutionError{Name: name}
}

func (r *PeopleResolver) newSvc(ctx context.Context) (*people.Service, error) {
	t, err := r.tok.OAuthToken()
	if err != nil {
		return nil, fmt.Errorf("tok.OAuthToken failed: %w", err)
	}

	clt := r.cfg.Client(ctx, t)

	svc, err := people.NewService(ctx, option.WithHTTPClient(clt))
	if err != nil {
		return nil, fmt.Errorf("people.NewService failed: %w", err)
	}
	return svc, nil
}
