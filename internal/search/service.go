package search

import (
	"context"
	"log"
	"time"
)

// Service fronts the search backends: Meilisearch when healthy, with
// Postgres FTS as the fallback. Meili may be nil when not configured.
type Service struct {
	meili *Meili
	pg    *PgFTS
}

func NewService(meili *Meili, pg *PgFTS) *Service {
	return &Service{meili: meili, pg: pg}
}

// Search tries Meilisearch first and falls back to Postgres FTS.
func (s *Service) Search(q Query) (Response, error) {
	resp := Response{Results: []Result{}, Query: q.Text}

	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			if results != nil {
				resp.Results = results
			}
			resp.Total = total
			return resp, nil
		}
		log.Printf("search: meilisearch failed, falling back to postgres: %v", err)
	}

	if s.pg == nil {
		return resp, nil
	}

	results, total, err := s.pg.Search(q)
	if err != nil {
		return resp, err
	}
	if results != nil {
		resp.Results = results
	}
	resp.Total = total
	return resp, nil
}

// IndexMessage pushes a message into Meilisearch asynchronously. Postgres
// keeps its own copy, so a failed push only degrades ranking, not results.
func (s *Service) IndexMessage(msg MessageRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexMessage(msg); err != nil {
			log.Printf("search: index message %s: %v", msg.ID, err)
		}
	}()
}

// IndexDraft pushes a draft into Meilisearch asynchronously.
func (s *Service) IndexDraft(d DraftRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexDraft(d); err != nil {
			log.Printf("search: index draft %s: %v", d.ID, err)
		}
	}()
}

// ReindexAllFromPG rebuilds the Meilisearch indexes from Postgres. Used at
// startup after Meilisearch recovers from an outage.
func (s *Service) ReindexAllFromPG(ctx context.Context) error {
	if s.meili == nil || s.pg == nil {
		return nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	messages, drafts, err := s.pg.LoadAllRecords(loadCtx)
	if err != nil {
		return err
	}

	if err := s.meili.IndexMessages(messages); err != nil {
		return err
	}
	if err := s.meili.IndexDrafts(drafts); err != nil {
		return err
	}

	log.Printf("search: reindexed %d messages, %d drafts", len(messages), len(drafts))
	return nil
}

// Close shuts down backends that run background work.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}
