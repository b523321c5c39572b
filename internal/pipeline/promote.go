package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sigforge/sigforge/internal/model"
	"github.com/sigforge/sigforge/internal/store"
)

// Promoter places validated artifacts on the human review queue and
// optionally notifies an external webhook.
type Promoter struct {
	store      store.Store
	webhookURL string
	http       *http.Client
}

// NewPromoter builds a Promoter. An empty webhook URL disables notification.
func NewPromoter(st store.Store, webhookURL string) *Promoter {
	return &Promoter{
		store:      st,
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: 15 * time.Second},
	}
}

// webhookPayload is the JSON body posted on promotion.
type webhookPayload struct {
	ReviewEntryID  string           `json:"review_entry_id"`
	RunID          string           `json:"run_id"`
	ArticleID      string           `json:"article_id"`
	Classification model.MatchClass `json:"classification"`
	RuleText       string           `json:"rule_text"`
}

// Promote writes the review entry and fires the webhook. The review entry is
// the promotion; a webhook failure is logged and reflected in the outcome but
// never fails the step.
func (p *Promoter) Promote(ctx context.Context, run *model.Run, ruleText string, class model.MatchClass) (*model.PromotionOutcome, error) {
	entry := &model.ReviewEntry{
		RunID:          run.ID,
		ArticleID:      run.ArticleID,
		RuleText:       ruleText,
		Classification: class,
	}
	if err := p.store.CreateReviewEntry(ctx, entry); err != nil {
		return nil, eris.Wrap(err, "promote: create review entry")
	}

	outcome := &model.PromotionOutcome{
		Promoted:      true,
		ReviewEntryID: entry.ID,
	}
	if p.webhookURL == "" {
		return outcome, nil
	}

	if err := p.notify(ctx, entry); err != nil {
		zap.L().Warn("promote: webhook notification failed",
			zap.String("run_id", run.ID),
			zap.Error(err),
		)
	} else {
		outcome.WebhookSent = true
	}
	return outcome, nil
}

func (p *Promoter) notify(ctx context.Context, entry *model.ReviewEntry) error {
	body, err := json.Marshal(webhookPayload{
		ReviewEntryID:  entry.ID,
		RunID:          entry.RunID,
		ArticleID:      entry.ArticleID,
		Classification: entry.Classification,
		RuleText:       entry.RuleText,
	})
	if err != nil {
		return eris.Wrap(err, "promote: marshal webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "promote: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "promote: post webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return eris.Errorf("promote: webhook returned %d", resp.StatusCode)
	}
	return nil
}
