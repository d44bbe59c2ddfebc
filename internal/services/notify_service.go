package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-planwatch/internal/domain"
	"github.com/tbourn/go-planwatch/internal/mail"
	"github.com/tbourn/go-planwatch/internal/metrics"
	"github.com/tbourn/go-planwatch/internal/repo"
	"github.com/tbourn/go-planwatch/internal/sysutil"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Notification defaults.
const (
	DefaultCheckInterval = 24 * time.Hour
	BaseTemplate         = "updates"
)

// TemplateSelector picks the registered template for a site; *mail.Templates
// implements it.
type TemplateSelector interface {
	Select(base, site string) string
}

// NotifyService turns subscription summaries into delivered notifications
// and advances each subscription's watermark after a successful send.
type NotifyService struct {
	DB        *gorm.DB
	Summaries *SummaryService
	Mailer    mail.Mailer
	Templates TemplateSelector

	// CheckInterval is the minimum age of a watermark before a subscription
	// is due again.
	CheckInterval time.Duration
	// SendTimeout bounds a single Mailer.Send call; zero leaves it to the
	// mailer.
	SendTimeout time.Duration

	Now func() time.Time
}

// RunOptions selects the subscriptions of a notification run.
type RunOptions struct {
	// IDs restricts the run to these subscriptions regardless of their
	// watermark. Empty means every due subscription.
	IDs []uint
	// Now overrides the run clock; the summary window ends here.
	Now *time.Time
}

// RunResult reports what a notification run did, per subscription id.
type RunResult struct {
	RunID    string `json:"run_id"`
	Advanced []uint `json:"advanced"`
	Empty    []uint `json:"empty"`
	Failed   []uint `json:"failed"`
}

func (s *NotifyService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Dispatch sends summary to the owner of sub. Only after the mailer accepts
// the message is last_notified moved to summary.Until (or now when the
// window is open-ended). advanced reports whether the watermark moved; it
// stays put when a concurrent run already moved it further.
func (s *NotifyService) Dispatch(ctx context.Context, sub *domain.Subscription, summary *Summary) (advanced bool, err error) {
	tr := otel.Tracer("services/NotifyService")
	ctx, span := tr.Start(ctx, "Dispatch",
		trace.WithAttributes(
			attribute.Int("subscription.id", int(sub.ID)),
			attribute.Int("summary.total", summary.Total()),
		),
	)
	defer span.End()

	recipient := strings.TrimSpace(sub.User.Email)
	if recipient == "" {
		metrics.ObserveNotification("failed")
		return false, fmt.Errorf("%w: subscription %d", ErrNoRecipient, sub.ID)
	}

	template := BaseTemplate
	if s.Templates != nil {
		template = s.Templates.Select(BaseTemplate, sub.SiteName)
	}

	sendCtx := ctx
	if s.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, s.SendTimeout)
		defer cancel()
	}
	if err := s.Mailer.Send(sendCtx, recipient, Subject(sub, summary), template, MailContext(sub, summary)); err != nil {
		metrics.ObserveNotification("failed")
		span.RecordError(err)
		return false, err
	}
	metrics.ObserveNotification("sent")

	to := s.now()
	if summary != nil && summary.Until != nil {
		to = summary.Until.UTC()
	}
	advanced, err = repo.AdvanceLastNotified(ctx, s.DB, sub.ID, to)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("subscription.advanced", advanced))
	return advanced, nil
}

// Run notifies every due subscription (or opts.IDs). Each subscription is
// summarized over (last_notified, now] and dispatched when the summary is
// non-empty. A failure for one subscription is logged and recorded in the
// result; it never affects the others.
func (s *NotifyService) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	tr := otel.Tracer("services/NotifyService")
	ctx, span := tr.Start(ctx, "Run",
		trace.WithAttributes(attribute.Int("run.ids", len(opts.IDs))),
	)
	defer span.End()

	started := time.Now()
	defer metrics.ObserveRun("notify", started)

	now := s.now()
	if opts.Now != nil {
		now = opts.Now.UTC()
	}
	res := &RunResult{RunID: uuid.NewString(), Advanced: []uint{}, Empty: []uint{}, Failed: []uint{}}
	ctx = sysutil.WithRun(ctx, "notify", res.RunID)
	logger := sysutil.Ctx(ctx)

	var (
		subs []domain.Subscription
		err  error
	)
	if len(opts.IDs) > 0 {
		subs, err = repo.ListSubscriptionsByID(ctx, s.DB, opts.IDs)
	} else {
		interval := s.CheckInterval
		if interval <= 0 {
			interval = DefaultCheckInterval
		}
		subs, err = repo.ListDueSubscriptions(ctx, s.DB, now.Add(-interval))
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	logger.Info().Int("subscriptions", len(subs)).Time("until", now).Msg("notification run started")

	for i := range subs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sub := &subs[i]
		since := sub.LastNotified.UTC()

		summary, err := s.Summaries.Summarize(ctx, sub, &since, &now)
		if err != nil {
			logger.Warn().Err(err).Uint("subscription_id", sub.ID).Msg("summarize failed")
			res.Failed = append(res.Failed, sub.ID)
			continue
		}
		if summary == nil {
			res.Empty = append(res.Empty, sub.ID)
			continue
		}

		advanced, err := s.Dispatch(ctx, sub, summary)
		if err != nil {
			logger.Warn().Err(err).Uint("subscription_id", sub.ID).Msg("dispatch failed; watermark unchanged")
			res.Failed = append(res.Failed, sub.ID)
			continue
		}
		if advanced {
			res.Advanced = append(res.Advanced, sub.ID)
		}
		logger.Info().
			Uint("subscription_id", sub.ID).
			Int("new", len(summary.New)).
			Int("changed", len(summary.Changes)).
			Bool("advanced", advanced).
			Msg("subscription notified")
	}

	logger.Info().
		Int("advanced", len(res.Advanced)).
		Int("empty", len(res.Empty)).
		Int("failed", len(res.Failed)).
		Msg("notification run finished")
	return res, nil
}

// Subject renders the mail subject for a summary.
func Subject(sub *domain.Subscription, summary *Summary) string {
	n := summary.Total()
	noun := "updates"
	if n == 1 {
		noun = "update"
	}
	if sub.RegionName != "" {
		return fmt.Sprintf("%d planning %s in %s", n, noun, sub.RegionName)
	}
	return fmt.Sprintf("%d planning %s", n, noun)
}

// MailContext flattens a summary into the string context passed to mail
// templates.
func MailContext(sub *domain.Subscription, summary *Summary) map[string]string {
	name := sub.User.Name
	if name == "" {
		name = sub.User.Email
	}
	data := map[string]string{
		"name":            name,
		"email":           sub.User.Email,
		"region":          sub.RegionName,
		"subscription_id": strconv.FormatUint(uint64(sub.ID), 10),
		"total":           strconv.Itoa(summary.Total()),
		"since":           "the start",
	}
	if summary == nil {
		data["new_count"], data["changed_count"] = "0", "0"
		return data
	}
	if summary.Since != nil {
		data["since"] = summary.Since.UTC().Format(domain.DateLayout)
	}
	if summary.Until != nil {
		data["until"] = summary.Until.UTC().Format(domain.DateLayout)
	}

	lines := make([]string, 0, len(summary.New))
	for i := range summary.New {
		lines = append(lines, "- "+proposalLabel(&summary.New[i]))
	}
	data["new_count"] = strconv.Itoa(len(summary.New))
	data["new_proposals"] = strings.Join(lines, "\n")

	lines = lines[:0:0]
	for i := range summary.Changes {
		pc := &summary.Changes[i]
		line := "- " + proposalLabel(&pc.Proposal)
		if parts := describeChanges(pc); len(parts) > 0 {
			line += ": " + strings.Join(parts, "; ")
		}
		lines = append(lines, line)
	}
	data["changed_count"] = strconv.Itoa(len(summary.Changes))
	data["changed_proposals"] = strings.Join(lines, "\n")
	return data
}

func proposalLabel(p *domain.Proposal) string {
	cases := p.CaseNumbers()
	sort.Strings(cases)
	if len(cases) == 0 {
		return p.Address
	}
	return fmt.Sprintf("%s (%s)", p.Address, strings.Join(cases, ", "))
}

func describeChanges(pc *ProposalChanges) []string {
	var parts []string
	for _, c := range pc.Properties {
		parts = append(parts, describeChange(c))
	}
	for _, c := range pc.Attributes {
		parts = append(parts, describeChange(c))
	}
	if n := len(pc.Documents); n > 0 {
		parts = append(parts, fmt.Sprintf("%d new document(s)", n))
	}
	if n := len(pc.Images); n > 0 {
		parts = append(parts, fmt.Sprintf("%d new image(s)", n))
	}
	return parts
}

func describeChange(c domain.Change) string {
	show := func(s *string) string {
		if s == nil || *s == "" {
			return "(none)"
		}
		return *s
	}
	return fmt.Sprintf("%s %s -> %s", c.Name, show(c.Old), show(c.New))
}
