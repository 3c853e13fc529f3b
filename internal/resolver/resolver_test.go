package resolver

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"github.com/angelmondragon/contratapro-lifecycle/internal/notifications"
	"github.com/angelmondragon/contratapro-lifecycle/internal/payments"
	"github.com/angelmondragon/contratapro-lifecycle/internal/plans"
	"github.com/angelmondragon/contratapro-lifecycle/internal/subscriptions"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/clock"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/config"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/db/dbtest"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/db/models"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/enums"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/metrics"
)

var runDay = dbtest.Date(2026, time.June, 1)

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[uuid.UUID][]enums.NotificationTemplate
	fail map[enums.NotificationTemplate]bool
}

func newNotifier() *recordingNotifier {
	return &recordingNotifier{
		sent: map[uuid.UUID][]enums.NotificationTemplate{},
		fail: map[enums.NotificationTemplate]bool{},
	}
}

func (n *recordingNotifier) Notify(_ context.Context, professionalID uuid.UUID, template enums.NotificationTemplate, _ notifications.Params) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail[template] {
		return errors.New("smtp down")
	}
	n.sent[professionalID] = append(n.sent[professionalID], template)
	return nil
}

func (n *recordingNotifier) templatesFor(professionalID uuid.UUID) []enums.NotificationTemplate {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]enums.NotificationTemplate(nil), n.sent[professionalID]...)
}

type cancelGateway struct {
	mu   sync.Mutex
	refs []string
}

func (g *cancelGateway) CreateBillingPlan(context.Context, payments.BillingPlanSpec) (payments.BillingPlan, error) {
	return payments.BillingPlan{}, errors.New("not used by the resolver")
}

func (g *cancelGateway) CreateAgreement(context.Context, string, payments.Payer, string) (payments.Agreement, error) {
	return payments.Agreement{}, errors.New("not used by the resolver")
}

func (g *cancelGateway) CancelAgreement(_ context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refs = append(g.refs, ref)
	return nil
}

func (g *cancelGateway) released() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.refs...)
}

type fixture struct {
	conn     *gorm.DB
	store    subscriptions.Store
	notifier *recordingNotifier
	gateway  *cancelGateway
	resolver *Resolver
	reg      *prometheus.Registry
	trial    models.SubscriptionPlan
	basic    models.SubscriptionPlan
	premium  models.SubscriptionPlan
}

func newFixture(t *testing.T, wrap func(Candidates) Candidates) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	logg := logger.New(logger.Options{ServiceName: "resolver-test", Output: io.Discard})
	clk := clock.Fixed(runDay.Add(3*time.Hour+30*time.Minute), time.UTC)
	f := &fixture{
		conn:     conn,
		store:    subscriptions.NewRepository(conn, nil),
		notifier: newNotifier(),
		gateway:  &cancelGateway{},
		reg:      prometheus.NewRegistry(),
		trial:    dbtest.Plan(t, conn, "trial", "0", true, nil),
		basic:    dbtest.Plan(t, conn, "basic", "29.90", false, nil),
		premium:  dbtest.Plan(t, conn, "premium", "49.90", false, nil),
	}
	svc, err := subscriptions.NewService(subscriptions.ServiceParams{
		Store:   f.store,
		Catalog: plans.NewRepository(conn),
		Gateway: f.gateway,
		Clock:   clk,
		Logger:  logg,
		Config:  config.LifecycleConfig{BillingCycleDays: 30, GraceDays: 7},
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	var candidates Candidates = f.store
	if wrap != nil {
		candidates = wrap(candidates)
	}
	f.resolver, err = New(Params{
		Candidates: candidates,
		Lifecycle:  svc,
		Notifier:   f.notifier,
		Clock:      clk,
		Logger:     logg,
		Metrics:    metrics.NewResolverMetrics(f.reg),
		Config:     config.ResolverConfig{Concurrency: 3, ReminderLeadDays: 7, NotificationTimeout: time.Second},
	})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return f
}

func (f *fixture) sub(t *testing.T, plan models.SubscriptionPlan, status enums.SubscriptionStatus, mutate func(*models.Subscription)) models.Subscription {
	t.Helper()
	return dbtest.Subscription(t, f.conn, uuid.New(), plan, status, mutate)
}

func pass(t *testing.T, report Report, name string) PassResult {
	t.Helper()
	for _, p := range report.Passes {
		if p.Pass == name {
			return p
		}
	}
	t.Fatalf("pass %s missing from report", name)
	return PassResult{}
}

func day(offset int) *time.Time {
	return clock.Ptr(clock.AddDays(runDay, offset))
}

func TestRunExecutesPassesInOrder(t *testing.T) {
	f := newFixture(t, nil)
	report, err := f.resolver.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{PassRenewalReminders, PassScheduledCancellations, PassScheduledPlanChanges, PassExpiringTrials, PassGracePeriodExpired}
	if len(report.Passes) != len(want) {
		t.Fatalf("expected %d passes, got %d", len(want), len(report.Passes))
	}
	for i, name := range want {
		if report.Passes[i].Pass != name {
			t.Fatalf("pass %d: expected %s, got %s", i, name, report.Passes[i].Pass)
		}
	}
	if !report.Date.Equal(runDay) {
		t.Fatalf("expected run date %s, got %s", runDay, report.Date)
	}
}

func TestRunSendsRemindersOncePerDay(t *testing.T) {
	f := newFixture(t, nil)
	paid := f.sub(t, f.basic, enums.SubscriptionStatusActive, func(s *models.Subscription) { s.NextBillingDate = day(7) })
	trial := f.sub(t, f.trial, enums.SubscriptionStatusActive, func(s *models.Subscription) { s.TrialEndsAt = day(7) })
	cancelling := f.sub(t, f.basic, enums.SubscriptionStatusActive, func(s *models.Subscription) {
		s.NextBillingDate = day(7)
		s.ScheduledCancellationDate = day(7)
	})
	later := f.sub(t, f.basic, enums.SubscriptionStatusActive, func(s *models.Subscription) { s.NextBillingDate = day(8) })

	report, err := f.resolver.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := pass(t, report, PassRenewalReminders); got.Processed != 2 || got.Failed != 0 {
		t.Fatalf("unexpected reminder pass %+v", got)
	}
	if got := f.notifier.templatesFor(paid.ProfessionalID); len(got) != 1 || got[0] != enums.NotificationRenewalReminderPaid {
		t.Fatalf("paid reminder: %v", got)
	}
	if got := f.notifier.templatesFor(trial.ProfessionalID); len(got) != 1 || got[0] != enums.NotificationRenewalReminderTrial {
		t.Fatalf("trial reminder: %v", got)
	}
	if len(f.notifier.templatesFor(cancelling.ProfessionalID)) != 0 || len(f.notifier.templatesFor(later.ProfessionalID)) != 0 {
		t.Fatalf("only rows due exactly in seven days without a cancellation are reminded")
	}
	assertStamped(t, dbtest.Reload(t, f.conn, paid.ID).RenewalReminderSentAt)

	report, err = f.resolver.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := pass(t, report, PassRenewalReminders); got.Candidates != 0 {
		t.Fatalf("second run must not remind again, got %+v", got)
	}
	if got := f.notifier.templatesFor(paid.ProfessionalID); len(got) != 1 {
		t.Fatalf("expected a single reminder, got %v", got)
	}
}

func assertStamped(t *testing.T, got *time.Time) {
	t.Helper()
	if got == nil || !clock.DateOf(got.UTC()).Equal(runDay) {
		t.Fatalf("expected reminder stamp %s, got %v", runDay, got)
	}
}

func TestRunReminderFailureLeavesRowUnstamped(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.fail[enums.NotificationRenewalReminderPaid] = true
	paid := f.sub(t, f.basic, enums.SubscriptionStatusActive, func(s *models.Subscription) { s.NextBillingDate = day(7) })

	report, err := f.resolver.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := pass(t, report, PassRenewalReminders)
	if got.NotificationsFailed != 1 || got.Processed != 0 {
		t.Fatalf("unexpected reminder pass %+v", got)
	}
	if dbtest.Reload(t, f.conn, paid.ID).RenewalReminderSentAt != nil {
		t.Fatalf("failed reminder must not be stamped")
	}
}

// A row due for cancellation whose grace period also ended is cancelled and never suspended.
func TestRunCancellationWinsOverSuspension(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.sub(t, f.basic, enums.SubscriptionStatusActive, func(s *models.Subscription) {
		s.NextBillingDate = day(0)
		s.ScheduledCancellationDate = day(0)
		s.PaymentFailureCount = 2
		s.GracePeriodEndsAt = day(-1)
		ref := "sq-sub-1"
		s.BillingRef = &ref
	})

	report, err := f.resolver.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := pass(t, report, PassScheduledCancellations); got.Processed != 1 {
		t.Fatalf("unexpected cancellation pass %+v", got)
	}
	if got := pass(t, report, PassGracePeriodExpired); got.Candidates != 0 || got.Processed != 0 {
		t.Fatalf("cancelled row must be excluded from suspension, got %+v", got)
	}
	stored := dbtest.Reload(t, f.conn, sub.ID)
	if stored.Status != enums.SubscriptionStatusCancelled || stored.ScheduledCancellationDate != nil {
		t.Fatalf("expected cancelled row, got %+v", stored)
	}
	if refs := f.gateway.released(); len(refs) != 1 || refs[0] != "sq-sub-1" {
		t.Fatalf("expected agreement release, got %v", refs)
	}
	if got := f.notifier.templatesFor(sub.ProfessionalID); len(got) != 1 || got[0] != enums.NotificationCancellationEffective {
		t.Fatalf("unexpected notifications %v", got)
	}
}

func TestRunAppliesPlanChangeTrialExpiryAndSuspension(t *testing.T) {
	f := newFixture(t, nil)
	downgrade := f.sub(t, f.premium, enums.SubscriptionStatusActive, func(s *models.Subscription) {
		s.NextBillingDate = day(0)
		s.ScheduledPlanID = &f.basic.ID
		s.ScheduledPlanChangeDate = day(0)
	})
	trial := f.sub(t, f.trial, enums.SubscriptionStatusActive, func(s *models.Subscription) { s.TrialEndsAt = day(0) })
	overdue := f.sub(t, f.basic, enums.SubscriptionStatusActive, func(s *models.Subscription) {
		s.NextBillingDate = day(-7)
		s.PaymentFailureCount = 1
		s.GracePeriodEndsAt = day(0)
	})
	inGrace := f.sub(t, f.basic, enums.SubscriptionStatusActive, func(s *models.Subscription) {
		s.PaymentFailureCount = 1
		s.GracePeriodEndsAt = day(1)
	})

	report, err := f.resolver.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failed() {
		t.Fatalf("unexpected failures: %v", report.Err())
	}

	changed := dbtest.Reload(t, f.conn, downgrade.ID)
	if changed.PlanID != f.basic.ID || changed.ScheduledPlanID != nil {
		t.Fatalf("expected downgrade applied, got %+v", changed)
	}
	if changed.NextBillingDate == nil || !clock.DateOf(changed.NextBillingDate.UTC()).Equal(clock.AddDays(runDay, 30)) {
		t.Fatalf("expected new cycle from today, got %v", changed.NextBillingDate)
	}
	if got := dbtest.Reload(t, f.conn, trial.ID).Status; got != enums.SubscriptionStatusExpired {
		t.Fatalf("expected trial expired, got %s", got)
	}
	suspended := dbtest.Reload(t, f.conn, overdue.ID)
	if suspended.Status != enums.SubscriptionStatusSuspended || suspended.PaymentFailureCount != 1 {
		t.Fatalf("expected suspension with failure count kept, got %+v", suspended)
	}
	if got := dbtest.Reload(t, f.conn, inGrace.ID).Status; got != enums.SubscriptionStatusActive {
		t.Fatalf("row still in grace must stay active, got %s", got)
	}
	if got := f.notifier.templatesFor(trial.ProfessionalID); len(got) != 1 || got[0] != enums.NotificationTrialExpired {
		t.Fatalf("unexpected trial notifications %v", got)
	}
	if got := f.notifier.templatesFor(overdue.ProfessionalID); len(got) != 1 || got[0] != enums.NotificationSubscriptionSuspended {
		t.Fatalf("unexpected suspension notifications %v", got)
	}
}

func TestRunNotificationFailureKeepsTransition(t *testing.T) {
	f := newFixture(t, nil)
	f.notifier.fail[enums.NotificationTrialExpired] = true
	trial := f.sub(t, f.trial, enums.SubscriptionStatusActive, func(s *models.Subscription) { s.TrialEndsAt = day(-1) })

	report, err := f.resolver.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := pass(t, report, PassExpiringTrials)
	if got.Processed != 1 || got.NotificationsFailed != 1 || got.Failed != 0 {
		t.Fatalf("unexpected trial pass %+v", got)
	}
	if status := dbtest.Reload(t, f.conn, trial.ID).Status; status != enums.SubscriptionStatusExpired {
		t.Fatalf("transition must stand when the notification fails, got %s", status)
	}
}

func TestRunIsIdempotentWithinADay(t *testing.T) {
	f := newFixture(t, nil)
	f.sub(t, f.trial, enums.SubscriptionStatusActive, func(s *models.Subscription) { s.TrialEndsAt = day(-3) })
	f.sub(t, f.basic, enums.SubscriptionStatusPending, func(s *models.Subscription) { s.ScheduledCancellationDate = day(-1) })

	if _, err := f.resolver.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := f.resolver.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	for _, p := range report.Passes {
		if p.Processed != 0 || p.Failed != 0 {
			t.Fatalf("second run must be a no-op, got %+v", p)
		}
	}
}

type unreachableStore struct {
	Candidates
}

func (unreachableStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestRunFailsWhenStoreUnreachable(t *testing.T) {
	f := newFixture(t, func(c Candidates) Candidates { return unreachableStore{Candidates: c} })
	report, err := f.resolver.Run(context.Background())
	if !pkgerrors.IsCode(err, pkgerrors.CodePersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(report.Passes) != 0 {
		t.Fatalf("no pass may run without a store")
	}
}

type brokenPlanChanges struct {
	Candidates
}

func (brokenPlanChanges) ListDuePlanChanges(context.Context, time.Time) ([]uuid.UUID, error) {
	return nil, errors.New("query timeout")
}

func TestRunContinuesAfterFailedCandidateQuery(t *testing.T) {
	f := newFixture(t, func(c Candidates) Candidates { return brokenPlanChanges{Candidates: c} })
	trial := f.sub(t, f.trial, enums.SubscriptionStatusActive, func(s *models.Subscription) { s.TrialEndsAt = day(0) })

	report, err := f.resolver.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := pass(t, report, PassScheduledPlanChanges); got.Err == nil {
		t.Fatalf("expected plan change pass to record its failure")
	}
	if got := pass(t, report, PassExpiringTrials); got.Processed != 1 {
		t.Fatalf("later passes must still run, got %+v", got)
	}
	if !report.Failed() || report.Err() == nil {
		t.Fatalf("report must surface the failed pass")
	}
	if status := dbtest.Reload(t, f.conn, trial.ID).Status; status != enums.SubscriptionStatusExpired {
		t.Fatalf("expected trial expired, got %s", status)
	}
}

func TestRunRecordsPassMetrics(t *testing.T) {
	f := newFixture(t, nil)
	f.sub(t, f.trial, enums.SubscriptionStatusActive, func(s *models.Subscription) { s.TrialEndsAt = day(0) })

	if _, err := f.resolver.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	count, err := testutil.GatherAndCount(f.reg, "contratapro_resolver_rows_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count == 0 {
		t.Fatalf("expected resolver row metrics")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Params{}); err == nil {
		t.Fatalf("expected error without candidates")
	}
}

// scenario shares one store between service calls and resolver runs made at different instants.
type scenario struct {
	conn     *gorm.DB
	store    subscriptions.Store
	gateway  *cancelGateway
	notifier *recordingNotifier
	trial    models.SubscriptionPlan
	basic    models.SubscriptionPlan
	premium  models.SubscriptionPlan
}

var scenarioStart = dbtest.Date(2026, time.March, 1)

func newScenario(t *testing.T) *scenario {
	t.Helper()
	conn := dbtest.Open(t)
	return &scenario{
		conn:     conn,
		store:    subscriptions.NewRepository(conn, nil),
		gateway:  &cancelGateway{},
		notifier: newNotifier(),
		trial:    dbtest.Plan(t, conn, "trial", "0", true, dbtest.IntPtr(30)),
		basic:    dbtest.Plan(t, conn, "basic", "29.90", false, nil),
		premium:  dbtest.Plan(t, conn, "premium", "49.90", false, nil),
	}
}

// on returns the service and resolver as they behave on scenarioStart+offset days.
func (s *scenario) on(t *testing.T, offset int) (*subscriptions.Service, *Resolver) {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "scenario-test", Output: io.Discard})
	clk := clock.Fixed(clock.AddDays(scenarioStart, offset).Add(10*time.Hour), time.UTC)
	svc, err := subscriptions.NewService(subscriptions.ServiceParams{
		Store:    s.store,
		Catalog:  plans.NewRepository(s.conn),
		Gateway:  s.gateway,
		Notifier: s.notifier,
		Clock:    clk,
		Logger:   logg,
		Config:   config.LifecycleConfig{BillingCycleDays: 30, GraceDays: 7},
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	res, err := New(Params{
		Candidates: s.store,
		Lifecycle:  svc,
		Notifier:   s.notifier,
		Clock:      clk,
		Logger:     logg,
		Metrics:    metrics.NewResolverMetrics(prometheus.NewRegistry()),
		Config:     config.ResolverConfig{Concurrency: 2, ReminderLeadDays: 7, NotificationTimeout: time.Second},
	})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return svc, res
}

func runOn(t *testing.T, s *scenario, offset int) Report {
	t.Helper()
	_, res := s.on(t, offset)
	report, err := res.Run(context.Background())
	if err != nil {
		t.Fatalf("run on day %d: %v", offset, err)
	}
	return report
}

func scenarioDay(offset int) time.Time {
	return clock.AddDays(scenarioStart, offset)
}

func assertDay(t *testing.T, field string, got *time.Time, offset int) {
	t.Helper()
	want := scenarioDay(offset)
	if got == nil || !clock.DateOf(got.UTC()).Equal(want) {
		t.Fatalf("%s: expected %s, got %v", field, clock.Format(want), got)
	}
}

func TestScenarioTrialExpiresAfterItsWindow(t *testing.T) {
	s := newScenario(t)
	svc, _ := s.on(t, 0)
	proID := uuid.New()

	sub, err := svc.Subscribe(context.Background(), subscriptions.SubscribeInput{ProfessionalID: proID, PlanSlug: "trial"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	assertDay(t, "trial_ends_at", dbtest.Reload(t, s.conn, sub.ID).TrialEndsAt, 30)

	runOn(t, s, 29)
	if got := dbtest.Reload(t, s.conn, sub.ID).Status; got != enums.SubscriptionStatusActive {
		t.Fatalf("trial must still run on day 29, got %s", got)
	}

	report := runOn(t, s, 31)
	if got := pass(t, report, PassExpiringTrials); got.Processed != 1 {
		t.Fatalf("unexpected trial pass %+v", got)
	}
	if got := dbtest.Reload(t, s.conn, sub.ID).Status; got != enums.SubscriptionStatusExpired {
		t.Fatalf("expected expired, got %s", got)
	}
	sent := s.notifier.templatesFor(proID)
	if len(sent) == 0 || sent[len(sent)-1] != enums.NotificationTrialExpired {
		t.Fatalf("expected trial expiry notice last, got %v", sent)
	}
}

func TestScenarioCancellationTakesEffectOnBillingDate(t *testing.T) {
	s := newScenario(t)
	ref := "sq-sub-1"
	sub := dbtest.Subscription(t, s.conn, uuid.New(), s.basic, enums.SubscriptionStatusActive, func(m *models.Subscription) {
		m.LastPaymentDate = clock.Ptr(scenarioDay(0))
		m.NextBillingDate = clock.Ptr(scenarioDay(30))
		m.BillingRef = &ref
	})

	svc, _ := s.on(t, 10)
	got, err := svc.RequestCancellation(context.Background(), subscriptions.CancelInput{ProfessionalID: sub.ProfessionalID, Reason: "moving abroad"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != enums.SubscriptionStatusActive {
		t.Fatalf("access continues until the billing date, got %s", got.Status)
	}
	assertDay(t, "scheduled_cancellation_date", got.ScheduledCancellationDate, 30)

	runOn(t, s, 20)
	if got := dbtest.Reload(t, s.conn, sub.ID).Status; got != enums.SubscriptionStatusActive {
		t.Fatalf("cancellation must wait for its date, got %s", got)
	}

	report := runOn(t, s, 40)
	if got := pass(t, report, PassScheduledCancellations); got.Processed != 1 {
		t.Fatalf("unexpected cancellation pass %+v", got)
	}
	stored := dbtest.Reload(t, s.conn, sub.ID)
	if stored.Status != enums.SubscriptionStatusCancelled || stored.CancelledAt == nil || stored.ScheduledCancellationDate != nil {
		t.Fatalf("expected cancelled row, got %+v", stored)
	}
	if released := s.gateway.released(); len(released) != 1 || released[0] != ref {
		t.Fatalf("expected agreement release, got %v", released)
	}
}

func TestScenarioDowngradeAppliesOnBillingDate(t *testing.T) {
	s := newScenario(t)
	sub := dbtest.Subscription(t, s.conn, uuid.New(), s.premium, enums.SubscriptionStatusActive, func(m *models.Subscription) {
		m.LastPaymentDate = clock.Ptr(scenarioDay(5))
		m.NextBillingDate = clock.Ptr(scenarioDay(35))
	})

	svc, _ := s.on(t, 5)
	res, err := svc.RequestPlanChange(context.Background(), subscriptions.PlanChangeInput{ProfessionalID: sub.ProfessionalID, PlanSlug: "basic"})
	if err != nil {
		t.Fatalf("plan change: %v", err)
	}
	if res.Kind != subscriptions.PlanChangeScheduled {
		t.Fatalf("expected a scheduled change, got %s", res.Kind)
	}
	if stored := dbtest.Reload(t, s.conn, sub.ID); stored.PlanID != s.premium.ID {
		t.Fatalf("plan must not change before the billing date")
	}

	report := runOn(t, s, 35)
	if got := pass(t, report, PassScheduledPlanChanges); got.Processed != 1 {
		t.Fatalf("unexpected plan change pass %+v", got)
	}
	stored := dbtest.Reload(t, s.conn, sub.ID)
	if stored.PlanID != s.basic.ID || stored.Status != enums.SubscriptionStatusActive {
		t.Fatalf("expected active on basic, got %s %s", stored.Status, stored.PlanID)
	}
	assertDay(t, "next_billing_date", stored.NextBillingDate, 65)
	if stored.ScheduledPlanID != nil || stored.ScheduledPlanChangeDate != nil {
		t.Fatalf("scheduled fields must be cleared")
	}
}
