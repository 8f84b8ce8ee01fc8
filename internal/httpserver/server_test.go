package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"storefront-escrow/internal/escrow"
	"storefront-escrow/internal/logging"
	"storefront-escrow/internal/metrics"
	"storefront-escrow/internal/payout"
	"storefront-escrow/internal/policy"
	"storefront-escrow/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type releaseCall struct {
	kind     string
	escrowID string
	siteKey  string
	mode     policy.Mode
	limit    int
}

type fakeReleaser struct {
	calls []releaseCall
	err   error
}

func (f *fakeReleaser) SweepAuto(_ context.Context, limit int) (payout.Summary, error) {
	f.calls = append(f.calls, releaseCall{kind: "auto", mode: policy.ModeAuto, limit: limit})
	return payout.Summary{Queried: 2, Due: 1, Released: 1, Skipped: 1}, f.err
}

func (f *fakeReleaser) ReleaseOne(_ context.Context, escrowID string) (payout.Summary, error) {
	f.calls = append(f.calls, releaseCall{kind: "one", escrowID: escrowID, mode: policy.ModeForced})
	if f.err != nil {
		return payout.Summary{}, f.err
	}
	return payout.Summary{Queried: 1, Due: 1, Released: 1}, nil
}

func (f *fakeReleaser) SweepSite(_ context.Context, siteKey string, mode policy.Mode, limit int) (payout.Summary, error) {
	f.calls = append(f.calls, releaseCall{kind: "site", siteKey: siteKey, mode: mode, limit: limit})
	suspended := true
	return payout.Summary{Suspended: &suspended}, f.err
}

type fakeRefunds struct{ err error }

func (f fakeRefunds) Refund(_ context.Context, escrowID string) (payout.RefundResult, error) {
	if f.err != nil {
		return payout.RefundResult{}, f.err
	}
	return payout.RefundResult{RefundID: "re_" + escrowID}, nil
}

type fakeReaper struct{}

func (fakeReaper) Reap(context.Context) (payout.ReapSummary, error) {
	return payout.ReapSummary{Scanned: 1, Unlocked: 1}, nil
}

type fakeKillSwitch struct {
	disabled *bool
}

func (f *fakeKillSwitch) SetAutoPayoutsDisabled(_ context.Context, disabled bool) error {
	f.disabled = &disabled
	return nil
}

func (f *fakeKillSwitch) ClearAutoPayoutsOverride(context.Context) error {
	f.disabled = nil
	return nil
}

func (f *fakeKillSwitch) GlobalFlags(context.Context) escrow.GlobalFlags {
	return escrow.GlobalFlags{AutoPayoutsDisabled: f.disabled != nil && *f.disabled}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func newTestServer(cfg Config, deps Dependencies) http.Handler {
	srv := New(cfg, logging.Discard(), metrics.Registry("test"), Handlers{
		StripeWebhook: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	})
	srv.SetDependencies(deps)
	return srv.Handler()
}

func do(h http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestServer(Config{}, Dependencies{Store: fakePinger{}})
	rec := do(h, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	h = newTestServer(Config{}, Dependencies{Store: fakePinger{err: errors.New("down")}})
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/healthz", "", "").Code)
}

func TestCronReleaseAuth(t *testing.T) {
	releaser := &fakeReleaser{}
	h := newTestServer(Config{CronSecret: "cron"}, Dependencies{Releaser: releaser})

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/cron/release-escrows", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/cron/release-escrows", "wrong", "").Code)

	rec := do(h, http.MethodGet, "/cron/release-escrows?limit=10", "cron", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queried":2,"due":1,"released":1,"skipped":1,"failed":0}`, rec.Body.String())

	rec = do(h, http.MethodPost, "/cron/release-escrows?key=cron", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, releaser.calls, 2)
	assert.Equal(t, 10, releaser.calls[0].limit)
	assert.Equal(t, 0, releaser.calls[1].limit)
}

func TestCronReleaseValidation(t *testing.T) {
	h := newTestServer(Config{}, Dependencies{Releaser: &fakeReleaser{}})
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/cron/release-escrows?limit=abc", "", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodDelete, "/cron/release-escrows", "", "").Code)

	h = newTestServer(Config{}, Dependencies{Releaser: &fakeReleaser{err: errors.New("query escrows: connection refused")}})
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/cron/release-escrows", "", "").Code)
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	h := newTestServer(Config{}, Dependencies{Releaser: &fakeReleaser{}})
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/admin/release-escrows", "", `{"escrowId":"cs_1"}`).Code)
}

func TestAdminRelease(t *testing.T) {
	releaser := &fakeReleaser{}
	h := newTestServer(Config{AdminToken: "admin"}, Dependencies{Releaser: releaser})

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/admin/release-escrows", "", `{"escrowId":"cs_1"}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/admin/release-escrows", "admin", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/admin/release-escrows", "admin", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/admin/release-escrows", "admin", `{"escrowId":`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/admin/release-escrows", "admin", `{"siteKey":"s","limit":-1}`).Code)

	rec := do(h, http.MethodPost, "/admin/release-escrows", "admin", `{"escrowId":"cs_1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queried":1,"due":1,"released":1,"skipped":0,"failed":0}`, rec.Body.String())

	rec = do(h, http.MethodPost, "/admin/release-escrows", "admin", `{"siteKey":"site_a","force":true,"limit":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queried":0,"due":0,"released":0,"skipped":0,"failed":0,"suspended":true}`, rec.Body.String())

	require.Len(t, releaser.calls, 2)
	assert.Equal(t, releaseCall{kind: "one", escrowID: "cs_1", mode: policy.ModeForced}, releaser.calls[0])
	assert.Equal(t, releaseCall{kind: "site", siteKey: "site_a", mode: policy.ModeForced, limit: 5}, releaser.calls[1])
}

func TestAdminReleaseUnknownEscrow(t *testing.T) {
	releaser := &fakeReleaser{err: fmt.Errorf("load escrow cs_x: %w", repo.ErrNotFound)}
	h := newTestServer(Config{AdminToken: "admin"}, Dependencies{Releaser: releaser})
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/admin/release-escrows", "admin", `{"escrowId":"cs_x"}`).Code)
}

func TestAdminRefund(t *testing.T) {
	h := newTestServer(Config{AdminToken: "admin"}, Dependencies{Refunds: fakeRefunds{}})
	rec := do(h, http.MethodPost, "/admin/refund-escrow", "admin", `{"escrowId":"cs_1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"escrowId":"cs_1","refundId":"re_cs_1"}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/admin/refund-escrow", "admin", `{}`).Code)

	h = newTestServer(Config{AdminToken: "admin"}, Dependencies{Refunds: fakeRefunds{err: fmt.Errorf("%w: cs_1 is transferred", payout.ErrNotRefundable)}})
	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/admin/refund-escrow", "admin", `{"escrowId":"cs_1"}`).Code)
}

func TestAdminRefundDeclinedByProvider(t *testing.T) {
	declined := fmt.Errorf("refund escrow cs_1: %w: %w", payout.ErrProcessor, errors.New("create refund: charge_already_refunded: Charge ch_1 has already been refunded."))
	h := newTestServer(Config{AdminToken: "admin"}, Dependencies{Refunds: fakeRefunds{err: declined}})
	rec := do(h, http.MethodPost, "/admin/refund-escrow", "admin", `{"escrowId":"cs_1"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "charge_already_refunded")

	h = newTestServer(Config{AdminToken: "admin"}, Dependencies{Refunds: fakeRefunds{err: errors.New("lock escrow cs_1: database is locked")}})
	rec = do(h, http.MethodPost, "/admin/refund-escrow", "admin", `{"escrowId":"cs_1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "database")
}

func TestAdminReapAndKillSwitch(t *testing.T) {
	ks := &fakeKillSwitch{}
	h := newTestServer(Config{AdminToken: "admin"}, Dependencies{Reaper: fakeReaper{}, KillSwitch: ks, Flags: ks})

	rec := do(h, http.MethodPost, "/admin/reap-stale-locks", "admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"scanned":1,"unlocked":1,"quarantined":0}`, rec.Body.String())

	rec = do(h, http.MethodPost, "/admin/kill-switch", "admin", `{"disabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","autoPayoutsDisabled":true}`, rec.Body.String())

	rec = do(h, http.MethodPost, "/admin/kill-switch", "admin", `{"clear":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","autoPayoutsDisabled":false}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/admin/kill-switch", "admin", `{}`).Code)
}

func TestBasePathMount(t *testing.T) {
	srv := New(Config{BasePath: "/escrow/"}, logging.Discard(), metrics.Registry("test"), Handlers{})
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/escrow/healthz", "", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/escrowx/healthz", "", "").Code)
}

func TestWebhookMounted(t *testing.T) {
	h := newTestServer(Config{}, Dependencies{})
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/webhook/stripe", "", "{}").Code)
}
