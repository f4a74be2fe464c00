package ledger

import (
	"errors"
	"math"
	"testing"
	"time"

	"coinledger/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)

func account(id string, coins int64) model.Account {
	return model.Account{
		AccountID:      id,
		Coins:          coins,
		ReferralCode:   "CODE" + id,
		ReferralStatus: model.ReferralStatusNone,
		Version:        3,
	}
}

// ─── Grant ──────────────────────────────────────────────────────────────────

func TestGrant(t *testing.T) {
	m, res, err := Grant(account("a", 5), GrantInput{Amount: 20, ActorID: "admin", Reason: "promo"})
	require.NoError(t, err)

	assert.Equal(t, int64(25), res.NewBalance)
	require.Len(t, m.Accounts, 1)
	assert.Equal(t, int64(25), m.Accounts[0].Coins)
	assert.Equal(t, 3, m.Accounts[0].Version, "version is kept for the optimistic check")

	require.Len(t, m.Audits, 1)
	rec := m.Audits[0]
	assert.Equal(t, model.AuditTypeGrantCoins, rec.Type)
	assert.Equal(t, "admin", rec.ActorID)
	assert.Equal(t, int64(5), rec.BalanceBefore)
	assert.Equal(t, int64(25), rec.BalanceAfter)
	assert.Nil(t, rec.RequestID)
}

func TestGrant_Validation(t *testing.T) {
	_, _, err := Grant(account("a", 5), GrantInput{Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = Grant(account("a", 5), GrantInput{Amount: -1})
	assert.ErrorIs(t, err, ErrInvalidAmount, "negative grants need the corrective flag")
}

func TestGrant_CorrectiveNeverNegative(t *testing.T) {
	m, res, err := Grant(account("a", 5), GrantInput{Amount: -5, Corrective: true})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.NewBalance)
	assert.Equal(t, true, m.Audits[0].Metadata["corrective"])

	_, _, err = Grant(account("a", 5), GrantInput{Amount: -6, Corrective: true})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestGrant_RequestID(t *testing.T) {
	m, _, err := Grant(account("a", 0), GrantInput{Amount: 100, RequestID: "pay-1"})
	require.NoError(t, err)
	require.NotNil(t, m.Audits[0].RequestID)
	assert.Equal(t, "pay-1", *m.Audits[0].RequestID)
}

func TestGrant_RejectsOverflow(t *testing.T) {
	m, _, err := Grant(account("a", math.MaxInt64-10), GrantInput{Amount: 11})
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))

	_, res, err := Grant(account("a", math.MaxInt64-10), GrantInput{Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), res.NewBalance)

	_, _, err = Grant(account("a", 1), GrantInput{Amount: math.MaxInt64})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

// ─── Purchase ───────────────────────────────────────────────────────────────

func TestPurchase(t *testing.T) {
	m, res, err := Purchase(account("a", 100), nil, PurchaseInput{ContentID: "lesson1", Title: "Algebra", Cost: 30}, testNow)
	require.NoError(t, err)

	assert.Equal(t, int64(70), res.NewBalance)
	assert.False(t, res.AlreadyOwned)
	require.NotNil(t, m.NewEntitlement)
	assert.Equal(t, "lesson1", m.NewEntitlement.ContentID)
	assert.Equal(t, int64(30), m.NewEntitlement.Cost)
	assert.False(t, m.NewEntitlement.Archived)
	assert.Equal(t, testNow, m.NewEntitlement.PurchasedAt)
	assert.Equal(t, int64(-30), m.Audits[0].Amount)
	assert.Equal(t, int64(70), m.Accounts[0].Coins)
}

func TestPurchase_AlreadyOwned(t *testing.T) {
	for _, archived := range []bool{false, true} {
		owned := &model.Entitlement{AccountID: "a", ContentID: "lesson1", Archived: archived}
		m, res, err := Purchase(account("a", 70), owned, PurchaseInput{ContentID: "lesson1", Cost: 30}, testNow)
		require.NoError(t, err)
		assert.Nil(t, m, "no writes for a re-purchase")
		assert.True(t, res.AlreadyOwned)
		assert.Equal(t, int64(70), res.NewBalance)
	}
}

func TestPurchase_InsufficientFunds(t *testing.T) {
	m, _, err := Purchase(account("a", 70), nil, PurchaseInput{ContentID: "lesson2", Cost: 1000}, testNow)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, CodeFailedPrecondition, CodeOf(err))
}

func TestPurchase_Validation(t *testing.T) {
	_, _, err := Purchase(account("a", 70), nil, PurchaseInput{ContentID: "x", Cost: -1}, testNow)
	assert.ErrorIs(t, err, ErrInvalidCost)

	_, _, err = Purchase(account("a", 70), nil, PurchaseInput{ContentID: "  ", Cost: 1}, testNow)
	assert.ErrorIs(t, err, ErrInvalidContentID)
}

func TestPurchase_FreeContent(t *testing.T) {
	m, res, err := Purchase(account("a", 0), nil, PurchaseInput{ContentID: "free", Cost: 0}, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.NewBalance)
	assert.NotNil(t, m.NewEntitlement)
}

// ─── Grant content ──────────────────────────────────────────────────────────

func TestGrantContent(t *testing.T) {
	m, res, err := GrantContent(account("a", 12), nil, GrantContentInput{ContentID: "lesson9", Title: "Gift", ActorID: "admin", Reason: "support"}, testNow)
	require.NoError(t, err)
	assert.False(t, res.AlreadyOwned)

	require.NotNil(t, m.NewEntitlement)
	assert.Equal(t, model.EntitlementSourceGrant, m.NewEntitlement.Source)
	assert.Equal(t, int64(0), m.NewEntitlement.Cost)
	assert.Equal(t, int64(12), m.Accounts[0].Coins, "balance untouched")

	rec := m.Audits[0]
	assert.Equal(t, model.AuditTypeGrantContent, rec.Type)
	assert.Equal(t, "admin", rec.ActorID)
	assert.Equal(t, int64(0), rec.Amount)
	assert.Equal(t, "support", rec.Metadata["reason"])
}

func TestGrantContent_AlreadyOwned(t *testing.T) {
	owned := &model.Entitlement{AccountID: "a", ContentID: "lesson9", Source: model.EntitlementSourcePurchase}
	m, res, err := GrantContent(account("a", 12), owned, GrantContentInput{ContentID: "lesson9"}, testNow)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.True(t, res.AlreadyOwned)

	_, _, err = GrantContent(account("a", 12), nil, GrantContentInput{ContentID: " "}, testNow)
	assert.ErrorIs(t, err, ErrInvalidContentID)
}

// ─── Daily bonus ────────────────────────────────────────────────────────────

func TestDailyBonusPolicy_MidnightBoundary(t *testing.T) {
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	p := DailyBonusPolicy{Amount: 10, Location: shanghai}

	// 23:50 和次日 00:10（上海时间）属于不同自然日，即使只隔 20 分钟
	last := time.Date(2026, 3, 14, 23, 50, 0, 0, shanghai)
	assert.True(t, p.Eligible(&last, time.Date(2026, 3, 15, 0, 10, 0, 0, shanghai)))

	// 同一天的早晚两次只能领一次，即使间隔超过 12 小时
	morning := time.Date(2026, 3, 14, 0, 5, 0, 0, shanghai)
	assert.False(t, p.Eligible(&morning, time.Date(2026, 3, 14, 23, 55, 0, 0, shanghai)))

	assert.True(t, p.Eligible(nil, testNow))
}

func TestDailyBonusPolicy_DefaultsToUTC(t *testing.T) {
	p := DailyBonusPolicy{Amount: 10}
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), p.DayStart(testNow))
}

func TestClaimDailyBonus(t *testing.T) {
	p := DailyBonusPolicy{Amount: 10, Location: time.UTC}

	m, res, err := ClaimDailyBonus(account("a", 5), p, testNow)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, res.Awarded)
	assert.Equal(t, int64(10), res.Bonus)
	assert.Equal(t, int64(15), res.NewBalance)
	require.NotNil(t, m.Accounts[0].LastBonusAt)
	assert.Equal(t, testNow, *m.Accounts[0].LastBonusAt)
	assert.Equal(t, "2026-03-14", m.Audits[0].Metadata["day"])

	again, res, err := ClaimDailyBonus(m.Accounts[0], p, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.False(t, res.Awarded)
}

func TestClaimDailyBonus_RejectsOverflow(t *testing.T) {
	p := DailyBonusPolicy{Amount: 10, Location: time.UTC}

	m, _, err := ClaimDailyBonus(account("a", math.MaxInt64-5), p, testNow)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

// ─── Referral ───────────────────────────────────────────────────────────────

func TestApplyReferralCode(t *testing.T) {
	b := account("b", 0)
	c := account("c", 0)

	m, err := ApplyReferralCode(b, &c, " codec ", testNow)
	require.NoError(t, err)
	got := m.Accounts[0]
	assert.Equal(t, "CODEC", got.ReferredBy)
	assert.Equal(t, "c", got.ReferrerID)
	assert.Equal(t, model.ReferralStatusPending, got.ReferralStatus)
	assert.Equal(t, int64(0), m.Audits[0].Amount)
	assert.Equal(t, model.AuditTypeReferralApplied, m.Audits[0].Type)
}

func TestApplyReferralCode_Errors(t *testing.T) {
	c := account("c", 0)

	used := account("b", 0)
	used.ReferredBy = "OTHER"
	active := account("b", 0)
	active.CompletedLessons = 2
	// 已绑定 + 有学习记录，按顺序先报 AlreadyExists
	both := used
	both.CompletedLessons = 1

	self := account("c", 0)

	cases := []struct {
		name     string
		acc      model.Account
		referrer *model.Account
		code     string
		want     error
		code2    Code
	}{
		{"empty code", account("b", 0), &c, "  ", ErrInvalidCode, CodeInvalidArgument},
		{"already used", used, &c, "CODEC", ErrReferralUsed, CodeAlreadyExists},
		{"check order", both, nil, "CODEC", ErrReferralUsed, CodeAlreadyExists},
		{"existing learner", active, &c, "CODEC", ErrReferralNotEligible, CodeFailedPrecondition},
		{"unknown code", account("b", 0), nil, "NOPE", ErrReferrerNotFound, CodeNotFound},
		{"self referral", self, &c, "CODEC", ErrSelfReferral, CodeInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := ApplyReferralCode(tc.acc, tc.referrer, tc.code, testNow)
			assert.Nil(t, m)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Equal(t, tc.code2, CodeOf(err))
		})
	}
}

func pendingReferral() (model.Account, model.Account) {
	b := account("b", 0)
	b.ReferredBy = "CODEC"
	b.ReferrerID = "c"
	b.ReferralStatus = model.ReferralStatusPending
	return b, account("c", 40)
}

func TestCompleteReferral(t *testing.T) {
	b, c := pendingReferral()

	m, res, err := CompleteReferral(b, &c, CompletionInput{ContentID: "lesson1"}, 50, testNow)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, res.Rewarded)
	assert.Equal(t, int64(50), res.Bonus)

	// 两个账户都在同一个 Mutation 里，按账户ID排序
	require.Len(t, m.Accounts, 2)
	assert.Equal(t, "b", m.Accounts[0].AccountID)
	assert.Equal(t, model.ReferralStatusCompleted, m.Accounts[0].ReferralStatus)
	assert.Equal(t, int64(0), m.Accounts[0].Coins)
	assert.Equal(t, "c", m.Accounts[1].AccountID)
	assert.Equal(t, int64(90), m.Accounts[1].Coins)

	rec := m.Audits[0]
	assert.Equal(t, model.AuditTypeReferralBonus, rec.Type)
	assert.Equal(t, "c", rec.AccountID)
	assert.Equal(t, "b", rec.ActorID)
	assert.Equal(t, "b", rec.Metadata["referred_user_id"])
	assert.Equal(t, int64(40), rec.BalanceBefore)
	assert.Equal(t, int64(90), rec.BalanceAfter)
}

func TestCompleteReferral_NotRewarded(t *testing.T) {
	b, c := pendingReferral()
	completed := b
	completed.ReferralStatus = model.ReferralStatusCompleted
	none := account("b", 0)

	cases := []struct {
		name     string
		acc      model.Account
		referrer *model.Account
		in       CompletionInput
		reason   string
	}{
		{"no referral", none, &c, CompletionInput{}, ReasonNotPending},
		{"already completed", completed, &c, CompletionInput{}, ReasonNotPending},
		{"demo", b, &c, CompletionInput{IsDemo: true}, ReasonDemoContent},
		{"user created", b, &c, CompletionInput{IsUserCreated: true}, ReasonUserCreated},
		{"referrer gone", b, nil, CompletionInput{}, ReasonReferrerNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, res, err := CompleteReferral(tc.acc, tc.referrer, tc.in, 50, testNow)
			require.NoError(t, err)
			assert.Nil(t, m)
			assert.False(t, res.Rewarded)
			assert.Equal(t, tc.reason, res.Reason)
		})
	}
}

func TestCompleteReferral_RejectsOverflow(t *testing.T) {
	b, c := pendingReferral()
	c.Coins = math.MaxInt64 - 49

	m, res, err := CompleteReferral(b, &c, CompletionInput{ContentID: "lesson1"}, 50, testNow)
	assert.Nil(t, m)
	assert.False(t, res.Rewarded)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRecordLessonCompleted(t *testing.T) {
	m := RecordLessonCompleted(account("a", 0))
	assert.Equal(t, int64(1), m.Accounts[0].CompletedLessons)
	assert.Empty(t, m.Audits)
}

// ─── Archive ────────────────────────────────────────────────────────────────

func TestSetArchived(t *testing.T) {
	ent := &model.Entitlement{AccountID: "a", ContentID: "lesson1"}

	m, err := SetArchived(account("a", 10), ent, true)
	require.NoError(t, err)
	assert.True(t, m.UpdatedEntitlement.Archived)
	assert.False(t, ent.Archived, "input is not mutated")
	assert.Equal(t, model.AuditTypeEntitlementArchived, m.Audits[0].Type)

	noop, err := SetArchived(account("a", 10), ent, false)
	require.NoError(t, err)
	assert.Nil(t, noop)

	_, err = SetArchived(account("a", 10), nil, true)
	assert.ErrorIs(t, err, ErrEntitlementNotFound)
}

// ─── Errors ─────────────────────────────────────────────────────────────────

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, CodeNotFound, CodeOf(ErrAccountNotFound))

	wrapped := Internal(errors.New("db down"))
	assert.Equal(t, CodeInternal, CodeOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(ErrInsufficientFunds))

	assert.Same(t, ErrReferralUsed, Internal(ErrReferralUsed).(*Error))
}
