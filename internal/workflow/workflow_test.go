package workflow_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/database/dbtest"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/notification"
	"github.com/ksred/klear-ledger/internal/push"
	"github.com/ksred/klear-ledger/internal/referral"
	"github.com/ksred/klear-ledger/internal/workflow"
	"github.com/shopspring/decimal"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var admin = auth.Actor{ID: "ACC_admin", Role: ledger.RoleAdmin}

type sentNotification struct {
	AccountID, Title, Body, Category string
}

type captureSink struct {
	mu    sync.Mutex
	items []sentNotification
}

func (s *captureSink) Notify(_ context.Context, accountID, title, body, category string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, sentNotification{accountID, title, body, category})
}

func (s *captureSink) all() []sentNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentNotification(nil), s.items...)
}

type capturePusher struct {
	mu     sync.Mutex
	events map[string][]push.Event
}

func (p *capturePusher) Push(accountID string, ev push.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string][]push.Event)
	}
	p.events[accountID] = append(p.events[accountID], ev)
	return true
}

func (p *capturePusher) last(accountID string) (push.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	evs := p.events[accountID]
	if len(evs) == 0 {
		return push.Event{}, false
	}
	return evs[len(evs)-1], true
}

type env struct {
	store  *ledger.Database
	svc    *workflow.Service
	sink   *captureSink
	pusher *capturePusher
}

func newEnv(t *testing.T, hooks ...workflow.DepositHook) *env {
	t.Helper()
	db := dbtest.New(t)
	e := &env{
		store:  ledger.NewDatabase(db),
		sink:   &captureSink{},
		pusher: &capturePusher{},
	}
	e.svc = workflow.NewService(db, e.sink, e.pusher, nil, hooks...)
	return e
}

var codeSeq int

func (e *env) account(t *testing.T, id string, balance int64) auth.Actor {
	t.Helper()
	codeSeq++
	err := e.store.CreateAccount(context.Background(), &ledger.Account{
		AccountID:    id,
		Name:         id,
		Email:        id + "@example.com",
		Role:         ledger.RoleUser,
		Balance:      decimal.NewFromInt(balance),
		ReferralCode: fmt.Sprintf("W%05d", codeSeq),
	})
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	return auth.Actor{ID: id, Role: ledger.RoleUser}
}

func (e *env) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	account, err := e.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	return account.Balance
}

func assertBalance(t *testing.T, e *env, id string, want int64) {
	t.Helper()
	if got := e.balance(t, id); !got.Equal(decimal.NewFromInt(want)) {
		t.Errorf("balance of %s = %s, want %d", id, got, want)
	}
}

func TestApproveDepositOnlyOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.account(t, "ACC_u1", 100)

	txn, err := e.svc.Submit(ctx, user, ledger.KindDeposit, decimal.NewFromInt(50), "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if txn.Status != ledger.StatusPending {
		t.Fatalf("status = %s, want PENDING", txn.Status)
	}
	assertBalance(t, e, user.ID, 100)

	approved, err := e.svc.Approve(ctx, admin, txn.TransactionID)
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if approved.Status != ledger.StatusApproved || !approved.Applied || approved.FinalizedBy != admin.ID {
		t.Errorf("approved = %+v", approved)
	}
	assertBalance(t, e, user.ID, 150)

	if _, err := e.svc.Approve(ctx, admin, txn.TransactionID); !errors.Is(err, ledger.ErrAlreadyFinalized) {
		t.Fatalf("second Approve() error = %v, want ErrAlreadyFinalized", err)
	}
	assertBalance(t, e, user.ID, 150)

	stored, _ := e.store.GetTransaction(ctx, txn.TransactionID)
	if !stored.Applied || stored.Status != ledger.StatusApproved {
		t.Errorf("stored = %+v", stored)
	}
}

func TestApproveWithdrawalInsufficientFunds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.account(t, "ACC_u1", 100)

	txn, err := e.svc.Submit(ctx, user, ledger.KindWithdrawal, decimal.NewFromInt(50), "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// balance drops after the submission-time check passed
	account, _ := e.store.GetAccount(ctx, user.ID)
	if err := e.store.UpdateBalance(ctx, account, decimal.NewFromInt(-70)); err != nil {
		t.Fatalf("UpdateBalance() error = %v", err)
	}

	if _, err := e.svc.Approve(ctx, admin, txn.TransactionID); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("Approve() error = %v, want ErrInsufficientFunds", err)
	}
	assertBalance(t, e, user.ID, 30)

	stored, _ := e.store.GetTransaction(ctx, txn.TransactionID)
	if stored.Status != ledger.StatusPending || stored.Applied {
		t.Errorf("stored = %s applied=%v, want PENDING unapplied", stored.Status, stored.Applied)
	}

	// still rejectable afterwards
	if _, err := e.svc.Reject(ctx, admin, txn.TransactionID, "insufficient balance"); err != nil {
		t.Errorf("Reject() error = %v", err)
	}
}

func TestApproveWithdrawalDebits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.account(t, "ACC_u1", 100)

	txn, err := e.svc.Submit(ctx, user, ledger.KindWithdrawal, decimal.NewFromInt(40), "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := e.svc.Approve(ctx, admin, txn.TransactionID); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	assertBalance(t, e, user.ID, 60)

	notes := e.sink.all()
	if len(notes) != 1 || notes[0].Category != notification.CategoryWithdrawal || notes[0].Title != "Withdrawal Approved" {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.account(t, "ACC_u1", 30)
	blocked := e.account(t, "ACC_blocked", 100)
	if err := e.store.SetBlocked(ctx, blocked.ID, true); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		actor   auth.Actor
		kind    string
		amount  int64
		proof   string
		wantErr error
	}{
		{"zero amount", user, ledger.KindDeposit, 0, "", ledger.ErrInvalidAmount},
		{"negative amount", user, ledger.KindDeposit, -5, "", ledger.ErrInvalidAmount},
		{"unknown kind", user, "TRANSFER", 10, "", ledger.ErrInvalidInput},
		{"withdrawal above balance", user, ledger.KindWithdrawal, 50, "", ledger.ErrInsufficientFunds},
		{"withdrawal with proof", user, ledger.KindWithdrawal, 10, "receipt.png", ledger.ErrInvalidInput},
		{"blocked account", blocked, ledger.KindDeposit, 10, "", ledger.ErrAccountBlocked},
		{"unknown account", auth.Actor{ID: "ACC_ghost"}, ledger.KindDeposit, 10, "", ledger.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Submit(ctx, tt.actor, tt.kind, decimal.NewFromInt(tt.amount), tt.proof)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Submit() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	count, err := e.store.CountTransactions(ctx, ledger.TransactionFilter{})
	if err != nil || count != 0 {
		t.Errorf("transactions written = %d, %v; want 0", count, err)
	}
}

func TestReject(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.account(t, "ACC_u1", 100)

	txn, _ := e.svc.Submit(ctx, user, ledger.KindDeposit, decimal.NewFromInt(25), "bank-ref-1")

	rejected, err := e.svc.Reject(ctx, admin, txn.TransactionID, "proof unreadable")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if rejected.Status != ledger.StatusRejected || rejected.AdminNote != "proof unreadable" || rejected.Applied {
		t.Errorf("rejected = %+v", rejected)
	}
	assertBalance(t, e, user.ID, 100)

	if _, err := e.svc.Reject(ctx, admin, txn.TransactionID, ""); !errors.Is(err, ledger.ErrAlreadyFinalized) {
		t.Errorf("second Reject() error = %v, want ErrAlreadyFinalized", err)
	}
	if _, err := e.svc.Approve(ctx, admin, txn.TransactionID); !errors.Is(err, ledger.ErrAlreadyFinalized) {
		t.Errorf("Approve() after reject error = %v, want ErrAlreadyFinalized", err)
	}
	assertBalance(t, e, user.ID, 100)

	notes := e.sink.all()
	if len(notes) != 1 || notes[0].Title != "Deposit Rejected" {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestFinalizeRequiresAdmin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.account(t, "ACC_u1", 100)
	txn, _ := e.svc.Submit(ctx, user, ledger.KindDeposit, decimal.NewFromInt(10), "")

	if _, err := e.svc.Approve(ctx, user, txn.TransactionID); !errors.Is(err, ledger.ErrForbidden) {
		t.Errorf("Approve() error = %v, want ErrForbidden", err)
	}
	if _, err := e.svc.Reject(ctx, user, txn.TransactionID, ""); !errors.Is(err, ledger.ErrForbidden) {
		t.Errorf("Reject() error = %v, want ErrForbidden", err)
	}
	if _, err := e.svc.Approve(ctx, admin, "TXN_missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Approve() missing error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentApprovalsApplyEveryDelta(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.account(t, "ACC_u1", 0)

	const n = 10
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		txn, err := e.svc.Submit(ctx, user, ledger.KindDeposit, decimal.NewFromInt(10), "")
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		ids = append(ids, txn.TransactionID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := e.svc.Approve(ctx, admin, id); err != nil {
				errs <- err
			}
		}(id)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Approve() error = %v", err)
	}
	assertBalance(t, e, user.ID, 100)
}

func TestConcurrentApprovalOfSameTransaction(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.account(t, "ACC_u1", 100)
	txn, _ := e.svc.Submit(ctx, user, ledger.KindDeposit, decimal.NewFromInt(50), "")

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, finalized := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Approve(ctx, admin, txn.TransactionID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrAlreadyFinalized):
				finalized++
			default:
				t.Errorf("Approve() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || finalized != n-1 {
		t.Errorf("succeeded = %d, finalized = %d", succeeded, finalized)
	}
	assertBalance(t, e, user.ID, 150)
}

func TestApprovePushesBalanceUpdate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.account(t, "ACC_u1", 100)
	txn, _ := e.svc.Submit(ctx, user, ledger.KindDeposit, decimal.NewFromInt(50), "")

	if _, err := e.svc.Approve(ctx, admin, txn.TransactionID); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	ev, ok := e.pusher.last(user.ID)
	if !ok || ev.Type != push.EventBalanceUpdate {
		t.Fatalf("event = %+v, %v", ev, ok)
	}
	update := ev.Payload.(push.BalanceUpdate)
	if !update.NewBalance.Equal(decimal.NewFromInt(150)) || update.Transaction.TransactionID != txn.TransactionID {
		t.Errorf("update = %+v", update)
	}

	notes := e.sink.all()
	if len(notes) != 1 || notes[0].Body != "Your deposit of $50.00 was approved." || notes[0].Category != notification.CategoryDeposit {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestCreditProfit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := e.account(t, "ACC_u1", 100)

	tests := []struct {
		name    string
		actor   auth.Actor
		account string
		amount  int64
		wantErr error
	}{
		{"non admin", user, user.ID, 10, ledger.ErrForbidden},
		{"zero amount", admin, user.ID, 0, ledger.ErrInvalidAmount},
		{"unknown account", admin, "ACC_ghost", 10, ledger.ErrNotFound},
		{"credit", admin, user.ID, 25, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.CreditProfit(ctx, tt.actor, tt.account, decimal.NewFromInt(tt.amount), "weekly")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CreditProfit() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	assertBalance(t, e, user.ID, 125)
	profits, err := e.svc.ListProfits(ctx, user, user.ID)
	if err != nil || len(profits) != 1 {
		t.Fatalf("ListProfits() = %d, %v", len(profits), err)
	}
	if profits[0].CreditedBy != admin.ID {
		t.Errorf("credited_by = %s", profits[0].CreditedBy)
	}
	if notes := e.sink.all(); len(notes) != 1 || notes[0].Category != notification.CategoryProfit {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestStats(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u1 := e.account(t, "ACC_u1", 100)
	u2 := e.account(t, "ACC_u2", 0)

	d1, _ := e.svc.Submit(ctx, u1, ledger.KindDeposit, decimal.NewFromInt(40), "")
	d2, _ := e.svc.Submit(ctx, u2, ledger.KindDeposit, decimal.NewFromInt(60), "")
	w1, _ := e.svc.Submit(ctx, u1, ledger.KindWithdrawal, decimal.NewFromInt(30), "")
	e.svc.Submit(ctx, u2, ledger.KindDeposit, decimal.NewFromInt(5), "")

	for _, id := range []string{d1.TransactionID, d2.TransactionID, w1.TransactionID} {
		if _, err := e.svc.Approve(ctx, admin, id); err != nil {
			t.Fatalf("Approve() error = %v", err)
		}
	}

	stats, err := e.svc.Stats(ctx, admin)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalUsers != 2 || stats.PendingCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if !stats.ApprovedDeposits.Equal(decimal.NewFromInt(100)) || !stats.ApprovedWithdrawals.Equal(decimal.NewFromInt(30)) {
		t.Errorf("sums = %s / %s", stats.ApprovedDeposits, stats.ApprovedWithdrawals)
	}

	if _, err := e.svc.Stats(ctx, u1); !errors.Is(err, ledger.ErrForbidden) {
		t.Errorf("Stats() as user error = %v", err)
	}
}

func TestGetHidesOtherAccounts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u1 := e.account(t, "ACC_u1", 0)
	u2 := e.account(t, "ACC_u2", 0)
	txn, _ := e.svc.Submit(ctx, u1, ledger.KindDeposit, decimal.NewFromInt(5), "")

	if _, err := e.svc.Get(ctx, u2, txn.TransactionID); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Get() by other user error = %v, want ErrNotFound", err)
	}
	if _, err := e.svc.Get(ctx, admin, txn.TransactionID); err != nil {
		t.Errorf("Get() by admin error = %v", err)
	}

	mine, err := e.svc.ListForAccount(ctx, u2, ledger.TransactionFilter{})
	if err != nil || len(mine) != 0 {
		t.Errorf("ListForAccount() = %d, %v", len(mine), err)
	}
}

func TestFirstDepositPaysReferrerOnce(t *testing.T) {
	db := dbtest.New(t)
	sink := &captureSink{}
	pusher := &capturePusher{}
	referrals := referral.NewService(db, sink, pusher, decimal.RequireFromString("0.05"))
	svc := workflow.NewService(db, sink, pusher, nil, referrals)
	store := ledger.NewDatabase(db)
	ctx := context.Background()

	for _, a := range []*ledger.Account{
		{AccountID: "ACC_ref", Email: "ref@example.com", Role: ledger.RoleUser, ReferralCode: "AAAAAA"},
		{AccountID: "ACC_new", Email: "new@example.com", Role: ledger.RoleUser, ReferralCode: "BBBBBB", ReferredBy: "ACC_ref"},
	} {
		if err := store.CreateAccount(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	user := auth.Actor{ID: "ACC_new", Role: ledger.RoleUser}

	first, _ := svc.Submit(ctx, user, ledger.KindDeposit, decimal.NewFromInt(100), "")
	second, _ := svc.Submit(ctx, user, ledger.KindDeposit, decimal.NewFromInt(200), "")

	for _, id := range []string{first.TransactionID, second.TransactionID} {
		if _, err := svc.Approve(ctx, admin, id); err != nil {
			t.Fatalf("Approve() error = %v", err)
		}
	}

	referrer, _ := store.GetAccount(ctx, "ACC_ref")
	if !referrer.Balance.Equal(decimal.NewFromInt(5)) {
		t.Errorf("referrer balance = %s, want 5", referrer.Balance)
	}

	// replaying the hook for the first deposit must not pay again
	approved, _ := store.GetTransaction(ctx, first.TransactionID)
	if err := referrals.OnDepositApproved(ctx, approved); err != nil {
		t.Fatalf("OnDepositApproved() error = %v", err)
	}
	referrer, _ = store.GetAccount(ctx, "ACC_ref")
	if !referrer.Balance.Equal(decimal.NewFromInt(5)) {
		t.Errorf("referrer balance after replay = %s, want 5", referrer.Balance)
	}
}

func TestSubmitHandlerWithProofUpload(t *testing.T) {
	e := newEnv(t)
	user := e.account(t, "ACC_u1", 0)
	uploadDir := t.TempDir()
	h := workflow.NewGinHandlers(e.svc, uploadDir)

	asActor := func(actor auth.Actor) gin.HandlerFunc {
		return func(c *gin.Context) {
			auth.SetActor(c, actor)
			c.Next()
		}
	}

	router := gin.New()
	router.POST("/deposits", asActor(user), h.SubmitHandler(ledger.KindDeposit))
	router.POST("/admin/transactions/:transaction_id/approve", asActor(admin), h.ApproveHandler())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("amount", "75.50")
	fw, _ := mw.CreateFormFile("proof", "receipt.png")
	fw.Write([]byte("fake image"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/deposits", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var created struct {
		Data ledger.Transaction `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Data.ProofReference == "" {
		t.Fatal("proof reference not stored")
	}
	if _, err := os.Stat(filepath.Join(uploadDir, created.Data.ProofReference)); err != nil {
		t.Errorf("proof file missing: %v", err)
	}

	approvePath := "/admin/transactions/" + created.Data.TransactionID + "/approve"
	for i, want := range []int{http.StatusCreated, http.StatusConflict} {
		w = httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, approvePath, nil))
		if w.Code != want {
			t.Errorf("approve #%d status = %d, want %d", i+1, w.Code, want)
		}
	}

	if got := e.balance(t, user.ID); !got.Equal(decimal.RequireFromString("75.5")) {
		t.Errorf("balance = %s, want 75.5", got)
	}
}

func TestSubmitHandlerRejectsBadAmount(t *testing.T) {
	e := newEnv(t)
	user := e.account(t, "ACC_u1", 0)
	h := workflow.NewGinHandlers(e.svc, t.TempDir())

	router := gin.New()
	router.POST("/withdrawals", func(c *gin.Context) {
		auth.SetActor(c, user)
		c.Next()
	}, h.SubmitHandler(ledger.KindWithdrawal))

	tests := []struct {
		name string
		body string
		want int
	}{
		{"zero", `{"amount":"0"}`, http.StatusBadRequest},
		{"over balance", `{"amount":"10"}`, http.StatusUnprocessableEntity},
		{"malformed", `{"amount":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/withdrawals", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
