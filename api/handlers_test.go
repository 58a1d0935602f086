package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refnet/referral-engine/auth"
	"github.com/refnet/referral-engine/engine"
	"github.com/refnet/referral-engine/engine/store"
	"github.com/refnet/referral-engine/notify"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestServer(t *testing.T) (*httptest.Server, *store.TxMemory) {
	t.Helper()

	s := store.NewTxMemory()
	cfg := engine.DefaultConfig()
	center := notify.NewCenter()
	notifier := engine.MultiNotifier{center}

	graph := engine.NewGraph(s, cfg, notifier, nil)
	distributor := engine.NewDistributor(s, cfg, notifier, nil)
	reporter := engine.NewReporter(s)
	authn := auth.New("test-secret", time.Hour)

	h := NewHandler(s, cfg, graph, distributor, reporter, authn, center)
	srv := httptest.NewServer(NewRouter(h, []string{"*"}))
	t.Cleanup(srv.Close)
	return srv, s
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var fields map[string]json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&fields)
	return resp, fields
}

func registerBody(n int) RegisterRequest {
	return RegisterRequest{
		Username: fmt.Sprintf("user%d", n),
		Email:    fmt.Sprintf("user%d@example.com", n),
		Phone:    fmt.Sprintf("9%09d", n),
		FullName: fmt.Sprintf("User Number %d", n),
		Password: "hunter22",
	}
}

// register creates an account through the API and returns its DTO and token.
func register(t *testing.T, srv *httptest.Server, n int, code string) (AccountDTO, string) {
	t.Helper()

	body := registerBody(n)
	body.ReferralCode = code

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(srv.URL+"/api/auth/register", "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var authResp AuthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&authResp))
	require.NotEmpty(t, authResp.Token)
	return authResp.Account, authResp.Token
}

// =============================================================================
// AUTH FLOW
// =============================================================================

func TestRegisterAndLogin(t *testing.T) {
	// GIVEN: a fresh server
	// WHEN: an account registers and logs in
	// THEN: both return the account with a usable bearer token

	srv, _ := newTestServer(t)

	account, token := register(t, srv, 1, "")
	assert.Equal(t, "user1", account.Username)
	assert.NotEmpty(t, account.ReferralCode)
	assert.Equal(t, 0, account.ReferralLevel)
	assert.NotEmpty(t, token)

	// Wrong password and unknown user get the same 401.
	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(LoginRequest{Username: "user1", Password: "wrong"})
	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", &buf)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	buf.Reset()
	json.NewEncoder(&buf).Encode(LoginRequest{Username: "ghost", Password: "hunter22"})
	resp, err = http.Post(srv.URL+"/api/auth/login", "application/json", &buf)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegister_Conflicts(t *testing.T) {
	srv, _ := newTestServer(t)
	register(t, srv, 1, "")

	// Same username again.
	dup := registerBody(2)
	dup.Username = "user1"
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/auth/register", "", dup)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Unknown referral code.
	bad := registerBody(3)
	bad.ReferralCode = "ZZZZ9999"
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/auth/register", "", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Short password.
	weak := registerBody(4)
	weak.Password = "abc"
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/auth/register", "", weak)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthenticatedRoutesRequireToken(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/api/referrals/tree", "/api/purchases", "/api/earnings/report", "/api/notifications"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "path %s", path)
	}
}

// =============================================================================
// REFERRAL FLOW
// =============================================================================

func TestValidateCodeEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	account, _ := register(t, srv, 1, "")

	resp, err := http.Get(srv.URL + "/api/referrals/validate/" + account.ReferralCode)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var v engine.CodeValidation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.True(t, v.Valid)
	require.NotNil(t, v.Referrer)
	assert.Equal(t, "user1", v.Referrer.Username)

	resp, err = http.Get(srv.URL + "/api/referrals/validate/ZZZZ9999")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.False(t, v.Valid)
}

func TestTreeEndpoint(t *testing.T) {
	// GIVEN: A sponsors B, B sponsors C
	// WHEN: A queries the tree
	// THEN: one direct, one indirect member

	srv, _ := newTestServer(t)
	a, tokenA := register(t, srv, 1, "")
	b, _ := register(t, srv, 2, a.ReferralCode)
	register(t, srv, 3, b.ReferralCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/referrals/tree?depth=2", nil)
	req.Header.Set("Authorization", "Bearer "+tokenA)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tree engine.Tree
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tree))
	assert.Len(t, tree.DirectReferrals, 1)
	assert.Len(t, tree.IndirectReferrals, 1)
}

// =============================================================================
// PURCHASE FLOW
// =============================================================================

func TestPurchaseFlow(t *testing.T) {
	// GIVEN: chain A -> B -> C over the API
	// WHEN: C buys for 2000 with profit 300
	// THEN: 201 with a completed transaction and two splits; B sees the
	//       earning in the report and in notifications

	srv, _ := newTestServer(t)
	a, _ := register(t, srv, 1, "")
	b, tokenB := register(t, srv, 2, a.ReferralCode)
	_, tokenC := register(t, srv, 3, b.ReferralCode)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/purchases",
		bytes.NewBufferString(`{"purchaseAmount":"2000","profitAmount":"300","productLabel":"starter kit"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tokenC)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var tx TransactionDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tx))
	assert.Equal(t, "completed", tx.Status)
	assert.True(t, tx.IsValidForEarnings)
	assert.Equal(t, "18", tx.TotalEarningsDistributed)
	require.Len(t, tx.ReferralChain, 2)
	assert.Equal(t, b.ID, tx.ReferralChain[0].Beneficiary)
	assert.Equal(t, "15", tx.ReferralChain[0].Amount)

	// B's earnings report reflects the credit.
	reqRep, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/earnings/report", nil)
	reqRep.Header.Set("Authorization", "Bearer "+tokenB)
	respRep, err := http.DefaultClient.Do(reqRep)
	require.NoError(t, err)
	defer respRep.Body.Close()
	require.Equal(t, http.StatusOK, respRep.StatusCode)

	var report engine.EarningsReport
	require.NoError(t, json.NewDecoder(respRep.Body).Decode(&report))
	assert.Equal(t, "15", report.TotalEarnings.String())
	assert.Equal(t, 1, report.TransactionCount)

	// B got an earning notification.
	reqN, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/notifications", nil)
	reqN.Header.Set("Authorization", "Bearer "+tokenB)
	respN, err := http.DefaultClient.Do(reqN)
	require.NoError(t, err)
	defer respN.Body.Close()

	var notifPage struct {
		Notifications []notify.Notification `json:"notifications"`
		UnreadCount   int                   `json:"unreadCount"`
	}
	require.NoError(t, json.NewDecoder(respN.Body).Decode(&notifPage))
	assert.GreaterOrEqual(t, notifPage.UnreadCount, 1)
	found := false
	for _, n := range notifPage.Notifications {
		if n.Kind == notify.KindEarning {
			found = true
		}
	}
	assert.True(t, found, "expected an earning notification for B")
}

func TestGetTransaction_Access(t *testing.T) {
	// GIVEN: a purchase by C in the A -> B -> C chain
	// WHEN: participants and outsiders fetch it
	// THEN: purchaser and beneficiaries get 200, strangers get 403

	srv, _ := newTestServer(t)
	a, _ := register(t, srv, 1, "")
	b, tokenB := register(t, srv, 2, a.ReferralCode)
	_, tokenC := register(t, srv, 3, b.ReferralCode)
	_, tokenX := register(t, srv, 4, "")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/purchases",
		bytes.NewBufferString(`{"purchaseAmount":"2000","profitAmount":"300"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tokenC)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var tx TransactionDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tx))
	resp.Body.Close()

	get := func(token string) int {
		r, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/transactions/"+tx.ID, nil)
		r.Header.Set("Authorization", "Bearer "+token)
		res, err := http.DefaultClient.Do(r)
		require.NoError(t, err)
		res.Body.Close()
		return res.StatusCode
	}

	assert.Equal(t, http.StatusOK, get(tokenC), "purchaser")
	assert.Equal(t, http.StatusOK, get(tokenB), "beneficiary")
	assert.Equal(t, http.StatusForbidden, get(tokenX), "outsider")

	// Malformed id short-circuits before the store.
	r, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/transactions/not-an-id", nil)
	r.Header.Set("Authorization", "Bearer "+tokenC)
	res, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestLeaderboardEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	a, _ := register(t, srv, 1, "")
	b, _ := register(t, srv, 2, a.ReferralCode)
	_, tokenC := register(t, srv, 3, b.ReferralCode)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/purchases",
		bytes.NewBufferString(`{"purchaseAmount":"2000","profitAmount":"300"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tokenC)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	reqL, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/leaderboard?limit=2", nil)
	reqL.Header.Set("Authorization", "Bearer "+tokenC)
	respL, err := http.DefaultClient.Do(reqL)
	require.NoError(t, err)
	defer respL.Body.Close()
	require.Equal(t, http.StatusOK, respL.StatusCode)

	var entries []engine.LeaderboardEntry
	require.NoError(t, json.NewDecoder(respL.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, engine.AccountID(b.ID), entries[0].Account.ID)

	reqBad, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/leaderboard?limit=500", nil)
	reqBad.Header.Set("Authorization", "Bearer "+tokenC)
	respBad, err := http.DefaultClient.Do(reqBad)
	require.NoError(t, err)
	respBad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, respBad.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
