package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/waitlist/internal/auth"
	"github.com/hitoshi/waitlist/internal/model"
	"github.com/hitoshi/waitlist/internal/repository"
	"github.com/hitoshi/waitlist/internal/security"
	"github.com/hitoshi/waitlist/internal/user"
	"github.com/hitoshi/waitlist/internal/waitlist"
)

// --- インメモリストア ---

type memUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[string]*model.User)}
}

func (m *memUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *memUserRepo) FindByGoogleID(_ context.Context, googleID string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.GoogleID == googleID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memUserRepo) Create(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.GoogleID == u.GoogleID {
			return repository.ErrDuplicate
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUserRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*model.Session)}
}

func (m *memSessionRepo) Create(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Expired(time.Now()) {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionRepo) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memSessionRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type memWaitlistRepo struct {
	mu      sync.Mutex
	entries []memWaitlistRow
	base    time.Time
	failing bool
}

type memWaitlistRow struct {
	id    int
	entry model.WaitlistEntry
}

func newMemWaitlistRepo() *memWaitlistRepo {
	return &memWaitlistRepo{base: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *memWaitlistRepo) Create(_ context.Context, email string) (*model.WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errors.New("connection refused")
	}
	for _, row := range m.entries {
		if row.entry.Email == email {
			return nil, repository.ErrDuplicate
		}
	}
	id := len(m.entries) + 1
	e := model.WaitlistEntry{Email: email, CreatedAt: m.base.Add(time.Duration(id) * time.Second)}
	m.entries = append(m.entries, memWaitlistRow{id: id, entry: e})
	return &e, nil
}

func (m *memWaitlistRepo) List(_ context.Context) ([]model.WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errors.New("connection refused")
	}
	rows := make([]memWaitlistRow, len(m.entries))
	copy(rows, m.entries)
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].entry.CreatedAt.Equal(rows[j].entry.CreatedAt) {
			return rows[i].entry.CreatedAt.After(rows[j].entry.CreatedAt)
		}
		return rows[i].id > rows[j].id
	})
	out := make([]model.WaitlistEntry, len(rows))
	for i, r := range rows {
		out[i] = r.entry
	}
	return out, nil
}

func (m *memWaitlistRepo) countEmail(email string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.entries {
		if row.entry.Email == email {
			n++
		}
	}
	return n
}

// fakeIdP は認可コードをそのままGoogleのsubjectとして扱うIdP。
// "bad"は検証失敗を返す。
type fakeIdP struct{}

func (fakeIdP) GetLoginURL(state string) string {
	return "https://idp.test/auth?state=" + url.QueryEscape(state)
}

func (fakeIdP) ExchangeCode(_ context.Context, code string) (*auth.OAuthUserInfo, error) {
	if code == "bad" {
		return nil, errors.New("invalid_grant")
	}
	return &auth.OAuthUserInfo{
		ProviderUserID: "sub-" + code,
		Email:          code + "@example.com",
		Name:           "<b>" + code + "</b>",
		Provider:       "google",
	}, nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// --- テスト環境 ---

type testEnv struct {
	server   *httptest.Server
	users    *memUserRepo
	sessions *memSessionRepo
	waitlist *memWaitlistRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		users:    newMemUserRepo(),
		sessions: newMemSessionRepo(),
		waitlist: newMemWaitlistRepo(),
	}

	userSvc := user.NewService(env.users, security.NewProfileSanitizer())
	authSvc := auth.NewService(fakeIdP{}, userSvc, env.sessions, auth.NewTokenSigner("test-secret"), nil,
		auth.ServiceConfig{SessionMaxAge: 3600})

	router := NewRouter(&RouterDeps{
		SessionResolver:   authSvc,
		CORSAllowedOrigin: "http://localhost:3000",
		AuthService:       authSvc,
		AuthConfig: AuthHandlerConfig{
			SuccessURL:    "http://localhost:3000/profile",
			FailurePath:   "/login",
			SessionMaxAge: 3600,
		},
		WaitlistService: waitlist.NewService(env.waitlist, nil),
		HealthChecker:   pingFunc(func(ctx context.Context) error { return nil }),
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "# metrics\n")
		}),
	})

	env.server = httptest.NewServer(router)
	t.Cleanup(env.server.Close)
	return env
}

// newClient はCookieを保持し、リダイレクトを追わないクライアントを返す。
func (env *testEnv) newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New() error = %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (env *testEnv) do(t *testing.T, c *http.Client, method, path, body string) (*http.Response, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, env.server.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, strings.TrimSpace(string(b))
}

// login はOAuthフローを最後まで実行し、コールバックのレスポンスを返す。
func (env *testEnv) login(t *testing.T, c *http.Client, code string) *http.Response {
	t.Helper()

	resp, _ := env.do(t, c, http.MethodGet, "/auth/google", "")
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("GET /auth/google status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	state := loc.Query().Get("state")

	resp, _ = env.do(t, c, http.MethodGet, "/auth/google/callback?code="+code+"&state="+url.QueryEscape(state), "")
	return resp
}

// --- テスト ---

func TestRouter_Waitlist_AddThenList(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	resp, body := env.do(t, c, http.MethodPost, "/api/waitlist", `{"email":"new@example.com"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, http.StatusCreated, body)
	}

	_, body = env.do(t, c, http.MethodGet, "/api/waitlist", "")
	var entries []struct {
		Email     string `json:"email"`
		CreatedAt string `json:"createdAt"`
	}
	if err := json.Unmarshal([]byte(body), &entries); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(entries) != 1 || entries[0].Email != "new@example.com" || entries[0].CreatedAt == "" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestRouter_Waitlist_DuplicateReturnsConflict(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	first, _ := env.do(t, c, http.MethodPost, "/api/waitlist", `{"email":"dup@example.com"}`)
	second, body := env.do(t, c, http.MethodPost, "/api/waitlist", `{"email":"dup@example.com"}`)

	if first.StatusCode != http.StatusCreated {
		t.Errorf("first status = %d, want %d", first.StatusCode, http.StatusCreated)
	}
	if second.StatusCode != http.StatusConflict {
		t.Errorf("second status = %d, want %d", second.StatusCode, http.StatusConflict)
	}
	if body != `{"error":"Email already exists in waitlist"}` {
		t.Errorf("body = %s", body)
	}
	if n := env.waitlist.countEmail("dup@example.com"); n != 1 {
		t.Errorf("store has %d entries for email, want 1", n)
	}
}

func TestRouter_Waitlist_MissingEmailDoesNotAlterStore(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	resp, body := env.do(t, c, http.MethodPost, "/api/waitlist", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if body != `{"error":"Email is required"}` {
		t.Errorf("body = %s", body)
	}

	_, body = env.do(t, c, http.MethodGet, "/api/waitlist", "")
	if body != "[]" {
		t.Errorf("list body = %s, want []", body)
	}
}

func TestRouter_Waitlist_ListNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		if resp, _ := env.do(t, c, http.MethodPost, "/api/waitlist", `{"email":"`+email+`"}`); resp.StatusCode != http.StatusCreated {
			t.Fatalf("POST %s status = %d", email, resp.StatusCode)
		}
	}

	_, body := env.do(t, c, http.MethodGet, "/api/waitlist", "")
	var entries []struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal([]byte(body), &entries); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}

	want := []string{"c@example.com", "b@example.com", "a@example.com"}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, w := range want {
		if entries[i].Email != w {
			t.Errorf("entries[%d] = %q, want %q", i, entries[i].Email, w)
		}
	}
}

func TestRouter_Waitlist_StoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.waitlist.failing = true
	c := env.newClient(t)

	resp, body := env.do(t, c, http.MethodPost, "/api/waitlist", `{"email":"x@example.com"}`)
	if resp.StatusCode != http.StatusInternalServerError || body != `{"error":"Error adding to waitlist"}` {
		t.Errorf("POST status = %d body = %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, c, http.MethodGet, "/api/waitlist", "")
	if resp.StatusCode != http.StatusInternalServerError || body != `{"error":"Error fetching waitlist"}` {
		t.Errorf("GET status = %d body = %s", resp.StatusCode, body)
	}
}

func TestRouter_User_NullWithoutSession(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, env.newClient(t), http.MethodGet, "/api/user", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if body != "null" {
		t.Errorf("body = %s, want null", body)
	}
}

func TestRouter_User_NullWithForgedCookie(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	u, _ := url.Parse(env.server.URL)
	c.Jar.SetCookies(u, []*http.Cookie{{Name: "session_id", Value: "forged"}})

	if _, body := env.do(t, c, http.MethodGet, "/api/user", ""); body != "null" {
		t.Errorf("body = %s, want null", body)
	}
}

func TestRouter_Login_CreatesUserOnceAndResolvesSession(t *testing.T) {
	env := newTestEnv(t)

	first := env.newClient(t)
	resp := env.login(t, first, "alice")
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("callback status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if loc := resp.Header.Get("Location"); loc != "http://localhost:3000/profile" {
		t.Errorf("Location = %q, want %q", loc, "http://localhost:3000/profile")
	}

	_, body := env.do(t, first, http.MethodGet, "/api/user", "")
	var me struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal([]byte(body), &me); err != nil {
		t.Fatalf("failed to decode user: %v (body %s)", err, body)
	}
	if me.Email != "alice@example.com" {
		t.Errorf("email = %q, want %q", me.Email, "alice@example.com")
	}
	if me.Name != "alice" {
		t.Errorf("name = %q, want markup stripped %q", me.Name, "alice")
	}

	// 2回目のログインでは同じユーザーが返ること
	second := env.newClient(t)
	env.login(t, second, "alice")
	_, body = env.do(t, second, http.MethodGet, "/api/user", "")
	var again struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(body), &again); err != nil {
		t.Fatalf("failed to decode user: %v", err)
	}
	if again.ID != me.ID {
		t.Errorf("second login user ID = %q, want %q", again.ID, me.ID)
	}
	if n := env.users.count(); n != 1 {
		t.Errorf("user count = %d, want 1", n)
	}
	if n := env.sessions.count(); n != 2 {
		t.Errorf("session count = %d, want 2", n)
	}
}

func TestRouter_Login_VerificationFailureRedirects(t *testing.T) {
	env := newTestEnv(t)

	resp := env.login(t, env.newClient(t), "bad")
	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); loc != "/login" {
		t.Errorf("Location = %q, want %q", loc, "/login")
	}
	if n := env.users.count(); n != 0 {
		t.Errorf("user count = %d, want 0", n)
	}
}

func TestRouter_Logout_AlwaysSucceeds(t *testing.T) {
	env := newTestEnv(t)

	// セッションなし
	resp, body := env.do(t, env.newClient(t), http.MethodGet, "/api/logout", "")
	if resp.StatusCode != http.StatusOK || body != `{"message":"Logged out successfully"}` {
		t.Errorf("anonymous logout status = %d body = %s", resp.StatusCode, body)
	}

	// セッションあり
	c := env.newClient(t)
	env.login(t, c, "bob")
	resp, body = env.do(t, c, http.MethodGet, "/api/logout", "")
	if resp.StatusCode != http.StatusOK || body != `{"message":"Logged out successfully"}` {
		t.Errorf("logout status = %d body = %s", resp.StatusCode, body)
	}
	if n := env.sessions.count(); n != 0 {
		t.Errorf("session count after logout = %d, want 0", n)
	}
	if _, body := env.do(t, c, http.MethodGet, "/api/user", ""); body != "null" {
		t.Errorf("user after logout = %s, want null", body)
	}
}

func TestRouter_OperationalEndpoints(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	resp, body := env.do(t, c, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || body != `{"status":"ok"}` {
		t.Errorf("/health status = %d body = %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, c, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(body, "# metrics") {
		t.Errorf("/metrics status = %d body = %s", resp.StatusCode, body)
	}
}

func TestRouter_AppliesCORSAndSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, env.newClient(t), http.MethodOptions, "/api/waitlist", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q", got)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestRouter_UnknownRoute_Returns404(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, env.newClient(t), http.MethodGet, "/api/unknown", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

var _ repository.UserRepository = (*memUserRepo)(nil)
var _ repository.SessionRepository = (*memSessionRepo)(nil)
var _ repository.WaitlistRepository = (*memWaitlistRepo)(nil)
var _ auth.OAuthProvider = fakeIdP{}
