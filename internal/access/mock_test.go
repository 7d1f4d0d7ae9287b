package access

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hitoshi/speakfuel/internal/model"
	"github.com/hitoshi/speakfuel/internal/repository"
)

// --- モック定義 ---

type sentLink struct {
	email      string
	redirectTo string
	data       map[string]any
}

type mockIdP struct {
	createUserFn         func(ctx context.Context, email string, md map[string]any) (*model.IdentityUser, error)
	findUserByEmailFn    func(ctx context.Context, email string) (*model.IdentityUser, error)
	updateAppMetadataFn  func(ctx context.Context, userID string, md map[string]any) error
	sendMagicLinkFn      func(ctx context.Context, email, redirectTo string, data map[string]any) error
	verifyOTPFn          func(ctx context.Context, tokenHash, otpType string) (*model.AuthSession, error)
	getUserFn            func(ctx context.Context, accessToken string) (*model.IdentityUser, error)
	refreshSessionFn     func(ctx context.Context, refreshToken string) (*model.AuthSession, error)
	signInWithPasswordFn func(ctx context.Context, email, password string) (*model.AuthSession, error)
	signOutFn            func(ctx context.Context, accessToken string) error

	links    []sentLink
	signOuts []string
}

var (
	_ IdentityProvider     = (*mockIdP)(nil)
	_ SessionAuthenticator = (*mockIdP)(nil)
)

func (m *mockIdP) CreateUser(ctx context.Context, email string, md map[string]any) (*model.IdentityUser, error) {
	if m.createUserFn != nil {
		return m.createUserFn(ctx, email, md)
	}
	return &model.IdentityUser{ID: "user-1", Email: email}, nil
}

func (m *mockIdP) FindUserByEmail(ctx context.Context, email string) (*model.IdentityUser, error) {
	if m.findUserByEmailFn != nil {
		return m.findUserByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockIdP) UpdateUserAppMetadata(ctx context.Context, userID string, md map[string]any) error {
	if m.updateAppMetadataFn != nil {
		return m.updateAppMetadataFn(ctx, userID, md)
	}
	return nil
}

func (m *mockIdP) SendMagicLink(ctx context.Context, email, redirectTo string, data map[string]any) error {
	m.links = append(m.links, sentLink{email: email, redirectTo: redirectTo, data: data})
	if m.sendMagicLinkFn != nil {
		return m.sendMagicLinkFn(ctx, email, redirectTo, data)
	}
	return nil
}

func (m *mockIdP) VerifyOTP(ctx context.Context, tokenHash, otpType string) (*model.AuthSession, error) {
	if m.verifyOTPFn != nil {
		return m.verifyOTPFn(ctx, tokenHash, otpType)
	}
	return nil, model.ErrInvalidToken
}

func (m *mockIdP) GetUser(ctx context.Context, accessToken string) (*model.IdentityUser, error) {
	if m.getUserFn != nil {
		return m.getUserFn(ctx, accessToken)
	}
	return nil, model.ErrInvalidToken
}

func (m *mockIdP) RefreshSession(ctx context.Context, refreshToken string) (*model.AuthSession, error) {
	if m.refreshSessionFn != nil {
		return m.refreshSessionFn(ctx, refreshToken)
	}
	return nil, model.ErrInvalidToken
}

func (m *mockIdP) SignInWithPassword(ctx context.Context, email, password string) (*model.AuthSession, error) {
	if m.signInWithPasswordFn != nil {
		return m.signInWithPasswordFn(ctx, email, password)
	}
	return nil, model.ErrInvalidCredentials
}

func (m *mockIdP) SignOut(ctx context.Context, accessToken string) error {
	m.signOuts = append(m.signOuts, accessToken)
	if m.signOutFn != nil {
		return m.signOutFn(ctx, accessToken)
	}
	return nil
}

type mockProfileRepo struct {
	checkPaidAccessFn func(ctx context.Context, email string) (*model.AccessStatus, error)
	grantPaidAccessFn func(ctx context.Context, userID, email string) (*model.GrantResult, error)
	findByIDFn        func(ctx context.Context, id string) (*model.Account, error)
}

var _ repository.ProfileRepository = (*mockProfileRepo)(nil)

func (m *mockProfileRepo) CheckPaidAccess(ctx context.Context, email string) (*model.AccessStatus, error) {
	if m.checkPaidAccessFn != nil {
		return m.checkPaidAccessFn(ctx, email)
	}
	return &model.AccessStatus{HasAccess: false, Reason: model.DenialUserNotFound}, nil
}

func (m *mockProfileRepo) GrantPaidAccess(ctx context.Context, userID, email string) (*model.GrantResult, error) {
	if m.grantPaidAccessFn != nil {
		return m.grantPaidAccessFn(ctx, userID, email)
	}
	return &model.GrantResult{Success: true}, nil
}

func (m *mockProfileRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

// --- インメモリのIdPとプロフィールストア ---

// memoryStore はIdPユーザーとプロフィールを同時に保持するフェイク。
// Webhookとクライアント確認の競合を再現するため、並行呼び出しに対して安全にしている。
type memoryStore struct {
	mu       sync.Mutex
	users    map[string]*model.IdentityUser // key: 正規化済みemail
	profiles map[string]*model.Account      // key: user id
	nextID   int
	links    int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:    make(map[string]*model.IdentityUser),
		profiles: make(map[string]*model.Account),
	}
}

func (s *memoryStore) CreateUser(_ context.Context, email string, _ map[string]any) (*model.IdentityUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := s.users[key]; ok {
		return nil, fmt.Errorf("create user: %w", model.ErrIdentityUserExists)
	}
	s.nextID++
	u := &model.IdentityUser{ID: fmt.Sprintf("user-%d", s.nextID), Email: key}
	s.users[key] = u
	return u, nil
}

func (s *memoryStore) FindUserByEmail(_ context.Context, email string) (*model.IdentityUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[strings.ToLower(email)], nil
}

func (s *memoryStore) UpdateUserAppMetadata(_ context.Context, _ string, _ map[string]any) error {
	return nil
}

func (s *memoryStore) SendMagicLink(_ context.Context, email, _ string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[strings.ToLower(email)]; !ok {
		return fmt.Errorf("signups not allowed for otp")
	}
	s.links++
	return nil
}

func (s *memoryStore) CheckPaidAccess(_ context.Context, email string) (*model.AccessStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if strings.EqualFold(p.Email, email) {
			if p.PaidAccess {
				return &model.AccessStatus{HasAccess: true, Message: "Access granted"}, nil
			}
			return &model.AccessStatus{Reason: model.DenialNoPaidAccess}, nil
		}
	}
	return &model.AccessStatus{Reason: model.DenialUserNotFound}, nil
}

func (s *memoryStore) GrantPaidAccess(_ context.Context, userID, email string) (*model.GrantResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[userID]; ok {
		already := p.PaidAccess
		p.PaidAccess = true
		return &model.GrantResult{Success: true, AlreadyGranted: already}, nil
	}
	s.profiles[userID] = &model.Account{ID: userID, Email: strings.ToLower(email), PaidAccess: true}
	return &model.GrantResult{Success: true}, nil
}

func (s *memoryStore) FindByID(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[id], nil
}
